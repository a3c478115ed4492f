package server

import "fmt"

// State is the lifecycle state of a server.
type State int

// The server starts Idle, becomes Running at its first arrival and is
// Stopped by Stop.
const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText lets the state appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateIdle, StateRunning, StateStopped} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}

	return fmt.Errorf("unknown server state %q", text)
}

// Stats is a consistent snapshot of the server counters and rates.
type Stats struct {
	State         State   `json:"state"`
	Received      uint64  `json:"received"`
	Sent          uint64  `json:"sent"`
	Dropped       uint64  `json:"dropped"`
	SendFailures  uint64  `json:"send_failures"`
	QueueLength   int     `json:"queue_length"`
	AvgPacketSize float64 `json:"avg_packet_size"`
	ArrivalRate   float64 `json:"arrival_rate"`
	ServiceRate   float64 `json:"service_rate"`
}
