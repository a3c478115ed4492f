// Package simulation wires one server, its clients, and its upstream router
// onto a simulated network and drives them with a serial engine.
package simulation

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"reflect"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sarchlab/qserver/advert"
	"github.com/sarchlab/qserver/client"
	"github.com/sarchlab/qserver/config"
	"github.com/sarchlab/qserver/datarecording"
	"github.com/sarchlab/qserver/monitoring"
	"github.com/sarchlab/qserver/server"
	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/tracing"
	"github.com/sarchlab/qserver/transport"
	"github.com/sarchlab/qserver/transport/simnet"
)

// clientPort is the local port every simulated client binds.
const clientPort = 5000

// A Component is anything with a name that takes part in a simulation.
type Component interface {
	Name() string
}

type stopEvent struct {
	*timing.EventBase
}

// A Simulation provides the service requires to define a simulation.
type Simulation struct {
	id     string
	cfg    config.Config
	logger *zap.Logger

	engine   *timing.SerialEngine
	network  *simnet.Network
	server   *server.Comp
	clients  []*client.Comp
	upstream *Upstream

	dataRecorder *datarecording.SQLiteRecorder
	packetTracer *tracing.PacketTracer
	sojourn      *tracing.SojournTracer

	monitor    *monitoring.Monitor
	monitorURL string
	progress   *monitoring.ProgressBar

	components    []Component
	compNameIndex map[string]int

	terminated bool
}

// Summary is the outcome of a run.
type Summary struct {
	Duration     float64      `json:"duration"`
	Server       server.Stats `json:"server"`
	Requests     uint64       `json:"requests"`
	SendFailures uint64       `json:"send_failures"`
	Replies      uint64       `json:"replies"`
	MeanRTT      float64      `json:"mean_rtt"`
	MaxRTT       float64      `json:"max_rtt"`
	Departures   uint64       `json:"departures"`
	MeanSojourn  float64      `json:"mean_sojourn"`
	MaxSojourn   float64      `json:"max_sojourn"`
	Adverts      uint64       `json:"adverts"`
	LastMue      uint32       `json:"last_mue"`
	LastLambda   uint32       `json:"last_lambda"`
}

func (s *Simulation) buildTopology() {
	cfg := s.cfg

	s.network = simnet.MakeBuilder().
		WithEngine(s.engine).
		WithLatency(cfg.Latency).
		Build("Network")
	s.RegisterComponent(s.network)

	s.buildServer()

	if cfg.Upstream != nil {
		s.upstream = &Upstream{name: "Upstream", logger: s.logger}
		s.network.Attach(
			&net.UDPAddr{IP: cfg.Upstream, Port: advert.Port},
			cfg.NetMask,
			s.upstream)
		s.RegisterComponent(s.upstream)
	}

	for i := 0; i < cfg.Clients; i++ {
		s.buildClient(i)
	}
}

func (s *Simulation) buildServer() {
	cfg := s.cfg

	var srv *server.Comp

	ep := s.network.Attach(
		&net.UDPAddr{IP: cfg.ServerAddress.To4(), Port: cfg.Port},
		cfg.NetMask,
		transport.ReceiverFunc(func(d *transport.Datagram) {
			srv.HandleDatagram(d)
		}))

	if cfg.Group != nil {
		if err := ep.JoinGroup(cfg.Group); err != nil {
			s.logger.Warn("cannot join group", zap.Error(err))
		}
	}

	srv = server.MakeBuilder().
		WithEngine(s.engine).
		WithSender(ep).
		WithCapacity(cfg.Capacity).
		WithStatsPeriod(cfg.StatsPeriod).
		WithServerAddress(cfg.ServerAddress).
		WithNetMask(cfg.NetMask).
		WithUpstream(cfg.Upstream).
		WithRand(rand.New(rand.NewSource(cfg.Seed))).
		WithLogger(s.logger).
		Build("Server")

	tracing.CollectTrace(srv, s.sojourn)
	if s.packetTracer != nil {
		tracing.CollectTrace(srv, s.packetTracer)
	}

	s.server = srv
	s.RegisterComponent(srv)
}

func (s *Simulation) buildClient(i int) {
	cfg := s.cfg

	dst := &net.UDPAddr{IP: cfg.ServerAddress.To4(), Port: cfg.Port}
	if cfg.Group != nil {
		dst = &net.UDPAddr{IP: cfg.Group, Port: cfg.Port}
	}

	var c *client.Comp

	ep := s.network.Attach(
		&net.UDPAddr{IP: clientAddr(cfg.ServerAddress, i), Port: clientPort},
		cfg.NetMask,
		transport.ReceiverFunc(func(d *transport.Datagram) {
			c.HandleDatagram(d)
		}))

	c = client.MakeBuilder().
		WithEngine(s.engine).
		WithSender(ep).
		WithServer(dst).
		WithRate(cfg.ClientRate).
		WithPayloadSize(cfg.PayloadSize).
		WithRand(rand.New(rand.NewSource(cfg.Seed + int64(i) + 1))).
		WithLogger(s.logger).
		Build(fmt.Sprintf("Client[%d]", i))

	if s.packetTracer != nil {
		tracing.CollectTrace(c, s.packetTracer)
	}

	s.clients = append(s.clients, c)
	s.RegisterComponent(c)
}

// ID returns the unique ID of the simulation.
func (s *Simulation) ID() string {
	return s.id
}

// GetEngine returns the engine used in the simulation.
func (s *Simulation) GetEngine() timing.Engine {
	return s.engine
}

// GetNetwork returns the simulated network.
func (s *Simulation) GetNetwork() *simnet.Network {
	return s.network
}

// GetServer returns the server under test.
func (s *Simulation) GetServer() *server.Comp {
	return s.server
}

// GetClients returns the clients in creation order.
func (s *Simulation) GetClients() []*client.Comp {
	return s.clients
}

// GetUpstream returns the upstream router, or nil if announcing is disabled.
func (s *Simulation) GetUpstream() *Upstream {
	return s.upstream
}

// GetDataRecorder returns the data recorder, or nil if recording is off.
func (s *Simulation) GetDataRecorder() *datarecording.SQLiteRecorder {
	return s.dataRecorder
}

// GetMonitor returns the monitor, or nil if monitoring is off.
func (s *Simulation) GetMonitor() *monitoring.Monitor {
	return s.monitor
}

// MonitorURL returns where the monitor is served.
func (s *Simulation) MonitorURL() string {
	return s.monitorURL
}

// RegisterComponent registers a component with the simulation.
func (s *Simulation) RegisterComponent(c Component) {
	compName := c.Name()
	if _, exists := s.compNameIndex[compName]; exists {
		panic("component " + compName + " already registered")
	}

	s.components = append(s.components, c)
	s.compNameIndex[compName] = len(s.components) - 1
}

// GetComponentByName returns the component with the given name, or nil.
func (s *Simulation) GetComponentByName(name string) Component {
	i, ok := s.compNameIndex[name]
	if !ok {
		return nil
	}

	return s.components[i]
}

// Components returns all registered components.
func (s *Simulation) Components() []Component {
	return s.components
}

// Run starts the clients, stops every component once the configured
// duration has passed, and returns after the in-flight packets drain.
func (s *Simulation) Run() error {
	for _, c := range s.clients {
		c.Start()
	}

	timing.ScheduleAfter(s.engine, s.cfg.Duration,
		func(t timing.VTimeInSec) timing.Event {
			return stopEvent{timing.NewEventBase(t, s)}
		})

	s.logger.Info("simulation started",
		zap.String("id", s.id),
		zap.Int("clients", len(s.clients)),
		zap.Float64("duration", s.cfg.Duration))

	err := s.engine.Run()

	if s.progress != nil {
		s.monitor.CompleteProgressBar(s.progress)
	}

	return err
}

// Handle ends the measured period.
func (s *Simulation) Handle(e timing.Event) error {
	switch e := e.(type) {
	case stopEvent:
		for _, c := range s.clients {
			c.Stop()
		}

		s.server.Stop()
	default:
		panic("simulation: cannot handle event of type " +
			reflect.TypeOf(e).String())
	}

	return nil
}

// Summary collects the counters of every component.
func (s *Simulation) Summary() Summary {
	sum := Summary{
		Duration:    s.engine.Now(),
		Server:      s.server.Stats(),
		Departures:  s.sojourn.Count(),
		MeanSojourn: s.sojourn.Mean(),
		MaxSojourn:  s.sojourn.Max(),
	}

	var rttSum float64

	for _, c := range s.clients {
		sum.Requests += c.Sent()
		sum.SendFailures += c.Failures()
		sum.Replies += c.Replies()
		rttSum += c.MeanRTT() * float64(c.Replies())

		if c.MaxRTT() > sum.MaxRTT {
			sum.MaxRTT = c.MaxRTT()
		}
	}

	if sum.Replies > 0 {
		sum.MeanRTT = rttSum / float64(sum.Replies)
	}

	if s.upstream != nil {
		last := s.upstream.Last()
		sum.Adverts = s.upstream.Received()
		sum.LastMue = last.Mue
		sum.LastLambda = last.Lambda
	}

	return sum
}

// Terminate flushes the recorder and stops the monitor. Calling it twice
// does nothing.
func (s *Simulation) Terminate() error {
	if s.terminated {
		return nil
	}

	s.terminated = true

	var err error

	if s.dataRecorder != nil {
		err = multierr.Append(err, s.dataRecorder.Close())
	}

	if s.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = multierr.Append(err, s.monitor.Shutdown(ctx))
	}

	return err
}

type progressHook struct {
	s *Simulation
}

func (h progressHook) Func(ctx hooking.HookCtx) {
	if ctx.Pos != timing.HookPosAfterEvent {
		return
	}

	h.s.progress.SetFinished(uint64(ctx.Now))
}
