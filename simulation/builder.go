package simulation

import (
	"fmt"
	"net"

	"github.com/rs/xid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sarchlab/qserver/config"
	"github.com/sarchlab/qserver/datarecording"
	"github.com/sarchlab/qserver/monitoring"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/tracing"
)

// maxClients keeps every client inside the server's /24.
const maxClients = 100

// Builder can be used to build a simulation.
type Builder struct {
	cfg            config.Config
	monitorOn      bool
	monitorPort    int
	recordOn       bool
	outputFileName string
	logger         *zap.Logger
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		cfg:       config.Default(),
		monitorOn: true,
	}
}

// WithConfig sets the server, client, and network parameters.
func (b Builder) WithConfig(cfg config.Config) Builder {
	b.cfg = cfg
	return b
}

// WithoutMonitoring sets the simulation to not use monitoring.
func (b Builder) WithoutMonitoring() Builder {
	b.monitorOn = false
	return b
}

// WithMonitorPort sets the port number for the monitoring server.
func (b Builder) WithMonitorPort(port int) Builder {
	b.monitorPort = port
	return b
}

// WithRecording turns on packet tracing into a SQLite file.
func (b Builder) WithRecording() Builder {
	b.recordOn = true
	return b
}

// WithOutputFileName sets the custom output file name for the data recorder.
// It implies WithRecording.
func (b Builder) WithOutputFileName(filename string) Builder {
	b.recordOn = true
	b.outputFileName = filename

	return b
}

// WithLogger sets the logger shared by every component.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

func (b Builder) parametersMustBeValid() error {
	if !b.monitorOn && b.monitorPort != 0 {
		return fmt.Errorf(
			"%w: monitor port cannot be set when monitoring is disabled",
			config.ErrInvalid)
	}

	if b.cfg.Clients > maxClients {
		return fmt.Errorf("%w: at most %d clients, got %d",
			config.ErrInvalid, maxClients, b.cfg.Clients)
	}

	if b.cfg.ServerAddress == nil || b.cfg.ServerAddress.To4() == nil {
		return fmt.Errorf("%w: a simulated server needs an IPv4 address",
			config.ErrInvalid)
	}

	return b.cfg.Validate()
}

// Build builds the simulation.
func (b Builder) Build() (*Simulation, error) {
	if err := b.parametersMustBeValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Simulation{
		id:            xid.New().String(),
		cfg:           b.cfg,
		logger:        logger,
		engine:        timing.NewSerialEngine(),
		compNameIndex: make(map[string]int),
		sojourn:       tracing.NewSojournTracer(),
	}

	if b.recordOn {
		if err := b.buildRecorder(s); err != nil {
			return nil, err
		}
	}

	s.buildTopology()

	if b.monitorOn {
		if err := b.buildMonitor(s); err != nil {
			return nil, multierr.Append(err, s.Terminate())
		}
	}

	return s, nil
}

func (b Builder) buildRecorder(s *Simulation) error {
	outputPath := b.outputFileName
	if outputPath == "" {
		outputPath = "qserver_sim_" + s.id
	}

	recorder, err := datarecording.New(outputPath, s.logger)
	if err != nil {
		return err
	}

	tracer, err := tracing.NewPacketTracer(recorder, s.logger)
	if err != nil {
		return multierr.Append(err, recorder.Close())
	}

	s.dataRecorder = recorder
	s.packetTracer = tracer

	return nil
}

func (b Builder) buildMonitor(s *Simulation) error {
	s.monitor = monitoring.NewMonitor(s.logger)
	if b.monitorPort > 0 {
		s.monitor.WithPortNumber(b.monitorPort)
	}

	s.monitor.RegisterEngine(s.engine)

	for _, c := range s.components {
		s.monitor.RegisterComponent(c)
	}

	s.progress = s.monitor.CreateProgressBar(
		"simulated seconds", uint64(b.cfg.Duration))
	s.engine.AcceptHook(progressHook{s})

	url, err := s.monitor.StartServer()
	if err != nil {
		return err
	}

	s.monitorURL = url

	return nil
}

func clientAddr(server net.IP, i int) net.IP {
	ip := server.To4()
	offset := 100

	if ip[3] > 100 {
		offset = 0
	}

	return net.IPv4(ip[0], ip[1], ip[2], byte(offset+i+1)).To4()
}
