package server

import (
	"fmt"
	"math/rand"
	"net"

	"go.uber.org/zap"

	"github.com/sarchlab/qserver/advert"
	"github.com/sarchlab/qserver/sim/queueing"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

const (
	// DefaultPort is the port servers listen on.
	DefaultPort = 9

	// DefaultCapacity is the service capacity in bit/s.
	DefaultCapacity = 10_000_000

	// DefaultStatsPeriod is the time between two advertisements.
	DefaultStatsPeriod timing.VTimeInSec = 10
)

// Builder builds servers.
type Builder struct {
	engine        timing.EventScheduler
	sender        transport.Sender
	capacity      float64
	statsPeriod   timing.VTimeInSec
	serverAddress net.IP
	netMask       net.IPMask
	upstream      net.IP
	upstreamPort  int
	rand          Rand
	logger        *zap.Logger
}

// MakeBuilder returns a builder with the default capacity and stats period.
func MakeBuilder() Builder {
	return Builder{
		capacity:     DefaultCapacity,
		statsPeriod:  DefaultStatsPeriod,
		upstreamPort: advert.Port,
	}
}

// WithEngine sets the engine that drives the server.
func (b Builder) WithEngine(engine timing.EventScheduler) Builder {
	b.engine = engine
	return b
}

// WithSender sets the transport replies and advertisements are sent through.
func (b Builder) WithSender(sender transport.Sender) Builder {
	b.sender = sender
	return b
}

// WithCapacity sets the service capacity in bit/s.
func (b Builder) WithCapacity(capacity float64) Builder {
	b.capacity = capacity
	return b
}

// WithStatsPeriod sets the time between two advertisements.
func (b Builder) WithStatsPeriod(period timing.VTimeInSec) Builder {
	b.statsPeriod = period
	return b
}

// WithServerAddress sets the address put into advertisements.
func (b Builder) WithServerAddress(addr net.IP) Builder {
	b.serverAddress = addr
	return b
}

// WithNetMask sets the mask put into advertisements.
func (b Builder) WithNetMask(mask net.IPMask) Builder {
	b.netMask = mask
	return b
}

// WithUpstream sets the router that receives advertisements. Without an
// upstream the server does not announce.
func (b Builder) WithUpstream(upstream net.IP) Builder {
	b.upstream = upstream
	return b
}

// WithUpstreamPort overrides the advertisement port.
func (b Builder) WithUpstreamPort(port int) Builder {
	b.upstreamPort = port
	return b
}

// WithRand sets the source of the service time draws.
func (b Builder) WithRand(r Rand) Builder {
	b.rand = r
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a server.
func (b Builder) Build(name string) *Comp {
	b.mustBeValid()

	c := &Comp{
		name:     name,
		engine:   b.engine,
		sender:   b.sender,
		capacity: b.capacity,
		rand:     b.rand,
		logger:   b.logger,
		buffer:   queueing.MakeBufferBuilder().Build(name + ".Buffer"),
	}

	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(1))
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	c.announcer = &Announcer{
		comp:    c,
		engine:  b.engine,
		sender:  b.sender,
		logger:  c.logger,
		period:  b.statsPeriod,
		address: b.serverAddress,
		mask:    b.netMask,
	}

	if b.upstream != nil {
		c.announcer.upstream = &net.UDPAddr{IP: b.upstream, Port: b.upstreamPort}
	}

	return c
}

func (b Builder) mustBeValid() {
	if b.engine == nil {
		panic("server: engine is not set")
	}

	if b.sender == nil {
		panic("server: sender is not set")
	}

	if b.capacity <= 0 {
		panic(fmt.Sprintf("server: capacity must be positive, got %f", b.capacity))
	}

	if b.statsPeriod <= 0 {
		panic(fmt.Sprintf("server: stats period must be positive, got %f",
			b.statsPeriod))
	}
}
