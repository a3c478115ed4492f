package client

import (
	"fmt"
	"math/rand"
	"net"

	"go.uber.org/zap"

	"github.com/sarchlab/qserver/header"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

// Builder builds clients.
type Builder struct {
	engine      timing.EventScheduler
	sender      transport.Sender
	server      net.Addr
	rate        float64
	payloadSize int
	maxRequests uint64
	rand        Rand
	logger      *zap.Logger
}

// MakeBuilder returns a builder for a client that sends one 64-byte request
// per second on average, without limit.
func MakeBuilder() Builder {
	return Builder{
		rate:        1,
		payloadSize: 64,
	}
}

// WithEngine sets the engine that drives the client.
func (b Builder) WithEngine(engine timing.EventScheduler) Builder {
	b.engine = engine
	return b
}

// WithSender sets the transport requests are sent through.
func (b Builder) WithSender(sender transport.Sender) Builder {
	b.sender = sender
	return b
}

// WithServer sets where requests go.
func (b Builder) WithServer(server net.Addr) Builder {
	b.server = server
	return b
}

// WithRate sets the mean number of requests per second.
func (b Builder) WithRate(rate float64) Builder {
	b.rate = rate
	return b
}

// WithPayloadSize sets the request size in bytes, header included.
func (b Builder) WithPayloadSize(size int) Builder {
	b.payloadSize = size
	return b
}

// WithMaxRequests stops the client after n requests. Zero means no limit.
func (b Builder) WithMaxRequests(n uint64) Builder {
	b.maxRequests = n
	return b
}

// WithRand sets the source of the inter-request draws.
func (b Builder) WithRand(r Rand) Builder {
	b.rand = r
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *zap.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a client.
func (b Builder) Build(name string) *Comp {
	if b.engine == nil {
		panic("client: engine is not set")
	}

	if b.sender == nil {
		panic("client: sender is not set")
	}

	if b.server == nil {
		panic("client: server is not set")
	}

	if b.rate <= 0 {
		panic(fmt.Sprintf("client: rate must be positive, got %f", b.rate))
	}

	if b.payloadSize < header.Size {
		panic(fmt.Sprintf("client: payload size %d is smaller than the header",
			b.payloadSize))
	}

	c := &Comp{
		name:        name,
		engine:      b.engine,
		sender:      b.sender,
		server:      b.server,
		rate:        b.rate,
		payloadSize: b.payloadSize,
		maxRequests: b.maxRequests,
		rand:        b.rand,
		logger:      b.logger,
	}

	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(2))
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	return c
}
