// Package udp carries datagrams over real IPv4 and IPv6 UDP sockets. Inbound
// datagrams are handed to the receiver as engine events so that the receiver
// always runs on the engine's goroutine.
package udp

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

const maxDatagramSize = 65535

// A socket that keeps failing is retried with a growing pause and given up
// after maxReadFailures consecutive errors.
const (
	minReadBackoff  = 5 * time.Millisecond
	maxReadBackoff  = 500 * time.Millisecond
	maxReadFailures = 64
)

// readBackoff is the pause after the given number of consecutive failures.
func readBackoff(failures int) time.Duration {
	d := minReadBackoff
	for i := 1; i < failures && d < maxReadBackoff; i++ {
		d *= 2
	}

	return min(d, maxReadBackoff)
}

// Config selects what the connection binds to.
type Config struct {
	// Port is the local port for both sockets. Zero picks a free port.
	Port int

	// Group, if set, is a multicast group to join on the socket of the
	// matching IP version.
	Group net.IP

	// Interface is used for the multicast join. Nil lets the system choose.
	Interface *net.Interface

	// DisableIPv6 skips the IPv6 socket.
	DisableIPv6 bool
}

type arrivalEvent struct {
	*timing.EventBase
	dgram *transport.Datagram
}

// Conn is a pair of UDP sockets that implements transport.Sender.
type Conn struct {
	engine timing.EventScheduler
	recv   transport.Receiver
	logger *zap.Logger

	conn4 *net.UDPConn
	pc4   *ipv4.PacketConn
	conn6 *net.UDPConn
	pc6   *ipv6.PacketConn

	sendLock sync.Mutex
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// Listen binds the sockets. Nothing is read until Start is called.
func Listen(
	cfg Config,
	engine timing.EventScheduler,
	logger *zap.Logger,
) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Conn{engine: engine, logger: logger}

	conn4, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("udp: bind IPv4 port %d: %w", cfg.Port, err)
	}

	c.conn4 = conn4
	c.pc4 = ipv4.NewPacketConn(conn4)

	if !cfg.DisableIPv6 {
		c.bindIPv6(cfg.Port)
	}

	if err := c.join(cfg); err != nil {
		return nil, multierr.Append(err, c.closeSockets())
	}

	return c, nil
}

// Start begins reading from both sockets. Every inbound datagram reaches recv
// through an engine event. Start must be called at most once.
func (c *Conn) Start(recv transport.Receiver) {
	if c.recv != nil {
		panic("udp: connection already started")
	}

	c.recv = recv

	c.startReading(c.conn4)
	if c.conn6 != nil {
		c.startReading(c.conn6)
	}
}

func (c *Conn) bindIPv6(port int) {
	conn6, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: port})
	if err != nil {
		c.logger.Warn("IPv6 socket unavailable, serving IPv4 only",
			zap.Int("port", port), zap.Error(err))

		return
	}

	c.conn6 = conn6
	c.pc6 = ipv6.NewPacketConn(conn6)
}

func (c *Conn) join(cfg Config) error {
	if cfg.Group == nil {
		return nil
	}

	if !cfg.Group.IsMulticast() {
		return fmt.Errorf("udp: %s is not a multicast group", cfg.Group)
	}

	group := &net.UDPAddr{IP: cfg.Group}

	if cfg.Group.To4() != nil {
		if err := c.pc4.JoinGroup(cfg.Interface, group); err != nil {
			return fmt.Errorf("udp: join %s: %w", cfg.Group, err)
		}

		return nil
	}

	if c.pc6 == nil {
		return fmt.Errorf("udp: join %s: no IPv6 socket", cfg.Group)
	}

	if err := c.pc6.JoinGroup(cfg.Interface, group); err != nil {
		return fmt.Errorf("udp: join %s: %w", cfg.Group, err)
	}

	return nil
}

// LocalAddr4 returns the address of the IPv4 socket.
func (c *Conn) LocalAddr4() *net.UDPAddr {
	return c.conn4.LocalAddr().(*net.UDPAddr)
}

// LocalAddr6 returns the address of the IPv6 socket, or nil.
func (c *Conn) LocalAddr6() *net.UDPAddr {
	if c.conn6 == nil {
		return nil
	}

	return c.conn6.LocalAddr().(*net.UDPAddr)
}

func (c *Conn) startReading(conn *net.UDPConn) {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		c.readLoop(conn)
	}()
}

func (c *Conn) readLoop(conn *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)
	failures := 0

	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			failures++
			if failures >= maxReadFailures {
				c.logger.Error("giving up on socket",
					zap.Stringer("addr", conn.LocalAddr()),
					zap.Int("failures", failures),
					zap.Error(err))

				return
			}

			c.logger.Warn("read failed",
				zap.Int("failures", failures), zap.Error(err))
			time.Sleep(readBackoff(failures))

			continue
		}

		failures = 0

		dgram := &transport.Datagram{
			Payload: append([]byte(nil), buf[:n]...),
			Src:     from,
			Dst:     conn.LocalAddr(),
		}

		c.engine.Schedule(arrivalEvent{
			EventBase: timing.NewEventBase(c.engine.Now(), c),
			dgram:     dgram,
		})
	}
}

// Handle passes arrived datagrams to the receiver.
func (c *Conn) Handle(e timing.Event) error {
	switch e := e.(type) {
	case arrivalEvent:
		if c.closed.Load() {
			return nil
		}

		c.recv.HandleDatagram(e.dgram)
	default:
		panic("udp: cannot handle event of type " + reflect.TypeOf(e).String())
	}

	return nil
}

// Send writes d to its destination. A positive TTL applies to this datagram
// only.
func (c *Conn) Send(d *transport.Datagram) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}

	dst, ok := d.Dst.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("%w: %v is not a UDP address",
			transport.ErrUnreachable, d.Dst)
	}

	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	if transport.IsIPv6(dst) {
		return c.send6(d.Payload, dst, d.TTL)
	}

	return c.send4(d.Payload, dst, d.TTL)
}

func (c *Conn) send4(payload []byte, dst *net.UDPAddr, ttl int) error {
	if ttl > 0 {
		restore, err := c.setTTL4(dst, ttl)
		if err != nil {
			return err
		}

		defer restore()
	}

	if _, err := c.conn4.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("udp: send to %s: %w", dst, err)
	}

	return nil
}

func (c *Conn) setTTL4(dst *net.UDPAddr, ttl int) (func(), error) {
	if dst.IP.IsMulticast() {
		old, err := c.pc4.MulticastTTL()
		if err != nil {
			return nil, fmt.Errorf("udp: read multicast TTL: %w", err)
		}

		if err := c.pc4.SetMulticastTTL(ttl); err != nil {
			return nil, fmt.Errorf("udp: set multicast TTL: %w", err)
		}

		return func() { _ = c.pc4.SetMulticastTTL(old) }, nil
	}

	old, err := c.pc4.TTL()
	if err != nil {
		return nil, fmt.Errorf("udp: read TTL: %w", err)
	}

	if err := c.pc4.SetTTL(ttl); err != nil {
		return nil, fmt.Errorf("udp: set TTL: %w", err)
	}

	return func() { _ = c.pc4.SetTTL(old) }, nil
}

func (c *Conn) send6(payload []byte, dst *net.UDPAddr, ttl int) error {
	if c.conn6 == nil {
		return fmt.Errorf("%w: no IPv6 socket for %s",
			transport.ErrUnreachable, dst)
	}

	if ttl > 0 {
		restore, err := c.setHopLimit6(dst, ttl)
		if err != nil {
			return err
		}

		defer restore()
	}

	if _, err := c.conn6.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("udp: send to %s: %w", dst, err)
	}

	return nil
}

func (c *Conn) setHopLimit6(dst *net.UDPAddr, ttl int) (func(), error) {
	if dst.IP.IsMulticast() {
		old, err := c.pc6.MulticastHopLimit()
		if err != nil {
			return nil, fmt.Errorf("udp: read multicast hop limit: %w", err)
		}

		if err := c.pc6.SetMulticastHopLimit(ttl); err != nil {
			return nil, fmt.Errorf("udp: set multicast hop limit: %w", err)
		}

		return func() { _ = c.pc6.SetMulticastHopLimit(old) }, nil
	}

	old, err := c.pc6.HopLimit()
	if err != nil {
		return nil, fmt.Errorf("udp: read hop limit: %w", err)
	}

	if err := c.pc6.SetHopLimit(ttl); err != nil {
		return nil, fmt.Errorf("udp: set hop limit: %w", err)
	}

	return func() { _ = c.pc6.SetHopLimit(old) }, nil
}

// Close stops reading and releases both sockets.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	err := c.closeSockets()
	c.wg.Wait()

	return err
}

func (c *Conn) closeSockets() error {
	var err error

	if c.conn4 != nil {
		err = multierr.Append(err, c.conn4.Close())
	}

	if c.conn6 != nil {
		err = multierr.Append(err, c.conn6.Close())
	}

	return err
}
