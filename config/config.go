// Package config gathers the settings of a server and of the simulations
// built around it. Values come from defaults, then .env files and the
// environment (QSERVER_*), then command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/sarchlab/qserver/server"
)

// EnvPrefix starts every environment variable the package reads.
const EnvPrefix = "QSERVER_"

// ErrInvalid is wrapped by every validation and parse error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete set of settings.
type Config struct {
	// Server.
	Port          int
	ServerAddress net.IP
	NetMask       net.IPMask
	Upstream      net.IP
	Group         net.IP
	Capacity      float64
	StatsPeriod   float64

	// Simulation.
	Duration    float64
	Clients     int
	ClientRate  float64
	PayloadSize int
	Latency     float64
	Seed        int64

	// Operation.
	Record      bool
	MonitorPort int
	LogLevel    string
	LogJSON     bool
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:          server.DefaultPort,
		ServerAddress: net.IPv4(10, 1, 1, 1),
		NetMask:       net.CIDRMask(24, 32),
		Upstream:      net.IPv4(10, 1, 1, 254),
		Capacity:      server.DefaultCapacity,
		StatsPeriod:   server.DefaultStatsPeriod,
		Duration:      60,
		Clients:       4,
		ClientRate:    500,
		PayloadSize:   500,
		Latency:       0.001,
		Seed:          1,
		LogLevel:      "info",
	}
}

// Load reads the given .env files, or ./.env if none is given and it exists,
// and applies them together with the process environment on top of the
// defaults. The process environment wins over the files.
func Load(files ...string) (Config, error) {
	values := map[string]string{}

	switch {
	case len(files) > 0:
		read, err := godotenv.Read(files...)
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", strings.Join(files, ", "), err)
		}

		values = read
	default:
		read, err := godotenv.Read()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}

		if err == nil {
			values = read
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}

		v, ok := values[key]

		return v, ok
	}

	return FromLookup(lookup)
}

// FromLookup applies the variables returned by lookup on top of the
// defaults.
func FromLookup(lookup func(key string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.setInt("PORT", &c.Port)
	p.setIP("SERVER_ADDRESS", &c.ServerAddress)
	p.setMask("NET_MASK", &c.NetMask)
	p.setIP("UPSTREAM", &c.Upstream)
	p.setIP("GROUP", &c.Group)
	p.setFloat("CAPACITY", &c.Capacity)
	p.setFloat("STATS_PERIOD", &c.StatsPeriod)
	p.setFloat("DURATION", &c.Duration)
	p.setInt("CLIENTS", &c.Clients)
	p.setFloat("CLIENT_RATE", &c.ClientRate)
	p.setInt("PAYLOAD_SIZE", &c.PayloadSize)
	p.setFloat("LATENCY", &c.Latency)
	p.setInt64("SEED", &c.Seed)
	p.setBool("RECORD", &c.Record)
	p.setInt("MONITOR_PORT", &c.MonitorPort)
	p.setString("LOG_LEVEL", &c.LogLevel)
	p.setBool("LOG_JSON", &c.LogJSON)

	if p.err != nil {
		return Config{}, p.err
	}

	return c, nil
}

type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(name string) (string, string, bool) {
	key := EnvPrefix + name
	v, ok := p.lookup(key)

	return key, strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
}

func (p *parser) fail(key, value string, err error) {
	p.err = multierr.Append(p.err,
		fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, value, err))
}

func (p *parser) setString(name string, dst *string) {
	if _, v, ok := p.get(name); ok {
		*dst = v
	}
}

func (p *parser) setInt(name string, dst *int) {
	key, v, ok := p.get(name)
	if !ok {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*dst = n
}

func (p *parser) setInt64(name string, dst *int64) {
	key, v, ok := p.get(name)
	if !ok {
		return
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*dst = n
}

func (p *parser) setFloat(name string, dst *float64) {
	key, v, ok := p.get(name)
	if !ok {
		return
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*dst = f
}

func (p *parser) setBool(name string, dst *bool) {
	key, v, ok := p.get(name)
	if !ok {
		return
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*dst = b
}

func (p *parser) setIP(name string, dst *net.IP) {
	key, v, ok := p.get(name)
	if !ok {
		return
	}

	ip, err := ParseIP(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*dst = ip
}

func (p *parser) setMask(name string, dst *net.IPMask) {
	key, v, ok := p.get(name)
	if !ok {
		return
	}

	m, err := ParseMask(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*dst = m
}

// ParseIP parses an IPv4 or IPv6 address. "none" yields nil.
func ParseIP(s string) (net.IP, error) {
	if strings.EqualFold(s, "none") {
		return nil, nil
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("not an IP address")
	}

	return ip, nil
}

// ParseMask parses an IPv4 mask given as a prefix length ("24") or in dotted
// form ("255.255.255.0").
func ParseMask(s string) (net.IPMask, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 32 {
			return nil, fmt.Errorf("prefix length %d out of range", n)
		}

		return net.CIDRMask(n, 32), nil
	}

	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("not an IPv4 mask")
	}

	m := net.IPMask(ip)
	if ones, bits := m.Size(); ones == 0 && bits == 0 {
		return nil, fmt.Errorf("mask is not contiguous")
	}

	return m, nil
}

// Validate reports every setting that is out of range.
func (c Config) Validate() error {
	var err error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err,
				fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Port >= 0 && c.Port <= 65535, "port %d out of range", c.Port)
	check(c.Capacity > 0, "capacity must be positive, got %g", c.Capacity)
	check(c.StatsPeriod > 0, "stats period must be positive, got %g", c.StatsPeriod)
	check(c.Duration > 0, "duration must be positive, got %g", c.Duration)
	check(c.Clients >= 0, "client count must not be negative, got %d", c.Clients)
	check(c.ClientRate > 0, "client rate must be positive, got %g", c.ClientRate)
	check(c.PayloadSize >= 6, "payload size %d cannot hold a header", c.PayloadSize)
	check(c.Latency >= 0, "latency must not be negative, got %g", c.Latency)
	check(c.MonitorPort >= 0 && c.MonitorPort <= 65535,
		"monitor port %d out of range", c.MonitorPort)
	check(c.Group == nil || c.Group.IsMulticast(),
		"group %s is not a multicast address", c.Group)
	check(c.ServerAddress == nil || c.ServerAddress.To4() != nil,
		"server address %s is not IPv4", c.ServerAddress)

	return err
}
