// Package cmd provides the command-line interface for qserver.
package cmd

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sarchlab/qserver/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "qserver",
	Short: "qserver is an M/M/1 request/reply server.",
	Long: `qserver answers every request datagram after an exponentially ` +
		`distributed service time and periodically advertises its service ` +
		`and arrival rates to an upstream router. It can serve real UDP ` +
		`traffic or simulate a server together with its clients.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

func init() {
	rootCmd.PersistentFlags().StringSlice("env", nil,
		"Read QSERVER_* settings from these .env files (default ./.env)")
	rootCmd.PersistentFlags().String("log-level", "",
		"Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().Bool("log-json", false,
		"Write logs as JSON")
}

// addServerFlags registers the flags shared by every command that builds a
// server.
func addServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("port", 0, "UDP port the server listens on")
	f.String("server-address", "", "IPv4 address the server announces")
	f.String("net-mask", "", "Net mask the server announces, as a prefix length or dotted")
	f.String("upstream", "", "Upstream router address, or none")
	f.String("group", "", "Multicast group the server joins")
	f.Float64("capacity", 0, "Link capacity in bit/s")
	f.Float64("stats-period", 0, "Seconds between advertisements")
	f.Int64("seed", 0, "Seed of the service time generator")
	f.Bool("record", false, "Record packet traces into a SQLite file")
	f.String("output", "", "Name of the trace file, without extension")
	f.Int("monitor-port", 0, "Port of the monitoring server, 0 disables it")
	f.Bool("open-browser", false, "Open the monitor in a browser")
}

// loadConfig reads defaults, .env files and the environment, then applies the
// flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	files, _ := cmd.Flags().GetStringSlice("env")

	cfg, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}

	if err := applyFlags(cmd, &cfg); err != nil {
		return config.Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()

	ints := map[string]*int{
		"port":         &cfg.Port,
		"clients":      &cfg.Clients,
		"payload-size": &cfg.PayloadSize,
		"monitor-port": &cfg.MonitorPort,
	}
	for name, dst := range ints {
		if f.Lookup(name) != nil && f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}

	floats := map[string]*float64{
		"capacity":     &cfg.Capacity,
		"stats-period": &cfg.StatsPeriod,
		"duration":     &cfg.Duration,
		"rate":         &cfg.ClientRate,
		"latency":      &cfg.Latency,
	}
	for name, dst := range floats {
		if f.Lookup(name) != nil && f.Changed(name) {
			*dst, _ = f.GetFloat64(name)
		}
	}

	ips := map[string]*net.IP{
		"server-address": &cfg.ServerAddress,
		"upstream":       &cfg.Upstream,
		"group":          &cfg.Group,
	}
	for name, dst := range ips {
		if f.Lookup(name) == nil || !f.Changed(name) {
			continue
		}

		v, _ := f.GetString(name)

		ip, err := config.ParseIP(v)
		if err != nil {
			return fmt.Errorf("%w: --%s=%q: %v", config.ErrInvalid, name, v, err)
		}

		*dst = ip
	}

	if f.Lookup("net-mask") != nil && f.Changed("net-mask") {
		v, _ := f.GetString("net-mask")

		mask, err := config.ParseMask(v)
		if err != nil {
			return fmt.Errorf("%w: --net-mask=%q: %v", config.ErrInvalid, v, err)
		}

		cfg.NetMask = mask
	}

	if f.Lookup("seed") != nil && f.Changed("seed") {
		cfg.Seed, _ = f.GetInt64("seed")
	}

	if f.Lookup("record") != nil && f.Changed("record") {
		cfg.Record, _ = f.GetBool("record")
	}

	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}

	if f.Changed("log-json") {
		cfg.LogJSON, _ = f.GetBool("log-json")
	}

	return nil
}

// newLogger builds the process logger. Console output goes to stderr so that
// command output on stdout stays machine readable.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %v", config.ErrInvalid, err)
	}

	zc := zap.NewDevelopmentConfig()
	if cfg.LogJSON {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zc.Level = level
	zc.DisableStacktrace = true

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}

	atexit.Register(func() { _ = logger.Sync() })

	return logger, nil
}
