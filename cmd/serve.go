package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sarchlab/qserver/config"
	"github.com/sarchlab/qserver/datarecording"
	"github.com/sarchlab/qserver/monitoring"
	"github.com/sarchlab/qserver/server"
	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/tracing"
	"github.com/sarchlab/qserver/transport/udp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve requests on UDP until interrupted.",
	Long: "`serve` binds the IPv4 and IPv6 sockets, answers every request " +
		"and advertises to the upstream router until SIGINT or SIGTERM.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addServerFlags(serveCmd)

	f := serveCmd.Flags()
	f.Bool("no-ipv6", false, "Do not bind the IPv6 socket")
	f.String("interface", "", "Network interface used for the multicast join")
	f.Bool("trace-events", false, "Log every engine event at debug level")
}

// serveSession owns everything serve tears down on exit.
type serveSession struct {
	logger   *zap.Logger
	engine   *timing.RealTimeEngine
	conn     *udp.Conn
	server   *server.Comp
	recorder *datarecording.SQLiteRecorder
	monitor  *monitoring.Monitor
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	s := &serveSession{
		logger: logger,
		engine: timing.NewRealTimeEngine(clock.New()),
	}

	defer func() {
		err = multierr.Append(err, s.close())
	}()

	if err := s.listen(cmd, cfg); err != nil {
		return err
	}

	if err := s.buildServer(cmd, cfg); err != nil {
		return err
	}

	if cfg.MonitorPort > 0 {
		if err := s.startMonitor(cmd, cfg); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.conn.Start(s.server)

	logger.Info("serving",
		zap.Int("port", cfg.Port),
		zap.Stringer("address", cfg.ServerAddress),
		zap.Stringer("upstream", cfg.Upstream))

	err = s.engine.RunContext(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	return err
}

func (s *serveSession) listen(cmd *cobra.Command, cfg config.Config) error {
	noIPv6, _ := cmd.Flags().GetBool("no-ipv6")
	ifName, _ := cmd.Flags().GetString("interface")

	udpCfg := udp.Config{
		Port:        cfg.Port,
		Group:       cfg.Group,
		DisableIPv6: noIPv6,
	}

	if ifName != "" {
		ifi, err := net.InterfaceByName(ifName)
		if err != nil {
			return fmt.Errorf("%w: interface %q: %v", config.ErrInvalid, ifName, err)
		}

		udpCfg.Interface = ifi
	}

	conn, err := udp.Listen(udpCfg, s.engine, s.logger)
	if err != nil {
		return err
	}

	s.conn = conn

	return nil
}

func (s *serveSession) buildServer(cmd *cobra.Command, cfg config.Config) error {
	seed := cfg.Seed
	if !cmd.Flags().Changed("seed") && os.Getenv(config.EnvPrefix+"SEED") == "" {
		seed = time.Now().UnixNano()
	}

	s.server = server.MakeBuilder().
		WithEngine(s.engine).
		WithSender(s.conn).
		WithCapacity(cfg.Capacity).
		WithStatsPeriod(cfg.StatsPeriod).
		WithServerAddress(cfg.ServerAddress).
		WithNetMask(cfg.NetMask).
		WithUpstream(cfg.Upstream).
		WithRand(rand.New(rand.NewSource(seed))).
		WithLogger(s.logger).
		Build("Server")

	s.server.AcceptHook(hooking.NewLogHook(s.logger).OnlyAt(
		server.HookPosDrop,
		server.HookPosAnnounce,
		server.HookPosSendFailure,
	))

	if traceEvents, _ := cmd.Flags().GetBool("trace-events"); traceEvents {
		s.engine.AcceptHook(timing.NewEventLogger(s.logger))
	}

	output, _ := cmd.Flags().GetString("output")
	if !cfg.Record && output == "" {
		return nil
	}

	recorder, err := datarecording.New(output, s.logger)
	if err != nil {
		return err
	}

	s.recorder = recorder

	tracer, err := tracing.NewPacketTracer(recorder, s.logger)
	if err != nil {
		return err
	}

	tracing.CollectTrace(s.server, tracer)

	return nil
}

func (s *serveSession) startMonitor(cmd *cobra.Command, cfg config.Config) error {
	s.monitor = monitoring.NewMonitor(s.logger).WithPortNumber(cfg.MonitorPort)
	s.monitor.RegisterEngine(s.engine)
	s.monitor.RegisterComponent(s.server)

	url, err := s.monitor.StartServer()
	if err != nil {
		return err
	}

	if open, _ := cmd.Flags().GetBool("open-browser"); open {
		if err := browser.OpenURL(url); err != nil {
			s.logger.Warn("cannot open browser", zap.Error(err))
		}
	}

	return nil
}

// close runs after the engine has returned, so the server can be stopped
// from this goroutine.
func (s *serveSession) close() error {
	var err error

	if s.server != nil {
		s.server.Stop()
	}

	if s.conn != nil {
		err = multierr.Append(err, s.conn.Close())
	}

	if s.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = multierr.Append(err, s.monitor.Shutdown(ctx))
	}

	if s.recorder != nil {
		err = multierr.Append(err, s.recorder.Close())
	}

	return err
}
