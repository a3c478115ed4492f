package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sarchlab/qserver/simulation"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate a server and its clients.",
	Long: "`simulate` runs a server, its clients and its upstream router on " +
		"a simulated network for --duration simulated seconds and prints " +
		"a summary.",
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	addServerFlags(simulateCmd)

	f := simulateCmd.Flags()
	f.Float64("duration", 0, "Simulated seconds clients send requests for")
	f.Int("clients", 0, "Number of clients")
	f.Float64("rate", 0, "Mean requests per second of each client")
	f.Int("payload-size", 0, "Request size in bytes, header included")
	f.Float64("latency", 0, "One-way network latency in seconds")
	f.Bool("json", false, "Print the summary as JSON")
}

func runSimulate(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	b := simulation.MakeBuilder().WithConfig(cfg).WithLogger(logger)

	if cfg.MonitorPort > 0 {
		b = b.WithMonitorPort(cfg.MonitorPort)
	} else {
		b = b.WithoutMonitoring()
	}

	output, _ := cmd.Flags().GetString("output")

	switch {
	case output != "":
		b = b.WithOutputFileName(output)
	case cfg.Record:
		b = b.WithRecording()
	}

	s, err := b.Build()
	if err != nil {
		return err
	}

	defer func() {
		err = multierr.Append(err, s.Terminate())
	}()

	if open, _ := cmd.Flags().GetBool("open-browser"); open && s.MonitorURL() != "" {
		if err := browser.OpenURL(s.MonitorURL()); err != nil {
			logger.Warn("cannot open browser", zap.Error(err))
		}
	}

	if err := s.Run(); err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")

	return printSummary(cmd.OutOrStdout(), s.Summary(), asJSON)
}

func printSummary(w io.Writer, sum simulation.Summary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(sum)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	rows := []struct {
		name  string
		value any
	}{
		{"simulated time (s)", sum.Duration},
		{"requests sent", sum.Requests},
		{"request send failures", sum.SendFailures},
		{"replies received", sum.Replies},
		{"mean RTT (s)", sum.MeanRTT},
		{"max RTT (s)", sum.MaxRTT},
		{"server received", sum.Server.Received},
		{"server sent", sum.Server.Sent},
		{"server dropped", sum.Server.Dropped},
		{"server queue length", sum.Server.QueueLength},
		{"mean sojourn (s)", sum.MeanSojourn},
		{"max sojourn (s)", sum.MaxSojourn},
		{"arrival rate (1/s)", sum.Server.ArrivalRate},
		{"service rate (1/s)", sum.Server.ServiceRate},
		{"advertisements", sum.Adverts},
		{"last advertised mue", sum.LastMue},
		{"last advertised lambda", sum.LastLambda},
	}

	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%v\n", r.name, r.value)
	}

	return tw.Flush()
}
