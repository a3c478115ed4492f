package cmd

import (
	"context"
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/sarchlab/qserver/datarecording"
	"github.com/sarchlab/qserver/tracing"
)

var reportCmd = &cobra.Command{
	Use:   "report <trace.sqlite3>",
	Short: "Summarize a recorded trace.",
	Long: "`report` reads a trace written by `simulate --record` or " +
		"`serve --record` and prints event counts, sojourn times and RTTs.",
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

var traceEvents = []string{"arrival", "departure", "drop", "announce", "send-failure"}

type traceReport struct {
	Events      map[string]int
	MeanSojourn float64
	MaxSojourn  float64
	Replies     int
	MeanRTT     float64
	MaxRTT      float64
}

func runReport(cmd *cobra.Command, args []string) (err error) {
	reader, err := datarecording.NewReader(args[0])
	if err != nil {
		return err
	}

	defer func() {
		err = multierr.Append(err, reader.Close())
	}()

	r, err := buildReport(cmd.Context(), reader)
	if err != nil {
		return err
	}

	return printReport(cmd.OutOrStdout(), r)
}

func buildReport(
	ctx context.Context,
	reader datarecording.DataReader,
) (traceReport, error) {
	r := traceReport{Events: make(map[string]int)}

	err := multierr.Combine(
		reader.MapTable(tracing.PacketTable, tracing.PacketEntry{}),
		reader.MapTable(tracing.RTTTable, tracing.RTTEntry{}),
	)
	if err != nil {
		return r, err
	}

	for _, event := range traceEvents {
		_, n, err := reader.Query(ctx, tracing.PacketTable,
			datarecording.QueryParams{
				Where: "Event = ?",
				Args:  []any{event},
				Limit: 1,
			})
		if err != nil {
			return r, err
		}

		r.Events[event] = n
	}

	departures, _, err := reader.Query(ctx, tracing.PacketTable,
		datarecording.QueryParams{Where: "Event = ?", Args: []any{"departure"}})
	if err != nil {
		return r, err
	}

	for _, row := range departures {
		sojourn := row.(*tracing.PacketEntry).Sojourn
		r.MeanSojourn += sojourn
		r.MaxSojourn = math.Max(r.MaxSojourn, sojourn)
	}

	if len(departures) > 0 {
		r.MeanSojourn /= float64(len(departures))
	}

	replies, _, err := reader.Query(ctx, tracing.RTTTable,
		datarecording.QueryParams{})
	if err != nil {
		return r, err
	}

	for _, row := range replies {
		rtt := row.(*tracing.RTTEntry).RTT
		r.MeanRTT += rtt
		r.MaxRTT = math.Max(r.MaxRTT, rtt)
	}

	r.Replies = len(replies)
	if r.Replies > 0 {
		r.MeanRTT /= float64(r.Replies)
	}

	return r, nil
}

func printReport(w io.Writer, r traceReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	for _, event := range traceEvents {
		fmt.Fprintf(tw, "%s\t%d\n", event, r.Events[event])
	}

	fmt.Fprintf(tw, "mean sojourn (s)\t%v\n", r.MeanSojourn)
	fmt.Fprintf(tw, "max sojourn (s)\t%v\n", r.MaxSojourn)
	fmt.Fprintf(tw, "replies\t%d\n", r.Replies)
	fmt.Fprintf(tw, "mean RTT (s)\t%v\n", r.MeanRTT)
	fmt.Fprintf(tw, "max RTT (s)\t%v\n", r.MaxRTT)

	return tw.Flush()
}
