// SPDX-FileCopyrightText: 2026 The Jouletrace Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/jouletrace/jouletrace/internal/coordinator"
	"github.com/jouletrace/jouletrace/internal/profile"
	"github.com/jouletrace/jouletrace/internal/service"
)

type (
	Initializer = service.Initializer
	Runner      = service.Runner
	Shutdowner  = service.Shutdowner
)

// Monitor is the slice of the coordinator the live table reads from.
type Monitor interface {
	Latest() (coordinator.SynchronizedReading, error)
}

// Exporter renders live power tables and finalized session reports to
// stdout. It doubles as a profile sink so session reports print as soon as
// a session is finalized.
type Exporter struct {
	logger   *slog.Logger
	monitor  Monitor
	out      io.WriteCloser
	ticker   time.Ticker
	interval time.Duration
	live     bool
	topN     int
}

var (
	_ Initializer  = (*Exporter)(nil)
	_ Runner       = (*Exporter)(nil)
	_ Shutdowner   = (*Exporter)(nil)
	_ profile.Sink = (*Exporter)(nil)
)

type Opts struct {
	logger   *slog.Logger
	out      io.WriteCloser
	interval time.Duration
	live     bool
	topN     int
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default().With("service", "stdout"),
		out:      os.Stdout,
		interval: 2 * time.Second,
		live:     false,
		topN:     10,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

// WithLiveTable enables the periodic provider power table.
func WithLiveTable(live bool) OptionFn {
	return func(o *Opts) {
		o.live = live
	}
}

// WithTopN caps the checkpoint and line sections of the session report.
func WithTopN(n int) OptionFn {
	return func(o *Opts) {
		o.topN = n
	}
}

func NewExporter(pm Monitor, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	exporter := &Exporter{
		logger:   opts.logger.With("service", "stdout"),
		monitor:  pm,
		out:      opts.out,
		interval: opts.interval,
		live:     opts.live,
		topN:     opts.topN,
	}

	return exporter
}

func (e *Exporter) Init() error {
	e.ticker = *time.NewTicker(e.interval)
	return nil
}

func (e *Exporter) Run(ctx context.Context) error {
	if !e.live {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-e.ticker.C:
			reading, err := e.monitor.Latest()
			if err != nil {
				e.logger.Error("Failed to collect energy data", "error", err)
				return nil
			}
			writeReading(e.out, reading)
		case <-ctx.Done():
			e.logger.Info("Exiting ticker")
			return nil
		}
	}
}

// Persist implements profile.Sink by printing the session report.
func (e *Exporter) Persist(s *profile.Session) error {
	return e.Report(s)
}

// Report renders a finalized session to the output writer.
func (e *Exporter) Report(s *profile.Session) error {
	fmt.Fprintf(e.out, "Energy Analysis Report\n")
	fmt.Fprintf(e.out, "Session:     %s\n", s.ID)
	fmt.Fprintf(e.out, "Source:      %s (%s)\n", s.SourceFile, s.Language)
	fmt.Fprintf(e.out, "Duration:    %.3f s\n", s.DurationSeconds())
	fmt.Fprintf(e.out, "Checkpoints: %d\n", len(s.Checkpoints))
	fmt.Fprintf(e.out, "Energy:      %.6f J\n", s.TotalEnergyJoules)
	fmt.Fprintf(e.out, "Avg power:   %.3f W\n", s.AveragePowerWatts)
	fmt.Fprintf(e.out, "Peak power:  %.3f W\n", s.PeakPowerWatts)

	if funcs := profile.FunctionBreakdown(s); len(funcs) > 0 {
		fmt.Fprintf(e.out, "\nEnergy by function:\n")
		writeShares(e.out, "Function", funcs)
	}
	if types := profile.TypeBreakdown(s); len(types) > 0 {
		fmt.Fprintf(e.out, "\nEnergy by checkpoint type:\n")
		writeShares(e.out, "Type", types)
	}
	if lines := profile.TopLines(s, e.topN); len(lines) > 0 {
		fmt.Fprintf(e.out, "\nHottest source lines:\n")
		writeLines(e.out, lines)
	}
	if suggestions := profile.Suggestions(s); len(suggestions) > 0 {
		fmt.Fprintf(e.out, "\nSuggestions:\n")
		for _, s := range suggestions {
			fmt.Fprintf(e.out, "  * %s\n", s)
		}
	}
	return nil
}

func writeReading(out io.Writer, reading coordinator.SynchronizedReading) {
	rows := [][]string{}
	// copying to a slice, to sort based on provider name
	for name, sample := range reading.Readings {
		if !sample.Valid {
			continue
		}
		rows = append(rows, []string{
			name,
			sample.Power.String(),
			sample.Cumulative.String(),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i][0] < rows[j][0]
	})
	table := newTable(out)
	table.Header([]string{"Provider", "Power(W)", "Absolute(J)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeShares(out io.Writer, label string, shares []profile.EnergyShare) {
	rows := make([][]string, 0, len(shares))
	for _, sh := range shares {
		rows = append(rows, []string{
			sh.Name,
			fmt.Sprintf("%.6f", sh.EnergyJoules),
			fmt.Sprintf("%.1f%%", sh.Percent),
			strconv.Itoa(sh.Count),
		})
	}
	table := newTable(out)
	table.Header([]string{label, "Energy(J)", "Share", "Checkpoints"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeLines(out io.Writer, lines []profile.SourceLineEnergy) {
	rows := make([][]string, 0, len(lines))
	for _, le := range lines {
		rows = append(rows, []string{
			strconv.Itoa(le.Line),
			fmt.Sprintf("%.6f", le.EnergyJoules),
			strconv.Itoa(le.ExecutionCount),
			le.Text,
		})
	}
	table := newTable(out)
	table.Header([]string{"Line", "Energy(J)", "Hits", "Source"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func newTable(out io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	return table
}

func (e *Exporter) Shutdown() error {
	return e.out.Close()
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}
