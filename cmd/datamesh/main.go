// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/poiesic/datamesh"
	"github.com/poiesic/datamesh/alignment"
	"github.com/poiesic/datamesh/config"
	"github.com/poiesic/datamesh/core"
	"github.com/poiesic/datamesh/export"
	"github.com/poiesic/datamesh/ingestion"
	"github.com/poiesic/datamesh/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "datamesh",
		Usage:     "Harmonize CSV, JSONL and REST sources into a reproducible training corpus",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the pipeline and write the dataset artifacts",
				Action: runCommand,
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "ledger",
						Usage: "Path to the run ledger directory (overrides ledger.path)",
					},
					&cli.StringFlag{
						Name:  "snapshots",
						Usage: "REST page snapshots: off, record or replay (overrides ledger.snapshots)",
					},
					&cli.StringFlag{
						Name:  "policy",
						Usage: "Alignment failure policy: fail or skip (overrides policy)",
					},
					&cli.StringFlag{
						Name:  "metrics-file",
						Usage: "Write Prometheus metrics of the run to this textfile",
					},
					&cli.IntFlag{
						Name:  "progress",
						Usage: "Report progress to stderr every N records per source (0 disables)",
						Value: 0,
					},
				},
			},
			{
				Name:   "validate",
				Usage:  "Check a configuration without reading any source",
				Action: validateCommand,
				Flags:  []cli.Flag{configFlag()},
			},
			{
				Name:   "runs",
				Usage:  "List runs recorded in the ledger, most recent first",
				Action: runsCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "ledger",
						Usage:    "Path to the run ledger directory",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of runs to list (0 lists all)",
						Value: 20,
					},
					&cli.StringFlag{
						Name:  "id",
						Usage: "Show the full summary of one run instead of the list",
					},
				},
			},
			{
				Name:   "snapshots",
				Usage:  "List or clear the REST page snapshots stored in the ledger",
				Action: snapshotsCommand,
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "ledger",
						Usage: "Path to the run ledger directory (overrides ledger.path)",
					},
					&cli.StringFlag{
						Name:  "source",
						Usage: "Only this REST source",
					},
					&cli.BoolFlag{
						Name:  "clear",
						Usage: "Delete the stored pages instead of listing them",
					},
				},
			},
		},
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "Path to the pipeline configuration (.yaml, .yml or .toml)",
		Required: true,
	}
}

func runCommand(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("ledger") {
		cfg.LedgerPath = c.String("ledger")
	}
	if c.IsSet("snapshots") {
		if cfg.Snapshots, err = ingestion.ParseSnapshotMode(c.String("snapshots")); err != nil {
			return err
		}
	}
	if c.IsSet("policy") {
		if cfg.Policy, err = alignment.ParsePolicy(c.String("policy")); err != nil {
			return err
		}
	}
	if cfg.Snapshots != ingestion.SnapshotOff && cfg.LedgerPath == "" {
		return fmt.Errorf("snapshots %s requires a ledger path", cfg.Snapshots)
	}

	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewPrometheus(reg)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	opts := []datamesh.Option{
		datamesh.WithPolicy(cfg.Policy),
		datamesh.WithMetrics(recorder),
		datamesh.WithIngestionOptions(ingestion.WithAuthorizer(cfg.Authorizers)),
	}
	if every := c.Int("progress"); every > 0 {
		opts = append(opts, datamesh.WithProgress(c.App.ErrWriter, every))
	}
	if cfg.LedgerPath != "" {
		ledger, err := datamesh.OpenLedger(cfg.LedgerPath)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ledger.Close()
		opts = append(opts, datamesh.WithLedger(ledger, cfg.Snapshots))
	}

	pipeline, err := datamesh.NewPipeline(opts...)
	if err != nil {
		return err
	}

	summary, runErr := pipeline.Run(ctx, cfg.Pipeline)
	if path := c.String("metrics-file"); path != "" {
		if err := metrics.WriteTextfile(path, reg); err != nil {
			slog.Error("failed to write metrics file", "path", path, "err", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}

	printSummary(c.App.Writer, summary)
	return nil
}

func validateCommand(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	p := cfg.Pipeline
	if p.LLM != nil {
		if _, err := export.NewPromptRenderer(p.Schema, p.LLM); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	out := c.App.Writer
	fmt.Fprintf(out, "config ok\n")
	fmt.Fprintf(out, "sources: %s\n", strings.Join(cfg.SourceNames(), ", "))
	fields := make([]string, len(p.Schema.Fields))
	for i, f := range p.Schema.Fields {
		fields[i] = f.Name + ":" + string(f.Type)
	}
	fmt.Fprintf(out, "schema: %s (primary key %s)\n", strings.Join(fields, ", "), p.Schema.PrimaryKey)
	fmt.Fprintf(out, "output: %s/dataset.%s\n", strings.TrimRight(p.IO.WorkspaceDir, "/"), p.IO.OutputFormat.Extension())
	if p.IO.OutputURI != "" {
		fmt.Fprintf(out, "output_uri %s is recorded but not uploaded\n", p.IO.OutputURI)
	}
	return nil
}

func runsCommand(c *cli.Context) error {
	if c.Int("limit") < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	ledger, err := datamesh.OpenLedger(c.String("ledger"))
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	if id := c.String("id"); id != "" {
		run, err := ledger.Runs().GetRun(c.Context, id)
		if err != nil {
			return fmt.Errorf("failed to get run %s: %w", id, err)
		}
		fmt.Fprintf(c.App.Writer, "config %s\nstarted %s, finished %s\n",
			run.ConfigDigest, run.StartedAt.Format(time.RFC3339), run.FinishedAt.Format(time.RFC3339))
		printSummary(c.App.Writer, run)
		return nil
	}

	runs, err := ledger.Runs().ListRuns(c.Context, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tDURATION\tRECORDS\tREJECTED\tDUPLICATES\tCONFIG")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.RunID,
			r.StartedAt.Format(time.RFC3339),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			r.Records, r.Rejected, r.Duplicates,
			shortDigest(r.ConfigDigest))
	}
	return w.Flush()
}

func snapshotsCommand(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	path := cfg.LedgerPath
	if c.IsSet("ledger") {
		path = c.String("ledger")
	}
	if path == "" {
		return fmt.Errorf("no ledger path: set ledger.path or --ledger")
	}

	var sources []string
	if name := c.String("source"); name != "" {
		desc, ok := cfg.Pipeline.Source(name)
		if !ok {
			return fmt.Errorf("unknown source %q", name)
		}
		if desc.Kind != core.SourceKindREST {
			return fmt.Errorf("source %q is %s, only rest sources have snapshots", name, desc.Kind)
		}
		sources = append(sources, name)
	} else {
		for _, desc := range cfg.Pipeline.Sources {
			if desc.Kind == core.SourceKindREST {
				sources = append(sources, desc.Name)
			}
		}
	}

	ledger, err := datamesh.OpenLedger(path)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()
	snaps := ledger.Snapshots()

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tPAGES\tSTATUS")
	for _, name := range sources {
		pages, err := snaps.Pages(c.Context, name)
		if err != nil {
			return fmt.Errorf("failed to list snapshots of %s: %w", name, err)
		}
		status := "stored"
		if c.Bool("clear") {
			if err := snaps.DeletePages(c.Context, name); err != nil {
				return fmt.Errorf("failed to clear snapshots of %s: %w", name, err)
			}
			status = "cleared"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, pageRange(pages), status)
	}
	return w.Flush()
}

// pageRange renders ascending page numbers, e.g. "1-3 (3)".
func pageRange(pages []int) string {
	switch len(pages) {
	case 0:
		return "none"
	case 1:
		return fmt.Sprintf("%d (1)", pages[0])
	}
	return fmt.Sprintf("%d-%d (%d)", pages[0], pages[len(pages)-1], len(pages))
}

func printSummary(out io.Writer, s *core.RunSummary) {
	fmt.Fprintf(out, "run %s: %d records (%d rejected, %d duplicates)\n", s.RunID, s.Records, s.Rejected, s.Duplicates)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tREAD\tREJECTED\tDUPLICATES\tEMITTED")
	for _, src := range s.Sources {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", src.Name, src.Read, src.Rejected, src.Duplicates, src.Emitted)
	}
	w.Flush()
	for _, a := range s.Artifacts {
		fmt.Fprintf(out, "wrote %s (%s, %d records, %d bytes, blake2b %s)\n", a.Path, a.Format, a.Records, a.Bytes, a.Digest)
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
