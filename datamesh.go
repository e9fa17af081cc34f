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


package datamesh

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/poiesic/datamesh/alignment"
	"github.com/poiesic/datamesh/core"
	"github.com/poiesic/datamesh/export"
	"github.com/poiesic/datamesh/ingestion"
	"github.com/poiesic/datamesh/merge"
	"github.com/poiesic/datamesh/metrics"
	"github.com/poiesic/datamesh/storage"
)

// Pipeline runs configured sources through alignment, merging and export.
// A Pipeline holds no per-run state and may be reused.
type Pipeline struct {
	ingestionOpts []ingestion.Option
	exportOpts    []export.Option
	runs          storage.RunRepository
	snapshots     storage.SnapshotRepository // set in record mode only
	recorder      metrics.Recorder
	policy        alignment.Policy
	progress      io.Writer
	progressEvery int
	logger        *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithIngestionOptions passes options to the adapter factory, e.g. an HTTP
// client or an authorizer.
func WithIngestionOptions(opts ...ingestion.Option) Option {
	return func(p *Pipeline) error {
		p.ingestionOpts = append(p.ingestionOpts, opts...)
		return nil
	}
}

// WithExportOptions passes options to the export engine.
func WithExportOptions(opts ...export.Option) Option {
	return func(p *Pipeline) error {
		p.exportOpts = append(p.exportOpts, opts...)
		return nil
	}
}

// WithRunRepository appends the summary of every successful run to repo.
func WithRunRepository(repo storage.RunRepository) Option {
	return func(p *Pipeline) error {
		p.runs = repo
		return nil
	}
}

// WithLedger records runs in the ledger and uses its snapshot store for
// REST pages in the given mode. In record mode the stored pages of each REST
// source are cleared before the source is fetched.
func WithLedger(l *Ledger, mode ingestion.SnapshotMode) Option {
	return func(p *Pipeline) error {
		if l == nil {
			return errors.New("ledger is nil")
		}
		p.runs = l.Runs()
		p.snapshots = nil
		if mode == ingestion.SnapshotRecord {
			p.snapshots = l.Snapshots()
		}
		if mode != ingestion.SnapshotOff {
			p.ingestionOpts = append(p.ingestionOpts, ingestion.WithPageStore(l.Snapshots(), mode))
		}
		return nil
	}
}

// WithMetrics sets the recorder that receives run counters.
// Default is metrics.Nop.
func WithMetrics(r metrics.Recorder) Option {
	return func(p *Pipeline) error {
		if r == nil {
			r = metrics.Nop{}
		}
		p.recorder = r
		return nil
	}
}

// WithPolicy sets what happens to records that fail alignment.
// Default is alignment.PolicyFail.
func WithPolicy(policy alignment.Policy) Option {
	return func(p *Pipeline) error {
		p.policy = policy
		return nil
	}
}

// WithProgress prints a per-source record count to w every interval
// records.
func WithProgress(w io.Writer, interval int) Option {
	return func(p *Pipeline) error {
		if interval <= 0 {
			return errors.New("progress interval must be greater than 0")
		}
		p.progress = w
		p.progressEvery = interval
		return nil
	}
}

// NewPipeline creates a pipeline.
func NewPipeline(opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		recorder: metrics.Nop{},
		policy:   alignment.PolicyFail,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "pipeline")
	return p, nil
}

// Run executes one pipeline run.
//
// The configuration, the adapters and the prompt template are checked before
// any source is read. Sources are read one after another in declared order.
// Any error ends the run and no artifact is published.
func (p *Pipeline) Run(ctx context.Context, cfg *core.PipelineConfig) (summary *core.RunSummary, err error) {
	started := time.Now()
	defer func() {
		p.recorder.ObserveRun(err == nil, time.Since(started))
	}()

	if err := core.ValidatePipelineConfig(cfg); err != nil {
		return nil, err
	}
	digest, err := ConfigDigest(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := export.NewEngine(cfg.IO.WorkspaceDir, cfg.IO.OutputFormat, append(p.exportOpts, export.WithLogger(p.logger))...)
	if err != nil {
		return nil, err
	}
	if cfg.LLM != nil {
		if _, err := export.NewPromptRenderer(cfg.Schema, cfg.LLM); err != nil {
			return nil, err
		}
	}

	names := make([]string, len(cfg.Sources))
	for i, s := range cfg.Sources {
		names[i] = s.Name
	}
	table, err := alignment.NewTable(cfg.Schema, cfg.Rules, names)
	if err != nil {
		return nil, err
	}

	factory, err := ingestion.NewFactory(append(p.ingestionOpts, ingestion.WithLogger(p.logger))...)
	if err != nil {
		return nil, err
	}
	adapters := make([]ingestion.Adapter, len(cfg.Sources))
	for i, desc := range cfg.Sources {
		if adapters[i], err = factory.New(desc); err != nil {
			return nil, err
		}
	}

	coord, err := merge.NewCoordinator(cfg.Schema, merge.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}

	summary = &core.RunSummary{
		RunID:        uuid.NewString(),
		ConfigDigest: digest,
		StartedAt:    started.UTC(),
	}
	p.logger.Info("run started", "run_id", summary.RunID, "sources", len(adapters), "format", cfg.IO.OutputFormat)

	for _, adapter := range adapters {
		if err := p.resetSnapshots(ctx, adapter); err != nil {
			return nil, err
		}
		src, err := p.drain(ctx, table, coord, adapter)
		if err != nil {
			return nil, err
		}
		summary.Sources = append(summary.Sources, src)
		summary.Rejected += src.Rejected
		summary.Duplicates += src.Duplicates
		p.recorder.ObserveSource(src)
	}

	stream := coord.Stream()
	summary.Records = stream.Len()
	if summary.Artifacts, err = engine.Export(ctx, stream, cfg.LLM); err != nil {
		return nil, err
	}
	for _, a := range summary.Artifacts {
		p.recorder.ObserveArtifact(a)
	}
	summary.FinishedAt = time.Now().UTC()

	if p.runs != nil {
		if _, err := p.runs.AddRun(ctx, summary); err != nil {
			// artifacts are already published
			p.logger.Warn("failed to record run in ledger", "run_id", summary.RunID, "err", err)
		}
	}

	p.logger.Info("run finished",
		"run_id", summary.RunID,
		"records", summary.Records,
		"rejected", summary.Rejected,
		"duplicates", summary.Duplicates,
		"duration", summary.FinishedAt.Sub(summary.StartedAt))
	return summary, nil
}

// resetSnapshots drops the pages recorded for a REST source by an earlier
// run so the store holds exactly the pages of this one.
func (p *Pipeline) resetSnapshots(ctx context.Context, adapter ingestion.Adapter) error {
	if p.snapshots == nil || adapter.Kind() != core.SourceKindREST {
		return nil
	}
	name := adapter.Name()
	pages, err := p.snapshots.Pages(ctx, name)
	if err != nil {
		return errors.Wrapf(err, "list snapshots of %s", name)
	}
	if len(pages) == 0 {
		return nil
	}
	if err := p.snapshots.DeletePages(ctx, name); err != nil {
		return errors.Wrapf(err, "clear snapshots of %s", name)
	}
	p.logger.Debug("cleared page snapshots", "source", name, "pages", len(pages))
	return nil
}

// drain fetches, aligns and merges one source.
func (p *Pipeline) drain(ctx context.Context, table *alignment.Table, coord *merge.Coordinator, adapter ingestion.Adapter) (core.SourceSummary, error) {
	name := adapter.Name()
	src := core.SourceSummary{Name: name}

	aligner, err := table.Aligner(name)
	if err != nil {
		return src, err
	}
	reject := func(*core.SchemaAlignmentError) { src.Rejected++ }
	records := aligner.Stream(adapter.Fetch(ctx), p.policy, reject, p.logger)
	if p.progress != nil {
		records = newProgressTracker(p.progress, name, p.progressEvery).track(records)
	}

	stats, err := coord.Drain(name, records)
	if err != nil {
		p.logger.Error("source failed", "source", name, "err", err)
		return src, errors.Wrapf(err, "source %s", name)
	}
	src.Read = stats.Received + src.Rejected
	src.Duplicates = stats.Duplicates
	src.Emitted = stats.Emitted
	p.logger.Info("source drained", "source", name, "kind", adapter.Kind(), "read", src.Read, "rejected", src.Rejected, "duplicates", src.Duplicates)
	return src, nil
}

// ConfigDigest returns the BLAKE2b-256 digest of the JSON encoding of cfg.
// Equal configurations have equal digests.
func ConfigDigest(cfg *core.PipelineConfig) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", errors.Wrap(err, "encode config for digest")
	}
	return core.Digest(data), nil
}
