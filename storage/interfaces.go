package storage

import (
	"context"

	"github.com/poiesic/datamesh/core"
)

// RunRepository records the summaries of completed runs.
type RunRepository interface {
	// AddRun appends a summary to the ledger.
	// A summary without a RunID is assigned a new one.
	// Returns the stored summary.
	AddRun(ctx context.Context, summary *core.RunSummary) (*core.RunSummary, error)

	// GetRun retrieves a summary by run ID.
	// Returns ErrNotFound if the run doesn't exist.
	GetRun(ctx context.Context, runID string) (*core.RunSummary, error)

	// ListRuns returns up to limit summaries, most recent first.
	// A limit <= 0 returns every run.
	ListRuns(ctx context.Context, limit int) ([]*core.RunSummary, error)
}

// SnapshotRepository stores raw REST page bodies.
type SnapshotRepository interface {
	// SavePage stores the body of a page, replacing any earlier body.
	SavePage(ctx context.Context, source string, page int, body []byte) error

	// LoadPage returns the stored body of a page.
	// Returns ErrNotFound if the page was never saved.
	LoadPage(ctx context.Context, source string, page int) ([]byte, error)

	// DeletePages removes every stored page of a source.
	DeletePages(ctx context.Context, source string) error

	// Pages returns the stored page numbers of a source in ascending order.
	Pages(ctx context.Context, source string) ([]int, error)
}
