package store

import (
	"context"
	"time"

	"github.com/gatherline/eventpipe/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	SourceURL    string          `json:"source_url,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Identity is one entry in the cross-run identity registry. Key is the
// SHA-256 of the canonical record URL; the first run to route a record
// owns its key forever.
type Identity struct {
	Key   string `json:"key"`
	URL   string `json:"url"`
	RunID string `json:"run_id"`
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	SaveResult(ctx context.Context, result *model.PipelineResult) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Routed records
	SaveRecords(ctx context.Context, runID string, records []model.ValidatedRecord) error

	// Identity registry
	SeenIdentity(ctx context.Context, key string) (bool, error)
	RecordIdentities(ctx context.Context, ids []Identity) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
