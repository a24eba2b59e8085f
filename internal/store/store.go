// Package store is the run registry: a queryable index of every run's
// configuration, status, and evaluation summary. The run directory stays
// the source of truth for attempt-level data; the registry exists so `runs
// list` and cross-run comparisons don't have to scan directories.
package store

import (
	"context"
	"encoding/json"

	"github.com/sells-group/mapeval-cli/internal/model"
)

// RunFilter selects runs for listing.
type RunFilter struct {
	Status   model.RunStatus `json:"status,omitempty"`
	Provider model.Provider  `json:"provider,omitempty"`
	Tier     model.Tier      `json:"tier,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// Store defines the registry persistence interface.
type Store interface {
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunSummary(ctx context.Context, runID string, summary json.RawMessage) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	Migrate(ctx context.Context) error
	Close() error
}
