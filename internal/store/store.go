package store

import (
	"context"
	"errors"

	"github.com/presagehq/presage/internal/graph"
	"github.com/presagehq/presage/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SpeculationStats holds aggregate speculation accounting over the
// outcome log. HitRate is the committed share of all logged
// speculations; WastedMS sums the runtime of discarded tasks.
type SpeculationStats struct {
	Total         int            `json:"total"`
	Committed     int            `json:"committed"`
	Discarded     int            `json:"discarded"`
	HitRate       float64        `json:"hit_rate"`
	WastedMS      int64          `json:"wasted_ms"`
	CountByReason map[string]int `json:"count_by_reason"`
}

// Store defines the persistence operations for the engine: the
// capability graph, workflow checkpoints, and the speculation audit log.
type Store interface {
	SaveGraph(ctx context.Context, g *graph.Store) error
	LoadGraph(ctx context.Context, g *graph.Store) error
	SaveCheckpoint(ctx context.Context, state *model.WorkflowState) error
	LoadCheckpoint(ctx context.Context, workflowID string) (*model.WorkflowState, error)
	DeleteCheckpoint(ctx context.Context, workflowID string) error
	LogSpeculation(ctx context.Context, o *model.SpeculationOutcome) error
	GetSpeculationStats(ctx context.Context) (*SpeculationStats, error)
	Close() error
}
