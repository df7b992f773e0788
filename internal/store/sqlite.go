package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/presagehq/presage/internal/graph"
	"github.com/presagehq/presage/internal/model"

	_ "modernc.org/sqlite"
)

const createNodesTable = `
CREATE TABLE IF NOT EXISTS capability_nodes (
    id            TEXT PRIMARY KEY,
    kind          TEXT NOT NULL,
    deprecated    INTEGER NOT NULL DEFAULT 0,
    importance    REAL NOT NULL DEFAULT 0,
    mean_cost_ms  REAL NOT NULL DEFAULT 0,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
)`

const createEdgesTable = `
CREATE TABLE IF NOT EXISTS capability_edges (
    source     TEXT NOT NULL,
    target     TEXT NOT NULL,
    weight     REAL NOT NULL,
    confidence REAL NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (source, target)
)`

const createCheckpointsTable = `
CREATE TABLE IF NOT EXISTS workflow_checkpoints (
    workflow_id TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    archived    INTEGER NOT NULL DEFAULT 0,
    updated_at  DATETIME NOT NULL
)`

const createOutcomesTable = `
CREATE TABLE IF NOT EXISTS speculation_outcomes (
    id             TEXT PRIMARY KEY,
    workflow_id    TEXT NOT NULL,
    capability_id  TEXT NOT NULL,
    domain         TEXT NOT NULL,
    confidence     REAL NOT NULL,
    result         TEXT NOT NULL,
    reason         TEXT NOT NULL,
    wasted_ms      INTEGER NOT NULL DEFAULT 0,
    created_at     DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createNodesTable, createEdgesTable, createCheckpointsTable, createOutcomesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveGraph replaces the persisted graph with the store's current nodes
// and edges in one transaction. Callers are expected to gate on
// graph.Version to skip saves when nothing changed.
func (s *SQLiteStore) SaveGraph(ctx context.Context, g *graph.Store) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin graph tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM capability_edges"); err != nil {
		return fmt.Errorf("clear edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM capability_nodes"); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}

	nodeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO capability_nodes (id, kind, deprecated, importance, mean_cost_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare node insert: %w", err)
	}
	defer nodeStmt.Close()

	edgeStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO capability_edges (source, target, weight, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare edge insert: %w", err)
	}
	defer edgeStmt.Close()

	now := time.Now().UTC()
	nodes := g.Nodes()
	for _, c := range nodes {
		if _, err := nodeStmt.ExecContext(ctx,
			c.ID, c.Kind, c.Deprecated, c.Importance, c.MeanCostMS, c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert node %s: %w", c.ID, err)
		}
	}
	for _, c := range nodes {
		for _, e := range g.Neighbors(c.ID) {
			if _, err := edgeStmt.ExecContext(ctx,
				e.Source, e.Target, e.Weight, e.Confidence, now,
			); err != nil {
				return fmt.Errorf("insert edge %s->%s: %w", e.Source, e.Target, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit graph tx: %w", err)
	}
	return nil
}

// LoadGraph restores persisted nodes and edges into g. An empty database
// leaves g untouched.
func (s *SQLiteStore) LoadGraph(ctx context.Context, g *graph.Store) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, deprecated, importance, mean_cost_ms, created_at, updated_at
		FROM capability_nodes`)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c model.Capability
		if err := rows.Scan(&c.ID, &c.Kind, &c.Deprecated, &c.Importance, &c.MeanCostMS, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return fmt.Errorf("scan node: %w", err)
		}
		g.RestoreNode(c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate nodes: %w", err)
	}

	edgeRows, err := s.db.QueryContext(ctx,
		"SELECT source, target, weight, confidence FROM capability_edges")
	if err != nil {
		return fmt.Errorf("load edges: %w", err)
	}
	defer edgeRows.Close()

	for edgeRows.Next() {
		var source, target string
		var weight, confidence float64
		if err := edgeRows.Scan(&source, &target, &weight, &confidence); err != nil {
			return fmt.Errorf("scan edge: %w", err)
		}
		g.RestoreEdge(source, target, weight, confidence)
	}
	if err := edgeRows.Err(); err != nil {
		return fmt.Errorf("iterate edges: %w", err)
	}

	return nil
}

// SaveCheckpoint upserts the JSON-encoded workflow state. The archived
// flag mirrors the state's status so resume can skip finished workflows
// without decoding the blob.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, state *model.WorkflowState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode workflow state: %w", err)
	}

	archived := state.Status == model.WorkflowArchived
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_checkpoints (workflow_id, state, archived, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			state = excluded.state,
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		state.ID, string(blob), archived, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the saved state for a workflow, or ErrNotFound
// when no checkpoint exists (cold start).
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM workflow_checkpoints WHERE workflow_id = ?", workflowID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	state := &model.WorkflowState{}
	if err := json.Unmarshal([]byte(blob), state); err != nil {
		return nil, fmt.Errorf("decode workflow state: %w", err)
	}
	return state, nil
}

// DeleteCheckpoint removes a workflow's checkpoint.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM workflow_checkpoints WHERE workflow_id = ?", workflowID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LogSpeculation appends one row to the speculation audit log.
func (s *SQLiteStore) LogSpeculation(ctx context.Context, o *model.SpeculationOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speculation_outcomes (
			id, workflow_id, capability_id, domain, confidence,
			result, reason, wasted_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.WorkflowID, o.Capability, o.Domain, o.Confidence,
		o.Result, o.Reason, o.WastedMS, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert speculation outcome: %w", err)
	}
	return nil
}

// GetSpeculationStats aggregates the outcome log.
func (s *SQLiteStore) GetSpeculationStats(ctx context.Context) (*SpeculationStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &SpeculationStats{CountByReason: make(map[string]int)}

	rows, err := tx.QueryContext(ctx,
		`SELECT result, reason, COUNT(*), COALESCE(SUM(wasted_ms), 0)
		FROM speculation_outcomes GROUP BY result, reason`)
	if err != nil {
		return nil, fmt.Errorf("aggregate outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result, reason string
		var count int
		var wasted int64
		if err := rows.Scan(&result, &reason, &count, &wasted); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		stats.Total += count
		stats.CountByReason[reason] += count
		switch result {
		case model.SpecCommitted:
			stats.Committed += count
		case model.SpecDiscarded:
			stats.Discarded += count
			stats.WastedMS += wasted
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome rows: %w", err)
	}

	if stats.Total > 0 {
		stats.HitRate = float64(stats.Committed) / float64(stats.Total)
	}
	return stats, nil
}
