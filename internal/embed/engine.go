package embed

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/presagehq/presage/internal/config"
	"github.com/presagehq/presage/internal/graph"
)

// ErrRetrainInFlight is returned when a retrain is requested while a
// previous one is still running.
var ErrRetrainInFlight = errors.New("retrain already in flight")

// hotWalkMultiplier is the walk boost for capabilities flagged by the
// prioritized trace buffer.
const hotWalkMultiplier = 2

// Table is an immutable embedding table. Readers obtain it once per
// prediction cycle and never see a partially trained set: retraining
// builds a fresh table and swaps the pointer on completion.
type Table struct {
	Dim       int
	Vectors   map[string][]float32
	TrainedAt time.Time
	Version   uint64
}

// Vector returns the embedding for id.
func (t *Table) Vector(id string) ([]float32, bool) {
	v, ok := t.Vectors[id]
	return v, ok
}

// Cosine returns the cosine similarity of two node embeddings and
// whether both were present.
func (t *Table) Cosine(a, b string) (float64, bool) {
	va, ok := t.Vectors[a]
	if !ok {
		return 0, false
	}
	vb, ok := t.Vectors[b]
	if !ok {
		return 0, false
	}
	return Cosine(va, vb), true
}

// Empty reports whether the table holds no vectors. Callers fall back
// to non-embedding signals when it does.
func (t *Table) Empty() bool {
	return len(t.Vectors) == 0
}

// Cosine computes cosine similarity between two vectors. Mismatched or
// zero-norm inputs yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Engine owns the embedding table and its retraining. Retrains run at
// most one at a time; the table pointer swap is the only write readers
// can observe.
type Engine struct {
	cfg    config.EmbeddingConfig
	logger *slog.Logger

	table      atomic.Pointer[Table]
	retraining atomic.Bool
	version    atomic.Uint64
}

// NewEngine creates an engine with an empty table.
func NewEngine(cfg config.EmbeddingConfig, logger *slog.Logger) *Engine {
	e := &Engine{cfg: cfg, logger: logger}
	e.table.Store(&Table{Dim: cfg.Dim, Vectors: map[string][]float32{}})
	return e
}

// Table returns the current embedding table. Never nil.
func (e *Engine) Table() *Table {
	return e.table.Load()
}

// Retrain walks the snapshot, trains a fresh embedding set, and swaps
// it in. hot ids receive extra walks so surprising capabilities are
// re-embedded against more context. Degenerate graphs (empty, or nodes
// without edges) train whatever structure exists and never fail.
func (e *Engine) Retrain(ctx context.Context, snap *graph.Snapshot, hot map[string]bool) error {
	if !e.retraining.CompareAndSwap(false, true) {
		return ErrRetrainInFlight
	}
	defer e.retraining.Store(false)

	start := time.Now()
	walks, err := e.generateWalks(ctx, snap, hot)
	if err != nil {
		return err
	}

	tr := &trainer{
		dim:       e.cfg.Dim,
		window:    e.cfg.WindowSize,
		negatives: e.cfg.Negatives,
		lr:        e.cfg.LearningRate,
		epochs:    e.cfg.Epochs,
	}
	vectors := tr.train(walks, rand.New(rand.NewSource(e.cfg.Seed)))

	table := &Table{
		Dim:       e.cfg.Dim,
		Vectors:   vectors,
		TrainedAt: time.Now().UTC(),
		Version:   e.version.Add(1),
	}
	e.table.Store(table)

	e.logger.Info("embedding retrain complete",
		"nodes", len(snap.IDs),
		"walks", len(walks),
		"vectors", len(vectors),
		"hot", len(hot),
		"version", table.Version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// generateWalks runs walk generation across nodes in parallel. Each
// start node owns a deterministic rng, so the resulting corpus does not
// depend on scheduling.
func (e *Engine) generateWalks(ctx context.Context, snap *graph.Snapshot, hot map[string]bool) ([][]string, error) {
	w := &walker{snap: snap, p: e.cfg.P, q: e.cfg.Q}
	perStart := make([][][]string, len(snap.IDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, id := range snap.IDs {
		i, id := i, id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			count := e.cfg.WalksPerNode
			if hot[id] {
				count *= hotWalkMultiplier
			}
			rng := rand.New(rand.NewSource(walkSeed(e.cfg.Seed, id)))
			walks := make([][]string, 0, count)
			for k := 0; k < count; k++ {
				walks = append(walks, w.walk(id, e.cfg.WalkLength, rng))
			}
			perStart[i] = walks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out [][]string
	for _, walks := range perStart {
		out = append(out, walks...)
	}
	return out, nil
}

func walkSeed(seed int64, id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return seed ^ int64(h.Sum64())
}
