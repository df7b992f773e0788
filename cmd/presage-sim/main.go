// presage-sim drives the speculation engine in-process against a
// synthetic capability universe and prints convergence stats: hit rate,
// threshold trajectory, and wasted work. Usage: go run ./cmd/presage-sim
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/presagehq/presage/internal/config"
	"github.com/presagehq/presage/internal/embed"
	"github.com/presagehq/presage/internal/engine"
	"github.com/presagehq/presage/internal/graph"
	"github.com/presagehq/presage/internal/learn"
	"github.com/presagehq/presage/internal/model"
	"github.com/presagehq/presage/internal/predict"
	"github.com/presagehq/presage/internal/sandbox"
	"github.com/presagehq/presage/internal/store"
	"github.com/presagehq/presage/internal/threshold"
)

// recipes are the ground-truth workflow shapes the generator samples
// from. The engine has to discover these transitions on its own.
var recipes = [][]string{
	{"repo.clone", "fs.read", "code.search", "code.analyze", "report.render"},
	{"repo.clone", "fs.read", "code.analyze", "report.render"},
	{"fs.read", "code.search", "code.analyze", "report.render"},
	{"docs.fetch", "docs.summarize", "report.render"},
	{"docs.fetch", "code.search", "docs.summarize", "report.render"},
}

func main() {
	var (
		workflows = flag.Int("workflows", 200, "number of synthetic workflows to run")
		noise     = flag.Float64("noise", 0.1, "probability a step deviates from its recipe")
		seed      = flag.Int64("seed", 1, "generator seed")
		report    = flag.Int("report", 50, "print stats every N workflows")
		latency   = flag.Duration("latency", 2*time.Millisecond, "simulated tool latency")
	)
	flag.Parse()

	cfg := config.Default()
	cfg.Learning.RetrainEvery = 10
	logger := config.NewLogger(os.Stderr, slog.LevelWarn)

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := sandbox.NewRegistry()
	universe := allCapabilities()
	if err := reg.Register(newSimRunner(universe, *latency)); err != nil {
		log.Fatalf("failed to register sim runner: %v", err)
	}
	if err := reg.ValidateEligibility(cfg.Executor.SpeculatableKinds); err != nil {
		log.Fatalf("speculation eligibility check failed: %v", err)
	}

	g := graph.New(cfg.Embedding.Gamma)
	embeddings := embed.NewEngine(cfg.Embedding, logger)
	thresholds := threshold.New(cfg.Threshold, logger)
	predictor := predict.New(g, embeddings, cfg.Predictor)

	learner := learn.NewLoop(cfg.Learning, g, embeddings, thresholds, logger)
	learner.Start()
	defer learner.Stop()

	eng := engine.NewEngine(cfg.Executor, db, reg, predictor, thresholds, learner, logger)

	rng := rand.New(rand.NewSource(*seed))
	ctx := context.Background()
	start := time.Now()

	for i := 1; i <= *workflows; i++ {
		if err := runWorkflow(ctx, eng, rng, universe, *noise); err != nil {
			log.Fatalf("workflow %d failed: %v", i, err)
		}
		if i%*report == 0 {
			printStats(ctx, db, g, thresholds, learner, i)
		}
	}

	eng.Wait()
	fmt.Printf("\nfinal after %d workflows (%.1fs)\n", *workflows, time.Since(start).Seconds())
	printStats(ctx, db, g, thresholds, learner, *workflows)
}

// runWorkflow plays one recipe through the engine: predict, then report
// the real next step, exactly as a driver would.
func runWorkflow(ctx context.Context, eng *engine.Engine, rng *rand.Rand, universe []sandbox.CapabilityInfo, noise float64) error {
	recipe := recipes[rng.Intn(len(recipes))]

	state, err := eng.StartWorkflow(ctx, engine.StartRequest{
		Domain:  model.DomainOf(recipe[0]),
		Pending: recipe,
	})
	if err != nil {
		return err
	}

	for _, planned := range recipe {
		if _, err := eng.PredictNext(ctx, state.ID); err != nil {
			return err
		}

		actual := planned
		if rng.Float64() < noise {
			actual = universe[rng.Intn(len(universe))].ID
		}
		if _, err := eng.ReportOutcome(ctx, state.ID, actual, nil, nil); err != nil {
			return err
		}
	}

	_, err = eng.CompleteWorkflow(ctx, state.ID)
	return err
}

func printStats(ctx context.Context, db store.Store, g *graph.Store, th *threshold.Controller, learner *learn.Loop, done int) {
	stats, err := db.GetSpeculationStats(ctx)
	if err != nil {
		log.Printf("stats unavailable: %v", err)
		return
	}
	fmt.Printf("workflows=%d speculations=%d hit_rate=%.2f wasted_ms=%d traces=%d nodes=%d edges=%d thresholds=%v\n",
		done, stats.Total, stats.HitRate, stats.WastedMS, learner.TraceCount(),
		g.NodeCount(), g.EdgeCount(), th.Values())
}

// allCapabilities flattens the recipe universe into declarations. Every
// capability except report.render is side-effect free; rendering mutates
// the outside world, so it only ever runs synchronously.
func allCapabilities() []sandbox.CapabilityInfo {
	kinds := map[string]string{
		"repo.clone":     model.KindRead,
		"fs.read":        model.KindRead,
		"code.search":    model.KindQuery,
		"code.analyze":   model.KindDryRun,
		"docs.fetch":     model.KindRead,
		"docs.summarize": model.KindQuery,
		"report.render":  model.KindMutate,
	}
	out := make([]sandbox.CapabilityInfo, 0, len(kinds))
	for id, kind := range kinds {
		out = append(out, sandbox.CapabilityInfo{
			ID:             id,
			Kind:           kind,
			SideEffectFree: kind != model.KindMutate,
		})
	}
	return out
}

// newSimRunner hosts the whole universe in-process with a fixed latency.
func newSimRunner(universe []sandbox.CapabilityInfo, latency time.Duration) *sandbox.InProcRunner {
	r := sandbox.NewInProcRunner("sim")
	for _, c := range universe {
		id := c.ID
		r.Handle(c, func(ctx context.Context, _ map[string]model.ContextValue) (map[string]model.ContextValue, error) {
			select {
			case <-time.After(latency):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return map[string]model.ContextValue{"tool": model.StringValue(id)}, nil
		})
	}
	return r
}
