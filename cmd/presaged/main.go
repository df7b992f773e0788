package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/presagehq/presage/internal/api"
	"github.com/presagehq/presage/internal/config"
	"github.com/presagehq/presage/internal/embed"
	"github.com/presagehq/presage/internal/engine"
	"github.com/presagehq/presage/internal/graph"
	"github.com/presagehq/presage/internal/learn"
	"github.com/presagehq/presage/internal/predict"
	"github.com/presagehq/presage/internal/sandbox"
	"github.com/presagehq/presage/internal/store"
	"github.com/presagehq/presage/internal/threshold"
)

// graphSaveInterval paces background graph persistence. Saves are
// skipped while the graph version is unchanged.
const graphSaveInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.SlogLevel())

	logger.Info("presaged: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	g := graph.New(cfg.Embedding.Gamma)
	if err := db.LoadGraph(context.Background(), g); err != nil {
		log.Fatalf("failed to load capability graph: %v", err)
	}
	logger.Info("capability graph loaded", "nodes", g.NodeCount(), "edges", g.EdgeCount())

	reg := sandbox.NewRegistry()
	if cfg.RunnersManifest != "" {
		runners, err := sandbox.LoadManifest(cfg.RunnersManifest)
		if err != nil {
			log.Fatalf("failed to load runner manifest: %v", err)
		}
		for _, r := range runners {
			if err := reg.Register(r); err != nil {
				log.Fatalf("failed to register runner: %v", err)
			}
		}
	}
	// A speculation allow-list naming a side-effecting capability is a
	// fatal wiring error, caught before any workflow runs.
	if err := reg.ValidateEligibility(cfg.Executor.SpeculatableKinds); err != nil {
		log.Fatalf("speculation eligibility check failed: %v", err)
	}

	embeddings := embed.NewEngine(cfg.Embedding, logger)
	thresholds := threshold.New(cfg.Threshold, logger)
	predictor := predict.New(g, embeddings, cfg.Predictor)

	learner := learn.NewLoop(cfg.Learning, g, embeddings, thresholds, logger)
	learner.Start()
	defer learner.Stop()

	if g.NodeCount() > 0 {
		// Warm the embedding table from the persisted graph so the
		// first predictions carry the semantic signal.
		if err := learner.Retrain(context.Background()); err != nil {
			logger.Error("initial retrain failed", "error", err)
		}
	}

	eng := engine.NewEngine(cfg.Executor, db, reg, predictor, thresholds, learner, logger)

	saveCtx, stopSaver := context.WithCancel(context.Background())
	defer stopSaver()
	go persistGraph(saveCtx, db, g, logger)

	srv := api.NewServer(cfg.ListenAddr, db, g, reg, eng, thresholds, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	eng.Wait()
	if err := db.SaveGraph(context.Background(), g); err != nil {
		logger.Error("failed to save graph at shutdown", "error", err)
	}
	logger.Info("presaged: stopped")
}

// persistGraph checkpoints the capability graph on a fixed cadence,
// skipping intervals where nothing changed.
func persistGraph(ctx context.Context, db store.Store, g *graph.Store, logger *slog.Logger) {
	ticker := time.NewTicker(graphSaveInterval)
	defer ticker.Stop()

	var lastSaved uint64
	for {
		select {
		case <-ticker.C:
			v := g.Version()
			if v == lastSaved {
				continue
			}
			if err := db.SaveGraph(ctx, g); err != nil {
				logger.Error("failed to save graph", "error", err)
				continue
			}
			lastSaved = v
			logger.Debug("capability graph saved", "version", v)
		case <-ctx.Done():
			return
		}
	}
}
