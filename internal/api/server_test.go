package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

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

// newTestServer wires the full engine stack over an in-memory store with a
// small in-process runner hosting fs.read, fs.search (speculatable) and
// fs.write (side-effecting, never speculated).
func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	g := graph.New(cfg.Embedding.Gamma)
	emb := embed.NewEngine(cfg.Embedding, logger)
	pred := predict.New(g, emb, cfg.Predictor)
	th := threshold.New(cfg.Threshold, logger)
	loop := learn.NewLoop(cfg.Learning, g, emb, th, logger)
	loop.Start()
	t.Cleanup(loop.Stop)

	ok := func(_ context.Context, _ map[string]model.ContextValue) (map[string]model.ContextValue, error) {
		return map[string]model.ContextValue{"done": model.BoolValue(true)}, nil
	}
	runner := sandbox.NewInProcRunner("test-tools")
	runner.Handle(sandbox.CapabilityInfo{ID: "fs.read", Kind: model.KindRead, SideEffectFree: true}, ok)
	runner.Handle(sandbox.CapabilityInfo{ID: "fs.search", Kind: model.KindQuery, SideEffectFree: true}, ok)
	runner.Handle(sandbox.CapabilityInfo{ID: "fs.write", Kind: model.KindMutate}, ok)

	reg := sandbox.NewRegistry()
	if err := reg.Register(runner); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.ValidateEligibility(cfg.Executor.SpeculatableKinds); err != nil {
		t.Fatalf("ValidateEligibility: %v", err)
	}

	eng := engine.NewEngine(cfg.Executor, db, reg, pred, th, loop, logger)
	t.Cleanup(eng.Wait)

	return NewServer(":0", db, g, reg, eng, th, logger)
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/v1/stats", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
