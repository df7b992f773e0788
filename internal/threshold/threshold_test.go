package threshold

import (
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/presagehq/presage/internal/config"
)

func testConfig() config.ThresholdConfig {
	return config.ThresholdConfig{
		Mode:       config.ThresholdModeGlobal,
		Initial:    0.92,
		Min:        0.70,
		Max:        0.95,
		Step:       0.02,
		Window:     50,
		UpperBound: 0.90,
		LowerBound: 0.80,
	}
}

func newController(t *testing.T, cfg config.ThresholdConfig) *Controller {
	t.Helper()
	return New(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

// fillWindow reports correct outcomes followed by incorrect ones until
// exactly one full window has been observed.
func fillWindow(c *Controller, capability string, correct, window int) {
	for i := 0; i < correct; i++ {
		c.Observe(capability, true)
	}
	for i := 0; i < window-correct; i++ {
		c.Observe(capability, false)
	}
}

func TestInitialValue(t *testing.T) {
	c := newController(t, testConfig())
	if got := c.Value("fs.read"); got != 0.92 {
		t.Errorf("Value = %v, want initial 0.92", got)
	}
}

// 46 of 50 correct (92%) clears the 0.90 upper bound, so the threshold
// steps down to speculate more.
func TestHighSuccessLowersThreshold(t *testing.T) {
	c := newController(t, testConfig())
	fillWindow(c, "fs.read", 46, 50)
	if got := c.Value("fs.read"); math.Abs(got-0.90) > 1e-9 {
		t.Errorf("Value = %v, want 0.90 after step down", got)
	}
}

// 35 of 50 correct (70%) falls below the 0.80 lower bound, so the
// threshold steps up; a second bad window clamps at the 0.95 max.
func TestLowSuccessRaisesThresholdAndClamps(t *testing.T) {
	c := newController(t, testConfig())

	fillWindow(c, "fs.read", 35, 50)
	if got := c.Value("fs.read"); math.Abs(got-0.94) > 1e-9 {
		t.Errorf("Value = %v, want 0.94 after step up", got)
	}

	fillWindow(c, "fs.read", 35, 50)
	if got := c.Value("fs.read"); math.Abs(got-0.95) > 1e-9 {
		t.Errorf("Value = %v, want clamp at max 0.95", got)
	}
}

func TestInBandHoldsValue(t *testing.T) {
	c := newController(t, testConfig())
	fillWindow(c, "fs.read", 43, 50) // 86%, inside [0.80, 0.90]
	if got := c.Value("fs.read"); got != 0.92 {
		t.Errorf("Value = %v, want unchanged 0.92", got)
	}
}

func TestWindowResetsAfterDecision(t *testing.T) {
	c := newController(t, testConfig())
	fillWindow(c, "fs.read", 43, 50) // hold, window reset

	// 49 more outcomes must not trigger a decision yet.
	fillWindow(c, "fs.read", 49, 49)
	if got := c.Value("fs.read"); got != 0.92 {
		t.Fatalf("Value = %v, want 0.92 before window refills", got)
	}

	// The 50th completes the second window at 100% success.
	c.Observe("fs.read", true)
	if got := c.Value("fs.read"); math.Abs(got-0.90) > 1e-9 {
		t.Errorf("Value = %v, want 0.90 after second full window", got)
	}
}

func TestExactBoundsHold(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 10
	c := newController(t, cfg)

	fillWindow(c, "fs.read", 9, 10) // exactly 0.90: not above the bound
	if got := c.Value("fs.read"); got != 0.92 {
		t.Errorf("Value = %v, want hold at exact upper bound", got)
	}

	fillWindow(c, "fs.read", 8, 10) // exactly 0.80: not below the bound
	if got := c.Value("fs.read"); got != 0.92 {
		t.Errorf("Value = %v, want hold at exact lower bound", got)
	}
}

func TestValueStaysInBandUnderRandomOutcomes(t *testing.T) {
	cfg := testConfig()
	cfg.Window = 5
	c := newController(t, cfg)
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 2000; i++ {
		c.Observe("fs.read", rng.Float64() < 0.5)
		v := c.Value("fs.read")
		if v < cfg.Min-1e-12 || v > cfg.Max+1e-12 {
			t.Fatalf("Value = %v left [%v, %v] at step %d", v, cfg.Min, cfg.Max, i)
		}
	}
}

func TestGlobalModeSharesOneBucket(t *testing.T) {
	c := newController(t, testConfig())
	fillWindow(c, "fs.read", 46, 50)

	if got := c.Value("net.fetch"); math.Abs(got-0.90) > 1e-9 {
		t.Errorf("Value(net.fetch) = %v, want shared global 0.90", got)
	}
	if got := len(c.Values()); got != 1 {
		t.Errorf("len(Values) = %d, want 1 in global mode", got)
	}
}

func TestNamespaceModeIsolatesDomains(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = config.ThresholdModeNamespace
	c := newController(t, cfg)

	fillWindow(c, "fs.read", 46, 50)

	if got := c.Value("fs.stat"); math.Abs(got-0.90) > 1e-9 {
		t.Errorf("Value(fs.stat) = %v, want 0.90 (same fs domain)", got)
	}
	if got := c.Value("net.fetch"); got != 0.92 {
		t.Errorf("Value(net.fetch) = %v, want untouched 0.92", got)
	}

	values := c.Values()
	if len(values) != 2 {
		t.Fatalf("Values = %v, want fs and net domains", values)
	}
	if _, ok := values["fs"]; !ok {
		t.Errorf("Values missing fs domain: %v", values)
	}
}

func TestValueReclampsOutOfBandState(t *testing.T) {
	c := newController(t, testConfig())
	st := c.stateFor(globalDomain)
	st.mu.Lock()
	st.value = 0.99
	st.mu.Unlock()

	if got := c.Value("fs.read"); math.Abs(got-0.95) > 1e-9 {
		t.Errorf("Value = %v, want re-clamped 0.95", got)
	}

	st.mu.Lock()
	st.value = 0.10
	st.mu.Unlock()
	if got := c.Value("fs.read"); math.Abs(got-0.70) > 1e-9 {
		t.Errorf("Value = %v, want re-clamped 0.70", got)
	}
}
