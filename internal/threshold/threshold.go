// Package threshold maintains the adaptive confidence cutoff that gates
// speculation. A closed-loop controller nudges the cutoff against a
// rolling window of speculation outcomes: too many correct guesses and
// it loosens, too many misses and it tightens, always inside a
// configured clamp band.
package threshold

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/presagehq/presage/internal/config"
	"github.com/presagehq/presage/internal/model"
)

// globalDomain is the single bucket used when the controller runs in
// global mode.
const globalDomain = "global"

var thresholdGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "presage_speculation_threshold",
		Help: "Current speculation confidence threshold per domain.",
	},
	[]string{"domain"},
)

func init() {
	prometheus.MustRegister(thresholdGauge)
}

// Controller holds one threshold state per domain (or a single global
// one) and adjusts it after each full outcome window.
type Controller struct {
	cfg    config.ThresholdConfig
	logger *slog.Logger

	mu      sync.RWMutex
	domains map[string]*domainState
}

type domainState struct {
	mu      sync.Mutex
	value   float64
	correct int
	total   int
}

// New creates a controller with every domain starting at the configured
// initial threshold.
func New(cfg config.ThresholdConfig, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		logger:  logger,
		domains: make(map[string]*domainState),
	}
}

// domainFor maps a capability id to its threshold bucket.
func (c *Controller) domainFor(capability string) string {
	if c.cfg.Mode == config.ThresholdModeNamespace {
		return model.DomainOf(capability)
	}
	return globalDomain
}

func (c *Controller) stateFor(domain string) *domainState {
	c.mu.RLock()
	st, ok := c.domains[domain]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok = c.domains[domain]; ok {
		return st
	}
	st = &domainState{value: c.cfg.Initial}
	c.domains[domain] = st
	thresholdGauge.WithLabelValues(domain).Set(st.value)
	return st
}

// Value returns the current threshold for the capability's domain. A
// value that somehow left the clamp band is corrected here and logged.
func (c *Controller) Value(capability string) float64 {
	domain := c.domainFor(capability)
	st := c.stateFor(domain)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.value < c.cfg.Min || st.value > c.cfg.Max {
		old := st.value
		st.value = c.clamp(st.value)
		thresholdGauge.WithLabelValues(domain).Set(st.value)
		c.logger.Warn("threshold out of band, re-clamped",
			"domain", domain, "from", old, "to", st.value)
	}
	return st.value
}

// Observe records one speculation outcome. When the rolling window
// fills, the controller makes one adjustment decision and resets the
// window: success rate above the upper bound lowers the threshold by
// one step (more speculation), below the lower bound raises it (less),
// anything in between holds.
func (c *Controller) Observe(capability string, correct bool) {
	domain := c.domainFor(capability)
	st := c.stateFor(domain)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.total++
	if correct {
		st.correct++
	}
	if st.total < c.cfg.Window {
		return
	}

	rate := float64(st.correct) / float64(st.total)
	old := st.value
	switch {
	case rate > c.cfg.UpperBound:
		st.value = c.clamp(st.value - c.cfg.Step)
	case rate < c.cfg.LowerBound:
		st.value = c.clamp(st.value + c.cfg.Step)
	}
	st.correct, st.total = 0, 0

	if st.value != old {
		thresholdGauge.WithLabelValues(domain).Set(st.value)
		c.logger.Info("speculation threshold adjusted",
			"domain", domain, "rate", rate, "from", old, "to", st.value)
	} else {
		c.logger.Debug("speculation threshold held",
			"domain", domain, "rate", rate, "value", st.value)
	}
}

// Values returns the current threshold per known domain.
func (c *Controller) Values() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]float64, len(c.domains))
	for domain, st := range c.domains {
		st.mu.Lock()
		out[domain] = st.value
		st.mu.Unlock()
	}
	return out
}

func (c *Controller) clamp(v float64) float64 {
	if v < c.cfg.Min {
		return c.cfg.Min
	}
	if v > c.cfg.Max {
		return c.cfg.Max
	}
	return v
}
