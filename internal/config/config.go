package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "presage.db"

	envListenAddr = "PRESAGE_LISTEN_ADDR"
	envDBPath     = "PRESAGE_DB_PATH"
	envLogLevel   = "PRESAGE_LOG_LEVEL"
	envConfigPath = "PRESAGE_CONFIG"
	envRunners    = "PRESAGE_RUNNERS"
)

// Threshold controller modes.
const (
	ThresholdModeGlobal    = "global"
	ThresholdModeNamespace = "namespace"
)

// Config holds application configuration. Defaults are overlaid by an
// optional YAML file (PRESAGE_CONFIG) and then by environment variables.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	// RunnersManifest names a YAML file declaring remote tool hosts.
	// Empty means no remote runners are registered at startup.
	RunnersManifest string `yaml:"runners_manifest"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	Predictor PredictorConfig `yaml:"predictor"`
	Threshold ThresholdConfig `yaml:"threshold"`
	Learning  LearningConfig  `yaml:"learning"`
	Executor  ExecutorConfig  `yaml:"executor"`
}

// EmbeddingConfig controls biased random walks and skip-gram training.
type EmbeddingConfig struct {
	P            float64 `yaml:"p"`
	Q            float64 `yaml:"q"`
	Gamma        float64 `yaml:"gamma"`
	WalkLength   int     `yaml:"walk_length"`
	WalksPerNode int     `yaml:"walks_per_node"`
	WindowSize   int     `yaml:"window_size"`
	Dim          int     `yaml:"dim"`
	Negatives    int     `yaml:"negatives"`
	LearningRate float64 `yaml:"learning_rate"`
	Epochs       int     `yaml:"epochs"`
	Seed         int64   `yaml:"seed"`
}

// PredictorConfig controls candidate scoring.
type PredictorConfig struct {
	TopK           int     `yaml:"top_k"`
	SemanticWeight float64 `yaml:"semantic_weight"`
}

// ThresholdConfig controls the adaptive speculation threshold.
type ThresholdConfig struct {
	Mode       string  `yaml:"mode"`
	Initial    float64 `yaml:"initial"`
	Min        float64 `yaml:"min"`
	Max        float64 `yaml:"max"`
	Step       float64 `yaml:"step"`
	Window     int     `yaml:"window"`
	UpperBound float64 `yaml:"upper_bound"`
	LowerBound float64 `yaml:"lower_bound"`
}

// LearningConfig controls outcome feedback and retraining cadence.
type LearningConfig struct {
	Alpha          float64 `yaml:"alpha"`
	TraceBuffer    int     `yaml:"trace_buffer"`
	RetrainEvery   int     `yaml:"retrain_every"`
	DecayIntervalS int     `yaml:"decay_interval_s"`
	DecayFactor    float64 `yaml:"decay_factor"`
}

// ExecutorConfig controls speculative task execution.
type ExecutorConfig struct {
	TaskTimeoutS      int      `yaml:"task_timeout_s"`
	CommitWaitMS      int      `yaml:"commit_wait_ms"`
	MaxInflight       int      `yaml:"max_inflight_per_workflow"`
	SpeculatableKinds []string `yaml:"speculatable_kinds"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   "info",
		Embedding: EmbeddingConfig{
			P:            2.0,
			Q:            0.5,
			Gamma:        1.0,
			WalkLength:   15,
			WalksPerNode: 30,
			WindowSize:   5,
			Dim:          32,
			Negatives:    5,
			LearningRate: 0.025,
			Epochs:       3,
			Seed:         1,
		},
		Predictor: PredictorConfig{
			TopK:           5,
			SemanticWeight: 0.70,
		},
		Threshold: ThresholdConfig{
			Mode:       ThresholdModeGlobal,
			Initial:    0.92,
			Min:        0.70,
			Max:        0.95,
			Step:       0.02,
			Window:     50,
			UpperBound: 0.90,
			LowerBound: 0.80,
		},
		Learning: LearningConfig{
			Alpha:          0.1,
			TraceBuffer:    512,
			RetrainEvery:   25,
			DecayIntervalS: 0,
			DecayFactor:    0.98,
		},
		Executor: ExecutorConfig{
			TaskTimeoutS:      30,
			CommitWaitMS:      50,
			MaxInflight:       4,
			SpeculatableKinds: []string{"read", "query", "dryrun"},
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// named by PRESAGE_CONFIG (if set), then environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigPath); path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envRunners); v != "" {
		cfg.RunnersManifest = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the controllers cannot operate with.
func (c Config) Validate() error {
	t := c.Threshold
	if t.Mode != ThresholdModeGlobal && t.Mode != ThresholdModeNamespace {
		return fmt.Errorf("threshold.mode %q: must be %q or %q", t.Mode, ThresholdModeGlobal, ThresholdModeNamespace)
	}
	if !(t.Min <= t.Initial && t.Initial <= t.Max) {
		return fmt.Errorf("threshold band: want min <= initial <= max, got %v <= %v <= %v", t.Min, t.Initial, t.Max)
	}
	if t.LowerBound >= t.UpperBound {
		return fmt.Errorf("threshold bounds: lower_bound %v must be below upper_bound %v", t.LowerBound, t.UpperBound)
	}
	if t.Step <= 0 {
		return fmt.Errorf("threshold.step must be positive, got %v", t.Step)
	}
	if t.Window < 1 {
		return fmt.Errorf("threshold.window must be at least 1, got %d", t.Window)
	}

	e := c.Embedding
	if e.P <= 0 || e.Q <= 0 || e.Gamma <= 0 {
		return fmt.Errorf("embedding p, q, gamma must be positive, got p=%v q=%v gamma=%v", e.P, e.Q, e.Gamma)
	}
	if e.Dim < 1 || e.WalkLength < 1 || e.WalksPerNode < 1 || e.WindowSize < 1 {
		return fmt.Errorf("embedding dim, walk_length, walks_per_node, window_size must be at least 1")
	}
	if e.Negatives < 1 || e.Epochs < 1 {
		return fmt.Errorf("embedding negatives and epochs must be at least 1")
	}
	if e.LearningRate <= 0 {
		return fmt.Errorf("embedding.learning_rate must be positive, got %v", e.LearningRate)
	}

	l := c.Learning
	if l.Alpha <= 0 || l.Alpha > 1 {
		return fmt.Errorf("learning.alpha must be in (0,1], got %v", l.Alpha)
	}
	if l.TraceBuffer < 1 {
		return fmt.Errorf("learning.trace_buffer must be at least 1, got %d", l.TraceBuffer)
	}
	if l.RetrainEvery < 1 {
		return fmt.Errorf("learning.retrain_every must be at least 1, got %d", l.RetrainEvery)
	}
	if l.DecayFactor <= 0 || l.DecayFactor > 1 {
		return fmt.Errorf("learning.decay_factor must be in (0,1], got %v", l.DecayFactor)
	}

	p := c.Predictor
	if p.TopK < 1 {
		return fmt.Errorf("predictor.top_k must be at least 1, got %d", p.TopK)
	}
	if p.SemanticWeight < 0 || p.SemanticWeight > 1 {
		return fmt.Errorf("predictor.semantic_weight must be in [0,1], got %v", p.SemanticWeight)
	}

	x := c.Executor
	if x.TaskTimeoutS < 1 {
		return fmt.Errorf("executor.task_timeout_s must be at least 1, got %d", x.TaskTimeoutS)
	}
	if x.CommitWaitMS < 0 {
		return fmt.Errorf("executor.commit_wait_ms must not be negative, got %d", x.CommitWaitMS)
	}
	if x.MaxInflight < 1 {
		return fmt.Errorf("executor.max_inflight_per_workflow must be at least 1, got %d", x.MaxInflight)
	}
	return nil
}

// SlogLevel parses the configured log level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
