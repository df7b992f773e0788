package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const remoteMaxResponseSize = 4 << 20 // 4 MB

// HTTPRunner executes capabilities against a remote tool host speaking
// the task protocol: POST the TaskSpec as JSON, read back a TaskResult.
// The host enforces its own isolation; cancellation propagates through
// the request context.
type HTTPRunner struct {
	name   string
	url    string
	caps   []CapabilityInfo
	client *http.Client
}

// NewHTTPRunner creates a runner targeting the tool host at url, hosting
// the declared capabilities.
func NewHTTPRunner(name, url string, caps []CapabilityInfo) *HTTPRunner {
	return &HTTPRunner{
		name: name,
		url:  url,
		caps: append([]CapabilityInfo(nil), caps...),
		// Per-task deadlines come from the request context; the client
		// itself only bounds dialing pathologies.
		client: &http.Client{Timeout: 0},
	}
}

// Execute posts the task to the remote host and decodes its result.
func (r *HTTPRunner) Execute(ctx context.Context, spec TaskSpec) (TaskResult, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return TaskResult{}, fmt.Errorf("encode task spec: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return TaskResult{}, fmt.Errorf("build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return TaskResult{}, fmt.Errorf("execute %s on %s: %w", spec.Capability, r.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TaskResult{}, fmt.Errorf("tool host %s returned %d: %s", r.name, resp.StatusCode, msg)
	}

	var result TaskResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, remoteMaxResponseSize)).Decode(&result); err != nil {
		return TaskResult{}, fmt.Errorf("decode task result from %s: %w", r.name, err)
	}
	if result.DurationMS == 0 {
		result.DurationMS = float64(time.Since(start).Microseconds()) / 1000.0
	}
	return result, nil
}

// Info lists the declared capabilities.
func (r *HTTPRunner) Info() RunnerInfo {
	return RunnerInfo{
		Name:         r.name,
		Capabilities: append([]CapabilityInfo(nil), r.caps...),
	}
}

// Manifest declares the remote tool hosts a daemon should register.
type Manifest struct {
	Runners []ManifestRunner `yaml:"runners"`
}

// ManifestRunner is one tool host entry in the manifest file.
type ManifestRunner struct {
	Name         string               `yaml:"name"`
	URL          string               `yaml:"url"`
	Capabilities []ManifestCapability `yaml:"capabilities"`
}

// ManifestCapability mirrors CapabilityInfo in YAML form.
type ManifestCapability struct {
	ID             string  `yaml:"id"`
	Kind           string  `yaml:"kind"`
	SideEffectFree bool    `yaml:"side_effect_free"`
	MeanCostMS     float64 `yaml:"mean_cost_ms"`
}

// LoadManifest reads a runner manifest and builds HTTP runners from it.
// Declaration errors (missing name or url, no capabilities) surface here
// so a bad manifest fails startup instead of failing the first task.
func LoadManifest(path string) ([]*HTTPRunner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runner manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse runner manifest %s: %w", path, err)
	}

	runners := make([]*HTTPRunner, 0, len(m.Runners))
	for _, entry := range m.Runners {
		if entry.Name == "" || entry.URL == "" {
			return nil, fmt.Errorf("runner manifest %s: every runner needs a name and url", path)
		}
		if len(entry.Capabilities) == 0 {
			return nil, fmt.Errorf("runner %q declares no capabilities", entry.Name)
		}
		caps := make([]CapabilityInfo, len(entry.Capabilities))
		for i, c := range entry.Capabilities {
			if c.ID == "" || c.Kind == "" {
				return nil, fmt.Errorf("runner %q: every capability needs an id and kind", entry.Name)
			}
			caps[i] = CapabilityInfo{
				ID:             c.ID,
				Kind:           c.Kind,
				SideEffectFree: c.SideEffectFree,
				MeanCostMS:     c.MeanCostMS,
			}
		}
		runners = append(runners, NewHTTPRunner(entry.Name, entry.URL, caps))
	}
	return runners, nil
}
