package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/presagehq/presage/internal/engine"
	"github.com/presagehq/presage/internal/model"
)

func startWorkflow(t *testing.T, url, body string) *model.WorkflowState {
	t.Helper()
	resp, err := http.Post(url+"/v1/workflows", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/workflows: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var state model.WorkflowState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode workflow state: %v", err)
	}
	return &state
}

func TestStartWorkflow(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	state := startWorkflow(t, ts.URL, `{"domain":"fs","pending":["fs.read","fs.search"],"context":{"repo":{"kind":"string","value":"demo"}}}`)

	if len(state.ID) != 26 {
		t.Errorf("ID length = %d, want 26 (ULID)", len(state.ID))
	}
	if state.Status != model.WorkflowActive {
		t.Errorf("Status = %q, want %q", state.Status, model.WorkflowActive)
	}
	if len(state.Pending) != 2 {
		t.Errorf("Pending = %v, want 2 entries", state.Pending)
	}
	if got := state.Context["repo"]; got.Kind != model.ValueString || got.Str != "demo" {
		t.Errorf("Context[repo] = %+v, want string \"demo\"", got)
	}
}

func TestStartWorkflowInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/workflows", "application/json", bytes.NewBufferString("not json"))
	if err != nil {
		t.Fatalf("POST /v1/workflows: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetWorkflow(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := startWorkflow(t, ts.URL, `{"domain":"fs"}`)

	resp, err := http.Get(ts.URL + "/v1/workflows/" + created.ID)
	if err != nil {
		t.Fatalf("GET /v1/workflows/%s: %v", created.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var got model.WorkflowState
	json.NewDecoder(resp.Body).Decode(&got)
	if got.ID != created.ID {
		t.Errorf("ID = %q, want %q", got.ID, created.ID)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workflows/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPredictNextEmptyHistory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := startWorkflow(t, ts.URL, `{"domain":"fs"}`)

	resp, err := http.Post(ts.URL+"/v1/workflows/"+created.ID+"/predictions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST predictions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var preds predictionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&preds); err != nil {
		t.Fatalf("decode predictions: %v", err)
	}
	if preds.Candidates == nil {
		t.Error("candidates should be an empty array, not null")
	}
	if len(preds.Candidates) != 0 {
		t.Errorf("candidates = %v, want none for a workflow with no history", preds.Candidates)
	}
}

func TestPredictNextUnknownWorkflow(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/workflows/nope/predictions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST predictions: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReportOutcomeExecutesStep(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := startWorkflow(t, ts.URL, `{"domain":"fs","pending":["fs.read"]}`)

	body := `{"capability":"fs.read"}`
	resp, err := http.Post(ts.URL+"/v1/workflows/"+created.ID+"/outcomes", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST outcomes: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result engine.StepResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode step result: %v", err)
	}
	if !result.Step.Success {
		t.Errorf("step failed: %+v", result)
	}
	if result.Source != model.DecisionSynchronous {
		t.Errorf("Source = %q, want %q (nothing was speculated)", result.Source, model.DecisionSynchronous)
	}

	// The step must now appear in the workflow state, with pending shrunk.
	stateResp, err := http.Get(ts.URL + "/v1/workflows/" + created.ID)
	if err != nil {
		t.Fatalf("GET workflow: %v", err)
	}
	defer stateResp.Body.Close()
	var state model.WorkflowState
	json.NewDecoder(stateResp.Body).Decode(&state)
	if len(state.Completed) != 1 || state.Completed[0].Capability != "fs.read" {
		t.Errorf("Completed = %+v, want one fs.read step", state.Completed)
	}
	if len(state.Pending) != 0 {
		t.Errorf("Pending = %v, want empty", state.Pending)
	}
	if len(state.Decisions) != 1 {
		t.Errorf("Decisions = %+v, want one entry", state.Decisions)
	}
}

func TestReportOutcomeMissingCapability(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := startWorkflow(t, ts.URL, `{"domain":"fs"}`)

	resp, err := http.Post(ts.URL+"/v1/workflows/"+created.ID+"/outcomes", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("POST outcomes: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCompleteWorkflow(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := startWorkflow(t, ts.URL, `{"domain":"fs"}`)

	resp, err := http.Post(ts.URL+"/v1/workflows/"+created.ID+"/complete", "application/json", nil)
	if err != nil {
		t.Fatalf("POST complete: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var final model.WorkflowState
	json.NewDecoder(resp.Body).Decode(&final)
	if final.Status != model.WorkflowArchived {
		t.Errorf("Status = %q, want %q", final.Status, model.WorkflowArchived)
	}

	// Completing again is a 404: the session is gone.
	again, err := http.Post(ts.URL+"/v1/workflows/"+created.ID+"/complete", "application/json", nil)
	if err != nil {
		t.Fatalf("POST complete again: %v", err)
	}
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Errorf("second complete status = %d, want 404", again.StatusCode)
	}
}
