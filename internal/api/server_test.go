package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/infra/storage/memory"
	"github.com/studioloom/conductor/internal/orchestration/health"
	"github.com/studioloom/conductor/internal/orchestration/registry"
	"github.com/studioloom/conductor/internal/orchestration/retry"
	"github.com/studioloom/conductor/internal/orchestration/session"
	"github.com/studioloom/conductor/internal/orchestration/wizard"
)

// okProber reports every instance alive without touching the network.
type okProber struct{}

func (okProber) Check(ctx context.Context, inst *domain.Instance) health.CheckResult {
	return health.CheckResult{InstanceID: inst.ID, Success: true, CheckedAt: time.Now()}
}

func (okProber) MaxConsecutiveFailures() int { return 3 }

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry, *session.Store) {
	t.Helper()

	reg := registry.New(memory.NewStore(), okProber{}, registry.NewBalancer(registry.PolicyRoundRobin), nil)

	types := wizard.NewTypeRegistry()
	if err := wizard.RegisterBuiltins(types); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	sessions := session.NewStore(memory.NewStore(), session.Config{ExpirationHours: 24}, types, nil)
	executor := retry.NewExecutor(retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
	}, nil)
	engine := wizard.NewEngine(reg, sessions, executor, types, nil)

	s := NewServer(reg, sessions, engine, 0, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, reg, sessions
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func createInstance(t *testing.T, ts *httptest.Server, name string, port int) domain.Instance {
	t.Helper()
	resp, body := doJSON(t, "POST", ts.URL+"/api/instances", map[string]any{
		"name": name, "host": "127.0.0.1", "port": port,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create %s: status %d body %s", name, resp.StatusCode, body)
	}
	var inst domain.Instance
	if err := json.Unmarshal(body, &inst); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	return inst
}

func TestCreateInstanceEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	inst := createInstance(t, ts, "gpu-a", 8188)
	if inst.Status != domain.StatusStopped {
		t.Errorf("expected stopped, got %s", inst.Status)
	}
	if inst.Config.MaxConcurrent != 3 {
		t.Errorf("expected defaults applied, got %+v", inst.Config)
	}
}

func TestCreatePortConflictReturns409(t *testing.T) {
	ts, _, _ := newTestServer(t)
	createInstance(t, ts, "gpu-a", 8188)

	resp, body := doJSON(t, "POST", ts.URL+"/api/instances", map[string]any{
		"name": "gpu-b", "host": "127.0.0.1", "port": 8188,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.StatusCode, body)
	}

	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if e.Error.Category != "validation" {
		t.Errorf("expected validation category, got %s", e.Error.Category)
	}
	if e.Error.Details["conflict"] != "gpu-a" {
		t.Errorf("expected conflict to name gpu-a, got %v", e.Error.Details)
	}
}

func TestGetUnknownInstanceReturns404(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, _ := doJSON(t, "GET", ts.URL+"/api/instances/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestLifecycleVerbs(t *testing.T) {
	ts, _, _ := newTestServer(t)
	inst := createInstance(t, ts, "gpu-a", 8188)
	base := fmt.Sprintf("%s/api/instances/%s", ts.URL, inst.ID)

	resp, body := doJSON(t, "POST", base+"/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d body %s", resp.StatusCode, body)
	}
	var got domain.Instance
	json.Unmarshal(body, &got)
	if got.Status != domain.StatusRunning {
		t.Errorf("expected running after start, got %s", got.Status)
	}

	resp, body = doJSON(t, "POST", base+"/pause", nil)
	json.Unmarshal(body, &got)
	if resp.StatusCode != http.StatusOK || got.Status != domain.StatusPaused {
		t.Errorf("expected paused, got %d %s", resp.StatusCode, got.Status)
	}

	resp, _ = doJSON(t, "POST", base+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("resume: expected 200, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", base+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stop: expected 200, got %d", resp.StatusCode)
	}

	// Pausing a stopped instance is a caller mistake.
	resp, _ = doJSON(t, "POST", base+"/pause", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 pausing stopped instance, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, "POST", base+"/reboot", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown verb, got %d", resp.StatusCode)
	}
}

func TestPatchMergesConfig(t *testing.T) {
	ts, _, _ := newTestServer(t)
	inst := createInstance(t, ts, "gpu-a", 8188)

	resp, body := doJSON(t, "PATCH", ts.URL+"/api/instances/"+inst.ID,
		map[string]any{"max_concurrent": 8})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: status %d body %s", resp.StatusCode, body)
	}

	var got domain.Instance
	json.Unmarshal(body, &got)
	if got.Config.MaxConcurrent != 8 {
		t.Errorf("expected max_concurrent 8, got %d", got.Config.MaxConcurrent)
	}
	// Untouched fields survive the merge.
	if got.Config.Port != 8188 || got.Config.Name != "gpu-a" {
		t.Errorf("expected unchanged fields preserved, got %+v", got.Config)
	}
}

func TestDeleteInstance(t *testing.T) {
	ts, _, _ := newTestServer(t)
	inst := createInstance(t, ts, "gpu-a", 8188)

	resp, _ := doJSON(t, "DELETE", ts.URL+"/api/instances/"+inst.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, "GET", ts.URL+"/api/instances/"+inst.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestHealthAggregate(t *testing.T) {
	ts, reg, _ := newTestServer(t)

	// No instances: idle but healthy.
	resp, body := doJSON(t, "GET", ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	// A stopped instance provides no capacity: critical.
	inst := createInstance(t, ts, "gpu-a", 8188)
	resp, body = doJSON(t, "GET", ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no routable instance, got %d: %s", resp.StatusCode, body)
	}

	// Started and healthy: available again.
	if err := reg.Start(context.Background(), inst.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	resp, body = doJSON(t, "GET", ts.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with routable instance, got %d: %s", resp.StatusCode, body)
	}
	var status map[string]string
	json.Unmarshal(body, &status)
	if status["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", status["status"])
	}
}

func TestSessionEndpoints(t *testing.T) {
	ts, _, sessions := newTestServer(t)
	ctx := context.Background()

	sessions.Save(ctx, "wiz-1", "recovery", 1, 3, map[string]any{"a": "b"})
	sessions.Save(ctx, "wiz-2", "recovery", 2, 3, nil)

	// Listing requires a type filter.
	resp, _ := doJSON(t, "GET", ts.URL+"/api/sessions", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without type, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, "GET", ts.URL+"/api/sessions?type=recovery", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var list []domain.WizardSession
	json.Unmarshal(body, &list)
	if len(list) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(list))
	}

	resp, _ = doJSON(t, "DELETE", ts.URL+"/api/sessions/wiz-1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, "POST", ts.URL+"/api/sessions/cleanup", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup: status %d", resp.StatusCode)
	}
	var cleaned map[string]int
	json.Unmarshal(body, &cleaned)
	if cleaned["removed"] != 0 {
		t.Errorf("expected nothing expired, got %d", cleaned["removed"])
	}
}

func TestRunWizardUnknownType(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, "POST", ts.URL+"/api/wizards/wiz-1/run",
		map[string]any{"wizard_type": "sculpture"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown type, got %d: %s", resp.StatusCode, body)
	}
}

func TestRunWizardNoCapacityReturns503(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, "POST", ts.URL+"/api/wizards/wiz-1/run", map[string]any{
		"wizard_type": "image",
		"form_data":   map[string]any{"workflow": map[string]any{}},
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with no capacity, got %d: %s", resp.StatusCode, body)
	}
}

func TestResumeWizardWithoutSession(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, "POST", ts.URL+"/api/wizards/wiz-ghost/resume", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without a session, got %d: %s", resp.StatusCode, body)
	}
}

func TestAbandonWizardDeletesSession(t *testing.T) {
	ts, _, sessions := newTestServer(t)
	ctx := context.Background()

	sessions.Save(ctx, "wiz-1", "image", 1, 2, map[string]any{"prompt_id": "p-1"})

	resp, _ := doJSON(t, "POST", ts.URL+"/api/wizards/wiz-1/abandon", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if sessions.HasValid(ctx, "wiz-1") {
		t.Error("expected session gone after abandon")
	}
}
