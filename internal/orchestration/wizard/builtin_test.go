package wizard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studioloom/conductor/internal/core/faults"
	"github.com/studioloom/conductor/internal/infra/comfy"
)

func stepContextFor(t *testing.T, serverURL, promptID string) *StepContext {
	t.Helper()
	inst := backendInstance(t, serverURL)
	return &StepContext{
		WizardID: "wiz-1",
		Instance: inst,
		Client:   comfy.NewClient(inst.BaseURL(), 2*time.Second),
		FormData: map[string]any{"prompt_id": promptID},
		Log:      slog.Default(),
	}
}

func writeHistory(w http.ResponseWriter, promptID string, completed bool) {
	entry := map[string]any{
		"status": map[string]any{"completed": completed},
	}
	if completed {
		entry["outputs"] = map[string]any{
			"9": map[string]any{
				"images": []any{map[string]any{"filename": "out.png"}},
			},
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{promptID: entry})
}

// holdOpen keeps the server side of the socket alive until the client hangs up.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestAwaitFailsFastOnExecutionError(t *testing.T) {
	var upgrader websocket.Upgrader
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ws":
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(
				`{"type":"execution_error","data":{"prompt_id":"p-1","node":"9","exception_message":"CUDA out of memory"}}`))
			holdOpen(conn)
		case "/history/p-1":
			writeHistory(w, "p-1", false)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer server.Close()

	start := time.Now()
	_, err := awaitCompletion(context.Background(), stepContextFor(t, server.URL, "p-1"))
	if err == nil || !faults.IsCategory(err, faults.CategoryGeneration) {
		t.Fatalf("expected generation fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("expected backend message surfaced, got %q", err.Error())
	}
	// The stream delivers the failure; waiting out a poll tick would mean it
	// arrived via history instead.
	if elapsed := time.Since(start); elapsed >= pollInterval {
		t.Errorf("expected failure before the first poll, took %v", elapsed)
	}
}

func TestAwaitCompletesOnSocketSignal(t *testing.T) {
	var (
		mu   sync.Mutex
		done bool
	)
	var upgrader websocket.Upgrader
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ws":
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			mu.Lock()
			done = true
			mu.Unlock()
			// Null node marks the prompt leaving the executor.
			_ = conn.WriteMessage(websocket.TextMessage, []byte(
				`{"type":"executing","data":{"prompt_id":"p-1","node":null}}`))
			holdOpen(conn)
		case "/history/p-1":
			mu.Lock()
			d := done
			mu.Unlock()
			writeHistory(w, "p-1", d)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer server.Close()

	start := time.Now()
	out, err := awaitCompletion(context.Background(), stepContextFor(t, server.URL, "p-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out["outputs"].(map[string]any); !ok {
		t.Errorf("expected outputs from history, got %v", out)
	}
	if elapsed := time.Since(start); elapsed >= pollInterval {
		t.Errorf("expected completion via socket signal before the first poll, took %v", elapsed)
	}
}

func TestAwaitCancelInterruptsBackend(t *testing.T) {
	var (
		mu          sync.Mutex
		interrupted bool
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/interrupt":
			mu.Lock()
			interrupted = true
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case "/history/p-1":
			writeHistory(w, "p-1", false)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := awaitCompletion(ctx, stepContextFor(t, server.URL, "p-1"))
	if err == nil || !faults.IsCategory(err, faults.CategoryTimeout) {
		t.Fatalf("expected timeout fault on cancel, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !interrupted {
		t.Error("expected interrupt sent to backend on cancel")
	}
}
