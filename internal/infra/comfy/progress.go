package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind names a websocket message class from the backend.
type EventKind string

const (
	EventStatus      EventKind = "status"
	EventProgress    EventKind = "progress"
	EventExecuting   EventKind = "executing"
	EventExecuted    EventKind = "executed"
	EventError       EventKind = "execution_error"
	EventInterrupted EventKind = "execution_interrupted"
)

// Event is one decoded progress message.
type Event struct {
	Kind           EventKind
	PromptID       string
	Node           string
	Value          int
	Max            int
	QueueRemaining int
	Outputs        map[string]any
	Message        string
}

// wsMessage is the envelope every backend websocket frame uses.
type wsMessage struct {
	Type string `json:"type"`
	Data struct {
		Status struct {
			ExecInfo struct {
				QueueRemaining int `json:"queue_remaining"`
			} `json:"exec_info"`
		} `json:"status"`
		PromptID string         `json:"prompt_id"`
		Node     string         `json:"node"`
		Value    int            `json:"value"`
		Max      int            `json:"max"`
		Output   map[string]any `json:"output"`
		Message  string         `json:"exception_message"`
	} `json:"data"`
}

// ProgressWatcher keeps a websocket open to one backend and streams decoded
// progress events. Dropped connections are redialed with capped exponential
// backoff; the watcher stops when its context is cancelled.
type ProgressWatcher struct {
	url       string
	log       *slog.Logger
	baseDelay time.Duration
	maxDelay  time.Duration
	events    chan Event
}

// NewProgressWatcher targets ws://hostPort/ws?clientId=clientID.
func NewProgressWatcher(hostPort, clientID string, log *slog.Logger) *ProgressWatcher {
	if log == nil {
		log = slog.Default()
	}
	return &ProgressWatcher{
		url:       fmt.Sprintf("ws://%s/ws?clientId=%s", hostPort, clientID),
		log:       log,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
		events:    make(chan Event, 64),
	}
}

// Events is the decoded message stream. Closed when Run returns.
func (w *ProgressWatcher) Events() <-chan Event { return w.events }

// Run dials and reads until ctx is cancelled. Each failed dial or dropped
// connection waits baseDelay*2^n capped at maxDelay before redialing; a
// successful connection resets the counter.
func (w *ProgressWatcher) Run(ctx context.Context) {
	defer close(w.events)

	retries := 0
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := w.backoff(retries)
			retries++
			w.log.Warn("progress socket dial failed",
				"url", w.url, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		retries = 0
		w.log.Debug("progress socket connected", "url", w.url)
		w.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *ProgressWatcher) backoff(retries int) time.Duration {
	delay := time.Duration(float64(w.baseDelay) * math.Pow(2, float64(retries)))
	if delay > w.maxDelay {
		delay = w.maxDelay
	}
	return delay
}

// readLoop drains the connection until it drops or ctx ends. The connection
// is unblocked on cancel by a deadline-poking goroutine since gorilla reads
// have no context form.
func (w *ProgressWatcher) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("progress socket read failed", "error", err)
			}
			return
		}
		// Binary frames carry image previews; only text frames hold events.
		if kind != websocket.TextMessage {
			continue
		}
		event, ok := decodeEvent(raw)
		if !ok {
			continue
		}
		select {
		case w.events <- event:
		default:
			w.log.Warn("progress event dropped, consumer too slow", "kind", event.Kind)
		}
	}
}

func decodeEvent(raw []byte) (Event, bool) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, false
	}
	event := Event{
		Kind:     EventKind(msg.Type),
		PromptID: msg.Data.PromptID,
		Node:     msg.Data.Node,
	}
	switch event.Kind {
	case EventStatus:
		event.QueueRemaining = msg.Data.Status.ExecInfo.QueueRemaining
	case EventProgress:
		event.Value = msg.Data.Value
		event.Max = msg.Data.Max
	case EventExecuting:
	case EventExecuted:
		event.Outputs = msg.Data.Output
	case EventError, EventInterrupted:
		event.Message = msg.Data.Message
	default:
		return Event{}, false
	}
	return event, true
}
