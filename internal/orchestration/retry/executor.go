package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/studioloom/conductor/internal/core/faults"
	"github.com/studioloom/conductor/internal/orchestration/metrics"
)

// Operation is the unit of retryable work. It receives the parameters the
// caller fixed at submit time; retries never re-derive them.
type Operation func(ctx context.Context, params any) (any, error)

// State is the tracked record for one operation id. It survives a failed
// Execute call so a later call for the same id can pick up where it left off.
type State struct {
	OperationID  string
	Parameters   any
	AttemptCount int
	LastError    *faults.Fault
	LastAttempt  time.Time
	NextRetry    time.Time
	CanRetry     bool
}

// Result is the outcome of one Execute call.
type Result struct {
	Success       bool
	Value         any
	Err           *faults.Fault
	AttemptCount  int
	TotalDuration time.Duration
}

// Executor runs operations with backoff and tracks state per operation id.
// Safe for concurrent use; attempts within one id stay strictly sequential.
type Executor struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	states map[string]*State
}

// NewExecutor builds an executor with cfg; zero fields fall back to defaults.
func NewExecutor(cfg Config, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		cfg:    cfg.withDefaults(),
		log:    log,
		states: make(map[string]*State),
	}
}

// Execute runs op under the executor's configured retry policy.
func (e *Executor) Execute(ctx context.Context, operationID string, op Operation, params any) Result {
	return e.ExecuteWith(ctx, operationID, op, params, e.cfg)
}

// ExecuteWith runs op, retrying retryable failures up to cfg.MaxAttempts with
// exponential backoff. Parameters are fixed for the whole call. A failure
// classified non-retryable stops immediately and the result reports the
// attempts actually made. Calling again with an id whose state survives a
// prior failure refreshes that state's parameters and resumes its attempt
// tally; success deletes the state.
func (e *Executor) ExecuteWith(ctx context.Context, operationID string, op Operation, params any, cfg Config) Result {
	cfg = cfg.withDefaults()
	start := time.Now()
	e.track(operationID, params)

	var lastFault *faults.Fault
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		value, err := op(ctx, params)
		now := time.Now()
		if err == nil {
			e.Forget(operationID)
			e.log.Debug("operation succeeded",
				"operation", operationID, "attempt", attempt)
			return Result{
				Success:       true,
				Value:         value,
				AttemptCount:  attempt,
				TotalDuration: time.Since(start),
			}
		}

		fault := faults.Classify(err)
		lastFault = fault
		e.recordFailure(operationID, fault, now)
		metrics.RetryAttempts.WithLabelValues(string(fault.Category)).Inc()

		if !fault.Retryable {
			e.freeze(operationID)
			e.log.Warn("operation failed, not retryable",
				"operation", operationID, "attempt", attempt,
				"category", fault.Category, "error", fault.Message)
			return Result{
				Success:       false,
				Err:           fault,
				AttemptCount:  attempt,
				TotalDuration: time.Since(start),
			}
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoff(attempt, cfg)
		e.scheduleNext(operationID, now.Add(delay))
		e.log.Debug("operation failed, retrying",
			"operation", operationID, "attempt", attempt,
			"delay", delay, "error", fault.Message)

		select {
		case <-ctx.Done():
			e.freeze(operationID)
			cancelled := faults.Timeout("retry wait interrupted",
				faults.WithCause(ctx.Err()), faults.WithRetryable(false))
			return Result{
				Success:       false,
				Err:           cancelled,
				AttemptCount:  attempt,
				TotalDuration: time.Since(start),
			}
		case <-time.After(delay):
			metrics.BackoffSleeps.Inc()
		}
	}

	e.freeze(operationID)
	metrics.RetryExhausted.Inc()
	e.log.Warn("operation failed, attempts exhausted",
		"operation", operationID, "attempts", cfg.MaxAttempts,
		"error", lastFault.Message)
	return Result{
		Success:       false,
		Err:           lastFault,
		AttemptCount:  cfg.MaxAttempts,
		TotalDuration: time.Since(start),
	}
}

// StateOf returns a copy of the tracked state for id, if any.
func (e *Executor) StateOf(operationID string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[operationID]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// LastParameters returns the most recently attempted parameters for id, so a
// caller-driven retry can resubmit the exact same input.
func (e *Executor) LastParameters(operationID string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[operationID]
	if !ok {
		return nil, false
	}
	return s.Parameters, true
}

// Forget drops the tracked state for id.
func (e *Executor) Forget(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, operationID)
}

// Tracked returns a snapshot of every operation state currently held.
func (e *Executor) Tracked() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]State, 0, len(e.states))
	for _, s := range e.states {
		out = append(out, *s)
	}
	return out
}

// track creates state for a first-seen id or refreshes an existing one with
// the newest parameters, reopening it for retries.
func (e *Executor) track(operationID string, params any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[operationID]
	if !ok {
		e.states[operationID] = &State{
			OperationID: operationID,
			Parameters:  params,
			CanRetry:    true,
		}
		return
	}
	s.Parameters = params
	s.CanRetry = true
}

func (e *Executor) recordFailure(operationID string, fault *faults.Fault, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[operationID]
	if !ok {
		return
	}
	s.AttemptCount++
	s.LastError = fault
	s.LastAttempt = at
}

func (e *Executor) scheduleNext(operationID string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[operationID]; ok {
		s.NextRetry = at
	}
}

func (e *Executor) freeze(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[operationID]; ok {
		s.CanRetry = false
		s.NextRetry = time.Time{}
	}
}
