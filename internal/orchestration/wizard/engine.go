// Package wizard sequences multi-step generation workflows: acquire a
// healthy instance, run each step under the retry executor, and snapshot
// session state around every step so the workflow survives failures.
package wizard

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/core/faults"
	"github.com/studioloom/conductor/internal/infra/comfy"
	"github.com/studioloom/conductor/internal/orchestration/metrics"
	"github.com/studioloom/conductor/internal/orchestration/retry"
	"github.com/studioloom/conductor/internal/orchestration/session"
)

// InstancePool is the slice of the registry the engine needs.
type InstancePool interface {
	HealthyInstance() *domain.Instance
	RecordOutcome(id string, success bool, duration time.Duration)
}

// Outcome is the result of a completed wizard run.
type Outcome struct {
	WizardID   string         `json:"wizard_id"`
	WizardType string         `json:"wizard_type"`
	StepsRun   int            `json:"steps_run"`
	FormData   map[string]any `json:"form_data"`
	Duration   time.Duration  `json:"duration"`
}

// Engine drives wizard workflows through the pool, retry executor, and
// session store.
type Engine struct {
	pool     InstancePool
	sessions *session.Store
	executor *retry.Executor
	types    *TypeRegistry
	log      *slog.Logger

	mu      sync.Mutex
	clients map[string]*comfy.Client
}

// NewEngine wires the engine's collaborators.
func NewEngine(pool InstancePool, sessions *session.Store, executor *retry.Executor, types *TypeRegistry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		pool:     pool,
		sessions: sessions,
		executor: executor,
		types:    types,
		log:      log,
		clients:  make(map[string]*comfy.Client),
	}
}

// Run executes the wizard from the beginning, or resumes from a live session
// for the same id and type. Caller-supplied form data overlays the stored
// snapshot, so the newest edits win on resume. A failed session read surfaces
// instead of silently restarting the wizard from step zero.
func (e *Engine) Run(ctx context.Context, wizardID, wizardType string, formData map[string]any) (*Outcome, error) {
	def, ok := e.types.TypeOf(wizardType)
	if !ok {
		return nil, faults.Validation(fmt.Sprintf("unknown wizard type %q", wizardType),
			faults.WithDetails(map[string]any{"known_types": e.types.Types()}))
	}

	startStep := 0
	data := make(map[string]any)
	sess, found, err := e.sessions.Load(ctx, wizardID)
	if err != nil {
		return nil, err
	}
	if found && sess.WizardType == wizardType {
		startStep = sess.CurrentStep
		maps.Copy(data, sess.FormData)
		e.log.Info("resuming wizard from session",
			"wizard_id", wizardID, "type", wizardType, "step", startStep)
	}
	maps.Copy(data, formData)

	return e.run(ctx, wizardID, def, startStep, data)
}

// Resume continues a wizard purely from its stored session.
func (e *Engine) Resume(ctx context.Context, wizardID string) (*Outcome, error) {
	sess, found, err := e.sessions.Load(ctx, wizardID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, faults.Validation(fmt.Sprintf("no session for wizard %s", wizardID))
	}
	def, ok := e.types.TypeOf(sess.WizardType)
	if !ok {
		return nil, faults.Validation(
			fmt.Sprintf("session references unknown wizard type %q", sess.WizardType))
	}
	return e.run(ctx, wizardID, def, sess.CurrentStep, sess.FormData)
}

// Abandon discards a wizard's session.
func (e *Engine) Abandon(ctx context.Context, wizardID string) error {
	return e.sessions.Delete(ctx, wizardID)
}

func (e *Engine) run(ctx context.Context, wizardID string, def Definition, startStep int, data map[string]any) (*Outcome, error) {
	start := time.Now()
	total := len(def.Steps)

	for i := startStep; i < total; i++ {
		step := def.Steps[i]

		// Snapshot before the step so a crash mid-step resumes here.
		if _, err := e.sessions.Save(ctx, wizardID, def.Type, i, total, data); err != nil {
			return nil, err
		}

		inst := e.pool.HealthyInstance()
		if inst == nil {
			metrics.WorkflowsTotal.WithLabelValues(def.Type, "no_capacity").Inc()
			return nil, faults.Connection("no healthy instance available",
				faults.WithDetails(map[string]any{
					"wizard_id": wizardID,
					"step":      step.Name,
					"guidance":  "check that at least one backend instance is running and healthy",
				}))
		}

		sc := &StepContext{
			WizardID: wizardID,
			Instance: inst,
			Client:   e.clientFor(inst),
			FormData: data,
			Log:      e.log,
		}
		operationID := wizardID + ":" + step.Name
		result := e.executor.Execute(ctx, operationID, func(ctx context.Context, params any) (any, error) {
			sc.FormData = params.(map[string]any)
			return step.Run(ctx, sc)
		}, data)

		e.pool.RecordOutcome(inst.ID, result.Success, result.TotalDuration)

		if !result.Success {
			metrics.WorkflowsTotal.WithLabelValues(def.Type, "failed").Inc()
			e.log.Warn("wizard step failed",
				"wizard_id", wizardID, "step", step.Name,
				"attempts", result.AttemptCount, "error", result.Err)
			return nil, result.Err
		}

		if out, ok := result.Value.(map[string]any); ok {
			maps.Copy(data, out)
		}
		e.log.Debug("wizard step completed",
			"wizard_id", wizardID, "step", step.Name, "attempts", result.AttemptCount)
	}

	// The workflow is done; its recovery snapshot has nothing left to recover.
	if err := e.sessions.Delete(ctx, wizardID); err != nil {
		e.log.Warn("session cleanup failed", "wizard_id", wizardID, "error", err)
	}

	duration := time.Since(start)
	metrics.WorkflowsTotal.WithLabelValues(def.Type, "completed").Inc()
	metrics.WorkflowDuration.WithLabelValues(def.Type).Observe(duration.Seconds())
	e.log.Info("wizard completed",
		"wizard_id", wizardID, "type", def.Type, "steps", total-startStep,
		"duration", duration)

	return &Outcome{
		WizardID:   wizardID,
		WizardType: def.Type,
		StepsRun:   total - startStep,
		FormData:   data,
		Duration:   duration,
	}, nil
}

// clientFor caches one client per backend address and timeout.
func (e *Engine) clientFor(inst *domain.Instance) *comfy.Client {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := fmt.Sprintf("%s|%s", inst.BaseURL(), inst.Config.Timeout)
	if client, ok := e.clients[key]; ok {
		return client
	}
	client := comfy.NewClient(inst.BaseURL(), inst.Config.Timeout)
	e.clients[key] = client
	return client
}
