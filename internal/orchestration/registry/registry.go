// Package registry owns the set of configured backend instances: lifecycle
// state, cached health, workflow stats, and healthy-instance selection.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/core/faults"
	"github.com/studioloom/conductor/internal/infra/storage"
	"github.com/studioloom/conductor/internal/orchestration/health"
	"github.com/studioloom/conductor/internal/orchestration/metrics"
)

const keyPrefix = "instance:"

// Prober issues one health probe; the registry gates starts on it and the
// monitor drives it periodically.
type Prober interface {
	Check(ctx context.Context, inst *domain.Instance) health.CheckResult
	MaxConsecutiveFailures() int
}

var validate = validator.New()

// record is the persisted slice of an instance: config survives restarts,
// runtime state does not.
type record struct {
	ID        string                `json:"id"`
	Config    domain.InstanceConfig `json:"config"`
	CreatedAt time.Time             `json:"created_at"`
}

// Registry is the single owner of its instances. All reads hand out copies;
// the live structs never escape.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*domain.Instance

	kv       storage.Store
	prober   Prober
	balancer *Balancer
	log      *slog.Logger
}

// New builds an empty registry. Call Restore to load persisted configs.
func New(kv storage.Store, prober Prober, balancer *Balancer, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		instances: make(map[string]*domain.Instance),
		kv:        kv,
		prober:    prober,
		balancer:  balancer,
		log:       log,
	}
}

// Policy reports the active balancing policy.
func (r *Registry) Policy() Policy { return r.balancer.Policy() }

// Restore loads persisted instance configs. Every restored instance comes
// back stopped; lifecycle state is runtime-only. Instances saved with
// AutoStart set are then started again, a failure leaving that instance in
// error state just as on create.
func (r *Registry) Restore(ctx context.Context) error {
	keys, err := r.kv.List(ctx, keyPrefix)
	if err != nil {
		return faults.Filesystem("list persisted instances failed", faults.WithCause(err))
	}

	r.mu.Lock()
	var autostart []string
	for _, key := range keys {
		raw, found, err := r.kv.Load(ctx, key)
		if err != nil || !found {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			r.log.Warn("skipping corrupt instance record", "key", key, "error", err)
			continue
		}
		r.instances[rec.ID] = &domain.Instance{
			ID:        rec.ID,
			Config:    rec.Config,
			Status:    domain.StatusStopped,
			CreatedAt: rec.CreatedAt,
		}
		if rec.Config.AutoStart {
			autostart = append(autostart, rec.ID)
		}
	}
	r.updateStateGauge()
	count := len(r.instances)
	r.mu.Unlock()

	r.log.Info("instances restored", "count", count)
	for _, id := range autostart {
		if err := r.Start(ctx, id); err != nil {
			r.log.Warn("auto-start failed", "id", id, "error", err)
		}
	}
	return nil
}

// Create validates cfg, allocates a stopped instance, and persists its
// config. Port conflicts are rejected naming the holder. With AutoStart set
// the instance is started immediately; a failed start leaves it in error
// state with the cause recorded rather than undoing the create.
func (r *Registry) Create(ctx context.Context, cfg domain.InstanceConfig) (*domain.Instance, error) {
	if err := prepareConfig(&cfg); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if holder := r.portHolder(cfg.Port, ""); holder != nil {
		name := holder.Config.Name
		r.mu.Unlock()
		return nil, faults.Validation(
			fmt.Sprintf("port %d is already used by instance %q", cfg.Port, name),
			faults.WithDetails(map[string]any{"port": cfg.Port, "conflict": name}))
	}

	inst := &domain.Instance{
		ID:        uuid.NewString(),
		Config:    cfg,
		Status:    domain.StatusStopped,
		CreatedAt: time.Now(),
	}
	r.instances[inst.ID] = inst
	rec := record{ID: inst.ID, Config: cfg, CreatedAt: inst.CreatedAt}
	r.updateStateGauge()
	r.mu.Unlock()

	if err := r.persist(ctx, rec); err != nil {
		r.mu.Lock()
		delete(r.instances, inst.ID)
		r.updateStateGauge()
		r.mu.Unlock()
		return nil, err
	}
	r.log.Info("instance created",
		"id", inst.ID, "name", cfg.Name, "addr", inst.Addr())

	if cfg.AutoStart {
		if err := r.Start(ctx, inst.ID); err != nil {
			r.log.Warn("auto-start failed", "id", inst.ID, "error", err)
		}
	}
	return r.Get(inst.ID)
}

// Get returns a copy of the instance, or a validation fault if unknown.
func (r *Registry) Get(id string) (*domain.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, faults.Validation(fmt.Sprintf("instance %s not found", id),
			faults.WithDetails(map[string]any{"id": id}))
	}
	return clone(inst), nil
}

// List returns copies of every instance, oldest first.
func (r *Registry) List() []*domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, clone(inst))
	}
	sortByCreation(out)
	return out
}

// Update replaces an instance's config after re-validating it. When the
// instance is running and a restart-required field changed (host, port, GPU
// device, environment), the instance is restarted as part of the update, so
// in-flight work on it is abandoned.
func (r *Registry) Update(ctx context.Context, id string, cfg domain.InstanceConfig) (*domain.Instance, error) {
	if err := prepareConfig(&cfg); err != nil {
		return nil, err
	}

	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return nil, faults.Validation(fmt.Sprintf("instance %s not found", id))
	}
	if holder := r.portHolder(cfg.Port, id); holder != nil {
		name := holder.Config.Name
		r.mu.Unlock()
		return nil, faults.Validation(
			fmt.Sprintf("port %d is already used by instance %q", cfg.Port, name),
			faults.WithDetails(map[string]any{"port": cfg.Port, "conflict": name}))
	}

	restart := inst.Status == domain.StatusRunning && requiresRestart(inst.Config, cfg)
	inst.Config = cfg
	rec := record{ID: inst.ID, Config: cfg, CreatedAt: inst.CreatedAt}
	r.mu.Unlock()

	if err := r.persist(ctx, rec); err != nil {
		return nil, err
	}
	r.log.Info("instance updated", "id", id, "restart", restart)

	if restart {
		if err := r.Restart(ctx, id); err != nil {
			return nil, err
		}
	}
	return r.Get(id)
}

// Delete stops the instance if needed and removes it with its persisted
// config.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	if err := r.Stop(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.instances, id)
	r.updateStateGauge()
	r.mu.Unlock()

	if err := r.kv.Delete(ctx, keyPrefix+id); err != nil {
		return faults.Filesystem("delete instance record failed", faults.WithCause(err))
	}
	r.log.Info("instance deleted", "id", id)
	return nil
}

// Start moves stopped|error → starting → running, gated by one successful
// health probe. A failed probe moves the instance to error and the probe's
// failure propagates to the caller. A concurrent transition while the probe
// is in flight (a stop, typically) supersedes the start; the instance keeps
// the newer state.
func (r *Registry) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return faults.Validation(fmt.Sprintf("instance %s not found", id))
	}
	if inst.Status == domain.StatusRunning {
		r.mu.Unlock()
		return nil
	}
	if !domain.CanTransition(inst.Status, domain.StatusStarting) {
		status := inst.Status
		r.mu.Unlock()
		return faults.Validation(
			fmt.Sprintf("cannot start instance in %s state", status))
	}
	inst.Status = domain.StatusStarting
	probe := clone(inst)
	r.updateStateGauge()
	r.mu.Unlock()

	result := r.prober.Check(ctx, probe)

	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok = r.instances[id]
	if !ok {
		return faults.Validation(fmt.Sprintf("instance %s removed during start", id))
	}
	if inst.Status != domain.StatusStarting {
		// A concurrent transition claimed the instance while the probe was
		// in flight; its state stands and the late probe result is dropped.
		return faults.Validation(
			fmt.Sprintf("start of instance %s superseded, instance is now %s", id, inst.Status))
	}
	inst.Health = health.Reduce(inst.Health, result, r.prober.MaxConsecutiveFailures())
	if !result.Success {
		inst.Status = domain.StatusError
		r.updateStateGauge()
		r.log.Warn("instance start failed",
			"id", id, "addr", inst.Addr(), "error", result.Err)
		return faults.Connection(
			fmt.Sprintf("instance %q failed health check: %s", inst.Config.Name, result.Err),
			faults.WithDetails(map[string]any{"id": id, "addr": inst.Addr()}))
	}
	inst.Status = domain.StatusRunning
	inst.Stats.StartedAt = time.Now()
	r.updateStateGauge()
	r.log.Info("instance started", "id", id, "addr", inst.Addr())
	return nil
}

// Stop moves running|paused|starting → stopping → stopped. Stopping an
// already-stopped instance is a no-op success.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return faults.Validation(fmt.Sprintf("instance %s not found", id))
	}
	if inst.Status == domain.StatusStopped {
		return nil
	}
	if !domain.CanTransition(inst.Status, domain.StatusStopping) {
		// error state has nothing to wind down either
		if inst.Status == domain.StatusError {
			inst.Status = domain.StatusStopped
			r.updateStateGauge()
			return nil
		}
		return faults.Validation(
			fmt.Sprintf("cannot stop instance in %s state", inst.Status))
	}
	// No async teardown to await, so the stopping window collapses to a
	// single transition.
	inst.Status = domain.StatusStopped
	inst.Stats.StartedAt = time.Time{}
	r.updateStateGauge()
	r.log.Info("instance stopped", "id", id)
	return nil
}

// Pause suspends routing to a running instance.
func (r *Registry) Pause(id string) error {
	return r.transition(id, domain.StatusPaused, "pause")
}

// Resume returns a paused instance to rotation.
func (r *Registry) Resume(id string) error {
	return r.transition(id, domain.StatusRunning, "resume")
}

// Restart is Stop then Start, not atomic; observers can see stopped in
// between.
func (r *Registry) Restart(ctx context.Context, id string) error {
	if err := r.Stop(ctx, id); err != nil {
		return err
	}
	return r.Start(ctx, id)
}

// HealthyInstance picks one instance that is both running and healthy, per
// the configured balancing policy. Nil means no capacity, not an error.
func (r *Registry) HealthyInstance() *domain.Instance {
	r.mu.RLock()
	candidates := make([]*domain.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.Status == domain.StatusRunning && inst.Health.Status == domain.HealthHealthy {
			candidates = append(candidates, clone(inst))
		}
	}
	r.mu.RUnlock()

	sortByCreation(candidates)
	chosen := r.balancer.Pick(candidates)
	if chosen == nil {
		return nil
	}
	metrics.SelectionsTotal.WithLabelValues(string(r.balancer.Policy())).Inc()

	r.mu.Lock()
	if inst, ok := r.instances[chosen.ID]; ok {
		inst.LastUsedAt = time.Now()
	}
	r.mu.Unlock()
	return chosen
}

// RecordOutcome folds one workflow result into the instance's stats.
func (r *Registry) RecordOutcome(id string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return
	}
	s := &inst.Stats
	s.TotalWorkflows++
	if success {
		s.SuccessfulWorkflows++
	} else {
		s.FailedWorkflows++
	}
	n := time.Duration(s.TotalWorkflows)
	s.AverageResponseTime = (s.AverageResponseTime*(n-1) + duration) / n
	inst.LastUsedAt = time.Now()
}

// setHealth replaces the cached health for id; the monitor calls this after
// every probe.
func (r *Registry) setHealth(id string, h domain.InstanceHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return
	}
	inst.Health = h
	if h.SystemStats != nil {
		metrics.InstanceActiveWorkflows.WithLabelValues(inst.Config.Name).
			Set(float64(h.SystemStats.ActiveWorkflows))
	}
}

// running returns copies of every instance currently in running state.
func (r *Registry) running() []*domain.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Instance
	for _, inst := range r.instances {
		if inst.Status == domain.StatusRunning {
			out = append(out, clone(inst))
		}
	}
	return out
}

func (r *Registry) transition(id string, to domain.InstanceStatus, verb string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return faults.Validation(fmt.Sprintf("instance %s not found", id))
	}
	if !domain.CanTransition(inst.Status, to) {
		return faults.Validation(
			fmt.Sprintf("cannot %s instance in %s state", verb, inst.Status),
			faults.WithDetails(map[string]any{"id": id, "status": inst.Status}))
	}
	inst.Status = to
	r.updateStateGauge()
	r.log.Info("instance "+verb+"d", "id", id)
	return nil
}

// portHolder returns the instance occupying port, ignoring exceptID.
// Caller holds the lock.
func (r *Registry) portHolder(port int, exceptID string) *domain.Instance {
	for _, inst := range r.instances {
		if inst.ID != exceptID && inst.Config.Port == port {
			return inst
		}
	}
	return nil
}

func (r *Registry) persist(ctx context.Context, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return faults.Filesystem("encode instance record failed", faults.WithCause(err))
	}
	if err := r.kv.Save(ctx, keyPrefix+rec.ID, raw); err != nil {
		return faults.Filesystem("persist instance record failed", faults.WithCause(err),
			faults.WithDetails(map[string]any{"id": rec.ID}))
	}
	return nil
}

// updateStateGauge refreshes the per-status instance gauge. Caller holds the
// lock.
func (r *Registry) updateStateGauge() {
	counts := map[domain.InstanceStatus]int{}
	for _, inst := range r.instances {
		counts[inst.Status]++
	}
	for _, status := range []domain.InstanceStatus{
		domain.StatusStopped, domain.StatusStarting, domain.StatusRunning,
		domain.StatusPaused, domain.StatusStopping, domain.StatusError,
	} {
		metrics.InstancesByState.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// prepareConfig applies struct-tag defaults then validates, mapping
// validator output onto a validation fault.
func prepareConfig(cfg *domain.InstanceConfig) error {
	if err := defaults.Set(cfg); err != nil {
		return faults.Validation("apply config defaults failed", faults.WithCause(err))
	}
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			var msgs []string
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("field %s failed rule %s", fe.Field(), fe.Tag()))
			}
			return faults.Validation("invalid instance config: "+strings.Join(msgs, "; "),
				faults.WithCause(err))
		}
		return faults.Validation("invalid instance config", faults.WithCause(err))
	}
	return nil
}

// requiresRestart reports whether changing from old to new config needs the
// backend process bounced.
func requiresRestart(old, new domain.InstanceConfig) bool {
	return old.Host != new.Host ||
		old.Port != new.Port ||
		old.GPUDevice != new.GPUDevice ||
		!maps.Equal(old.Env, new.Env)
}

// clone copies an instance so callers never hold the registry's live struct.
func clone(inst *domain.Instance) *domain.Instance {
	out := *inst
	if inst.Config.Env != nil {
		out.Config.Env = maps.Clone(inst.Config.Env)
	}
	if inst.Health.SystemStats != nil {
		stats := *inst.Health.SystemStats
		stats.Devices = append([]domain.Device(nil), stats.Devices...)
		out.Health.SystemStats = &stats
	}
	return &out
}

func sortByCreation(list []*domain.Instance) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
