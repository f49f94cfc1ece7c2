package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/studioloom/conductor/internal/orchestration/health"
)

// Monitor drives periodic health probes for every running instance and
// writes the reduced result back into the registry's cache. Callers of
// HealthyInstance read that cache; they never wait on a probe.
type Monitor struct {
	registry *Registry
	prober   Prober
	interval time.Duration
	log      *slog.Logger
}

// NewMonitor builds a monitor; a non-positive interval falls back to the
// default probe interval.
func NewMonitor(registry *Registry, prober Prober, interval time.Duration, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = health.DefaultConfig.Interval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		registry: registry,
		prober:   prober,
		interval: interval,
		log:      log,
	}
}

// Start runs the monitoring loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("health monitor started", "interval", m.interval)

	// Initial sweep
	m.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep probes every running instance concurrently. Checks are independent;
// one slow backend delays only its own result.
func (m *Monitor) sweep(ctx context.Context) {
	instances := m.registry.running()
	if len(instances) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := m.prober.Check(ctx, inst)
			next := health.Reduce(inst.Health, result, m.prober.MaxConsecutiveFailures())
			m.registry.setHealth(inst.ID, next)
			if next.Status != inst.Health.Status {
				m.log.Info("instance health changed",
					"id", inst.ID, "name", inst.Config.Name,
					"from", inst.Health.Status, "to", next.Status,
					"consecutive_failures", next.ConsecutiveFailures)
			}
		}()
	}
	wg.Wait()
}
