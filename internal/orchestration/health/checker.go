package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/core/faults"
	"github.com/studioloom/conductor/internal/infra/comfy"
	"github.com/studioloom/conductor/internal/orchestration/metrics"
)

// Checker issues liveness probes against instances. HTTP probes hit the
// backend's stats endpoint and enrich the result with capacity metadata;
// gRPC probes use the standard health service.
type Checker struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	clients map[string]*comfy.Client
}

// NewChecker builds a probe checker; zero config fields fall back to defaults.
func NewChecker(cfg Config, log *slog.Logger) *Checker {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig.ProbeTimeout
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultConfig.MaxConsecutiveFailures
	}
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		cfg:     cfg,
		log:     log,
		clients: make(map[string]*comfy.Client),
	}
}

// MaxConsecutiveFailures is the streak length that turns an instance
// unhealthy; exposed so callers reduce with the same threshold they probe.
func (c *Checker) MaxConsecutiveFailures() int { return c.cfg.MaxConsecutiveFailures }

// Check probes one instance within the configured timeout and reports the
// outcome. A failed capacity-metadata parse does not fail the probe; the
// result simply carries no stats.
func (c *Checker) Check(ctx context.Context, inst *domain.Instance) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	result := CheckResult{InstanceID: inst.ID, CheckedAt: start}

	var stats *domain.SystemStats
	var err error
	switch inst.Config.Probe {
	case domain.ProbeGRPC:
		err = c.checkGRPC(ctx, inst)
	default:
		stats, err = c.checkHTTP(ctx, inst)
	}
	result.ResponseTime = time.Since(start)

	if err != nil {
		result.Err = err.Error()
		metrics.HealthChecksTotal.WithLabelValues(inst.Config.Name, "failure").Inc()
		c.log.Debug("health check failed",
			"instance", inst.Config.Name, "addr", inst.Addr(), "error", err)
		return result
	}

	result.Success = true
	result.SystemStats = stats
	metrics.HealthChecksTotal.WithLabelValues(inst.Config.Name, "success").Inc()
	metrics.HealthCheckLatency.WithLabelValues(inst.Config.Name).
		Observe(result.ResponseTime.Seconds())
	return result
}

// checkHTTP probes the stats endpoint. Liveness is the endpoint answering; a
// body that fails to parse still counts as alive, just without stats. Queue
// numbers are best-effort on top.
func (c *Checker) checkHTTP(ctx context.Context, inst *domain.Instance) (*domain.SystemStats, error) {
	client := c.clientFor(inst)
	stats, err := client.SystemStats(ctx)
	if err != nil {
		if faults.IsCategory(err, faults.CategoryDataContract) {
			return nil, nil
		}
		return nil, err
	}

	if qs, err := client.QueueState(ctx); err == nil {
		stats.ActiveWorkflows = qs.Running
		stats.QueueDepth = qs.Pending
	}
	return stats, nil
}

// checkGRPC asks the standard grpc.health.v1 service whether the instance is
// serving. The dial blocks so an unreachable target fails within the probe
// timeout.
func (c *Checker) checkGRPC(ctx context.Context, inst *domain.Instance) error {
	conn, err := grpc.DialContext(ctx, inst.Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return faults.Connection(fmt.Sprintf("dial %s failed", inst.Addr()),
			faults.WithCause(err))
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return faults.Connection("health rpc failed", faults.WithCause(err))
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return faults.Connection(fmt.Sprintf("instance reports %s", resp.GetStatus()))
	}
	return nil
}

// clientFor caches one HTTP client per backend address so probes reuse
// connections across the monitoring loop.
func (c *Checker) clientFor(inst *domain.Instance) *comfy.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	baseURL := inst.BaseURL()
	if client, ok := c.clients[baseURL]; ok {
		return client
	}
	client := comfy.NewClient(baseURL, c.cfg.ProbeTimeout)
	c.clients[baseURL] = client
	return client
}
