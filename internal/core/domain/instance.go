package domain

import (
	"strconv"
	"time"
)

// InstanceStatus is the lifecycle state of a backend instance.
type InstanceStatus string

const (
	StatusStopped  InstanceStatus = "stopped"
	StatusStarting InstanceStatus = "starting"
	StatusRunning  InstanceStatus = "running"
	StatusPaused   InstanceStatus = "paused"
	StatusStopping InstanceStatus = "stopping"
	StatusError    InstanceStatus = "error"
)

// HealthState is the three-level classification derived from probe outcomes.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ProbeKind selects the liveness probe transport for an instance.
type ProbeKind string

const (
	ProbeHTTP ProbeKind = "http" // ComfyUI-style GET /system_stats
	ProbeGRPC ProbeKind = "grpc" // grpc.health.v1 Health/Check
)

// InstanceConfig is the caller-supplied configuration for one backend instance.
type InstanceConfig struct {
	Name          string            `json:"name"           yaml:"name"           validate:"required"`
	Host          string            `json:"host"           yaml:"host"           validate:"required"`
	Port          int               `json:"port"           yaml:"port"           validate:"gte=1,lte=65535"`
	Probe         ProbeKind         `json:"probe"          yaml:"probe"          default:"http" validate:"oneof=http grpc"`
	Timeout       time.Duration     `json:"timeout"        yaml:"timeout"        default:"30s"`
	MaxConcurrent int               `json:"max_concurrent" yaml:"max_concurrent" default:"3" validate:"gte=1"`
	AutoStart     bool              `json:"auto_start"     yaml:"auto_start"`
	GPUDevice     int               `json:"gpu_device"     yaml:"gpu_device"`
	Env           map[string]string `json:"env,omitempty"  yaml:"env,omitempty"`
}

// InstanceHealth is the cached health view maintained by the monitor.
// LastError holds only the message; the structured fault is logged at
// check time and not retained.
type InstanceHealth struct {
	Status              HealthState   `json:"status"`
	LastChecked         time.Time     `json:"last_checked"`
	ResponseTime        time.Duration `json:"response_time"`
	ErrorCount          int           `json:"error_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	SystemStats         *SystemStats  `json:"system_stats,omitempty"`
}

// InstanceStats accumulates per-instance workflow outcomes.
type InstanceStats struct {
	TotalWorkflows      int           `json:"total_workflows"`
	SuccessfulWorkflows int           `json:"successful_workflows"`
	FailedWorkflows     int           `json:"failed_workflows"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	StartedAt           time.Time     `json:"started_at,omitempty"`
}

// Uptime reports how long the instance has been running, zero when stopped.
func (s InstanceStats) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Instance is one configured, independently addressable backend server.
type Instance struct {
	ID         string         `json:"id"`
	Config     InstanceConfig `json:"config"`
	Status     InstanceStatus `json:"status"`
	Health     InstanceHealth `json:"health"`
	Stats      InstanceStats  `json:"stats"`
	CreatedAt  time.Time      `json:"created_at"`
	LastUsedAt time.Time      `json:"last_used_at,omitempty"`
}

// BaseURL returns the instance's HTTP endpoint.
func (i *Instance) BaseURL() string {
	return "http://" + i.Addr()
}

// Addr returns host:port.
func (i *Instance) Addr() string {
	return i.Config.Host + ":" + strconv.Itoa(i.Config.Port)
}

// CanTransition reports whether from → to is a legal lifecycle move.
// Stop is handled separately because it is an idempotent no-op on an
// already-stopped instance.
func CanTransition(from, to InstanceStatus) bool {
	switch to {
	case StatusStarting:
		return from == StatusStopped || from == StatusError
	case StatusRunning:
		return from == StatusStarting || from == StatusPaused
	case StatusPaused:
		return from == StatusRunning
	case StatusStopping:
		return from == StatusRunning || from == StatusPaused || from == StatusStarting
	case StatusStopped:
		return from == StatusStopping
	case StatusError:
		return true
	default:
		return false
	}
}
