// Package health probes backend instances and folds probe outcomes into a
// three-level health status with failure-count hysteresis.
package health

import (
	"time"

	"github.com/studioloom/conductor/internal/core/domain"
)

// Config defines probe behavior.
type Config struct {
	ProbeTimeout           time.Duration `yaml:"probe_timeout" json:"probeTimeout" default:"5s" validate:"gt=0"`
	Interval               time.Duration `yaml:"interval" json:"interval" default:"30s" validate:"gt=0"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" json:"maxConsecutiveFailures" default:"3" validate:"gte=1"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	ProbeTimeout:           5 * time.Second,
	Interval:               30 * time.Second,
	MaxConsecutiveFailures: 3,
}

// CheckResult is the outcome of one probe against one instance.
type CheckResult struct {
	InstanceID   string
	Success      bool
	ResponseTime time.Duration
	Err          string
	SystemStats  *domain.SystemStats
	CheckedAt    time.Time
}

// Reduce folds a probe outcome into the previous health record. Success
// resets the failure streak and restores healthy immediately. Failures
// degrade first and only turn unhealthy once the streak reaches
// maxConsecutive, so a single blip never takes an instance out of rotation.
func Reduce(prev domain.InstanceHealth, result CheckResult, maxConsecutive int) domain.InstanceHealth {
	if maxConsecutive <= 0 {
		maxConsecutive = DefaultConfig.MaxConsecutiveFailures
	}

	next := prev
	next.LastChecked = result.CheckedAt
	next.ResponseTime = result.ResponseTime

	if result.Success {
		next.Status = domain.HealthHealthy
		next.ConsecutiveFailures = 0
		next.LastError = ""
		if result.SystemStats != nil {
			next.SystemStats = result.SystemStats
		}
		return next
	}

	next.ErrorCount++
	next.ConsecutiveFailures++
	next.LastError = result.Err
	if next.ConsecutiveFailures >= maxConsecutive {
		next.Status = domain.HealthUnhealthy
	} else {
		next.Status = domain.HealthDegraded
	}
	return next
}
