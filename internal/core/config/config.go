package config

import (
	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/infra/storage/postgres"
	"github.com/studioloom/conductor/internal/infra/storage/redisstore"
	"github.com/studioloom/conductor/internal/orchestration/health"
	"github.com/studioloom/conductor/internal/orchestration/registry"
	"github.com/studioloom/conductor/internal/orchestration/retry"
	"github.com/studioloom/conductor/internal/orchestration/session"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig            `yaml:"server"`
	Storage   StorageConfig           `yaml:"storage"`
	Registry  RegistryConfig          `yaml:"registry"`
	Retry     retry.Config            `yaml:"retry"`
	Sessions  session.Config          `yaml:"sessions"`
	Instances []domain.InstanceConfig `yaml:"instances" validate:"dive"`
	Logging   LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
}

// StorageConfig selects the persistence backend. Only the section
// matching Backend is read.
type StorageConfig struct {
	Backend  string            `yaml:"backend" default:"memory" validate:"oneof=memory redis postgres"`
	Redis    redisstore.Config `yaml:"redis"`
	Postgres postgres.Config   `yaml:"postgres"`
}

// RegistryConfig holds load balancing and health monitoring settings.
type RegistryConfig struct {
	Policy registry.Policy `yaml:"policy" default:"round-robin" validate:"oneof=round-robin least-loaded random"`
	Health health.Config   `yaml:"health"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"  default:"info" validate:"oneof=debug info warn error"` // debug, info, warn, error
	Format string `yaml:"format" default:"text" validate:"oneof=json text"`             // json, text
}
