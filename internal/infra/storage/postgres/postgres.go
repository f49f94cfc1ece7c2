// Package postgres backs the storage.Store contract with PostgreSQL for
// deployments that already run one next to the gateway.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx via database/sql
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/studioloom/conductor/internal/orchestration/metrics"
	"github.com/studioloom/conductor/migrations"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL           string `yaml:"url"`
	MaxConns      int    `yaml:"max_conns"`
	MinConns      int    `yaml:"min_conns"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// Store implements storage.Store on a single kv_entries table.
type Store struct {
	db *sqlx.DB
}

type kvRow struct {
	Key       string       `db:"key"`
	Value     []byte       `db:"value"`
	ExpiresAt sql.NullTime `db:"expires_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

// NewStore opens the connection pool, pings it, and runs pending migrations.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Embedded migrations by default; MigrationsDir overrides for ops runs.
	dir := cfg.MigrationsDir
	if dir == "" {
		goose.SetBaseFS(migrations.FS)
		dir = "."
	}
	if err := goose.Up(db.DB, dir); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	goose.SetBaseFS(nil)

	return &Store{db: db}, nil
}

func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	return s.SaveTTL(ctx, key, value, 0)
}

func (s *Store) SaveTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires sql.NullTime
	if ttl > 0 {
		expires = sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		key, value, expires)
	if err != nil {
		return fmt.Errorf("upsert %s failed: %w", key, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var row kvRow
	err := s.db.GetContext(ctx, &row, `
		SELECT key, value, expires_at, updated_at FROM kv_entries WHERE key = $1`, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %s failed: %w", key, err)
	}
	if row.ExpiresAt.Valid && !time.Now().Before(row.ExpiresAt.Time) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	return row.Value, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s failed: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, `
		SELECT key FROM kv_entries
		WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list %s* failed: %w", prefix, err)
	}
	return keys, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StartMetricsCollector starts a background goroutine to collect DB metrics.
func (s *Store) StartMetricsCollector(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := s.db.Stats()
				if stats.MaxOpenConnections > 0 {
					usage := float64(stats.OpenConnections) / float64(stats.MaxOpenConnections) * 100
					metrics.DBConnectionPoolUsage.Set(usage)
				}
			}
		}
	}()
}
