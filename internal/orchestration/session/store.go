// Package session persists expiring snapshots of in-flight wizard state so a
// multi-step workflow can resume after a failure or navigation away.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/core/faults"
	"github.com/studioloom/conductor/internal/infra/storage"
	"github.com/studioloom/conductor/internal/orchestration/metrics"
)

const keyPrefix = "session:"

// Config defines session retention.
type Config struct {
	ExpirationHours int `yaml:"expiration_hours" json:"expirationHours" default:"24" validate:"gte=0"`
}

// Validator checks form data against the schema registered for a wizard type.
// A nil validator skips the check.
type Validator interface {
	ValidateFormData(wizardType string, formData map[string]any) error
}

// Store reads and writes wizard sessions through a key-value backend.
type Store struct {
	kv       storage.Store
	log      *slog.Logger
	lifetime time.Duration
	validate Validator
}

// NewStore builds a session store over kv. Sessions live for
// cfg.ExpirationHours; zero means sessions expire the moment they are saved.
func NewStore(kv storage.Store, cfg Config, validate Validator, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		kv:       kv,
		log:      log,
		lifetime: time.Duration(cfg.ExpirationHours) * time.Hour,
		validate: validate,
	}
}

// Save snapshots a wizard's state, overwriting any prior session for the same
// id. Form data is sanitized first so binary values shrink to descriptors.
// Saves never merge; stale partial state cannot bleed into a fresh save.
func (s *Store) Save(ctx context.Context, wizardID, wizardType string, currentStep, totalSteps int, formData map[string]any) (*domain.WizardSession, error) {
	if wizardID == "" {
		return nil, faults.Validation("wizard id is required")
	}
	if s.validate != nil {
		if err := s.validate.ValidateFormData(wizardType, formData); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	sess := &domain.WizardSession{
		WizardID:    wizardID,
		WizardType:  wizardType,
		CurrentStep: currentStep,
		TotalSteps:  totalSteps,
		FormData:    sanitizeFormData(formData),
		SavedAt:     now,
		ExpiresAt:   now.Add(s.lifetime),
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, faults.Filesystem("encode session failed", faults.WithCause(err))
	}
	if err := s.kv.SaveTTL(ctx, keyPrefix+wizardID, raw, s.lifetime); err != nil {
		return nil, faults.Filesystem("persist session failed", faults.WithCause(err),
			faults.WithDetails(map[string]any{"wizard_id": wizardID}))
	}

	metrics.SessionsSaved.WithLabelValues(wizardType).Inc()
	s.log.Debug("session saved",
		"wizard_id", wizardID, "type", wizardType,
		"step", currentStep, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Load returns the session for wizardID, or found=false if none exists or it
// has expired. Expired records are evicted on the way out.
func (s *Store) Load(ctx context.Context, wizardID string) (*domain.WizardSession, bool, error) {
	raw, found, err := s.kv.Load(ctx, keyPrefix+wizardID)
	if err != nil {
		return nil, false, faults.Filesystem("read session failed", faults.WithCause(err))
	}
	if !found {
		return nil, false, nil
	}

	var sess domain.WizardSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		// Unparseable records are dropped rather than wedging every Load.
		_ = s.kv.Delete(ctx, keyPrefix+wizardID)
		return nil, false, faults.DataContract("stored session is corrupt", faults.WithCause(err))
	}

	if sess.Expired(time.Now()) {
		if err := s.kv.Delete(ctx, keyPrefix+wizardID); err == nil {
			metrics.SessionsExpired.Inc()
		}
		return nil, false, nil
	}
	metrics.SessionsLoaded.Inc()
	return &sess, true, nil
}

// HasValid reports whether a live session exists for wizardID.
func (s *Store) HasValid(ctx context.Context, wizardID string) bool {
	_, found, err := s.Load(ctx, wizardID)
	return err == nil && found
}

// Delete removes the session for wizardID. Absent sessions are a no-op.
func (s *Store) Delete(ctx context.Context, wizardID string) error {
	if err := s.kv.Delete(ctx, keyPrefix+wizardID); err != nil {
		return faults.Filesystem("delete session failed", faults.WithCause(err))
	}
	return nil
}

// CleanupExpired scans every stored session and evicts the expired ones,
// returning how many were removed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return 0, faults.Filesystem("list sessions failed", faults.WithCause(err))
	}

	now := time.Now()
	removed := 0
	for _, key := range keys {
		raw, found, err := s.kv.Load(ctx, key)
		if err != nil || !found {
			continue
		}
		var sess domain.WizardSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			_ = s.kv.Delete(ctx, key)
			removed++
			continue
		}
		if sess.Expired(now) {
			if err := s.kv.Delete(ctx, key); err == nil {
				removed++
				metrics.SessionsExpired.Inc()
			}
		}
	}

	if removed > 0 {
		s.log.Info("expired sessions cleaned up", "removed", removed)
	}
	return removed, nil
}

// ByType returns every live session of the given wizard type, for
// recovery-picker UIs.
func (s *Store) ByType(ctx context.Context, wizardType string) ([]domain.WizardSession, error) {
	keys, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, faults.Filesystem("list sessions failed", faults.WithCause(err))
	}

	now := time.Now()
	var out []domain.WizardSession
	for _, key := range keys {
		raw, found, err := s.kv.Load(ctx, key)
		if err != nil || !found {
			continue
		}
		var sess domain.WizardSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		if sess.Expired(now) || sess.WizardType != wizardType {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}
