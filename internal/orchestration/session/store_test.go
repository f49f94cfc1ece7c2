package session

import (
	"context"
	"testing"

	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/core/faults"
	"github.com/studioloom/conductor/internal/infra/storage/memory"
)

func newTestStore(t *testing.T, hours int) *Store {
	t.Helper()
	return NewStore(memory.NewStore(), Config{ExpirationHours: hours}, nil, nil)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, 24)
	ctx := context.Background()

	formData := map[string]any{
		"title": "storyboard",
		"steps": []any{"script", "shots"},
		"nested": map[string]any{
			"style": "anime",
		},
	}

	if _, err := s.Save(ctx, "wiz-1", "video", 2, 5, formData); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, found, err := s.Load(ctx, "wiz-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected session found")
	}
	if sess.WizardType != "video" || sess.CurrentStep != 2 || sess.TotalSteps != 5 {
		t.Errorf("unexpected session fields: %+v", sess)
	}
	if sess.FormData["title"] != "storyboard" {
		t.Errorf("expected title preserved, got %v", sess.FormData["title"])
	}
	nested, ok := sess.FormData["nested"].(map[string]any)
	if !ok || nested["style"] != "anime" {
		t.Errorf("expected nested map preserved, got %v", sess.FormData["nested"])
	}
}

func TestSaveSanitizesBlobs(t *testing.T) {
	s := newTestStore(t, 24)
	ctx := context.Background()

	formData := map[string]any{
		"reference": domain.FileUpload{
			Name: "pose.png",
			Size: 204800,
			MIME: "image/png",
			Data: []byte{0x89, 0x50, 0x4e, 0x47},
		},
		"raw": []byte("binarybytes"),
	}

	if _, err := s.Save(ctx, "wiz-1", "image", 1, 3, formData); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, found, _ := s.Load(ctx, "wiz-1")
	if !found {
		t.Fatal("expected session found")
	}

	ref, ok := sess.FormData["reference"].(map[string]any)
	if !ok {
		t.Fatalf("expected descriptor map, got %T", sess.FormData["reference"])
	}
	if ref["_type"] != "File" || ref["name"] != "pose.png" || ref["type"] != "image/png" {
		t.Errorf("unexpected descriptor: %v", ref)
	}
	// JSON round-trips numbers as float64.
	if ref["size"] != float64(204800) {
		t.Errorf("expected size 204800, got %v", ref["size"])
	}

	raw, ok := sess.FormData["raw"].(map[string]any)
	if !ok || raw["_type"] != "File" || raw["size"] != float64(11) {
		t.Errorf("expected bare bytes reduced to descriptor, got %v", sess.FormData["raw"])
	}
}

func TestSaveStripsPayloadFromDescriptor(t *testing.T) {
	s := newTestStore(t, 24)
	ctx := context.Background()

	// A resumed wizard may post its stored descriptor back with a payload
	// smuggled in; only the metadata keys survive.
	formData := map[string]any{
		"reference": map[string]any{
			"_type": "File",
			"name":  "pose.png",
			"size":  float64(204800),
			"type":  "image/png",
			"data":  "iVBORw0KGgo=",
		},
	}

	if _, err := s.Save(ctx, "wiz-1", "image", 2, 3, formData); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, _, _ := s.Load(ctx, "wiz-1")
	ref, ok := sess.FormData["reference"].(map[string]any)
	if !ok {
		t.Fatalf("expected descriptor map, got %T", sess.FormData["reference"])
	}
	if _, leaked := ref["data"]; leaked {
		t.Error("expected payload stripped from descriptor")
	}
	if ref["name"] != "pose.png" || ref["size"] != float64(204800) || ref["type"] != "image/png" {
		t.Errorf("expected metadata preserved, got %v", ref)
	}
}

func TestSaveIsFullOverwrite(t *testing.T) {
	s := newTestStore(t, 24)
	ctx := context.Background()

	s.Save(ctx, "wiz-1", "image", 1, 3, map[string]any{"old": "value", "keep": "no"})
	s.Save(ctx, "wiz-1", "image", 2, 3, map[string]any{"fresh": "value"})

	sess, _, _ := s.Load(ctx, "wiz-1")
	if _, stale := sess.FormData["old"]; stale {
		t.Error("expected prior form data fully replaced")
	}
	if _, stale := sess.FormData["keep"]; stale {
		t.Error("expected prior form data fully replaced")
	}
	if sess.FormData["fresh"] != "value" || sess.CurrentStep != 2 {
		t.Errorf("expected newest snapshot, got %+v", sess)
	}
}

func TestZeroExpirationIsImmediatelyAbsent(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()

	if _, err := s.Save(ctx, "wiz-1", "image", 1, 3, map[string]any{"a": "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, found, _ := s.Load(ctx, "wiz-1"); found {
		t.Error("expected zero-lifetime session to be absent")
	}
	if s.HasValid(ctx, "wiz-1") {
		t.Error("expected HasValid false for expired session")
	}
}

func TestCleanupExpired(t *testing.T) {
	kv := memory.NewStore()
	expiring := NewStore(kv, Config{ExpirationHours: 0}, nil, nil)
	lasting := NewStore(kv, Config{ExpirationHours: 24}, nil, nil)
	ctx := context.Background()

	expiring.Save(ctx, "wiz-1", "image", 1, 3, nil)
	expiring.Save(ctx, "wiz-2", "video", 1, 4, nil)
	lasting.Save(ctx, "wiz-3", "image", 1, 3, nil)

	removed, err := lasting.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if !lasting.HasValid(ctx, "wiz-3") {
		t.Error("expected live session to survive cleanup")
	}
}

func TestByType(t *testing.T) {
	kv := memory.NewStore()
	s := NewStore(kv, Config{ExpirationHours: 24}, nil, nil)
	ctx := context.Background()

	s.Save(ctx, "wiz-1", "image", 1, 3, nil)
	s.Save(ctx, "wiz-2", "video", 1, 4, nil)
	s.Save(ctx, "wiz-3", "image", 2, 3, nil)

	sessions, err := s.ByType(ctx, "image")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 image sessions, got %d", len(sessions))
	}
	for _, sess := range sessions {
		if sess.WizardType != "image" {
			t.Errorf("expected image sessions only, got %s", sess.WizardType)
		}
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, 24)
	ctx := context.Background()

	s.Save(ctx, "wiz-1", "image", 1, 3, nil)
	if err := s.Delete(ctx, "wiz-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.HasValid(ctx, "wiz-1") {
		t.Error("expected session gone after delete")
	}
	// Deleting an absent session is a no-op.
	if err := s.Delete(ctx, "wiz-1"); err != nil {
		t.Errorf("expected no-op delete, got %v", err)
	}
}

type rejectAll struct{}

func (rejectAll) ValidateFormData(wizardType string, formData map[string]any) error {
	return faults.Validation("missing required field prompt")
}

func TestSaveValidates(t *testing.T) {
	s := NewStore(memory.NewStore(), Config{ExpirationHours: 24}, rejectAll{}, nil)
	ctx := context.Background()

	_, err := s.Save(ctx, "wiz-1", "image", 1, 3, map[string]any{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !faults.IsCategory(err, faults.CategoryValidation) {
		t.Errorf("expected validation fault, got %v", err)
	}
	if s.HasValid(ctx, "wiz-1") {
		t.Error("expected rejected session not persisted")
	}
}
