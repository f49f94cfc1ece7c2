package domain

import "time"

// WizardSession is a snapshot of a partially completed multi-step wizard.
// A session past its ExpiresAt is logically absent: readers treat it as
// not-found and evict it lazily.
type WizardSession struct {
	WizardID    string         `json:"wizard_id"`
	WizardType  string         `json:"wizard_type"`
	CurrentStep int            `json:"current_step"`
	TotalSteps  int            `json:"total_steps"`
	FormData    map[string]any `json:"form_data"`
	SavedAt     time.Time      `json:"saved_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *WizardSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// FileUpload is a caller-attached binary value inside wizard form data. The
// bytes never reach persistent storage; sanitization reduces the value to a
// name/size/type descriptor.
type FileUpload struct {
	Name string
	Size int64
	MIME string
	Data []byte
}
