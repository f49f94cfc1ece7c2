package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/studioloom/conductor/internal/core/faults"
)

// errorBody is the JSON error envelope. Category and details give the UI
// enough structure to build targeted recovery guidance.
type errorBody struct {
	Error struct {
		Message  string         `json:"message"`
		Category string         `json:"category"`
		Details  map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	f := faults.Classify(err)

	var body errorBody
	body.Error.Message = f.Message
	body.Error.Category = string(f.Category)
	body.Error.Details = f.Details

	respondJSON(w, statusFor(f), body)
}

// statusFor maps fault categories onto HTTP statuses.
func statusFor(f *faults.Fault) int {
	switch f.Category {
	case faults.CategoryValidation:
		if strings.Contains(f.Message, "not found") {
			return http.StatusNotFound
		}
		if f.Detail("conflict") != nil {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case faults.CategoryDataContract:
		return http.StatusUnprocessableEntity
	case faults.CategoryConnection:
		if strings.Contains(f.Message, "no healthy instance") {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case faults.CategoryGeneration:
		return http.StatusBadGateway
	case faults.CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
