package api

import (
	"encoding/json"
	"net/http"

	"github.com/FairForge/fhirbundle/internal/bundle"
)

const fhirJSON = "application/fhir+json"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", fhirJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOutcome(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, bundle.NewOperationOutcome(code, err))
}

// issueCode picks the OperationOutcome issue code for an HTTP status.
func issueCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusNotFound:
		return "not-found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusPreconditionFailed:
		return "conflict"
	case http.StatusRequestTimeout:
		return "timeout"
	case http.StatusRequestEntityTooLarge:
		return "too-costly"
	default:
		return "exception"
	}
}
