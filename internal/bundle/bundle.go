// Package bundle turns FHIR Batch and Transaction bundles into orchestrated
// operations and renders their per-entry responses.
package bundle

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/FairForge/fhirbundle/internal/orchestration"
	"github.com/google/uuid"
)

// Type is the bundle type.
type Type string

const (
	TypeBatch               Type = "batch"
	TypeTransaction         Type = "transaction"
	TypeBatchResponse       Type = "batch-response"
	TypeTransactionResponse Type = "transaction-response"
)

// Bundle is the subset of a FHIR Bundle that bundle processing needs.
type Bundle struct {
	ResourceType string  `json:"resourceType"`
	ID           string  `json:"id,omitempty"`
	Type         Type    `json:"type"`
	Entry        []Entry `json:"entry,omitempty"`
}

// Entry is one bundle entry, either a request or its response.
type Entry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *Request        `json:"request,omitempty"`
	Response *EntryResponse  `json:"response,omitempty"`
}

// Request describes the interaction an entry asks for.
type Request struct {
	Method  string `json:"method"`
	URL     string `json:"url"`
	IfMatch string `json:"ifMatch,omitempty"`
}

// EntryResponse is the result of one entry.
type EntryResponse struct {
	Status       string            `json:"status"`
	Location     string            `json:"location,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified string            `json:"lastModified,omitempty"`
	Outcome      *OperationOutcome `json:"outcome,omitempty"`
}

// OperationOutcome carries diagnostics for a failed entry or request.
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// Issue is a single OperationOutcome issue.
type Issue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// NewOperationOutcome builds an error outcome with one issue.
func NewOperationOutcome(code string, err error) *OperationOutcome {
	issue := Issue{Severity: "error", Code: code}
	if err != nil {
		issue.Diagnostics = err.Error()
	}
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: []Issue{issue}}
}

// Response is the response bundle together with the aggregate counts.
type Response struct {
	Bundle
	orchestration.Summary

	OperationID uuid.UUID           `json:"-"`
	State       orchestration.State `json:"-"`
	Err         error               `json:"-"`
}

// Succeeded reports whether the bundle as a whole was accepted. A Batch is
// accepted once it resolves; a Transaction only when it committed.
func (r *Response) Succeeded() bool {
	if r.Type == TypeBatchResponse {
		return r.State == orchestration.Completed
	}
	return r.State == orchestration.Completed && r.FailedCount == 0
}

func newResponse(b *Bundle) *Response {
	typ := TypeBatchResponse
	if b.Type == TypeTransaction {
		typ = TypeTransactionResponse
	}
	return &Response{
		Bundle: Bundle{
			ResourceType: "Bundle",
			ID:           uuid.NewString(),
			Type:         typ,
			Entry:        make([]Entry, len(b.Entry)),
		},
		Summary: orchestration.Summary{Errors: []string{}},
		State:   orchestration.Completed,
	}
}

var (
	ErrInvalidBundle = errors.New("bundle: invalid bundle")
	ErrInvalidEntry  = errors.New("bundle: invalid entry")
)

// ValidationError lists why a bundle envelope was rejected.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "bundle: invalid bundle: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidBundle }
