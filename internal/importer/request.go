// Package importer loads NDJSON resource files into the store as a series of
// batch bundles.
package importer

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/FairForge/fhirbundle/internal/orchestration"
	"github.com/google/uuid"
)

// NDJSONFormat is the only supported input format.
const NDJSONFormat = "application/fhir+ndjson"

// Mode selects how imported resources are written.
type Mode string

const (
	InitialLoad     Mode = "InitialLoad"
	IncrementalLoad Mode = "IncrementalLoad"
)

// Input is one file to import.
type Input struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	ETag string `json:"etag,omitempty"`
}

// Request asks for one or more files to be imported.
type Request struct {
	InputFormat string  `json:"inputFormat"`
	InputSource string  `json:"inputSource,omitempty"`
	Mode        Mode    `json:"mode"`
	Inputs      []Input `json:"input"`
}

var (
	ErrInvalidRequest = errors.New("importer: invalid request")
	ErrJobNotFound    = errors.New("importer: job not found")
	ErrJobFinished    = errors.New("importer: job already finished")
	ErrETagMismatch   = errors.New("importer: input etag does not match")
	ErrUnsupportedURL = errors.New("importer: unsupported input url")
)

// Validate checks the request before registration.
func (r Request) Validate() error {
	if r.InputFormat != NDJSONFormat {
		return fmt.Errorf("%w: input format must be %s", ErrInvalidRequest, NDJSONFormat)
	}
	if r.Mode != InitialLoad && r.Mode != IncrementalLoad {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	}
	if len(r.Inputs) == 0 {
		return fmt.Errorf("%w: no input", ErrInvalidRequest)
	}
	for i, in := range r.Inputs {
		if !IsResourceType(in.Type) {
			return fmt.Errorf("%w: input %d: unknown resource type %q", ErrInvalidRequest, i, in.Type)
		}
		u, err := url.Parse(in.URL)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("%w: input %d: malformed url %q", ErrInvalidRequest, i, in.URL)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "s3", "file":
		default:
			return fmt.Errorf("%w: input %d: %w %q", ErrInvalidRequest, i, ErrUnsupportedURL, in.URL)
		}
	}
	return nil
}

// Status is the lifecycle position of an import job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether the job has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Job is a snapshot of a registered import.
type Job struct {
	ID        uuid.UUID             `json:"id"`
	Request   Request               `json:"request"`
	Status    Status                `json:"status"`
	CreatedAt time.Time             `json:"createdAt"`
	StartedAt time.Time             `json:"startedAt,omitzero"`
	EndedAt   time.Time             `json:"endedAt,omitzero"`
	Result    orchestration.Summary `json:"result"`
	Error     string                `json:"error,omitempty"`
	// BadRequest marks a failure caused by the request itself, such as an
	// input whose etag no longer matches.
	BadRequest bool `json:"-"`
}

// resourceTypes lists the resource types accepted as import targets.
var resourceTypes = map[string]struct{}{}

func init() {
	for _, t := range strings.Fields(`
		Account AllergyIntolerance Appointment AuditEvent Basic Binary CarePlan CareTeam
		Claim ClaimResponse Communication Composition Condition Consent Coverage Device
		DiagnosticReport DocumentReference Encounter Endpoint EpisodeOfCare
		ExplanationOfBenefit FamilyMemberHistory Flag Goal Group HealthcareService
		ImagingStudy Immunization Location Medication MedicationAdministration
		MedicationDispense MedicationRequest MedicationStatement Observation
		Organization Patient Practitioner PractitionerRole Procedure Provenance
		Questionnaire QuestionnaireResponse RelatedPerson ServiceRequest Specimen
		Subscription Task ValueSet`) {
		resourceTypes[t] = struct{}{}
	}
}

// IsResourceType reports whether t is a known resource type.
func IsResourceType(t string) bool {
	_, ok := resourceTypes[t]
	return ok
}
