package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/FairForge/fhirbundle/internal/importer"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func importLocation(id uuid.UUID) string {
	return "/_operations/import/" + id.String()
}

// handleImport registers a bulk import and answers 202 with the location to
// poll. Registering an identical request again returns the same location.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importer.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeOutcome(w, http.StatusBadRequest, "invalid", fmt.Errorf("%w: %v", importer.ErrInvalidRequest, err))
		return
	}

	job, _, err := s.deps.Imports.Register(r.Context(), req)
	switch {
	case errors.Is(err, importer.ErrInvalidRequest):
		writeOutcome(w, http.StatusBadRequest, "invalid", err)
		return
	case err != nil:
		writeOutcome(w, http.StatusInternalServerError, "exception", err)
		return
	}

	w.Header().Set("Content-Location", importLocation(job.ID))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) importJob(w http.ResponseWriter, r *http.Request) (importer.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeOutcome(w, http.StatusNotFound, "not-found", importer.ErrJobNotFound)
		return importer.Job{}, false
	}
	job, ok := s.deps.Imports.Get(id)
	if !ok {
		writeOutcome(w, http.StatusNotFound, "not-found", fmt.Errorf("%w: %s", importer.ErrJobNotFound, id))
		return importer.Job{}, false
	}
	return job, true
}

// handleImportStatus reports 202 while the import runs and the final result
// once it has finished.
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.importJob(w, r)
	if !ok {
		return
	}

	switch job.Status {
	case importer.StatusQueued, importer.StatusRunning:
		w.Header().Set("X-Progress", string(job.Status))
		writeJSON(w, http.StatusAccepted, job)
	case importer.StatusCompleted:
		writeJSON(w, http.StatusOK, job)
	case importer.StatusCanceled:
		writeOutcome(w, http.StatusBadRequest, "processing", errors.New("import was canceled"))
	default:
		status := http.StatusInternalServerError
		if job.BadRequest {
			status = http.StatusBadRequest
		}
		writeOutcome(w, status, issueCode(status), errors.New(job.Error))
	}
}

// handleImportCancel cancels a queued or running import. A finished import
// answers 409.
func (s *Server) handleImportCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.importJob(w, r)
	if !ok {
		return
	}

	err := s.deps.Imports.Cancel(r.Context(), job.ID)
	switch {
	case errors.Is(err, importer.ErrJobFinished):
		writeOutcome(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, importer.ErrJobNotFound):
		writeOutcome(w, http.StatusNotFound, "not-found", err)
	case err != nil:
		writeOutcome(w, http.StatusInternalServerError, "exception", err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}
