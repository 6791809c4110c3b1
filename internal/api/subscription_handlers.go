package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/FairForge/fhirbundle/internal/bundle"
	"github.com/FairForge/fhirbundle/internal/subscriptions"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var info subscriptions.Info
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&info); err != nil {
		writeOutcome(w, http.StatusBadRequest, "invalid", err)
		return
	}

	created, err := s.deps.Subscriptions.Register(r.Context(), info)
	var verr *subscriptions.ValidationError
	switch {
	case errors.As(err, &verr):
		outcome := &bundle.OperationOutcome{ResourceType: "OperationOutcome"}
		for _, f := range verr.Failures {
			outcome.Issue = append(outcome.Issue, bundle.Issue{
				Severity:    "error",
				Code:        "invalid",
				Diagnostics: f.Field + ": " + f.Message,
			})
		}
		writeJSON(w, http.StatusBadRequest, outcome)
		return
	case err != nil:
		writeOutcome(w, http.StatusInternalServerError, "exception", err)
		return
	}

	w.Header().Set("Location", "/Subscription/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Subscriptions.List())
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := s.deps.Subscriptions.Get(id)
	if !ok {
		writeOutcome(w, http.StatusNotFound, "not-found", subscriptions.ErrSubscriptionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Subscriptions.Remove(chi.URLParam(r, "id")); err != nil {
		writeOutcome(w, http.StatusNotFound, "not-found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
