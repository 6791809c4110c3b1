package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/FairForge/fhirbundle/internal/bundle"
	"go.uber.org/zap"
)

// handleBundle executes a batch or transaction bundle.
func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeOutcome(w, http.StatusRequestEntityTooLarge, "too-costly", err)
			return
		}
		writeOutcome(w, http.StatusBadRequest, "invalid", err)
		return
	}

	resp, err := s.deps.Processor.ProcessRaw(r.Context(), raw)
	if err != nil {
		status := bundle.Classify(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("bundle processing failed",
				zap.String("request_id", RequestID(r.Context())),
				zap.Error(err))
		}
		writeOutcome(w, status, issueCode(status), err)
		return
	}

	writeJSON(w, responseStatus(resp), resp)
}

// responseStatus is 200 for an accepted bundle. A rejected transaction takes
// the status of its cause, or of its first failed entry.
func responseStatus(resp *bundle.Response) int {
	if resp.Succeeded() {
		return http.StatusOK
	}
	if resp.Err != nil {
		return bundle.Classify(resp.Err)
	}
	for _, e := range resp.Entry {
		if e.Response == nil {
			continue
		}
		code, err := strconv.Atoi(strings.SplitN(e.Response.Status, " ", 2)[0])
		if err == nil && code >= http.StatusBadRequest {
			return code
		}
	}
	return http.StatusInternalServerError
}
