package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":  "healthy",
		"version": Version,
		"uptime":  time.Since(s.startTime).Seconds(),
	}
	if s.deps.Orchestrator != nil {
		health["operations"] = s.deps.Orchestrator.Len()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

// handleReady checks if server can accept traffic
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ready":     true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"memory_mb": getMemoryUsageMB(),
	}

	status := http.StatusOK
	if p, ok := s.deps.Store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			resp["ready"] = false
			resp["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func getMemoryUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / 1024 / 1024
}
