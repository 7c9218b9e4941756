package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sharebox/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}
type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready fails when the paste database is unreachable. A down Redis only
// degrades caching, so it is reported but does not fail readiness.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Ready:    true,
		Database: "up",
		Cache:    "unavailable",
	}
	if s.db == nil {
		resp.Database = "unavailable"
		resp.Ready = false
	} else {
		dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer dbCancel()
		if err := s.db.Ping(dbCtx); err != nil {
			util.Error().Err(err).Msg("database health check failed")
			resp.Database = "down"
			resp.Ready = false
		}
	}
	if s.rdb != nil {
		resp.Cache = "up"
		cacheCtx, cacheCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cacheCancel()
		if err := s.rdb.Ping(cacheCtx); err != nil {
			util.Warn().Err(err).Msg("cache health check failed")
			resp.Cache = "down"
		}
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
