package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/service"
)

func (s *Server) handleRecentHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.svc.Journal().Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Total: len(events), Events: events})
}

func (s *Server) handleDigestHistory(w http.ResponseWriter, r *http.Request) {
	d, err := asset.ParseDigest(chi.URLParam(r, "digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.svc.Journal().ByDigest(r.Context(), d.String())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Total: len(events), Events: events})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.svc.Status()
	resp := HealthResponse{
		Status:       "ok",
		Service:      string(status),
		Pending:      len(s.svc.Coordinator().Pending()),
		Repositories: len(s.svc.Loader().Repositories()),
		Timestamp:    time.Now().UTC(),
	}
	code := http.StatusOK
	if status != service.StatusRunning {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
