package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"git.home.luguber.info/inful/assetstore/internal/repoindex"
)

const maxBodyBytes = 64 << 10

func (s *Server) handleListRepositories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.repositoryStatus())
}

func (s *Server) handleAddRepository(w http.ResponseWriter, r *http.Request) {
	var req RepositoryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	active := s.svc.RegisterRepository(r.Context(), url)
	state, _ := s.svc.Loader().State(url)
	writeJSON(w, http.StatusOK, RepositoryResponse{URL: url, State: state.String(), Active: active})
}

func (s *Server) handleReplaceRepositories(w http.ResponseWriter, r *http.Request) {
	var req RepositoryListRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	urls := slices.DeleteFunc(req.URLs, func(u string) bool { return strings.TrimSpace(u) == "" })
	s.svc.SetRepositories(r.Context(), urls)
	writeJSON(w, http.StatusOK, s.repositoryStatus())
}

func (s *Server) handleRemoveRepository(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	if _, ok := s.svc.Loader().State(url); !ok {
		writeError(w, http.StatusNotFound, "repository not registered")
		return
	}
	s.svc.UnregisterRepository(url)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) repositoryStatus() RepositoryStatusResponse {
	statuses := s.svc.Loader().Statuses()
	active := 0
	for _, st := range statuses {
		if st.State == repoindex.StateActive.String() {
			active++
		}
	}
	return RepositoryStatusResponse{Repositories: statuses, Active: active}
}
