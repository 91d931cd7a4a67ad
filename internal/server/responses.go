package server

import (
	"encoding/json"
	"net/http"
	"time"

	"git.home.luguber.info/inful/assetstore/internal/journal"
	"git.home.luguber.info/inful/assetstore/internal/repoindex"
)

// ErrorResponse represents an error API response.
type ErrorResponse struct {
	Status    string    `json:"status"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse represents the health check API response.
type HealthResponse struct {
	Status       string    `json:"status"`
	Service      string    `json:"service"`
	Pending      int       `json:"pending"`
	Repositories int       `json:"repositories"`
	Timestamp    time.Time `json:"timestamp"`
}

// AssetInfoResponse describes one cached asset without its bytes.
type AssetInfoResponse struct {
	Digest     string   `json:"digest"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Extension  string   `json:"extension,omitempty"`
	Size       int      `json:"size"`
	OnDisk     bool     `json:"on_disk"`
	LocalPaths []string `json:"local_paths,omitempty"`
}

// RepositoryRequest is the body of POST /repositories.
type RepositoryRequest struct {
	URL string `json:"url"`
}

// RepositoryListRequest is the body of PUT /repositories.
type RepositoryListRequest struct {
	URLs []string `json:"urls"`
}

// RepositoryResponse reports the outcome of registering one repository.
type RepositoryResponse struct {
	URL    string `json:"url"`
	State  string `json:"state"`
	Active bool   `json:"active"`
}

// RepositoryStatusResponse lists registered repositories in consultation order.
type RepositoryStatusResponse struct {
	Repositories []repoindex.Status `json:"repositories"`
	Active       int                `json:"active"`
}

// DigestListResponse lists digests.
type DigestListResponse struct {
	Total   int      `json:"total"`
	Digests []string `json:"digests"`
}

// HistoryResponse lists journal events.
type HistoryResponse struct {
	Total  int             `json:"total"`
	Events []journal.Event `json:"events"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{
		Status:    "error",
		Error:     message,
		Timestamp: time.Now().UTC(),
	})
}
