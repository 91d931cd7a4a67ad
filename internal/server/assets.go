package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
	"git.home.luguber.info/inful/assetstore/internal/repoindex"
)

// handleAsset serves the bytes of a digest. A miss starts a retrieval and
// answers 404 unless ?wait=<duration> asks to block for it.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	d, ok := digestParam(w, r)
	if !ok {
		return
	}
	wait, err := waitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cache := s.svc.Cache()
	a, found := cache.Get(d)
	if !found && wait > 0 {
		a, err = cache.WaitFor(r.Context(), d, wait)
		found = err == nil
	}
	if !found {
		if wait == 0 {
			cache.GetAsync(d, func(*asset.Asset) {})
		}
		w.Header().Set("X-Asset-Requested", strconv.FormatBool(cache.IsRequested(d)))
		writeError(w, http.StatusNotFound, fmt.Sprintf("asset %s not available", d))
		return
	}
	if a.IsBroken() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("asset %s is broken", d))
		return
	}

	w.Header().Set("Content-Type", asset.DetectMediaType(a.Bytes(), a.Filename()))
	w.Header().Set("ETag", `"`+d.String()+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", a.Filename()))
	w.Header().Set("X-Asset-Kind", a.Kind().String())
	http.ServeContent(w, r, a.Filename(), time.Time{}, bytes.NewReader(a.Bytes()))
}

func (s *Server) handleAssetInfo(w http.ResponseWriter, r *http.Request) {
	d, ok := digestParam(w, r)
	if !ok {
		return
	}
	cache := s.svc.Cache()
	a, found := cache.Get(d)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("asset %s not available", d))
		return
	}
	paths, err := cache.Disk().LocalPaths(d)
	if err != nil {
		s.logger.Warn("Could not read local paths", logfields.Digest(d.String()), logfields.Error(err))
	}
	writeJSON(w, http.StatusOK, AssetInfoResponse{
		Digest:     d.String(),
		Name:       a.Name(),
		Kind:       a.Kind().String(),
		Extension:  a.Extension(),
		Size:       a.Size(),
		OnDisk:     cache.Disk().Has(d),
		LocalPaths: paths,
	})
}

// handleIndex publishes the disk cache as a repository index whose
// references resolve to this server's asset route.
func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	digests, err := s.svc.Cache().Disk().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list cache")
		return
	}
	entries := make(repoindex.Entries, len(digests))
	for _, d := range digests {
		entries[d] = "assets/" + d.String()
	}
	data, err := repoindex.Encode(entries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encode index")
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// handleUnlisted lists held digests that none of the ?repository= URLs index.
func (s *Server) handleUnlisted(w http.ResponseWriter, r *http.Request) {
	missing, err := s.svc.NotInRepositories(r.URL.Query()["repository"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, digestList(missing))
}

func digestParam(w http.ResponseWriter, r *http.Request) (asset.Digest, bool) {
	d, err := asset.ParseDigest(chi.URLParam(r, "digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return d, true
}

func waitParam(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		return 0, fmt.Errorf("invalid wait duration %q", raw)
	}
	return min(wait, MaxWait), nil
}

func digestList(digests []asset.Digest) DigestListResponse {
	out := DigestListResponse{Total: len(digests), Digests: make([]string, 0, len(digests))}
	for _, d := range digests {
		out.Digests = append(out.Digests, d.String())
	}
	return out
}
