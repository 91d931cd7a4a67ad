package service

import (
	"context"
	"log/slog"
	"slices"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
	"git.home.luguber.info/inful/assetstore/internal/repoindex"
)

// RegisterRepository loads the index at url and reports whether it is Active.
// Failures are recorded as the repository state.
func (s *Service) RegisterRepository(ctx context.Context, url string) bool {
	active := s.loader.Register(ctx, url)
	state, _ := s.loader.State(url)
	s.logger.Info("Repository registered", logfields.Repository(url), logfields.State(state.String()))
	return active
}

// UnregisterRepository forgets url. Retrievals already walking it finish
// their current attempt and then skip it.
func (s *Service) UnregisterRepository(url string) {
	s.loader.Unregister(url)
	s.logger.Info("Repository unregistered", logfields.Repository(url))
}

// UpdateRepository merges add into the index of url and returns the merged
// manifest text for publishing next to the assets.
func (s *Service) UpdateRepository(url string, add repoindex.Entries) ([]byte, error) {
	manifest, err := s.loader.Update(url, add)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Repository index updated", logfields.Repository(url), logfields.Entries(len(add)))
	return manifest, nil
}

// SetRepositories replaces every registered repository with urls, in order,
// and returns how many became Active.
func (s *Service) SetRepositories(ctx context.Context, urls []string) int {
	s.loader.UnregisterAll()
	active := s.loader.RegisterAll(ctx, urls)
	s.logger.Info("Repository list replaced", logfields.Entries(len(urls)), slog.Int("active", active))
	return active
}

// NotInRepositories lists the digests held locally, in memory or on disk,
// that none of urls indexes. Unknown URLs contribute nothing.
func (s *Service) NotInRepositories(urls []string) ([]asset.Digest, error) {
	listed := make(map[asset.Digest]struct{})
	for _, u := range urls {
		for d := range s.loader.Index(u) {
			listed[d] = struct{}{}
		}
	}

	held, err := s.disk.List()
	if err != nil {
		return nil, err
	}
	held = append(held, s.cache.Snapshot()...)

	var missing []asset.Digest
	for _, d := range held {
		if _, ok := listed[d]; ok {
			continue
		}
		listed[d] = struct{}{}
		missing = append(missing, d)
	}
	slices.Sort(missing)
	return missing, nil
}
