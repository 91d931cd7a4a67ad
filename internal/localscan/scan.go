// Package localscan finds loose files on disk and remembers them as local
// origins of their digest, so the cache can serve them without a download.
package localscan

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
)

// Rememberer records that a file holds the bytes of its digest.
type Rememberer interface {
	RememberFile(path string) (asset.Digest, error)
}

// Filter matches file names by extension, case-insensitively. An empty
// filter matches every file.
type Filter struct {
	exts map[string]struct{}
}

// NewFilter accepts extensions with or without the leading dot.
func NewFilter(exts []string) Filter {
	f := Filter{exts: make(map[string]struct{}, len(exts))}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		f.exts[e] = struct{}{}
	}
	return f
}

// Match reports whether name passes the filter.
func (f Filter) Match(name string) bool {
	if len(f.exts) == 0 {
		return true
	}
	_, ok := f.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Scan walks root and remembers every matching regular file. Unreadable
// entries are logged and skipped. It returns how many files were remembered.
func Scan(ctx context.Context, root string, filter Filter, r Rememberer, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	count := 0
	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == root {
				return err
			}
			logger.Warn("Skipping unreadable path", logfields.Path(p), logfields.Error(err))
			return nil
		}
		if !entry.Type().IsRegular() || !filter.Match(entry.Name()) {
			return nil
		}
		d, err := r.RememberFile(p)
		if err != nil {
			logger.Warn("Could not remember file", logfields.Path(p), logfields.Error(err))
			return nil
		}
		count++
		logger.Debug("Remembered local file", logfields.Path(p), logfields.Digest(d.String()))
		return nil
	})
	return count, err
}
