package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/localscan"
	"git.home.luguber.info/inful/assetstore/internal/repoindex"
)

// ManifestCmd implements the 'manifest' command.
type ManifestCmd struct {
	Dir        string   `arg:"" type:"existingdir" help:"Directory tree to publish as a repository"`
	Output     string   `short:"o" help:"Index file to write (defaults to <dir>/index.gz)"`
	Extensions []string `short:"e" help:"Only index files with these extensions"`
}

func (m *ManifestCmd) Run(global *Global, _ *CLI) error {
	root, err := filepath.Abs(m.Dir)
	if err != nil {
		return err
	}
	output := m.Output
	if output == "" {
		output = filepath.Join(root, "index.gz")
	}
	output, err = filepath.Abs(output)
	if err != nil {
		return err
	}

	collector := &manifestCollector{root: root, skip: output, entries: make(repoindex.Entries)}
	if _, err := localscan.Scan(context.Background(), root, localscan.NewFilter(m.Extensions), collector, slog.Default()); err != nil {
		return errors.Wrap(err, errors.CategorySource, errors.SeverityError, fmt.Sprintf("failed to walk %s", m.Dir))
	}

	data, err := repoindex.Encode(collector.entries)
	if err != nil {
		return errors.InternalError("failed to encode index", err)
	}
	// #nosec G306 -- the index is published next to world-readable assets
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return errors.Wrap(err, errors.CategoryCache, errors.SeverityError, "failed to write index")
	}
	_, _ = fmt.Fprintf(global.Out, "Indexed %d files into %s\n", len(collector.entries), output)
	return nil
}

// manifestCollector records each file under its path relative to root.
// Files with identical bytes collapse onto the last one walked.
type manifestCollector struct {
	root    string
	skip    string
	entries repoindex.Entries
}

func (c *manifestCollector) RememberFile(p string) (asset.Digest, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if abs == c.skip {
		return "", nil
	}
	rel, err := filepath.Rel(c.root, abs)
	if err != nil {
		return "", err
	}
	// #nosec G304 -- p comes from walking the operator-selected directory
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	d := asset.Of(data)
	c.entries[d] = filepath.ToSlash(rel)
	return d, nil
}
