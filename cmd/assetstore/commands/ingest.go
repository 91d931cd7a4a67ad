package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/assetstore/internal/diskcache"
	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/localscan"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
)

// ImportCmd implements the 'import' command.
type ImportCmd struct {
	Paths []string `arg:"" type:"existingfile" help:"Files to add"`
}

func (i *ImportCmd) Run(global *Global, root *CLI) error {
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}
	cache, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close(context.Background()) }()

	var errs []error
	for _, p := range i.Paths {
		a, err := cache.ImportFile(p)
		if err != nil {
			slog.Error("Import failed", logfields.Path(p), logfields.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		_, _ = fmt.Fprintf(global.Out, "%s  %s (%s)\n", a.Digest(), a.Filename(), a.Kind())
	}
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), errors.CategoryDecode, errors.SeverityError,
			fmt.Sprintf("%d of %d files could not be imported", len(errs), len(i.Paths)))
	}
	return nil
}

// ScanCmd implements the 'scan' command.
type ScanCmd struct {
	Dirs       []string `arg:"" optional:"" type:"existingdir" help:"Directories to scan (defaults to watch.dirs)"`
	Extensions []string `short:"e" help:"File extensions to include (defaults to watch.extensions)"`
}

func (s *ScanCmd) Run(global *Global, root *CLI) error {
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}
	dirs := s.Dirs
	if len(dirs) == 0 {
		dirs = cfg.Watch.Dirs
	}
	if len(dirs) == 0 {
		return errors.ConfigInvalid("watch.dirs", "no directories to scan")
	}
	exts := s.Extensions
	if len(exts) == 0 {
		exts = cfg.Watch.Extensions
	}

	disk, err := diskcache.New(cfg.CacheDir, diskcache.WithLogger(slog.Default()))
	if err != nil {
		return errors.Wrap(err, errors.CategoryCache, errors.SeverityFatal, "failed to open disk cache")
	}
	filter := localscan.NewFilter(exts)
	for _, dir := range dirs {
		n, err := localscan.Scan(context.Background(), dir, filter, disk, slog.Default())
		if err != nil {
			return errors.Wrap(err, errors.CategoryCache, errors.SeverityError, fmt.Sprintf("scan of %s failed", dir))
		}
		_, _ = fmt.Fprintf(global.Out, "%s: %d files remembered\n", dir, n)
	}
	return nil
}
