// Package commands implements the assetstore command line.
package commands

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/assetstore/internal/assetcache"
	"git.home.luguber.info/inful/assetstore/internal/config"
	"git.home.luguber.info/inful/assetstore/internal/diskcache"
	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/observability"
)

// Global carries state shared by every subcommand.
type Global struct {
	Out io.Writer
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"assetstore.yaml" env:"ASSETSTORE_CONFIG"`
	DataDir string           `short:"d" name:"data-dir" help:"Keep cache, indexes and journal under this directory" type:"path"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve    ServeCmd    `cmd:"" help:"Serve assets over HTTP and keep repositories fresh"`
	Get      GetCmd      `cmd:"" help:"Retrieve an asset by digest"`
	Import   ImportCmd   `cmd:"" help:"Add local files to the cache"`
	Scan     ScanCmd     `cmd:"" help:"Remember files under directories as local copies"`
	Manifest ManifestCmd `cmd:"" help:"Build a repository index.gz for a directory tree"`
	Repo     RepoCmd     `cmd:"" help:"Inspect repositories"`
	History  HistoryCmd  `cmd:"" help:"Show the retrieval journal"`
	Init     InitCmd     `cmd:"" help:"Initialize a new configuration file"`
}

// AfterApply runs after flag parsing; setup logging once.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	slog.SetDefault(observability.NewLogger(os.Stderr, c.logging(config.LoggingConfig{})))
	return nil
}

func (c *CLI) logging(base config.LoggingConfig) config.LoggingConfig {
	if c.Verbose {
		base.Level = config.LogLevelDebug
	}
	return base
}

// LoadConfig reads the configuration file, falling back to defaults when it
// does not exist, and applies --data-dir.
func (c *CLI) LoadConfig() (*config.Config, error) {
	var cfg *config.Config
	if _, statErr := os.Stat(c.Config); statErr == nil {
		loaded, err := config.Load(c.Config)
		if err != nil {
			if _, ok := errors.As(err); ok {
				return nil, err
			}
			return nil, errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "failed to load configuration")
		}
		cfg = loaded
	} else {
		slog.Debug("No configuration file, using defaults", slog.String("path", c.Config))
		cfg = config.Default()
	}

	if c.DataDir != "" {
		cfg.CacheDir = filepath.Join(c.DataDir, "cache")
		cfg.IndexDir = filepath.Join(c.DataDir, "indexes")
		if cfg.Journal.Path == "" {
			cfg.Journal.Path = filepath.Join(c.DataDir, "journal.db")
		}
	}

	slog.SetDefault(observability.NewLogger(os.Stderr, c.logging(cfg.Logging)))
	return cfg, nil
}

// openCache opens the disk cache and facade without starting retrieval.
func openCache(cfg *config.Config) (*assetcache.Cache, error) {
	disk, err := diskcache.New(cfg.CacheDir, diskcache.WithLogger(slog.Default()))
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryCache, errors.SeverityFatal, "failed to open disk cache")
	}
	return assetcache.New(disk,
		assetcache.WithMemoryEntries(cfg.MemoryEntries),
		assetcache.WithReencode(cfg.Images.Reencode...),
		assetcache.WithLogger(slog.Default()),
	)
}
