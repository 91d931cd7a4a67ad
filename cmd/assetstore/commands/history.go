package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/journal"
)

// HistoryCmd implements the 'history' command.
type HistoryCmd struct {
	Digest string `arg:"" optional:"" help:"Only show the events of this digest"`
	Limit  int    `short:"n" help:"Number of recent events to show" default:"20"`
}

func (h *HistoryCmd) Run(global *Global, root *CLI) error {
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return errors.ConfigInvalid("journal.path", "no journal configured")
	}

	j, err := journal.NewSQLiteJournal(cfg.Journal.Path)
	if err != nil {
		return errors.Wrap(err, errors.CategoryCache, errors.SeverityError, "failed to open journal")
	}
	defer func() { _ = j.Close() }()

	ctx := context.Background()
	var events []journal.Event
	if h.Digest != "" {
		d, err := asset.ParseDigest(h.Digest)
		if err != nil {
			return errors.Wrap(err, errors.CategorySource, errors.SeverityError, fmt.Sprintf("invalid digest %q", h.Digest))
		}
		events, err = j.ByDigest(ctx, d.String())
		if err != nil {
			return err
		}
	} else {
		events, err = j.Recent(ctx, h.Limit)
		if err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(global.Out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tDIGEST\tPHASE\tREPOSITORY\tDETAIL")
	for _, e := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format(time.DateTime), e.Digest, e.Phase, e.Repository, e.Detail)
	}
	return tw.Flush()
}
