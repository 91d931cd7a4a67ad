package commands

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/service"
)

// RepoCmd groups repository subcommands.
type RepoCmd struct {
	Check RepoCheckCmd `cmd:"" help:"Load repository indexes and report their state"`
}

// RepoCheckCmd implements the 'repo check' command.
type RepoCheckCmd struct {
	URLs []string `arg:"" optional:"" name:"url" help:"Repository index URLs (defaults to the configured repositories)"`
}

func (r *RepoCheckCmd) Run(global *Global, root *CLI) error {
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}
	urls := r.URLs
	if len(urls) == 0 {
		urls = cfg.Repositories
	}
	if len(urls) == 0 {
		return errors.ConfigInvalid("repositories", "no repositories to check")
	}

	ctx := context.Background()
	svc, err := service.New(ctx, cfg, service.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()

	active := svc.SetRepositories(ctx, urls)

	tw := tabwriter.NewWriter(global.Out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STATE\tENTRIES\tURL")
	for _, st := range svc.Loader().Statuses() {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", st.State, st.Entries, st.URL)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if active < len(urls) {
		return errors.New(errors.CategorySource, errors.SeverityWarning,
			fmt.Sprintf("%d of %d repositories are not usable", len(urls)-active, len(urls)))
	}
	return nil
}
