package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/errors"
	"git.home.luguber.info/inful/assetstore/internal/service"
)

// GetCmd implements the 'get' command.
type GetCmd struct {
	Digest  string        `arg:"" help:"Digest of the asset (32 hex characters)"`
	Output  string        `short:"o" help:"Output file or directory; '-' writes the bytes to stdout" default:"."`
	Timeout time.Duration `short:"t" help:"How long to wait for retrieval" default:"30s"`
}

func (g *GetCmd) Run(global *Global, root *CLI) error {
	d, err := asset.ParseDigest(g.Digest)
	if err != nil {
		return errors.Wrap(err, errors.CategorySource, errors.SeverityError, fmt.Sprintf("invalid digest %q", g.Digest))
	}
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, err := service.New(ctx, cfg, service.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()
	if err := svc.Start(ctx); err != nil {
		return err
	}

	a, err := svc.Cache().WaitFor(ctx, d, g.Timeout)
	if err != nil {
		return errors.WrapRetryable(err, errors.CategoryTransport, errors.SeverityError,
			fmt.Sprintf("asset %s was not retrieved within %s", d, g.Timeout))
	}
	if a.IsBroken() {
		return errors.New(errors.CategoryIntegrity, errors.SeverityError, fmt.Sprintf("asset %s is broken", d))
	}

	if g.Output == "-" {
		_, err := global.Out.Write(a.Bytes())
		return err
	}
	target := g.Output
	if info, statErr := os.Stat(target); statErr == nil && info.IsDir() {
		target = filepath.Join(target, a.Filename())
	}
	if err := os.WriteFile(target, a.Bytes(), 0o600); err != nil {
		return errors.Wrap(err, errors.CategoryCache, errors.SeverityError, "failed to write asset")
	}
	_, _ = fmt.Fprintf(global.Out, "%s  %s (%s, %d bytes)\n", d, target, a.Kind(), a.Size())
	return nil
}
