package commands

import (
	"cmp"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/assetstore/internal/server"
	"git.home.luguber.info/inful/assetstore/internal/service"
)

// ServeCmd implements the 'serve' command.
type ServeCmd struct {
	Addr string `short:"a" help:"Listen address (overrides server.addr)"`
}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := service.New(ctx, cfg, service.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Close(context.Background())
		return err
	}

	srv := server.New(cmp.Or(s.Addr, cfg.Server.Addr), svc, slog.Default())
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	slog.Info("Asset store serving, waiting for shutdown signal...")

	var runErr error
	select {
	case runErr = <-errChan:
		if runErr != nil {
			runErr = fmt.Errorf("http server: %w", runErr)
		}
	case <-ctx.Done():
		slog.Info("Shutdown signal received, stopping asset store...")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	return stderrors.Join(runErr, srv.Shutdown(stopCtx), svc.Close(stopCtx))
}
