package retrieval

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/assetstore/internal/asset"
	"git.home.luguber.info/inful/assetstore/internal/logfields"
)

// LogPeer stands in for the authoritative peer when none is configured.
// Escalations are logged and otherwise dropped.
type LogPeer struct {
	logger *slog.Logger
}

func NewLogPeer(logger *slog.Logger) *LogPeer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPeer{logger: logger}
}

func (p *LogPeer) RequestAsset(_ context.Context, d asset.Digest) error {
	p.logger.Info("No peer configured, escalation dropped", logfields.Digest(d.String()))
	return nil
}
