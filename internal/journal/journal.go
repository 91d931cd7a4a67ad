// Package journal records the retrieval lifecycle of digests (requested,
// tried, verified, delivered, exhausted, escalated) for later inspection.
package journal

import (
	"context"
	"time"
)

// Event is one lifecycle transition of a retrieval.
type Event struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Digest     string    `json:"digest"`
	Phase      string    `json:"phase"`
	Repository string    `json:"repository,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Journal persists and queries lifecycle events.
type Journal interface {
	// Append records e. A zero At is set to the current time.
	Append(ctx context.Context, e Event) error

	// ByDigest returns every event of a digest, oldest first.
	ByDigest(ctx context.Context, digest string) ([]Event, error)

	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Nop discards events. It is used when no journal path is configured.
type Nop struct{}

func (Nop) Append(context.Context, Event) error               { return nil }
func (Nop) ByDigest(context.Context, string) ([]Event, error) { return nil, nil }
func (Nop) Recent(context.Context, int) ([]Event, error)      { return nil, nil }
func (Nop) Close() error                                      { return nil }
