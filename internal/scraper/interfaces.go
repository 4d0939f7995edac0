package scraper

import (
	"context"
	"time"
)

// Gateway is the persistence collaborator. Upserts are keyed by the derived id.
type Gateway interface {
	ActiveSources(ctx context.Context) ([]Source, error)
	GetSource(ctx context.Context, id string) (Source, error)
	UpsertSeries(ctx context.Context, series SeriesRecord) error
	UpsertEpisode(ctx context.Context, episode EpisodeRecord) error
	GetEpisode(ctx context.Context, id string) (EpisodeRecord, bool, error)
}

// Publisher pushes change notifications downstream (at-least-once).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
