package realtime

import (
	"context"
	"time"
)

// Event types published on stream lifecycle transitions.
const (
	EventStreamLive  = "stream.live"
	EventStreamEnded = "stream.ended"
)

// Event is one stream lifecycle notification delivered to UI consumers
// (dashboard, viewer pages) through the fan-out channel.
type Event struct {
	Type      string    `json:"type"`
	StreamKey string    `json:"streamKey"`
	ChannelID string    `json:"channelId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers stream lifecycle events to interested consumers. The
// ingest pipeline treats delivery as best-effort: a publish failure is logged
// and never blocks stream handling.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards all events. Used when no fan-out backend is
// configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
