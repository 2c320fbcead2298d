package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streamcast/internal/media/discovery"
	"streamcast/internal/media/hls"
	"streamcast/internal/media/simulcast"
	"streamcast/internal/models"
	"streamcast/internal/observability/metrics"
	"streamcast/internal/realtime"
)

// Validation errors surfaced at the publish boundary. These are rejections,
// not system faults.
var (
	ErrInvalidStreamKey = errors.New("media: invalid stream key")
	ErrUnknownStreamKey = errors.New("media: unknown stream key")
	ErrStreamKeyInUse   = errors.New("media: stream key already in use")
)

// Store is the narrow datastore surface the pipeline needs: resolving stream
// keys to channels, reading configured relay targets, and recording session
// boundaries.
type Store interface {
	ChannelByStreamKey(streamKey string) (models.Channel, bool)
	ListSimulcastTargets(channelID string) []models.SimulcastTarget
	StartStream(channelID string) (models.StreamSession, error)
	StopStream(channelID string) (models.StreamSession, error)
}

// Config wires a Pipeline together.
type Config struct {
	Converter *hls.Converter
	Simulcast *simulcast.Manager
	Discovery *discovery.Discovery
	Store     Store
	Events    realtime.Publisher
	Quality   hls.QualityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Pipeline drives the lifecycle of one stream key across the converter,
// simulcast manager, discovery registry, datastore, and event fan-out. All
// mutating operations for a given key are serialized through a per-key lock;
// different keys proceed independently.
type Pipeline struct {
	converter *hls.Converter
	simulcast *simulcast.Manager
	discovery *discovery.Discovery
	store     Store
	events    realtime.Publisher
	quality   hls.QualityConfig
	logger    *slog.Logger
	metrics   *metrics.Recorder

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]string // stream key -> channel ID
}

// NewPipeline constructs a Pipeline.
func NewPipeline(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	events := cfg.Events
	if events == nil {
		events = realtime.NopPublisher{}
	}
	return &Pipeline{
		converter: cfg.Converter,
		simulcast: cfg.Simulcast,
		discovery: cfg.Discovery,
		store:     cfg.Store,
		events:    events,
		quality:   cfg.Quality,
		logger:    logger,
		metrics:   recorder,
		locks:     make(map[string]*sync.Mutex),
		running:   make(map[string]string),
	}
}

func (p *Pipeline) keyLock(streamKey string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[streamKey]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[streamKey] = lock
	}
	return lock
}

// ValidateStreamKey is the synchronous pre-publish check. It rejects keys
// that are malformed, unknown, or already backing a live broadcast.
func (p *Pipeline) ValidateStreamKey(streamKey string) error {
	if !hls.ValidStreamKey(streamKey) {
		return ErrInvalidStreamKey
	}
	if _, ok := p.store.ChannelByStreamKey(streamKey); !ok {
		return ErrUnknownStreamKey
	}
	p.mu.Lock()
	_, inUse := p.running[streamKey]
	p.mu.Unlock()
	if inUse {
		return ErrStreamKeyInUse
	}
	return nil
}

// StartStream begins HLS conversion and any configured simulcast relays for
// an accepted publish. Conversion failure is returned so the caller can log
// it, but a failed simulcast start never fails the stream: each relay's
// outcome is tracked individually by the simulcast manager.
func (p *Pipeline) StartStream(streamKey string) error {
	lock := p.keyLock(streamKey)
	lock.Lock()
	defer lock.Unlock()

	channel, ok := p.store.ChannelByStreamKey(streamKey)
	if !ok {
		return ErrUnknownStreamKey
	}

	if _, err := p.converter.Start(streamKey, p.quality); err != nil {
		return fmt.Errorf("start conversion: %w", err)
	}
	p.discovery.RegisterConversion(streamKey)

	p.mu.Lock()
	p.running[streamKey] = channel.ID
	p.mu.Unlock()
	p.metrics.StreamStarted()

	if _, err := p.store.StartStream(channel.ID); err != nil {
		p.logger.Warn("record stream session", "stream_key", streamKey, "error", err)
	}

	targets := enabledTargets(p.store.ListSimulcastTargets(channel.ID))
	if len(targets) > 0 {
		if _, err := p.simulcast.Start(streamKey, targets); err != nil {
			p.logger.Warn("start simulcast", "stream_key", streamKey, "error", err)
		}
	}

	p.publish(realtime.Event{Type: realtime.EventStreamLive, StreamKey: streamKey, ChannelID: channel.ID})
	p.logger.Info("stream started", "stream_key", streamKey, "channel_id", channel.ID, "relays", len(targets))
	return nil
}

// StopStream tears down everything for streamKey: relays, conversion,
// discovery registration, and the session record. It is idempotent, so the
// ingest done-publish path and the discovery sweep can race to call it and
// whichever fires first wins.
func (p *Pipeline) StopStream(streamKey, reason string) {
	lock := p.keyLock(streamKey)
	lock.Lock()
	defer lock.Unlock()

	p.simulcast.Stop(streamKey)
	p.converter.Stop(streamKey)
	p.discovery.UnregisterConversion(streamKey)

	p.mu.Lock()
	channelID, wasRunning := p.running[streamKey]
	delete(p.running, streamKey)
	p.mu.Unlock()
	if !wasRunning {
		return
	}

	p.metrics.StreamEnded()
	if _, err := p.store.StopStream(channelID); err != nil {
		p.logger.Warn("close stream session", "stream_key", streamKey, "error", err)
	}
	p.publish(realtime.Event{Type: realtime.EventStreamEnded, StreamKey: streamKey, ChannelID: channelID, Reason: reason})
	p.logger.Info("stream stopped", "stream_key", streamKey, "reason", reason)
}

// StartSimulcast launches relays for streamKey using the channel's stored
// targets, or the provided override targets when non-empty. The returned
// session enumerates each relay's individual outcome.
func (p *Pipeline) StartSimulcast(streamKey string, overrides []simulcast.TargetConfig) (simulcast.Session, error) {
	lock := p.keyLock(streamKey)
	lock.Lock()
	defer lock.Unlock()

	channel, ok := p.store.ChannelByStreamKey(streamKey)
	if !ok {
		return simulcast.Session{}, ErrUnknownStreamKey
	}
	targets := overrides
	if len(targets) == 0 {
		targets = enabledTargets(p.store.ListSimulcastTargets(channel.ID))
	}
	return p.simulcast.Start(streamKey, targets)
}

// StopSimulcast stops the relay set for streamKey without touching the HLS
// conversion.
func (p *Pipeline) StopSimulcast(streamKey string) {
	lock := p.keyLock(streamKey)
	lock.Lock()
	defer lock.Unlock()
	p.simulcast.Stop(streamKey)
}

// SimulcastStatus returns the relay snapshot for streamKey.
func (p *Pipeline) SimulcastStatus(streamKey string) (simulcast.Session, bool) {
	return p.simulcast.Status(streamKey)
}

// ListSimulcast lists all relay sessions.
func (p *Pipeline) ListSimulcast() []simulcast.Session {
	return p.simulcast.ListActive()
}

// Shutdown stops every conversion and relay. Sweepers must be stopped by the
// caller first.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.running))
	for key := range p.running {
		keys = append(keys, key)
	}
	p.mu.Unlock()
	for _, key := range keys {
		p.StopStream(key, "shutdown")
	}
	p.simulcast.StopAll()
	p.converter.StopAll()
}

func (p *Pipeline) publish(event realtime.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.events.Publish(ctx, event); err != nil {
		p.logger.Warn("publish stream event", "type", event.Type, "stream_key", event.StreamKey, "error", err)
	}
}

func enabledTargets(targets []models.SimulcastTarget) []simulcast.TargetConfig {
	configs := make([]simulcast.TargetConfig, 0, len(targets))
	for _, t := range targets {
		if !t.Enabled {
			continue
		}
		configs = append(configs, simulcast.TargetConfig{
			Platform:         t.Platform,
			RTMPURL:          t.RTMPURL,
			StreamKey:        t.StreamKey,
			VideoBitrateKbps: t.VideoBitrate,
			AudioBitrateKbps: t.AudioBitrate,
			Resolution:       t.Resolution,
		})
	}
	return configs
}
