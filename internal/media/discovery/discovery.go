package discovery

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/livepeer/m3u8"

	"streamcast/internal/media/hls"
	"streamcast/internal/observability/metrics"
)

const (
	// DefaultFreshnessWindow is the maximum manifest age still considered
	// live. A healthy encoder rewrites the manifest roughly every segment
	// duration, so mtime freshness is a reliable proxy for incoming frames.
	DefaultFreshnessWindow = 10 * time.Second

	// DefaultSweepInterval is how often the reaper re-checks registered
	// conversions.
	DefaultSweepInterval = 30 * time.Second

	// DefaultInactivityThreshold is how long a registered conversion may stay
	// stale before the sweep tears it down. This is the safety net for
	// publishers that vanish without a clean RTMP close.
	DefaultInactivityThreshold = 30 * time.Second
)

// StreamStatus values reported by PlaybackInfo.
const (
	StatusLive  = "LIVE"
	StatusEnded = "ENDED"
)

// ActiveStream summarises one currently-live stream key.
type ActiveStream struct {
	StreamKey   string    `json:"streamKey"`
	ManifestURL string    `json:"manifestUrl"`
	LastSeen    time.Time `json:"lastSeen"`
}

// PlaybackInfo describes how to play a stream key that has been seen at
// least once.
type PlaybackInfo struct {
	StreamKey      string    `json:"streamKey"`
	ManifestURL    string    `json:"manifestUrl"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"startedAt"`
	SegmentCount   int       `json:"segmentCount,omitempty"`
	TargetDuration float64   `json:"targetDuration,omitempty"`
}

// TeardownFunc is invoked by the sweep for conversions that went stale. It
// must be idempotent: the ingest layer's own teardown may have already run.
type TeardownFunc func(streamKey, reason string)

// Config configures a Discovery instance.
type Config struct {
	OutputRoot string
	// PublicBaseURL, when set, prefixes manifest URLs with the externally
	// reachable scheme://host:port. Empty keeps URLs root-relative for
	// same-host serving.
	PublicBaseURL       string
	FreshnessWindow     time.Duration
	SweepInterval       time.Duration
	InactivityThreshold time.Duration
	Teardown            TeardownFunc
	Logger              *slog.Logger
	Metrics             *metrics.Recorder
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

type registration struct {
	registeredAt time.Time
	lastActive   time.Time
}

// Discovery answers "is this stream key live right now?" from filesystem
// freshness alone, and owns the background sweep that reaps conversions
// nobody is feeding anymore. Registration tells the sweep which keys to
// watch; the manifest mtime stays the source of truth for liveness.
type Discovery struct {
	root                string
	publicBaseURL       string
	freshnessWindow     time.Duration
	sweepInterval       time.Duration
	inactivityThreshold time.Duration
	teardown            TeardownFunc
	logger              *slog.Logger
	metrics             *metrics.Recorder
	now                 func() time.Time

	mu         sync.Mutex
	registered map[string]*registration
	seen       map[string]time.Time
}

// New constructs a Discovery rooted at the HLS output directory.
func New(cfg Config) (*Discovery, error) {
	root, err := filepath.Abs(cfg.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	d := &Discovery{
		root:                root,
		publicBaseURL:       strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		freshnessWindow:     cfg.FreshnessWindow,
		sweepInterval:       cfg.SweepInterval,
		inactivityThreshold: cfg.InactivityThreshold,
		teardown:            cfg.Teardown,
		logger:              logger,
		metrics:             recorder,
		now:                 now,
		registered:          make(map[string]*registration),
		seen:                make(map[string]time.Time),
	}
	if d.freshnessWindow <= 0 {
		d.freshnessWindow = DefaultFreshnessWindow
	}
	if d.sweepInterval <= 0 {
		d.sweepInterval = DefaultSweepInterval
	}
	if d.inactivityThreshold <= 0 {
		d.inactivityThreshold = DefaultInactivityThreshold
	}
	return d, nil
}

// SweepInterval returns the configured sweep cadence.
func (d *Discovery) SweepInterval() time.Duration {
	return d.sweepInterval
}

// manifestURL maps a stream key to its playback URL, absolute when a public
// base is configured.
func (d *Discovery) manifestURL(streamKey string) string {
	return d.publicBaseURL + hls.ManifestURL(streamKey)
}

// IsActive reports whether the manifest for streamKey exists and was modified
// within the freshness window.
func (d *Discovery) IsActive(streamKey string) bool {
	if !hls.ValidStreamKey(streamKey) {
		return false
	}
	info, err := os.Stat(filepath.Join(d.root, streamKey, hls.ManifestName))
	if err != nil {
		return false
	}
	return d.now().Sub(info.ModTime()) <= d.freshnessWindow
}

// ListActive enumerates output subdirectories and returns those whose
// manifest passes the freshness check.
func (d *Discovery) ListActive() []ActiveStream {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("read hls output root", "error", err)
		}
		return nil
	}
	var active []ActiveStream
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		key := entry.Name()
		info, err := os.Stat(filepath.Join(d.root, key, hls.ManifestName))
		if err != nil {
			continue
		}
		if d.now().Sub(info.ModTime()) > d.freshnessWindow {
			continue
		}
		active = append(active, ActiveStream{
			StreamKey:   key,
			ManifestURL: d.manifestURL(key),
			LastSeen:    info.ModTime().UTC(),
		})
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StreamKey < active[j].StreamKey })
	return active
}

// PlaybackInfo returns playback details for streamKey, or nil when the key
// has never been seen. Keys that were live once report ENDED rather than
// not-found.
func (d *Discovery) PlaybackInfo(streamKey string) *PlaybackInfo {
	if !hls.ValidStreamKey(streamKey) {
		return nil
	}

	d.mu.Lock()
	startedAt, everSeen := d.seen[streamKey]
	d.mu.Unlock()

	live := d.IsActive(streamKey)
	if !live && !everSeen {
		return nil
	}
	if live && !everSeen {
		// Seen on disk before any registration reached us.
		if info, err := os.Stat(filepath.Join(d.root, streamKey, hls.ManifestName)); err == nil {
			startedAt = info.ModTime().UTC()
		}
		d.markSeen(streamKey, startedAt)
	}

	pb := &PlaybackInfo{
		StreamKey:   streamKey,
		ManifestURL: d.manifestURL(streamKey),
		Status:      StatusEnded,
		StartedAt:   startedAt,
	}
	if live {
		pb.Status = StatusLive
		d.describeManifest(streamKey, pb)
	}
	return pb
}

// describeManifest enriches playback info with segment count and target
// duration parsed from the live playlist. Parse failures are ignored: the
// manifest mutates while we read it.
func (d *Discovery) describeManifest(streamKey string, pb *PlaybackInfo) {
	file, err := os.Open(filepath.Join(d.root, streamKey, hls.ManifestName))
	if err != nil {
		return
	}
	defer file.Close()

	playlist, listType, err := m3u8.DecodeFrom(file, true)
	if err != nil || listType != m3u8.MEDIA {
		return
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return
	}
	pb.SegmentCount = int(media.Count())
	pb.TargetDuration = media.TargetDuration
}

// RegisterConversion tells the sweep to watch streamKey. Registration seeds
// the inactivity clock so a just-started encoder is not reaped before it
// produces its first manifest.
func (d *Discovery) RegisterConversion(streamKey string) {
	now := d.now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered[streamKey] = &registration{registeredAt: now, lastActive: now}
	if _, ok := d.seen[streamKey]; !ok {
		d.seen[streamKey] = now
	}
}

// UnregisterConversion removes streamKey from sweep tracking. Safe to call
// for unknown keys.
func (d *Discovery) UnregisterConversion(streamKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.registered, streamKey)
}

// Registered lists the stream keys currently tracked by the sweep.
func (d *Discovery) Registered() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.registered))
	for key := range d.registered {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (d *Discovery) markSeen(streamKey string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[streamKey]; !ok {
		if at.IsZero() {
			at = d.now().UTC()
		}
		d.seen[streamKey] = at
	}
}

// Sweep runs one reaping pass: every registered conversion that has been
// inactive longer than the threshold is torn down and unregistered. Teardown
// races harmlessly with the ingest layer's own stop path because both funnel
// into the same idempotent stop.
func (d *Discovery) Sweep() {
	now := d.now()

	d.mu.Lock()
	type candidate struct {
		key          string
		lastActive   time.Time
		registration *registration
	}
	candidates := make([]candidate, 0, len(d.registered))
	for key, reg := range d.registered {
		candidates = append(candidates, candidate{key: key, lastActive: reg.lastActive, registration: reg})
	}
	d.mu.Unlock()

	for _, c := range candidates {
		if d.IsActive(c.key) {
			d.mu.Lock()
			c.registration.lastActive = now.UTC()
			d.mu.Unlock()
			continue
		}
		if now.Sub(c.lastActive) < d.inactivityThreshold {
			continue
		}

		d.logger.Info("reaping inactive conversion", "stream_key", c.key,
			"inactive_for", now.Sub(c.lastActive).Round(time.Second).String())
		d.mu.Lock()
		delete(d.registered, c.key)
		d.mu.Unlock()
		d.metrics.SweepReaped()
		if d.teardown != nil {
			d.teardown(c.key, "inactivity")
		}
	}
}
