package hls

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"streamcast/internal/media/encoder"
	"streamcast/internal/observability/metrics"
)

const (
	// ManifestName is the playlist file an encoder rewrites on every segment
	// boundary. Its modification time is the liveness heartbeat the discovery
	// layer polls.
	ManifestName = "index.m3u8"

	// SegmentPattern produces segment_000.ts, segment_001.ts, ...
	SegmentPattern = "segment_%03d.ts"

	// DefaultDeleteDelay is how long a stopped conversion's output directory
	// survives before removal. Immediate deletion would race a player still
	// fetching the final segments.
	DefaultDeleteDelay = 10 * time.Second
)

// QualityConfig holds the encoding parameters for one conversion. Zero
// values fall back to the package defaults.
type QualityConfig struct {
	VideoBitrateKbps int
	AudioBitrateKbps int
	Resolution       string
	Framerate        int
	SegmentSeconds   int
	WindowSegments   int
}

func (q QualityConfig) withDefaults() QualityConfig {
	if q.VideoBitrateKbps <= 0 {
		q.VideoBitrateKbps = 2500
	}
	if q.AudioBitrateKbps <= 0 {
		q.AudioBitrateKbps = 128
	}
	if q.Framerate <= 0 {
		q.Framerate = 30
	}
	if q.SegmentSeconds <= 0 {
		q.SegmentSeconds = 2
	}
	if q.WindowSegments <= 0 {
		q.WindowSegments = 3
	}
	return q
}

// Config configures a Converter.
type Config struct {
	Binary     string
	OutputRoot string
	// SourceBase is the local RTMP application URL conversions read from,
	// e.g. rtmp://127.0.0.1:1935/live.
	SourceBase   string
	DeleteDelay  time.Duration
	LaunchWindow time.Duration
	GracePeriod  time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Job is one running HLS conversion. At most one job exists per stream key.
type Job struct {
	StreamKey string
	OutputDir string
	StartedAt time.Time

	handle *encoder.Handle
}

// Running reports whether the conversion's encoder process is alive.
func (j *Job) Running() bool {
	return j.handle != nil && j.handle.Running()
}

// Converter owns the stream-key keyed registry of HLS conversion jobs and the
// output directory lifecycle beneath OutputRoot.
type Converter struct {
	binary       string
	outputRoot   string
	sourceBase   string
	deleteDelay  time.Duration
	launchWindow time.Duration
	gracePeriod  time.Duration
	logger       *slog.Logger
	metrics      *metrics.Recorder

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewConverter prepares the output root and returns a converter. The binary
// is probed lazily on Start so a missing ffmpeg degrades per-stream instead
// of failing boot.
func NewConverter(cfg Config) (*Converter, error) {
	root, err := filepath.Abs(cfg.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve output root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("prepare output root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	deleteDelay := cfg.DeleteDelay
	if deleteDelay <= 0 {
		deleteDelay = DefaultDeleteDelay
	}
	return &Converter{
		binary:       cfg.Binary,
		outputRoot:   root,
		sourceBase:   cfg.SourceBase,
		deleteDelay:  deleteDelay,
		launchWindow: cfg.LaunchWindow,
		gracePeriod:  cfg.GracePeriod,
		logger:       logger,
		metrics:      recorder,
		jobs:         make(map[string]*Job),
	}, nil
}

// OutputRoot returns the absolute directory conversions write under.
func (c *Converter) OutputRoot() string {
	return c.outputRoot
}

// OutputDir maps a stream key to its segment directory.
func (c *Converter) OutputDir(streamKey string) string {
	return filepath.Join(c.outputRoot, streamKey)
}

// ManifestURL maps a stream key to the externally servable manifest path so
// callers never construct playback paths by hand.
func ManifestURL(streamKey string) string {
	return path.Join("/hls", streamKey, ManifestName)
}

// Start launches an HLS conversion for streamKey, superseding any existing
// job for the same key. The previous job is stopped first: two encoders must
// never write into the same output directory.
func (c *Converter) Start(streamKey string, quality QualityConfig) (*Job, error) {
	if !ValidStreamKey(streamKey) {
		return nil, fmt.Errorf("invalid stream key %q", streamKey)
	}
	if err := encoder.Probe(c.binary); err != nil {
		return nil, err
	}

	c.stop(streamKey)

	outputDir := c.OutputDir(streamKey)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare output dir: %w", err)
	}

	quality = quality.withDefaults()
	args := c.buildArgs(streamKey, outputDir, quality)
	handle, err := encoder.Start(encoder.Config{
		Binary:       c.binary,
		Args:         args,
		Logger:       c.logger,
		LaunchWindow: c.launchWindow,
		GracePeriod:  c.gracePeriod,
	})
	c.metrics.EncoderStart("hls", err)
	if err != nil {
		// Do not leave a half-initialized directory behind a failed start.
		if removeErr := os.RemoveAll(outputDir); removeErr != nil {
			c.logger.Warn("remove output dir after failed start", "stream_key", streamKey, "error", removeErr)
		}
		return nil, err
	}

	job := &Job{
		StreamKey: streamKey,
		OutputDir: outputDir,
		StartedAt: time.Now().UTC(),
		handle:    handle,
	}
	c.mu.Lock()
	c.jobs[streamKey] = job
	c.mu.Unlock()

	c.logger.Info("hls conversion started", "stream_key", streamKey, "pid", handle.PID(),
		"segment_seconds", quality.SegmentSeconds, "window", quality.WindowSegments)
	return job, nil
}

// Stop terminates the conversion for streamKey and schedules removal of its
// output directory after the delete delay. Calling it for an unknown or
// already-stopped key is a no-op.
func (c *Converter) Stop(streamKey string) {
	c.stop(streamKey)
}

func (c *Converter) stop(streamKey string) {
	c.mu.Lock()
	job, ok := c.jobs[streamKey]
	if ok {
		delete(c.jobs, streamKey)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	job.handle.Stop()
	c.logger.Info("hls conversion stopped", "stream_key", streamKey)

	outputDir := job.OutputDir
	time.AfterFunc(c.deleteDelay, func() {
		c.mu.Lock()
		_, replaced := c.jobs[streamKey]
		c.mu.Unlock()
		if replaced {
			// A superseding job owns the directory now.
			return
		}
		if err := os.RemoveAll(outputDir); err != nil {
			c.logger.Warn("remove hls output", "stream_key", streamKey, "error", err)
		}
	})
}

// StopAll stops every running conversion. Used during shutdown.
func (c *Converter) StopAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.jobs))
	for key := range c.jobs {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.stop(key)
	}
}

// Get returns the job for streamKey when one is registered.
func (c *Converter) Get(streamKey string) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[streamKey]
	return job, ok
}

// Keys lists the stream keys with a registered conversion.
func (c *Converter) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.jobs))
	for key := range c.jobs {
		keys = append(keys, key)
	}
	return keys
}

func (c *Converter) buildArgs(streamKey, outputDir string, quality QualityConfig) []string {
	gop := quality.Framerate * 2

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", c.sourceBase + "/" + streamKey,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-b:v", strconv.Itoa(quality.VideoBitrateKbps) + "k",
		"-maxrate", strconv.Itoa(quality.VideoBitrateKbps) + "k",
		"-bufsize", strconv.Itoa(quality.VideoBitrateKbps*2) + "k",
		"-r", strconv.Itoa(quality.Framerate),
		"-g", strconv.Itoa(gop),
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", strconv.Itoa(quality.AudioBitrateKbps) + "k",
		"-ar", "44100",
	}
	if quality.Resolution != "" {
		args = append(args, "-s", quality.Resolution)
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(quality.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(quality.WindowSegments),
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(outputDir, SegmentPattern),
		filepath.Join(outputDir, ManifestName),
	)
	return args
}
