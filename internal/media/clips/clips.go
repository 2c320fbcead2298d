// Package clips extracts short MP4 excerpts from a live stream by running a
// one-shot encoder against the local RTMP ingest and persisting the result.
package clips

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"streamcast/internal/media/encoder"
	"streamcast/internal/media/hls"
	"streamcast/internal/models"
	"streamcast/internal/observability/metrics"
	"streamcast/internal/storage"
)

const (
	ClipFileName      = "clip.mp4"
	ThumbnailFileName = "thumbnail.jpg"

	DefaultMaxDurationSec = 60
	// Extra time granted beyond the clip duration before the encoder is
	// forcibly stopped, covering connect and container flush overhead.
	captureSlack = 15 * time.Second
)

// Store persists clip metadata.
type Store interface {
	CreateClip(params storage.ClipParams) (models.Clip, error)
}

// Request describes a clip to capture.
type Request struct {
	ChannelID   string
	StreamKey   string
	Title       string
	DurationSec int
}

// Config wires an Extractor.
type Config struct {
	Binary string
	// OutputRoot is the directory clips are written under, one subdirectory
	// per clip ID.
	OutputRoot string
	// SourceBase is the RTMP base URL clips are pulled from, for example
	// rtmp://127.0.0.1:1935/live.
	SourceBase     string
	MaxDurationSec int
	Store          Store
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Extractor captures clips. Extractions are synchronous and independent; the
// caller decides whether to run them in the background.
type Extractor struct {
	binary      string
	outputRoot  string
	sourceBase  string
	maxDuration int
	store       Store
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

// NewExtractor validates config and prepares the output root.
func NewExtractor(cfg Config) (*Extractor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("clips: store is required")
	}
	if strings.TrimSpace(cfg.SourceBase) == "" {
		return nil, fmt.Errorf("clips: source base is required")
	}
	root, err := filepath.Abs(cfg.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve clip root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create clip root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	maxDuration := cfg.MaxDurationSec
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDurationSec
	}
	return &Extractor{
		binary:      cfg.Binary,
		outputRoot:  root,
		sourceBase:  strings.TrimRight(cfg.SourceBase, "/"),
		maxDuration: maxDuration,
		store:       cfg.Store,
		logger:      logger,
		metrics:     recorder,
	}, nil
}

// Extract captures req.DurationSec seconds from the live stream, writes the
// clip and a thumbnail, and persists the clip record. The clip directory is
// removed when capture fails.
func (e *Extractor) Extract(req Request) (models.Clip, error) {
	if !hls.ValidStreamKey(req.StreamKey) {
		return models.Clip{}, fmt.Errorf("clips: invalid stream key")
	}
	if req.DurationSec <= 0 || req.DurationSec > e.maxDuration {
		return models.Clip{}, fmt.Errorf("clips: duration must be between 1 and %d seconds", e.maxDuration)
	}
	if err := encoder.Probe(e.binary); err != nil {
		return models.Clip{}, err
	}

	clipID := newClipID()
	dir := filepath.Join(e.outputRoot, clipID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.Clip{}, fmt.Errorf("create clip dir: %w", err)
	}
	clipPath := filepath.Join(dir, ClipFileName)
	thumbPath := filepath.Join(dir, ThumbnailFileName)

	source := e.sourceBase + "/" + req.StreamKey
	deadline := time.Duration(req.DurationSec)*time.Second + captureSlack

	if err := e.runOnce(captureArgs(source, req.DurationSec, clipPath), deadline); err != nil {
		os.RemoveAll(dir)
		e.metrics.EncoderStart("clip", err)
		return models.Clip{}, fmt.Errorf("capture clip: %w", err)
	}
	e.metrics.EncoderStart("clip", nil)

	// Thumbnail failure is tolerated; the clip itself is the deliverable.
	if err := e.runOnce(thumbnailArgs(clipPath, thumbPath), captureSlack); err != nil {
		e.logger.Warn("clip thumbnail", "clip_id", clipID, "error", err)
		thumbPath = ""
	}

	clip, err := e.store.CreateClip(storage.ClipParams{
		ChannelID:     req.ChannelID,
		Title:         req.Title,
		SourceKey:     req.StreamKey,
		DurationSec:   req.DurationSec,
		FilePath:      clipPath,
		ThumbnailPath: thumbPath,
	})
	if err != nil {
		os.RemoveAll(dir)
		return models.Clip{}, fmt.Errorf("persist clip: %w", err)
	}
	e.logger.Info("clip captured", "clip_id", clip.ID, "stream_key", req.StreamKey, "duration_sec", req.DurationSec)
	return clip, nil
}

// runOnce runs a one-shot encoder invocation to completion, stopping it if
// it outlives the deadline.
func (e *Extractor) runOnce(args []string, deadline time.Duration) error {
	handle, err := encoder.Start(encoder.Config{
		Binary:         e.binary,
		Args:           args,
		Logger:         e.logger,
		AllowEarlyExit: true,
	})
	if err != nil {
		return err
	}
	select {
	case <-handle.Done():
	case <-time.After(deadline):
		handle.Stop()
	}
	if err := handle.ExitError(); err != nil {
		return fmt.Errorf("%w (stderr: %s)", err, strings.Join(handle.StderrTail(), " | "))
	}
	return nil
}

func captureArgs(source string, durationSec int, out string) []string {
	return []string{
		"-hide_banner",
		"-i", source,
		"-t", strconv.Itoa(durationSec),
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", out,
	}
}

func thumbnailArgs(clipPath, out string) []string {
	return []string{
		"-hide_banner",
		"-i", clipPath,
		"-frames:v", "1",
		"-q:v", "3",
		"-y", out,
	}
}

func newClipID() string {
	return uuid.NewString()
}
