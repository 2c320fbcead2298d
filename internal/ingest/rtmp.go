// Package ingest accepts RTMP publishes, validates the stream key before
// acknowledging the publish, and relays packets into a per-key broadcast
// queue that local pulls (the HLS converter and relay encoders) read from.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/livepeer/joy4/av"
	"github.com/livepeer/joy4/av/avutil"
	"github.com/livepeer/joy4/av/pubsub"
	"github.com/livepeer/joy4/format/rtmp"
)

const (
	DefaultAddr = ":1935"
	DefaultApp  = "live"
)

// StreamController is the pipeline surface the ingest server drives:
// synchronous validation before a publish is acknowledged, side effects
// after, and teardown when the publisher goes away.
type StreamController interface {
	ValidateStreamKey(streamKey string) error
	StartStream(streamKey string) error
	StopStream(streamKey, reason string)
}

// Config configures the RTMP ingest server.
type Config struct {
	Addr       string
	App        string
	Controller StreamController
	Logger     *slog.Logger
}

// Server is a thin wrapper over the joy4 RTMP server. Publishes feed a
// pubsub queue keyed by stream key; plays attach a cursor to that queue.
type Server struct {
	addr       string
	app        string
	controller StreamController
	logger     *slog.Logger

	mu     sync.Mutex
	queues map[string]*pubsub.Queue

	rtmp *rtmp.Server
}

// NewServer constructs a Server. Controller is required.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("ingest: controller is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	app := strings.Trim(strings.TrimSpace(cfg.App), "/")
	if app == "" {
		app = DefaultApp
	}
	s := &Server{
		addr:       addr,
		app:        app,
		controller: cfg.Controller,
		logger:     logger,
		queues:     make(map[string]*pubsub.Queue),
	}
	s.rtmp = &rtmp.Server{
		Addr:          addr,
		HandlePublish: s.handlePublish,
		HandlePlay:    s.handlePlay,
	}
	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// ListenAndServe blocks serving RTMP connections. The joy4 server offers no
// graceful shutdown; callers stop the process after draining streams.
func (s *Server) ListenAndServe() error {
	s.logger.Info("rtmp ingest listening", "addr", s.addr, "app", s.app)
	return s.rtmp.ListenAndServe()
}

func (s *Server) handlePublish(conn *rtmp.Conn) {
	defer conn.Close()

	key, err := streamKeyFromPath(conn.URL.Path, s.app)
	if err != nil {
		s.logger.Warn("publish rejected", "path", conn.URL.Path, "error", err)
		return
	}
	if err := s.controller.ValidateStreamKey(key); err != nil {
		s.logger.Warn("publish rejected", "stream_key", key, "error", err)
		return
	}

	queue := pubsub.NewQueue()
	if !s.registerQueue(key, queue) {
		queue.Close()
		s.logger.Warn("publish rejected", "stream_key", key, "error", "already publishing")
		return
	}
	s.logger.Info("publish accepted", "stream_key", key)

	// Side effects (HLS conversion, relays, session record) must not delay
	// the acknowledgement; the publisher is already sending media.
	go func() {
		if err := s.controller.StartStream(key); err != nil {
			s.logger.Error("start stream", "stream_key", key, "error", err)
		}
	}()

	err = copyPublish(queue, conn)
	s.unregisterQueue(key)
	queue.Close()
	s.controller.StopStream(key, "publisher disconnected")
	if err != nil {
		s.logger.Warn("publish ended with error", "stream_key", key, "error", err)
		return
	}
	s.logger.Info("publish ended", "stream_key", key)
}

func (s *Server) handlePlay(conn *rtmp.Conn) {
	defer conn.Close()

	key, err := streamKeyFromPath(conn.URL.Path, s.app)
	if err != nil {
		s.logger.Warn("play rejected", "path", conn.URL.Path, "error", err)
		return
	}
	queue := s.queue(key)
	if queue == nil {
		s.logger.Warn("play rejected", "stream_key", key, "error", "no active publish")
		return
	}
	cursor := queue.Latest()
	if err := avutil.CopyFile(conn, cursor); err != nil {
		s.logger.Debug("play ended", "stream_key", key, "error", err)
	}
}

// copyPublish writes the publisher's header and packets into dst until the
// source reaches EOF or errors.
func copyPublish(dst av.Muxer, src av.Demuxer) error {
	streams, err := src.Streams()
	if err != nil {
		return fmt.Errorf("read publish header: %w", err)
	}
	if err := dst.WriteHeader(streams); err != nil {
		return fmt.Errorf("write queue header: %w", err)
	}
	if err := avutil.CopyPackets(dst, src); err != nil {
		return fmt.Errorf("copy packets: %w", err)
	}
	return nil
}

func (s *Server) registerQueue(key string, queue *pubsub.Queue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queues[key]; exists {
		return false
	}
	s.queues[key] = queue
	return true
}

func (s *Server) unregisterQueue(key string) {
	s.mu.Lock()
	delete(s.queues, key)
	s.mu.Unlock()
}

func (s *Server) queue(key string) *pubsub.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[key]
}

// streamKeyFromPath extracts the stream key from an RTMP URL path of the
// form /<app>/<key>. Anything else is rejected.
func streamKeyFromPath(path, app string) (string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", errors.New("empty rtmp path")
	}
	segments := strings.Split(trimmed, "/")
	if len(segments) != 2 {
		return "", fmt.Errorf("unexpected rtmp path %q", path)
	}
	if segments[0] != app {
		return "", fmt.Errorf("unknown application %q", segments[0])
	}
	key := segments[1]
	if key == "" {
		return "", errors.New("missing stream key")
	}
	return key, nil
}
