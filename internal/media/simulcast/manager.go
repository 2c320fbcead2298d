package simulcast

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"streamcast/internal/media/encoder"
	"streamcast/internal/media/hls"
	"streamcast/internal/observability/metrics"
)

// RelayStatus is the lifecycle state of one platform relay. Transitions are
// monotonic within a relay's lifetime: CONNECTING -> {LIVE, FAILED} ->
// STOPPED. A failed relay never recovers; callers restart to get a fresh
// CONNECTING instance.
type RelayStatus string

const (
	StatusConnecting RelayStatus = "CONNECTING"
	StatusLive       RelayStatus = "LIVE"
	StatusFailed     RelayStatus = "FAILED"
	StatusStopped    RelayStatus = "STOPPED"
)

func canTransition(from, to RelayStatus) bool {
	switch from {
	case StatusConnecting:
		return to == StatusLive || to == StatusFailed || to == StatusStopped
	case StatusLive:
		return to == StatusFailed || to == StatusStopped
	case StatusFailed:
		return to == StatusStopped
	default:
		return false
	}
}

func terminal(status RelayStatus) bool {
	return status == StatusFailed || status == StatusStopped
}

// TargetConfig describes one relay destination. Zero encoding values resolve
// through the platform defaults table.
type TargetConfig struct {
	Platform         string
	RTMPURL          string
	StreamKey        string
	VideoBitrateKbps int
	AudioBitrateKbps int
	Resolution       string
}

// RelaySnapshot is the read-only view of one relay.
type RelaySnapshot struct {
	Platform   string    `json:"platform"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	LastUpdate time.Time `json:"lastUpdate"`
	PID        int       `json:"pid,omitempty"`
}

// Session is the read-only view of one stream key's relay set.
type Session struct {
	StreamKey string          `json:"streamKey"`
	StartedAt time.Time       `json:"startedAt"`
	Relays    []RelaySnapshot `json:"relays"`
}

// LiveCount reports how many relays are currently LIVE.
func (s Session) LiveCount() int {
	n := 0
	for _, r := range s.Relays {
		if r.Status == string(StatusLive) {
			n++
		}
	}
	return n
}

type processHandle interface {
	Stop()
	Running() bool
	PID() int
}

type relay struct {
	platform    string
	destination string

	mu         sync.Mutex
	status     RelayStatus
	lastError  string
	lastUpdate time.Time
	handle     processHandle
}

type session struct {
	streamKey string
	startedAt time.Time

	mu     sync.Mutex
	relays []*relay
}

// Config configures a Manager.
type Config struct {
	Binary string
	// SourceBase is the local RTMP application URL relays read from.
	SourceBase string
	// ConnectGrace is how long a launched relay may sit in CONNECTING before
	// a still-running process is assumed LIVE. Diagnostic output observed
	// earlier promotes or fails the relay sooner; the assumption after the
	// grace period is deliberately permissive.
	ConnectGrace time.Duration
	LaunchWindow time.Duration
	GracePeriod  time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// DefaultConnectGrace is the CONNECTING -> LIVE promotion delay.
const DefaultConnectGrace = 5 * time.Second

// Manager fans one source stream out to independent per-platform relay
// processes and tracks each relay's status. One destination's failure is
// invisible to its siblings.
type Manager struct {
	binary       string
	sourceBase   string
	connectGrace time.Duration
	launchWindow time.Duration
	gracePeriod  time.Duration
	logger       *slog.Logger
	metrics      *metrics.Recorder

	// launch is swappable so tests can stand in fake processes.
	launch func(cfg encoder.Config) (processHandle, error)

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager constructs a Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	connectGrace := cfg.ConnectGrace
	if connectGrace <= 0 {
		connectGrace = DefaultConnectGrace
	}
	return &Manager{
		binary:       cfg.Binary,
		sourceBase:   cfg.SourceBase,
		connectGrace: connectGrace,
		launchWindow: cfg.LaunchWindow,
		gracePeriod:  cfg.GracePeriod,
		logger:       logger,
		metrics:      recorder,
		launch: func(c encoder.Config) (processHandle, error) {
			return encoder.Start(c)
		},
		sessions: make(map[string]*session),
	}
}

// Start launches one relay per target for streamKey, superseding any
// existing session for the key (replace, never merge). Each relay's launch
// outcome is recorded independently: a StartError on one target leaves the
// others untouched. The returned snapshot enumerates every relay, including
// those that failed to start.
func (m *Manager) Start(streamKey string, targets []TargetConfig) (Session, error) {
	if !hls.ValidStreamKey(streamKey) {
		return Session{}, fmt.Errorf("invalid stream key %q", streamKey)
	}
	if len(targets) == 0 {
		return Session{}, fmt.Errorf("no simulcast targets for stream key %s", streamKey)
	}
	if err := encoder.Probe(m.binary); err != nil {
		return Session{}, err
	}

	m.Stop(streamKey)

	sess := &session{
		streamKey: streamKey,
		startedAt: time.Now().UTC(),
		relays:    make([]*relay, len(targets)),
	}
	m.mu.Lock()
	m.sessions[streamKey] = sess
	m.mu.Unlock()

	var group errgroup.Group
	for i, target := range targets {
		i, target := i, target
		group.Go(func() error {
			r := m.startRelay(streamKey, target)
			sess.mu.Lock()
			sess.relays[i] = r
			sess.mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	snapshot := sess.snapshot()
	m.logger.Info("simulcast session started", "stream_key", streamKey,
		"targets", len(targets), "live_or_connecting", countStartable(snapshot))
	return snapshot, nil
}

func countStartable(s Session) int {
	n := 0
	for _, r := range s.Relays {
		if r.Status == string(StatusConnecting) || r.Status == string(StatusLive) {
			n++
		}
	}
	return n
}

// startRelay launches one destination's encoder process and wires its
// diagnostic output and exit into status transitions.
func (m *Manager) startRelay(streamKey string, target TargetConfig) *relay {
	defaults := DefaultsFor(target.Platform)
	videoBitrate := target.VideoBitrateKbps
	if videoBitrate <= 0 {
		videoBitrate = defaults.VideoBitrateKbps
	}
	audioBitrate := target.AudioBitrateKbps
	if audioBitrate <= 0 {
		audioBitrate = defaults.AudioBitrateKbps
	}

	destination := strings.TrimRight(target.RTMPURL, "/")
	if target.StreamKey != "" {
		destination += "/" + target.StreamKey
	}

	r := &relay{
		platform:    defaults.Platform,
		destination: destination,
		status:      StatusConnecting,
		lastUpdate:  time.Now().UTC(),
	}
	if target.Platform != "" {
		r.platform = strings.ToLower(strings.TrimSpace(target.Platform))
	}

	args := relayArgs(m.sourceBase+"/"+streamKey, destination, defaults, videoBitrate, audioBitrate, target.Resolution)
	handle, err := m.launch(encoder.Config{
		Binary:       m.binary,
		Args:         args,
		Logger:       m.logger,
		LaunchWindow: m.launchWindow,
		GracePeriod:  m.gracePeriod,
		OnLine: func(line string) {
			switch encoder.Classify(line) {
			case encoder.SignalFailure:
				m.failRelay(r, line)
			case encoder.SignalHealthy:
				m.transition(r, StatusLive, "")
			}
		},
		OnExit: func(exitErr error) {
			if exitErr != nil {
				m.transition(r, StatusFailed, fmt.Sprintf("process exited: %v", exitErr))
			} else {
				m.transition(r, StatusFailed, "process exited before stop")
			}
		},
	})
	m.metrics.EncoderStart("relay", err)
	if err != nil {
		r.mu.Lock()
		r.status = StatusFailed
		r.lastError = err.Error()
		r.lastUpdate = time.Now().UTC()
		r.mu.Unlock()
		m.metrics.RelayTransition(r.platform, string(StatusFailed))
		m.logger.Warn("relay failed to start", "stream_key", streamKey,
			"platform", r.platform, "error", err)
		return r
	}

	m.metrics.RelayStarted()
	r.mu.Lock()
	r.handle = handle
	// A failure marker may have been classified before launch returned, while
	// the handle was still unset. That relay is terminal and its process must
	// not be left running.
	failedEarly := terminal(r.status)
	r.mu.Unlock()
	if failedEarly {
		go handle.Stop()
		return r
	}
	m.logger.Info("relay connecting", "stream_key", streamKey, "platform", r.platform, "pid", handle.PID())

	// Permissive LIVE confirmation: still running once the grace period has
	// elapsed counts as streaming. Known-good output promotes earlier.
	time.AfterFunc(m.connectGrace, func() {
		r.mu.Lock()
		connecting := r.status == StatusConnecting
		running := r.handle != nil && r.handle.Running()
		r.mu.Unlock()
		if connecting && running {
			m.transition(r, StatusLive, "")
		}
	})
	return r
}

// failRelay marks a relay FAILED from a diagnostic marker and stops its
// process. Failure is terminal for this process instance.
func (m *Manager) failRelay(r *relay, line string) {
	if !m.transition(r, StatusFailed, strings.TrimSpace(line)) {
		return
	}
	r.mu.Lock()
	handle := r.handle
	r.mu.Unlock()
	if handle != nil {
		go handle.Stop()
	}
}

// transition applies a monotonic status change, returning false when the
// change is not legal from the relay's current state.
func (m *Manager) transition(r *relay, to RelayStatus, errMsg string) bool {
	r.mu.Lock()
	from := r.status
	if !canTransition(from, to) {
		r.mu.Unlock()
		return false
	}
	r.status = to
	if errMsg != "" {
		r.lastError = errMsg
	}
	r.lastUpdate = time.Now().UTC()
	platform := r.platform
	r.mu.Unlock()

	m.metrics.RelayTransition(platform, string(to))
	if terminal(to) && !terminal(from) {
		m.metrics.RelayStopped()
	}
	if to == StatusFailed {
		m.logger.Warn("relay failed", "platform", platform, "error", errMsg)
	} else {
		m.logger.Info("relay status", "platform", platform, "status", string(to))
	}
	return true
}

// Stop tears down the session for streamKey, stopping every relay process
// best-effort. It is idempotent: unknown keys are a no-op.
func (m *Manager) Stop(streamKey string) {
	m.mu.Lock()
	sess, ok := m.sessions[streamKey]
	if ok {
		delete(m.sessions, streamKey)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	relays := make([]*relay, len(sess.relays))
	copy(relays, sess.relays)
	sess.mu.Unlock()

	for _, r := range relays {
		if r == nil {
			continue
		}
		// Mark STOPPED before signalling so the process-exit observer sees a
		// deliberate stop, not a runtime failure.
		m.transition(r, StatusStopped, "")
		r.mu.Lock()
		handle := r.handle
		r.mu.Unlock()
		if handle != nil {
			handle.Stop()
		}
	}
	m.logger.Info("simulcast session stopped", "stream_key", streamKey, "relays", len(relays))
}

// StopAll stops every session. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		m.Stop(key)
	}
}

// Status returns a consistent snapshot of the session for streamKey.
func (m *Manager) Status(streamKey string) (Session, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[streamKey]
	m.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// UpdateStatus lets an asynchronous observer push a status transition for
// one relay, identified by platform, without touching its siblings. Illegal
// transitions are ignored; unknown keys or platforms return an error.
func (m *Manager) UpdateStatus(streamKey, platform string, status RelayStatus, errMsg string) error {
	m.mu.Lock()
	sess, ok := m.sessions[streamKey]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no simulcast session for stream key %s", streamKey)
	}

	wanted := strings.ToLower(strings.TrimSpace(platform))
	sess.mu.Lock()
	var match *relay
	for _, r := range sess.relays {
		if r != nil && r.platform == wanted {
			match = r
			break
		}
	}
	sess.mu.Unlock()
	if match == nil {
		return fmt.Errorf("no %s relay for stream key %s", wanted, streamKey)
	}
	m.transition(match, status, errMsg)
	return nil
}

// ListActive returns summaries for every session, ordered by stream key.
func (m *Manager) ListActive() []Session {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	out := make([]Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Session{
		StreamKey: s.streamKey,
		StartedAt: s.startedAt,
		Relays:    make([]RelaySnapshot, 0, len(s.relays)),
	}
	for _, r := range s.relays {
		if r == nil {
			continue
		}
		r.mu.Lock()
		rs := RelaySnapshot{
			Platform:   r.platform,
			Status:     string(r.status),
			Error:      r.lastError,
			LastUpdate: r.lastUpdate,
		}
		if r.handle != nil {
			rs.PID = r.handle.PID()
		}
		r.mu.Unlock()
		snap.Relays = append(snap.Relays, rs)
	}
	return snap
}

// relayArgs builds the transcode arguments for one destination. Keyframe
// interval tracks twice the target frame rate so segment-aligned platforms
// see a keyframe at every boundary.
func relayArgs(source, destination string, defaults PlatformDefaults, videoBitrate, audioBitrate int, resolution string) []string {
	gop := defaults.Framerate * 2
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", source,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", strconv.Itoa(videoBitrate) + "k",
		"-maxrate", strconv.Itoa(videoBitrate) + "k",
		"-bufsize", strconv.Itoa(videoBitrate*2) + "k",
		"-r", strconv.Itoa(defaults.Framerate),
		"-g", strconv.Itoa(gop),
		"-c:a", "aac",
		"-b:a", strconv.Itoa(audioBitrate) + "k",
		"-ar", strconv.Itoa(defaults.AudioSampleRate),
	}
	if resolution != "" {
		args = append(args, "-s", resolution)
	}
	return append(args, "-f", "flv", destination)
}
