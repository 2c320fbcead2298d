package media

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcast/internal/media/discovery"
	"streamcast/internal/media/hls"
	"streamcast/internal/media/simulcast"
	"streamcast/internal/models"
	"streamcast/internal/realtime"
)

type fakeStore struct {
	mu       sync.Mutex
	channels map[string]models.Channel // stream key -> channel
	targets  map[string][]models.SimulcastTarget
	started  []string
	stopped  []string
	sessions int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		channels: make(map[string]models.Channel),
		targets:  make(map[string][]models.SimulcastTarget),
	}
}

func (s *fakeStore) addChannel(id, streamKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[streamKey] = models.Channel{ID: id, StreamKey: streamKey}
}

func (s *fakeStore) ChannelByStreamKey(streamKey string) (models.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[streamKey]
	return ch, ok
}

func (s *fakeStore) ListSimulcastTargets(channelID string) []models.SimulcastTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets[channelID]
}

func (s *fakeStore) StartStream(channelID string) (models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, channelID)
	s.sessions++
	return models.StreamSession{ID: "sess1", ChannelID: channelID, StartedAt: time.Now()}, nil
}

func (s *fakeStore) StopStream(channelID string) (models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, channelID)
	return models.StreamSession{ID: "sess1", ChannelID: channelID}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) byType(eventType string) []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func sleepScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 30\n"), 0o755))
	return path
}

type pipelineFixture struct {
	pipeline *Pipeline
	store    *fakeStore
	events   *recordingPublisher
	conv     *hls.Converter
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	binary := sleepScript(t)
	outputRoot := t.TempDir()

	conv, err := hls.NewConverter(hls.Config{
		Binary:       binary,
		OutputRoot:   outputRoot,
		SourceBase:   "rtmp://127.0.0.1:1935/live",
		DeleteDelay:  time.Hour,
		LaunchWindow: 150 * time.Millisecond,
	})
	require.NoError(t, err)

	manager := simulcast.NewManager(simulcast.Config{
		Binary:       binary,
		SourceBase:   "rtmp://127.0.0.1:1935/live",
		LaunchWindow: 150 * time.Millisecond,
		ConnectGrace: time.Hour,
	})

	disc, err := discovery.New(discovery.Config{
		OutputRoot:          outputRoot,
		FreshnessWindow:     10 * time.Second,
		InactivityThreshold: 30 * time.Second,
	})
	require.NoError(t, err)

	store := newFakeStore()
	events := &recordingPublisher{}
	p := NewPipeline(Config{
		Converter: conv,
		Simulcast: manager,
		Discovery: disc,
		Store:     store,
		Events:    events,
	})
	t.Cleanup(p.Shutdown)
	return &pipelineFixture{pipeline: p, store: store, events: events, conv: conv}
}

func TestValidateStreamKey(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.addChannel("ch1", "GOODKEY")

	assert.ErrorIs(t, f.pipeline.ValidateStreamKey("../bad"), ErrInvalidStreamKey)
	assert.ErrorIs(t, f.pipeline.ValidateStreamKey("UNKNOWN"), ErrUnknownStreamKey)
	assert.NoError(t, f.pipeline.ValidateStreamKey("GOODKEY"))

	require.NoError(t, f.pipeline.StartStream("GOODKEY"))
	assert.ErrorIs(t, f.pipeline.ValidateStreamKey("GOODKEY"), ErrStreamKeyInUse)
}

func TestStartStreamWiresConverterAndSession(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.addChannel("ch1", "KEY1")

	require.NoError(t, f.pipeline.StartStream("KEY1"))

	job, ok := f.conv.Get("KEY1")
	require.True(t, ok)
	assert.True(t, job.Running())
	assert.Equal(t, []string{"ch1"}, f.store.started)

	live := f.events.byType(realtime.EventStreamLive)
	require.Len(t, live, 1)
	assert.Equal(t, "KEY1", live[0].StreamKey)
	assert.Equal(t, "ch1", live[0].ChannelID)
}

func TestStartStreamUnknownKey(t *testing.T) {
	f := newPipelineFixture(t)
	assert.ErrorIs(t, f.pipeline.StartStream("NOPE"), ErrUnknownStreamKey)
}

func TestStartStreamLaunchesEnabledRelaysOnly(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.addChannel("ch1", "KEY1")
	f.store.targets["ch1"] = []models.SimulcastTarget{
		{ID: "t1", ChannelID: "ch1", Platform: "youtube", RTMPURL: "rtmp://yt.example/app", StreamKey: "yt", Enabled: true},
		{ID: "t2", ChannelID: "ch1", Platform: "twitch", RTMPURL: "rtmp://tw.example/app", StreamKey: "tw", Enabled: false},
	}

	require.NoError(t, f.pipeline.StartStream("KEY1"))

	sess, ok := f.pipeline.SimulcastStatus("KEY1")
	require.True(t, ok)
	require.Len(t, sess.Relays, 1)
	assert.Equal(t, "youtube", sess.Relays[0].Platform)
}

func TestStopStreamIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.addChannel("ch1", "KEY1")
	require.NoError(t, f.pipeline.StartStream("KEY1"))

	f.pipeline.StopStream("KEY1", "publisher disconnected")
	f.pipeline.StopStream("KEY1", "inactivity")

	assert.Equal(t, []string{"ch1"}, f.store.stopped, "session closed exactly once")
	ended := f.events.byType(realtime.EventStreamEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, "publisher disconnected", ended[0].Reason)

	_, ok := f.conv.Get("KEY1")
	assert.False(t, ok)

	// The key is publishable again.
	assert.NoError(t, f.pipeline.ValidateStreamKey("KEY1"))
}

func TestStartSimulcastOverridesStoredTargets(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.addChannel("ch1", "KEY1")
	f.store.targets["ch1"] = []models.SimulcastTarget{
		{ID: "t1", ChannelID: "ch1", Platform: "youtube", RTMPURL: "rtmp://yt.example/app", StreamKey: "yt", Enabled: true},
	}

	sess, err := f.pipeline.StartSimulcast("KEY1", []simulcast.TargetConfig{
		{Platform: "twitch", RTMPURL: "rtmp://tw.example/app", StreamKey: "tw"},
	})
	require.NoError(t, err)
	require.Len(t, sess.Relays, 1)
	assert.Equal(t, "twitch", sess.Relays[0].Platform)

	f.pipeline.StopSimulcast("KEY1")
	_, ok := f.pipeline.SimulcastStatus("KEY1")
	assert.False(t, ok)
}

func TestStartSimulcastUnknownKey(t *testing.T) {
	f := newPipelineFixture(t)
	_, err := f.pipeline.StartSimulcast("NOPE", nil)
	assert.ErrorIs(t, err, ErrUnknownStreamKey)
}

func TestShutdownStopsEverything(t *testing.T) {
	f := newPipelineFixture(t)
	f.store.addChannel("ch1", "KEY1")
	f.store.addChannel("ch2", "KEY2")
	require.NoError(t, f.pipeline.StartStream("KEY1"))
	require.NoError(t, f.pipeline.StartStream("KEY2"))

	f.pipeline.Shutdown()

	assert.ElementsMatch(t, []string{"ch1", "ch2"}, f.store.stopped)
	assert.Empty(t, f.conv.Keys())
	assert.Empty(t, f.pipeline.ListSimulcast())
}
