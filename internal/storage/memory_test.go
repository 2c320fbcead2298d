package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcast/internal/models"
)

func newMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory("")
	require.NoError(t, err)
	return m
}

func TestCreateChannelGeneratesIdentity(t *testing.T) {
	m := newMemory(t)

	channel, err := m.CreateChannel("  Morning Show  ", " talk ", []string{"News", "news", " ", "live"})
	require.NoError(t, err)
	assert.NotEmpty(t, channel.ID)
	assert.Len(t, channel.StreamKey, 48)
	assert.Equal(t, "Morning Show", channel.Title)
	assert.Equal(t, "talk", channel.Category)
	assert.Equal(t, []string{"News", "live"}, channel.Tags)
	assert.Equal(t, models.LiveStateOffline, channel.LiveState)
	assert.Nil(t, channel.CurrentSessionID)

	_, err = m.CreateChannel("   ", "", nil)
	require.Error(t, err)
}

func TestUpdateChannelPartialFields(t *testing.T) {
	m := newMemory(t)
	channel, err := m.CreateChannel("Original", "music", []string{"a"})
	require.NoError(t, err)

	title := "Renamed"
	updated, err := m.UpdateChannel(channel.ID, ChannelUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, "music", updated.Category, "unset fields untouched")
	assert.Equal(t, []string{"a"}, updated.Tags)

	empty := " "
	_, err = m.UpdateChannel(channel.ID, ChannelUpdate{Title: &empty})
	require.Error(t, err)

	_, err = m.UpdateChannel("missing", ChannelUpdate{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRotateStreamKeyInvalidatesOldKey(t *testing.T) {
	m := newMemory(t)
	channel, err := m.CreateChannel("Show", "", nil)
	require.NoError(t, err)
	oldKey := channel.StreamKey

	rotated, err := m.RotateStreamKey(channel.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, rotated.StreamKey)

	_, ok := m.ChannelByStreamKey(oldKey)
	assert.False(t, ok)
	found, ok := m.ChannelByStreamKey(rotated.StreamKey)
	require.True(t, ok)
	assert.Equal(t, channel.ID, found.ID)

	_, err = m.RotateStreamKey("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteChannelCascadesTargets(t *testing.T) {
	m := newMemory(t)
	channel, err := m.CreateChannel("Show", "", nil)
	require.NoError(t, err)
	_, err = m.PutSimulcastTarget(channel.ID, TargetParams{Platform: "youtube", RTMPURL: "rtmp://yt.example/app", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, m.DeleteChannel(channel.ID))
	assert.Empty(t, m.ListSimulcastTargets(channel.ID))
	assert.ErrorIs(t, m.DeleteChannel(channel.ID), ErrNotFound)
}

func TestPutSimulcastTargetReplacesPerPlatform(t *testing.T) {
	m := newMemory(t)
	channel, err := m.CreateChannel("Show", "", nil)
	require.NoError(t, err)

	first, err := m.PutSimulcastTarget(channel.ID, TargetParams{Platform: "YouTube", RTMPURL: "rtmp://a.example/app", StreamKey: "k1", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "youtube", first.Platform)

	second, err := m.PutSimulcastTarget(channel.ID, TargetParams{Platform: "youtube", RTMPURL: "rtmp://b.example/app", StreamKey: "k2", Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same platform replaces in place")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	other, err := m.PutSimulcastTarget(channel.ID, TargetParams{Platform: "twitch", RTMPURL: "rtmp://c.example/app", Enabled: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	targets := m.ListSimulcastTargets(channel.ID)
	require.Len(t, targets, 2)
	assert.Equal(t, "twitch", targets[0].Platform)
	assert.Equal(t, "youtube", targets[1].Platform)
	assert.Equal(t, "rtmp://b.example/app", targets[1].RTMPURL)

	_, err = m.PutSimulcastTarget(channel.ID, TargetParams{Platform: "", RTMPURL: "rtmp://x"})
	require.Error(t, err)
	_, err = m.PutSimulcastTarget("missing", TargetParams{Platform: "youtube", RTMPURL: "rtmp://x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStreamSessionLifecycle(t *testing.T) {
	m := newMemory(t)
	channel, err := m.CreateChannel("Show", "", nil)
	require.NoError(t, err)

	session, err := m.StartStream(channel.ID)
	require.NoError(t, err)
	assert.Nil(t, session.EndedAt)

	got, ok := m.GetChannel(channel.ID)
	require.True(t, ok)
	assert.Equal(t, models.LiveStateLive, got.LiveState)
	require.NotNil(t, got.CurrentSessionID)
	assert.Equal(t, session.ID, *got.CurrentSessionID)

	current, ok := m.CurrentSession(channel.ID)
	require.True(t, ok)
	assert.Equal(t, session.ID, current.ID)

	ended, err := m.StopStream(channel.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, ended.ID)
	require.NotNil(t, ended.EndedAt)

	got, _ = m.GetChannel(channel.ID)
	assert.Equal(t, models.LiveStateOffline, got.LiveState)
	assert.Nil(t, got.CurrentSessionID)

	_, err = m.StopStream(channel.ID)
	require.Error(t, err, "no active session to close")
	_, ok = m.CurrentSession(channel.ID)
	assert.False(t, ok)
}

func TestClipCRUD(t *testing.T) {
	m := newMemory(t)
	channel, err := m.CreateChannel("Show", "", nil)
	require.NoError(t, err)

	clip, err := m.CreateClip(ClipParams{
		ChannelID:   channel.ID,
		Title:       "Highlight",
		SourceKey:   channel.StreamKey,
		DurationSec: 30,
		FilePath:    "/data/clips/x/clip.mp4",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, clip.ID)

	got, ok := m.GetClip(clip.ID)
	require.True(t, ok)
	assert.Equal(t, "Highlight", got.Title)

	assert.Len(t, m.ListClips(channel.ID), 1)
	assert.Len(t, m.ListClips(""), 1)
	assert.Empty(t, m.ListClips("other"))

	require.NoError(t, m.DeleteClip(clip.ID))
	assert.ErrorIs(t, m.DeleteClip(clip.ID), ErrNotFound)

	_, err = m.CreateClip(ClipParams{ChannelID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "state.json")
	m, err := NewMemory(path)
	require.NoError(t, err)

	channel, err := m.CreateChannel("Persisted", "music", []string{"tag"})
	require.NoError(t, err)
	_, err = m.PutSimulcastTarget(channel.ID, TargetParams{Platform: "youtube", RTMPURL: "rtmp://yt.example/app", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))

	reloaded, err := NewMemory(path)
	require.NoError(t, err)
	got, ok := reloaded.GetChannel(channel.ID)
	require.True(t, ok)
	assert.Equal(t, "Persisted", got.Title)
	assert.Equal(t, channel.StreamKey, got.StreamKey)
	assert.Len(t, reloaded.ListSimulcastTargets(channel.ID), 1)
}

func TestPingReflectsContext(t *testing.T) {
	m := newMemory(t)
	require.NoError(t, m.Ping(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, m.Ping(ctx))
}
