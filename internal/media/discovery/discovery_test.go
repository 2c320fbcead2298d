package discovery

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcast/internal/media/hls"
)

const sampleManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:12
#EXTINF:2.000,
segment_012.ts
#EXTINF:2.000,
segment_013.ts
#EXTINF:2.000,
segment_014.ts
`

func writeManifest(t *testing.T, root, streamKey string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, streamKey)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := filepath.Join(dir, hls.ManifestName)
	require.NoError(t, os.WriteFile(manifest, []byte(sampleManifest), 0o644))
	if age > 0 {
		stamp := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(manifest, stamp, stamp))
	}
	return manifest
}

func newTestDiscovery(t *testing.T, root string, teardown TeardownFunc) *Discovery {
	t.Helper()
	d, err := New(Config{
		OutputRoot:          root,
		FreshnessWindow:     10 * time.Second,
		InactivityThreshold: 30 * time.Second,
		Teardown:            teardown,
	})
	require.NoError(t, err)
	return d
}

func TestIsActiveTracksManifestFreshness(t *testing.T) {
	root := t.TempDir()
	d := newTestDiscovery(t, root, nil)

	assert.False(t, d.IsActive("KEY1"), "no manifest yet")

	writeManifest(t, root, "KEY1", 0)
	assert.True(t, d.IsActive("KEY1"))

	writeManifest(t, root, "KEY2", 15*time.Second)
	assert.False(t, d.IsActive("KEY2"), "stale manifest")

	assert.False(t, d.IsActive("../escape"))
}

func TestListActiveFiltersAndSorts(t *testing.T) {
	root := t.TempDir()
	d := newTestDiscovery(t, root, nil)

	writeManifest(t, root, "BBB", 0)
	writeManifest(t, root, "AAA", 0)
	writeManifest(t, root, "STALE", time.Minute)
	// A directory without a manifest is ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "EMPTY"), 0o755))

	active := d.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, "AAA", active[0].StreamKey)
	assert.Equal(t, "BBB", active[1].StreamKey)
	assert.Equal(t, "/hls/AAA/index.m3u8", active[0].ManifestURL)
}

func TestPlaybackInfoLifecycle(t *testing.T) {
	root := t.TempDir()
	d := newTestDiscovery(t, root, nil)

	// Never seen: nil.
	assert.Nil(t, d.PlaybackInfo("KEY1"))

	// Live: enriched from the playlist.
	writeManifest(t, root, "KEY1", 0)
	d.RegisterConversion("KEY1")
	info := d.PlaybackInfo("KEY1")
	require.NotNil(t, info)
	assert.Equal(t, StatusLive, info.Status)
	assert.Equal(t, 3, info.SegmentCount)
	assert.Equal(t, float64(2), info.TargetDuration)
	assert.False(t, info.StartedAt.IsZero())

	// Output gone but key was seen: ENDED, not nil.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "KEY1")))
	d.UnregisterConversion("KEY1")
	info = d.PlaybackInfo("KEY1")
	require.NotNil(t, info)
	assert.Equal(t, StatusEnded, info.Status)
	assert.Zero(t, info.SegmentCount)
}

func TestPublicBaseURLPrefixesManifestURLs(t *testing.T) {
	root := t.TempDir()
	d, err := New(Config{
		OutputRoot:    root,
		PublicBaseURL: "https://cdn.example:8443/",
	})
	require.NoError(t, err)

	writeManifest(t, root, "KEY1", 0)
	d.RegisterConversion("KEY1")

	info := d.PlaybackInfo("KEY1")
	require.NotNil(t, info)
	assert.Equal(t, "https://cdn.example:8443/hls/KEY1/index.m3u8", info.ManifestURL)

	active := d.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "https://cdn.example:8443/hls/KEY1/index.m3u8", active[0].ManifestURL)
}

func TestPlaybackInfoDiscoversUnregisteredLiveStream(t *testing.T) {
	root := t.TempDir()
	d := newTestDiscovery(t, root, nil)

	writeManifest(t, root, "ORPHAN", 0)
	info := d.PlaybackInfo("ORPHAN")
	require.NotNil(t, info)
	assert.Equal(t, StatusLive, info.Status)
}

func TestSweepReapsInactiveConversions(t *testing.T) {
	root := t.TempDir()
	var mu sync.Mutex
	var reaped []string
	d, err := New(Config{
		OutputRoot:          root,
		FreshnessWindow:     10 * time.Second,
		InactivityThreshold: 30 * time.Second,
		Teardown: func(streamKey, reason string) {
			mu.Lock()
			reaped = append(reaped, streamKey+":"+reason)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	writeManifest(t, root, "LIVE1", 0)
	d.RegisterConversion("LIVE1")
	d.RegisterConversion("DEAD1")

	// DEAD1 was registered just now, so the inactivity clock protects it.
	d.Sweep()
	mu.Lock()
	assert.Empty(t, reaped)
	mu.Unlock()
	assert.ElementsMatch(t, []string{"DEAD1", "LIVE1"}, d.Registered())

	// Age DEAD1's registration past the threshold via the injectable clock.
	future := time.Now().Add(time.Minute)
	d.now = func() time.Time { return future }

	// LIVE1's manifest is now also stale against the future clock, but its
	// lastActive refreshes on the first sweep where it was active. Refresh
	// it by touching the manifest into the future window.
	stamp := future.Add(-time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(root, "LIVE1", hls.ManifestName), stamp, stamp))

	d.Sweep()
	mu.Lock()
	assert.Equal(t, []string{"DEAD1:inactivity"}, reaped)
	mu.Unlock()
	assert.Equal(t, []string{"LIVE1"}, d.Registered())
}

func TestUnregisterUnknownKeyIsNoop(t *testing.T) {
	d := newTestDiscovery(t, t.TempDir(), nil)
	d.UnregisterConversion("NEVER")
	assert.Empty(t, d.Registered())
}
