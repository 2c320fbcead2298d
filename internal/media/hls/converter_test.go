package hls

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestConverter(t *testing.T, binary string, deleteDelay time.Duration) *Converter {
	t.Helper()
	conv, err := NewConverter(Config{
		Binary:       binary,
		OutputRoot:   t.TempDir(),
		SourceBase:   "rtmp://127.0.0.1:1935/live",
		DeleteDelay:  deleteDelay,
		LaunchWindow: 150 * time.Millisecond,
		GracePeriod:  time.Second,
	})
	require.NoError(t, err)
	return conv
}

func TestStartCreatesOutputDirAndRegistersJob(t *testing.T) {
	conv := newTestConverter(t, fakeBinary(t, "sleep 30\n"), time.Hour)
	defer conv.StopAll()

	job, err := conv.Start("STREAM1", QualityConfig{})
	require.NoError(t, err)
	assert.True(t, job.Running())
	assert.DirExists(t, job.OutputDir)
	assert.Equal(t, conv.OutputDir("STREAM1"), job.OutputDir)

	got, ok := conv.Get("STREAM1")
	require.True(t, ok)
	assert.Same(t, job, got)
	assert.Equal(t, []string{"STREAM1"}, conv.Keys())
}

func TestStartRejectsInvalidKeyAndMissingBinary(t *testing.T) {
	conv := newTestConverter(t, fakeBinary(t, "sleep 30\n"), time.Hour)
	_, err := conv.Start("../etc", QualityConfig{})
	require.Error(t, err)

	conv2 := newTestConverter(t, "no-such-binary-on-path", time.Hour)
	_, err = conv2.Start("STREAM1", QualityConfig{})
	require.Error(t, err)
}

func TestStartReplacesExistingJob(t *testing.T) {
	conv := newTestConverter(t, fakeBinary(t, "sleep 30\n"), time.Hour)
	defer conv.StopAll()

	first, err := conv.Start("STREAM1", QualityConfig{})
	require.NoError(t, err)
	second, err := conv.Start("STREAM1", QualityConfig{})
	require.NoError(t, err)

	assert.False(t, first.Running(), "superseded job must be stopped")
	assert.True(t, second.Running())
	assert.Len(t, conv.Keys(), 1)
}

func TestSupersededJobDeleteSparesLiveOutput(t *testing.T) {
	conv := newTestConverter(t, fakeBinary(t, "sleep 30\n"), 150*time.Millisecond)
	defer conv.StopAll()

	_, err := conv.Start("STREAM1", QualityConfig{})
	require.NoError(t, err)
	second, err := conv.Start("STREAM1", QualityConfig{})
	require.NoError(t, err)

	// The superseded job's deferred delete fires while the replacement is
	// live; the replacement's directory must survive it.
	time.Sleep(500 * time.Millisecond)
	assert.True(t, second.Running())
	assert.DirExists(t, second.OutputDir)

	// A real stop still removes the directory once the delay elapses.
	conv.Stop("STREAM1")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(second.OutputDir)
		return os.IsNotExist(err)
	}, 3*time.Second, 25*time.Millisecond)
}

func TestStartCleansDirWhenLaunchFails(t *testing.T) {
	conv := newTestConverter(t, fakeBinary(t, "echo 'Connection refused' >&2\nexit 1\n"), time.Hour)

	_, err := conv.Start("STREAM1", QualityConfig{})
	require.Error(t, err)
	assert.NoDirExists(t, conv.OutputDir("STREAM1"))
}

func TestStopDefersDirectoryDeletion(t *testing.T) {
	conv := newTestConverter(t, fakeBinary(t, "sleep 30\n"), 150*time.Millisecond)

	job, err := conv.Start("STREAM1", QualityConfig{})
	require.NoError(t, err)

	conv.Stop("STREAM1")
	_, ok := conv.Get("STREAM1")
	assert.False(t, ok)

	// Directory survives until the delay elapses.
	assert.DirExists(t, job.OutputDir)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(job.OutputDir)
		return os.IsNotExist(err)
	}, 3*time.Second, 25*time.Millisecond)

	// Stopping again is a no-op.
	conv.Stop("STREAM1")
}

func TestBuildArgsEncodesWindowAndSegments(t *testing.T) {
	conv := newTestConverter(t, "ffmpeg", time.Hour)
	quality := QualityConfig{Framerate: 25, Resolution: "1280x720"}.withDefaults()
	args := conv.buildArgs("KEY1", conv.OutputDir("KEY1"), quality)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-i rtmp://127.0.0.1:1935/live/KEY1")
	assert.Contains(t, joined, "-hls_time 2")
	assert.Contains(t, joined, "-hls_list_size 3")
	assert.Contains(t, joined, "-hls_flags delete_segments")
	assert.Contains(t, joined, "-g "+strconv.Itoa(25*2))
	assert.Contains(t, joined, "-s 1280x720")
	assert.Contains(t, joined, filepath.Join(conv.OutputDir("KEY1"), ManifestName))
}

func TestManifestURL(t *testing.T) {
	assert.Equal(t, "/hls/KEY1/index.m3u8", ManifestURL("KEY1"))
}

func TestQualityDefaults(t *testing.T) {
	q := QualityConfig{}.withDefaults()
	assert.Equal(t, 2500, q.VideoBitrateKbps)
	assert.Equal(t, 128, q.AudioBitrateKbps)
	assert.Equal(t, 30, q.Framerate)
	assert.Equal(t, 2, q.SegmentSeconds)
	assert.Equal(t, 3, q.WindowSegments)
}
