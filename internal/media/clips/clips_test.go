package clips

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcast/internal/models"
	"streamcast/internal/storage"
)

type recordingStore struct {
	created []storage.ClipParams
	err     error
}

func (r *recordingStore) CreateClip(params storage.ClipParams) (models.Clip, error) {
	if r.err != nil {
		return models.Clip{}, r.err
	}
	r.created = append(r.created, params)
	return models.Clip{ID: "clip-1", ChannelID: params.ChannelID, FilePath: params.FilePath}, nil
}

// fakeEncoder writes a shell script that creates its last argument and exits
// cleanly, standing in for a one-shot transcoder run.
func fakeEncoder(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ffmpeg")
	script := "#!/bin/sh\nfor out; do :; done\ntouch \"$out\"\nexit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestExtractHappyPath(t *testing.T) {
	store := &recordingStore{}
	ex, err := NewExtractor(Config{
		Binary:     fakeEncoder(t),
		OutputRoot: t.TempDir(),
		SourceBase: "rtmp://127.0.0.1:1935/live",
		Store:      store,
	})
	require.NoError(t, err)

	clip, err := ex.Extract(Request{
		ChannelID:   "ch-1",
		StreamKey:   "ABC123",
		Title:       "Goal",
		DurationSec: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "clip-1", clip.ID)

	require.Len(t, store.created, 1)
	params := store.created[0]
	assert.Equal(t, "ABC123", params.SourceKey)
	assert.Equal(t, 5, params.DurationSec)
	assert.FileExists(t, params.FilePath)
	assert.Equal(t, ClipFileName, filepath.Base(params.FilePath))
	assert.NotEmpty(t, params.ThumbnailPath)
}

func TestExtractRejectsBadRequests(t *testing.T) {
	ex, err := NewExtractor(Config{
		Binary:     fakeEncoder(t),
		OutputRoot: t.TempDir(),
		SourceBase: "rtmp://127.0.0.1:1935/live",
		Store:      &recordingStore{},
	})
	require.NoError(t, err)

	_, err = ex.Extract(Request{StreamKey: "../escape", DurationSec: 5})
	require.Error(t, err)

	_, err = ex.Extract(Request{StreamKey: "ABC123", DurationSec: 0})
	require.Error(t, err)

	_, err = ex.Extract(Request{StreamKey: "ABC123", DurationSec: DefaultMaxDurationSec + 1})
	require.Error(t, err)
}

func TestExtractCleansUpOnCaptureFailure(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "fail-ffmpeg")
	script := "#!/bin/sh\necho 'Connection refused' >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))

	root := t.TempDir()
	ex, err := NewExtractor(Config{
		Binary:     binary,
		OutputRoot: root,
		SourceBase: "rtmp://127.0.0.1:1935/live",
		Store:      &recordingStore{},
	})
	require.NoError(t, err)

	_, err = ex.Extract(Request{ChannelID: "ch-1", StreamKey: "ABC123", DurationSec: 5})
	require.Error(t, err)

	entries, readErr := os.ReadDir(root)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "failed capture must not leave a clip directory behind")
}

func TestNewExtractorValidation(t *testing.T) {
	_, err := NewExtractor(Config{OutputRoot: t.TempDir(), SourceBase: "rtmp://x/live"})
	require.Error(t, err)

	_, err = NewExtractor(Config{OutputRoot: t.TempDir(), Store: &recordingStore{}})
	require.Error(t, err)
}
