package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcast/internal/media/hls"
)

type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

func TestSweeperRunsOnTick(t *testing.T) {
	root := t.TempDir()
	var mu sync.Mutex
	var reaped []string
	d, err := New(Config{
		OutputRoot:          root,
		FreshnessWindow:     10 * time.Second,
		InactivityThreshold: 30 * time.Second,
		Teardown: func(streamKey, reason string) {
			mu.Lock()
			reaped = append(reaped, streamKey)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	// Register a conversion whose manifest never appears and age it out.
	d.RegisterConversion("GONE")
	past := time.Now().Add(-time.Minute)
	d.mu.Lock()
	d.registered["GONE"].lastActive = past
	d.mu.Unlock()

	ticker := &manualTicker{ch: make(chan time.Time, 1)}
	stop := d.startSweeperWithTicker(context.Background(), func(time.Duration) sweepTicker { return ticker })

	ticker.ch <- time.Now()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reaped) == 1 && reaped[0] == "GONE"
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	stop() // idempotent
}

func TestSweeperStopsOnContextCancel(t *testing.T) {
	root := t.TempDir()
	d := newTestDiscovery(t, root, nil)
	writeManifest(t, root, "KEY1", 0)
	require.NoError(t, os.Chtimes(filepath.Join(root, "KEY1", hls.ManifestName), time.Now(), time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	ticker := &manualTicker{ch: make(chan time.Time)}
	stop := d.startSweeperWithTicker(ctx, func(time.Duration) sweepTicker { return ticker })

	cancel()
	// stop must return promptly once the context is cancelled.
	doneCh := make(chan struct{})
	go func() {
		stop()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}
