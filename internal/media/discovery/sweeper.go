package discovery

import (
	"context"
	"sync"
	"time"
)

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// StartSweeper runs the reaping sweep on the configured interval until the
// returned stop function is called or ctx is cancelled. The stop function is
// idempotent and waits for the worker to exit.
func (d *Discovery) StartSweeper(ctx context.Context) func() {
	return d.startSweeperWithTicker(ctx, func(interval time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(interval)}
	})
}

func (d *Discovery) startSweeperWithTicker(ctx context.Context, newTicker tickerFactory) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(d.sweepInterval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				d.Sweep()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
