package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clipsum/clipsum/internal/store"
)

// lockRefresher keeps the global processing lock alive while the worker is
// busy. It refreshes on a ticker, on demand via ping, and once more on stop
// so the lease is freshest right before release.
type lockRefresher struct {
	store    store.TaskStore
	workerID string
	interval time.Duration

	pings    chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newLockRefresher(s store.TaskStore, workerID string, interval time.Duration) *lockRefresher {
	if interval < time.Second {
		interval = time.Second
	}
	return &lockRefresher{
		store:    s,
		workerID: workerID,
		interval: interval,
		pings:    make(chan struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *lockRefresher) start() {
	go r.loop()
}

func (r *lockRefresher) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-r.quit:
			r.refresh(ctx, "shutdown")
			return
		case <-r.pings:
			r.refresh(ctx, "ping")
		case <-ticker.C:
			r.refresh(ctx, "tick")
		}
	}
}

func (r *lockRefresher) refresh(ctx context.Context, cause string) {
	if err := r.store.RefreshProcessingLock(ctx, r.workerID); err != nil {
		slog.WarnContext(ctx, "failed to refresh processing lock",
			"worker_id", r.workerID, "cause", cause, "error", err)
	}
}

// ping requests an immediate refresh. Safe to call after stop.
func (r *lockRefresher) ping() {
	select {
	case r.pings <- struct{}{}:
	case <-r.done:
	}
}

// stop ends the loop and blocks until the final refresh has run.
func (r *lockRefresher) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.done
}
