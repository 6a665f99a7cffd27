package locker

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/feeledger/internal/config"
)

// Local is an in-process keyed mutex. It only serializes callers of one process.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	cfg     *config.LedgerConfigHolder
	metrics waitObserver
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

func NewLocal(cfg *config.LedgerConfigHolder, metrics waitObserver) *Local {
	return &Local{
		entries: make(map[string]*localEntry),
		cfg:     cfg,
		metrics: metrics,
	}
}

func (l *Local) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	if Held(ctx, key) {
		return ctx, noop, nil
	}

	entry := l.acquireEntry(key)
	start := time.Now()
	timer := time.NewTimer(l.cfg.Get().LockWait)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseEntry(key)
		return ctx, nil, timeoutErr(key, ctx.Err())
	case <-timer.C:
		l.releaseEntry(key)
		return ctx, nil, timeoutErr(key, nil)
	}
	if l.metrics != nil {
		l.metrics.ObserveLockWait(ctx, BackendLocal, time.Since(start))
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			<-entry.sem
			l.releaseEntry(key)
		})
	}
	return markHeld(ctx, key), unlock, nil
}

func (l *Local) acquireEntry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *Local) releaseEntry(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, key)
	}
}

var _ Locker = (*Local)(nil)
