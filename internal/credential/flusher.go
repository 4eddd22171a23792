package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/grok-gateway/internal/storage"
)

type pendingUsage struct {
	delta       int
	windowStart time.Time
}

// Flusher coalesces usage increments and state changes in memory and writes
// them to the store every interval, or sooner once threshold updates are
// pending. Close performs a final flush.
type Flusher struct {
	store     storage.CredentialStore
	interval  time.Duration
	threshold int
	logger    *slog.Logger

	mu      sync.Mutex
	usage   map[string]pendingUsage
	states  map[string]storage.CredentialState
	pending int

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

var _ UsageRecorder = (*Flusher)(nil)

// NewFlusher creates a flusher. Call Start to begin periodic flushing.
func NewFlusher(store storage.CredentialStore, interval time.Duration, threshold int, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		store:     store,
		interval:  interval,
		threshold: max(threshold, 1),
		logger:    logger,
		usage:     make(map[string]pendingUsage),
		states:    make(map[string]storage.CredentialState),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RecordUsage buffers a usage delta. A delta for a newer window replaces
// whatever was pending for the previous one.
func (f *Flusher) RecordUsage(id string, delta int, windowStart time.Time) {
	f.mu.Lock()
	p, ok := f.usage[id]
	if ok && p.windowStart.Equal(windowStart) {
		p.delta += delta
	} else {
		p = pendingUsage{delta: delta, windowStart: windowStart}
	}
	f.usage[id] = p
	f.bumpLocked()
	f.mu.Unlock()
}

// RecordState buffers the latest state of a credential.
func (f *Flusher) RecordState(id string, state storage.CredentialState) {
	f.mu.Lock()
	f.states[id] = state
	f.bumpLocked()
	f.mu.Unlock()
}

func (f *Flusher) bumpLocked() {
	f.pending++
	if f.pending >= f.threshold {
		select {
		case f.kick <- struct{}{}:
		default:
		}
	}
}

// Pending reports the number of buffered updates since the last flush.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// Start runs the flush loop in a goroutine.
func (f *Flusher) Start() {
	f.startOnce.Do(func() {
		f.started.Store(true)
		go f.run()
	})
}

func (f *Flusher) run() {
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
		case <-f.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.interval+5*time.Second)
		if err := f.Flush(ctx); err != nil {
			f.logger.Error("usage flush failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Flush writes everything buffered so far. Usage writes that fail are put
// back so the next flush retries them.
func (f *Flusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	usage, states := f.usage, f.states
	f.usage = make(map[string]pendingUsage)
	f.states = make(map[string]storage.CredentialState)
	f.pending = 0
	f.mu.Unlock()

	if len(usage) == 0 && len(states) == 0 {
		return nil
	}

	var errs []error
	for id, u := range usage {
		err := f.store.IncrementUsage(ctx, id, u.delta, u.windowStart)
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrNotFound):
			// deleted while buffered
		default:
			errs = append(errs, err)
			f.requeueUsage(id, u)
		}
	}
	for id, st := range states {
		if err := f.store.UpdateState(ctx, id, st); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, err)
			f.requeueState(id, st)
		}
	}

	f.logger.Debug("usage flushed",
		slog.Int("usage_updates", len(usage)),
		slog.Int("state_updates", len(states)),
		slog.Int("errors", len(errs)))

	return errors.Join(errs...)
}

func (f *Flusher) requeueUsage(id string, u pendingUsage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.usage[id]
	switch {
	case !ok:
		f.usage[id] = u
	case cur.windowStart.Equal(u.windowStart):
		cur.delta += u.delta
		f.usage[id] = cur
	}
	// a newer window already superseded the failed delta
}

func (f *Flusher) requeueState(id string, st storage.CredentialState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[id]; !ok {
		f.states[id] = st
	}
}

// Close stops the loop and flushes what remains.
func (f *Flusher) Close(ctx context.Context) error {
	f.stopOnce.Do(func() {
		close(f.stop)
	})
	if f.started.Load() {
		select {
		case <-f.done:
		case <-ctx.Done():
		}
	}
	return f.Flush(ctx)
}
