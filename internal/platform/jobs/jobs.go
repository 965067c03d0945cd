// Package jobs provides the coarse-grained scheduling primitives the scan
// engine runs on: single-flight locks keyed by job identity, a retrying batch
// helper, and a fixed-interval ticker for the nightly coverage scan.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when a job with the same key is in flight.
var ErrAlreadyRunning = errors.New("job is already running")

// Locker enforces one running instance per job key. Ingest keys on
// (pharmacy_id, filename), the evaluator on pharmacy_id, and the coverage
// scanner on a process-wide constant.
type Locker struct {
	mu      sync.Mutex
	running map[string]bool
}

func NewLocker() *Locker {
	return &Locker{running: make(map[string]bool)}
}

// TryAcquire claims the key. The returned release func must be called when
// the job finishes; it is safe to call once from a deferred statement.
func (l *Locker) TryAcquire(key string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[key] {
		return nil, ErrAlreadyRunning
	}
	l.running[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.running, key)
	}, nil
}

// Run acquires the key, runs fn, and releases. ErrAlreadyRunning is returned
// without invoking fn.
func (l *Locker) Run(key string, fn func() error) error {
	release, err := l.TryAcquire(key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Nightly invokes fn once per interval until the context is cancelled.
// Failures are logged and the ticker keeps going; every run is idempotent.
func Nightly(ctx context.Context, interval time.Duration, log zerolog.Logger, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Str("job", name).Msg("scheduled job failed")
			}
		}
	}
}
