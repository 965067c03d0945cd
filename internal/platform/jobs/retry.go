package jobs

import (
	"context"
	"time"
)

const (
	// MaxBatchAttempts bounds the batch-level retries before falling back to
	// per-row writes.
	MaxBatchAttempts = 3

	retryBaseDelay = 200 * time.Millisecond
)

// RetryBatch runs a batch write with exponential backoff. When the batch
// still fails after MaxBatchAttempts, it is broken into per-row writes via
// perRow; rows that fail there are counted and returned, not fatal.
//
// A cancelled context aborts immediately; a partial batch may already be
// committed and the next run is expected to reconcile.
func RetryBatch(ctx context.Context, batch func(ctx context.Context) error, perRow func(ctx context.Context) (failed int, err error)) (failed int, err error) {
	delay := retryBaseDelay
	for attempt := 1; attempt <= MaxBatchAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := batch(ctx); err == nil {
			return 0, nil
		} else if attempt == MaxBatchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return perRow(ctx)
}
