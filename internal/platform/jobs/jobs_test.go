package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestLocker_SingleFlight(t *testing.T) {
	l := NewLocker()

	release, err := l.TryAcquire("ingest:ph1:file.csv")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := l.TryAcquire("ingest:ph1:file.csv"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second acquire: got %v, want ErrAlreadyRunning", err)
	}
	// A different key is independent.
	release2, err := l.TryAcquire("ingest:ph2:file.csv")
	if err != nil {
		t.Fatalf("different key should acquire: %v", err)
	}
	release2()
	release()
	if _, err := l.TryAcquire("ingest:ph1:file.csv"); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestLocker_RunConcurrent(t *testing.T) {
	l := NewLocker()
	release, err := l.TryAcquire("coverage")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	rejected := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Run("coverage", func() error { return nil })
			if errors.Is(err, ErrAlreadyRunning) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if rejected != 4 {
		t.Fatalf("rejected = %d, want 4", rejected)
	}

	release()
	if err := l.Run("coverage", func() error { return nil }); err != nil {
		t.Fatalf("run after release failed: %v", err)
	}
}

func TestRetryBatch_SucceedsFirstTry(t *testing.T) {
	calls := 0
	failed, err := RetryBatch(context.Background(),
		func(context.Context) error { calls++; return nil },
		func(context.Context) (int, error) { t.Fatal("per-row fallback should not run"); return 0, nil })
	if err != nil || failed != 0 || calls != 1 {
		t.Fatalf("failed=%d err=%v calls=%d", failed, err, calls)
	}
}

func TestRetryBatch_FallsBackToRows(t *testing.T) {
	batchCalls := 0
	failed, err := RetryBatch(context.Background(),
		func(context.Context) error { batchCalls++; return errors.New("connection reset") },
		func(context.Context) (int, error) { return 2, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batchCalls != MaxBatchAttempts {
		t.Fatalf("batch attempts = %d, want %d", batchCalls, MaxBatchAttempts)
	}
	if failed != 2 {
		t.Fatalf("failed = %d, want 2", failed)
	}
}

func TestRetryBatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryBatch(ctx,
		func(context.Context) error { return errors.New("boom") },
		func(context.Context) (int, error) { return 0, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
