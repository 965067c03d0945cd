package db

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestHealthResult_OK(t *testing.T) {
	code, body := healthResult(nil, 3*time.Millisecond, poolSnapshot{MaxConns: 20, IdleConns: 5})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Status != "ok" || body.Error != "" {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.PingMS != 3 {
		t.Errorf("expected ping_ms 3, got %d", body.PingMS)
	}
	if body.Pool.MaxConns != 20 {
		t.Errorf("pool snapshot not carried: %+v", body.Pool)
	}
}

func TestHealthResult_StoreUnreachable(t *testing.T) {
	code, body := healthResult(errors.New("dial refused"), time.Millisecond, poolSnapshot{})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if body.Status != "unavailable" {
		t.Errorf("expected status unavailable, got %q", body.Status)
	}
	if body.Error != "dial refused" {
		t.Errorf("ping error should be surfaced, got %q", body.Error)
	}
}
