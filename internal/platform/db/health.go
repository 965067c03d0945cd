package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthPingTimeout = 5 * time.Second

// poolSnapshot is the connection-pool state reported to operators alongside
// the reachability check.
type poolSnapshot struct {
	AcquiredConns int32 `json:"acquired_conns"`
	IdleConns     int32 `json:"idle_conns"`
	MaxConns      int32 `json:"max_conns"`
}

type healthBody struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	PingMS int64        `json:"ping_ms"`
	Pool   poolSnapshot `json:"pool"`
}

// healthResult maps a ping outcome to the response code and body. Ingest and
// scan jobs are useless without the store, so a failed ping is the whole
// health verdict.
func healthResult(pingErr error, ping time.Duration, pool poolSnapshot) (int, healthBody) {
	body := healthBody{Status: "ok", PingMS: ping.Milliseconds(), Pool: pool}
	if pingErr != nil {
		body.Status = "unavailable"
		body.Error = pingErr.Error()
		return http.StatusServiceUnavailable, body
	}
	return http.StatusOK, body
}

// HealthHandler reports whether the claims store is reachable.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()

		start := time.Now()
		pingErr := pool.Ping(ctx)
		stat := pool.Stat()
		code, body := healthResult(pingErr, time.Since(start), poolSnapshot{
			AcquiredConns: stat.AcquiredConns(),
			IdleConns:     stat.IdleConns(),
			MaxConns:      stat.MaxConns(),
		})
		return c.JSON(code, body)
	}
}
