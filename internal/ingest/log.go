package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxscan/rxscan/internal/platform/db"
)

// Ingestion run statuses.
const (
	StatusComplete = "complete"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
)

// LogEntry summarizes one ingestion run.
type LogEntry struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PharmacyID       uuid.UUID `db:"pharmacy_id" json:"pharmacy_id"`
	SourceType       string    `db:"source_type" json:"source_type"`
	FileName         string    `db:"file_name" json:"file_name"`
	RecordsReceived  int       `db:"records_received" json:"records_received"`
	RecordsProcessed int       `db:"records_processed" json:"records_processed"`
	RecordsFailed    int       `db:"records_failed" json:"records_failed"`
	Status           string    `db:"status" json:"status"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

type LogRepository interface {
	Create(ctx context.Context, e *LogEntry) error
	ListByPharmacy(ctx context.Context, pharmacyID uuid.UUID, limit int) ([]*LogEntry, error)
}

type logRepoPG struct{ pool *pgxpool.Pool }

func NewLogRepoPG(pool *pgxpool.Pool) LogRepository {
	return &logRepoPG{pool: pool}
}

func (r *logRepoPG) Create(ctx context.Context, e *LogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO ingestion_log (id, pharmacy_id, source_type, file_name,
			records_received, records_processed, records_failed, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.PharmacyID, e.SourceType, e.FileName,
		e.RecordsReceived, e.RecordsProcessed, e.RecordsFailed, e.Status)
	return err
}

func (r *logRepoPG) ListByPharmacy(ctx context.Context, pharmacyID uuid.UUID, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, pharmacy_id, COALESCE(source_type, ''), COALESCE(file_name, ''),
			records_received, records_processed, records_failed, status, created_at
		FROM ingestion_log
		WHERE pharmacy_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, pharmacyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.PharmacyID, &e.SourceType, &e.FileName,
			&e.RecordsReceived, &e.RecordsProcessed, &e.RecordsFailed, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}
