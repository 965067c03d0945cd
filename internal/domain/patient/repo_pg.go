package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxscan/rxscan/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const cols = `id, pharmacy_id, patient_hash, first_name, last_name, date_of_birth,
	conditions, primary_bin, primary_group, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.PharmacyID, &p.PatientHash, &p.FirstName, &p.LastName,
		&p.DateOfBirth, &p.Conditions, &p.PrimaryBIN, &p.PrimaryGroup,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM patients WHERE id = $1`, id))
}

const upsertSQL = `
	INSERT INTO patients (id, pharmacy_id, patient_hash, first_name, last_name,
		date_of_birth, conditions, primary_bin, primary_group)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (pharmacy_id, patient_hash) DO UPDATE SET
		first_name = EXCLUDED.first_name,
		last_name = EXCLUDED.last_name,
		date_of_birth = COALESCE(EXCLUDED.date_of_birth, patients.date_of_birth),
		conditions = ARRAY(SELECT DISTINCT unnest(patients.conditions || EXCLUDED.conditions)),
		primary_bin = COALESCE(NULLIF(EXCLUDED.primary_bin, ''), patients.primary_bin),
		primary_group = COALESCE(NULLIF(EXCLUDED.primary_group, ''), patients.primary_group),
		updated_at = NOW()`

func (r *repoPG) UpsertBatch(ctx context.Context, patients []*Patient) error {
	if len(patients) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range patients {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if p.Conditions == nil {
			p.Conditions = []string{}
		}
		batch.Queue(upsertSQL, p.ID, p.PharmacyID, p.PatientHash, p.FirstName, p.LastName,
			p.DateOfBirth, p.Conditions, p.PrimaryBIN, p.PrimaryGroup)
	}
	results := r.conn(ctx).SendBatch(ctx, batch)
	defer results.Close()
	for range patients {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert patient batch: %w", err)
		}
	}
	return nil
}

func (r *repoPG) GetByHashes(ctx context.Context, pharmacyID uuid.UUID, hashes []string) (map[string]*Patient, error) {
	if len(hashes) == 0 {
		return map[string]*Patient{}, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM patients WHERE pharmacy_id = $1 AND patient_hash = ANY($2)`,
		pharmacyID, hashes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]*Patient, len(hashes))
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out[p.PatientHash] = p
	}
	return out, rows.Err()
}
