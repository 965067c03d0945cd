package pharmacy

import (
	"context"
	"encoding/json"
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

const cols = `id, name, settings, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Pharmacy, error) {
	var p Pharmacy
	var settings []byte
	err := row.Scan(&p.ID, &p.Name, &settings, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &p.Settings); err != nil {
			return nil, fmt.Errorf("decode pharmacy settings: %w", err)
		}
	}
	if p.Settings == nil {
		p.Settings = Settings{}
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Pharmacy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Settings == nil {
		p.Settings = Settings{}
	}
	settings, err := json.Marshal(p.Settings)
	if err != nil {
		return fmt.Errorf("encode pharmacy settings: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx,
		`INSERT INTO pharmacies (id, name, settings) VALUES ($1, $2, $3)`,
		p.ID, p.Name, settings)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Pharmacy, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM pharmacies WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context) ([]*Pharmacy, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cols+` FROM pharmacies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Pharmacy
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) UpdateSettings(ctx context.Context, id uuid.UUID, settings Settings) error {
	encoded, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode pharmacy settings: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE pharmacies SET settings = $2, updated_at = NOW() WHERE id = $1`, id, encoded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
