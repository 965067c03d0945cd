package trigger

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("trigger not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Trigger, error)
	GetByCode(ctx context.Context, code string) (*Trigger, error)
	// ListEnabled returns enabled triggers in ascending priority order; the
	// evaluator depends on that ordering for its dedup guarantee.
	ListEnabled(ctx context.Context) ([]*Trigger, error)
	List(ctx context.Context) ([]*Trigger, error)
	UpsertByCode(ctx context.Context, t *Trigger) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	// UpdateEconomics writes the scanner-derived default GP and sync time.
	// recommended_ndc is admin-owned and never touched here.
	UpdateEconomics(ctx context.Context, id uuid.UUID, defaultGP float64) error
}

type BinValueRepository interface {
	// ListByTrigger returns all rows for a trigger, excluded rows included.
	ListByTrigger(ctx context.Context, triggerID uuid.UUID) ([]*BinValue, error)
	// ListAll returns every row across triggers; the evaluator indexes them
	// in memory for GP resolution and for the excluded-BIN skip.
	ListAll(ctx context.Context) ([]*BinValue, error)
	// DeleteNonExcluded clears a trigger's rows ahead of a rescan while
	// preserving rows pinned with is_excluded.
	DeleteNonExcluded(ctx context.Context, triggerID uuid.UUID) error
	UpsertBatch(ctx context.Context, values []*BinValue) error
}
