package prescription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ClaimSearch selects candidate claims for coverage analysis: fills within
// the window, carrying a BIN, whose drug name contains every token of at
// least one keyword set.
type ClaimSearch struct {
	Since       time.Time
	KeywordSets [][]string
}

var ErrNotFound = errors.New("prescription not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	// GetByIDs resolves a set of fills in one round trip, keyed by id.
	// Missing ids are simply absent from the result.
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Prescription, error)
	// UpsertBatch writes fills keyed on (pharmacy_id, rx_number,
	// dispensed_date); conflicts update drug name, quantities, payments, and
	// the raw bag.
	UpsertBatch(ctx context.Context, fills []*Prescription) error
	// Upsert writes a single fill; the per-row fallback path when a batch
	// cannot be committed.
	Upsert(ctx context.Context, fill *Prescription) error
	// ListForPharmacySince returns every fill for the pharmacy dispensed on
	// or after the cutoff, the evaluator's working set.
	ListForPharmacySince(ctx context.Context, pharmacyID uuid.UUID, since time.Time) ([]*Prescription, error)
	// SearchClaims runs the coverage scanner's wide candidate query across
	// all pharmacies.
	SearchClaims(ctx context.Context, q ClaimSearch) ([]*Prescription, error)
}
