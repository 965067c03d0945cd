package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("patient not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// UpsertBatch writes a batch keyed on (pharmacy_id, patient_hash),
	// refreshing name, DOB, insurance, and unioning conditions on conflict.
	UpsertBatch(ctx context.Context, patients []*Patient) error
	// GetByHashes resolves stored IDs for a hash set so freshly upserted rows
	// can be linked to their prescriptions.
	GetByHashes(ctx context.Context, pharmacyID uuid.UUID, hashes []string) (map[string]*Patient, error)
}
