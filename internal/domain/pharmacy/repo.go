package pharmacy

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a pharmacy does not exist.
var ErrNotFound = errors.New("pharmacy not found")

type Repository interface {
	Create(ctx context.Context, p *Pharmacy) error
	GetByID(ctx context.Context, id uuid.UUID) (*Pharmacy, error)
	List(ctx context.Context) ([]*Pharmacy, error)
	UpdateSettings(ctx context.Context, id uuid.UUID, settings Settings) error
}
