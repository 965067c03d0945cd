package opportunity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("opportunity not found")

// ListFilter narrows List queries; zero values mean "no constraint".
type ListFilter struct {
	PharmacyID uuid.UUID
	Status     string
	Priority   string
	Limit      int
	Offset     int
}

// EconomicsUpdate carries the coverage scanner's refreshed numbers for one
// open opportunity. A zero AvgQty or empty RecommendedNDC leaves the stored
// value alone.
type EconomicsUpdate struct {
	ID                  uuid.UUID
	PotentialMarginGain float64
	AnnualMarginGain    float64
	AvgQty              float64
	RecommendedNDC      string
}

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Opportunity, error)
	Create(ctx context.Context, o *Opportunity) error
	List(ctx context.Context, f ListFilter) ([]*Opportunity, int, error)
	// ExistsLive reports whether an opportunity for the same pharmacy,
	// patient, and recommended drug is already open. Denied and Declined
	// rows do not count.
	ExistsLive(ctx context.Context, pharmacyID, patientID uuid.UUID, recommendedDrug string) (bool, error)
	// ListByTriggerStatus returns a trigger's opportunities in the given
	// status, the back-propagation working set.
	ListByTriggerStatus(ctx context.Context, triggerID uuid.UUID, status string) ([]*Opportunity, error)
	// UpdateEconomicsBatch applies scanner-refreshed economics to open rows.
	UpdateEconomicsBatch(ctx context.Context, updates []EconomicsUpdate) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, reviewedAt, actionedAt *time.Time) error
	// Delete removes a single row. The database trigger rejects deletes of
	// actioned opportunities.
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteNotSubmittedOutside removes a trigger's never-actioned rows for
	// pharmacies no longer in its inclusion list. The database refuses to
	// drop actioned rows regardless.
	DeleteNotSubmittedOutside(ctx context.Context, triggerID uuid.UUID, pharmacyIDs []uuid.UUID) (int64, error)
	AppendAudit(ctx context.Context, e *AuditEntry) error
	AuditTrail(ctx context.Context, opportunityID uuid.UUID) ([]*AuditEntry, error)
	// HasLeftNotSubmitted reports whether the audit log shows the opportunity
	// ever transitioned out of "Not Submitted".
	HasLeftNotSubmitted(ctx context.Context, opportunityID uuid.UUID) (bool, error)
}
