package opportunity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type mockRepo struct {
	byID  map[uuid.UUID]*Opportunity
	audit map[uuid.UUID][]*AuditEntry
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		byID:  make(map[uuid.UUID]*Opportunity),
		audit: make(map[uuid.UUID][]*AuditEntry),
	}
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Opportunity, error) {
	if o, ok := m.byID[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *mockRepo) Create(_ context.Context, o *Opportunity) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = StatusNotSubmitted
	}
	m.byID[o.ID] = o
	return nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter) ([]*Opportunity, int, error) {
	var out []*Opportunity
	for _, o := range m.byID {
		if f.PharmacyID != uuid.Nil && o.PharmacyID != f.PharmacyID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Priority != "" && o.Priority != f.Priority {
			continue
		}
		out = append(out, o)
	}
	return out, len(out), nil
}

func (m *mockRepo) ExistsLive(_ context.Context, pharmacyID, patientID uuid.UUID, drug string) (bool, error) {
	for _, o := range m.byID {
		if o.PharmacyID == pharmacyID && o.PatientID == patientID &&
			strings.EqualFold(o.RecommendedDrugName, drug) && !ClosedStatus(o.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) ListByTriggerStatus(_ context.Context, triggerID uuid.UUID, status string) ([]*Opportunity, error) {
	var out []*Opportunity
	for _, o := range m.byID {
		if o.TriggerID != nil && *o.TriggerID == triggerID && o.Status == status {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockRepo) UpdateEconomicsBatch(_ context.Context, updates []EconomicsUpdate) error {
	for _, u := range updates {
		o, ok := m.byID[u.ID]
		if !ok || o.Status != StatusNotSubmitted {
			continue
		}
		o.PotentialMarginGain = u.PotentialMarginGain
		o.AnnualMarginGain = u.AnnualMarginGain
		if u.AvgQty > 0 {
			o.AvgDispensedQty = u.AvgQty
		}
		if u.RecommendedNDC != "" {
			o.RecommendedNDC = u.RecommendedNDC
		}
	}
	return nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string, reviewedAt, actionedAt *time.Time) error {
	o, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	if reviewedAt != nil {
		o.ReviewedAt = reviewedAt
	}
	if actionedAt != nil {
		o.ActionedAt = actionedAt
	}
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *mockRepo) DeleteNotSubmittedOutside(_ context.Context, triggerID uuid.UUID, pharmacyIDs []uuid.UUID) (int64, error) {
	inScope := make(map[uuid.UUID]bool, len(pharmacyIDs))
	for _, id := range pharmacyIDs {
		inScope[id] = true
	}
	var n int64
	for id, o := range m.byID {
		if o.TriggerID == nil || *o.TriggerID != triggerID {
			continue
		}
		if o.Status == StatusNotSubmitted && !inScope[o.PharmacyID] {
			actioned, _ := m.HasLeftNotSubmitted(context.Background(), id)
			if !actioned {
				delete(m.byID, id)
				n++
			}
		}
	}
	return n, nil
}

func (m *mockRepo) AppendAudit(_ context.Context, e *AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()
	m.audit[e.OpportunityID] = append(m.audit[e.OpportunityID], e)
	return nil
}

func (m *mockRepo) AuditTrail(_ context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	return m.audit[id], nil
}

func (m *mockRepo) HasLeftNotSubmitted(_ context.Context, id uuid.UUID) (bool, error) {
	for _, e := range m.audit[id] {
		if e.FromStatus == StatusNotSubmitted && e.ToStatus != StatusNotSubmitted {
			return true, nil
		}
	}
	return false, nil
}

func newTestService(repo Repository) *Service {
	return &Service{
		repo: repo,
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
	}
}

func seedOpportunity(t *testing.T, repo *mockRepo) *Opportunity {
	t.Helper()
	o := &Opportunity{
		PharmacyID:          uuid.New(),
		PatientID:           uuid.New(),
		Type:                "therapeutic_interchange",
		RecommendedDrugName: "Diclofenac 2% Gel",
		Status:              StatusNotSubmitted,
		Priority:            PriorityHigh,
	}
	if err := repo.Create(context.Background(), o); err != nil {
		t.Fatalf("seed opportunity: %v", err)
	}
	return o
}

func TestTransition_AppendsAudit(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	o := seedOpportunity(t, repo)

	updated, err := svc.Transition(context.Background(), o.ID, StatusSubmitted, "jsmith", "faxed prescriber")
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if updated.Status != StatusSubmitted {
		t.Errorf("expected status %q, got %q", StatusSubmitted, updated.Status)
	}
	if updated.ActionedAt == nil {
		t.Error("expected actioned_at to be set")
	}

	trail, err := svc.AuditTrail(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("AuditTrail failed: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(trail))
	}
	if trail[0].FromStatus != StatusNotSubmitted || trail[0].ToStatus != StatusSubmitted {
		t.Errorf("unexpected audit entry: %+v", trail[0])
	}
}

func TestTransition_SameStatusIsNoop(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	o := seedOpportunity(t, repo)

	if _, err := svc.Transition(context.Background(), o.ID, StatusNotSubmitted, "", ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if len(repo.audit[o.ID]) != 0 {
		t.Errorf("expected no audit entries for noop transition, got %d", len(repo.audit[o.ID]))
	}
}

func TestTransition_RejectsUnknownStatus(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	o := seedOpportunity(t, repo)

	if _, err := svc.Transition(context.Background(), o.ID, "In Review", "", ""); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestDelete_RefusesActionedOpportunity(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	o := seedOpportunity(t, repo)

	if _, err := svc.Transition(context.Background(), o.ID, StatusSubmitted, "jsmith", ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := svc.Delete(context.Background(), o.ID); !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected, got %v", err)
	}

	// Still present.
	if _, err := svc.Get(context.Background(), o.ID); err != nil {
		t.Fatalf("actioned opportunity should survive delete: %v", err)
	}
}

func TestDelete_RemovesNeverActioned(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	o := seedOpportunity(t, repo)

	if err := svc.Delete(context.Background(), o.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := svc.Get(context.Background(), o.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
