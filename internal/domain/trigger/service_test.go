package trigger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

type mockRepo struct {
	byCode map[string]*Trigger
}

func newMockRepo() *mockRepo {
	return &mockRepo{byCode: make(map[string]*Trigger)}
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Trigger, error) {
	for _, t := range m.byCode {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) GetByCode(_ context.Context, code string) (*Trigger, error) {
	if t, ok := m.byCode[code]; ok {
		return t, nil
	}
	return nil, ErrNotFound
}

func (m *mockRepo) ListEnabled(_ context.Context) ([]*Trigger, error) {
	var out []*Trigger
	for _, t := range m.byCode {
		if t.IsEnabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockRepo) List(_ context.Context) ([]*Trigger, error) {
	var out []*Trigger
	for _, t := range m.byCode {
		out = append(out, t)
	}
	return out, nil
}

func (m *mockRepo) UpsertByCode(_ context.Context, t *Trigger) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	m.byCode[t.Code] = t
	return nil
}

func (m *mockRepo) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	for _, t := range m.byCode {
		if t.ID == id {
			t.IsEnabled = enabled
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockRepo) UpdateEconomics(_ context.Context, id uuid.UUID, gp float64) error {
	for _, t := range m.byCode {
		if t.ID == id {
			t.DefaultGPValue = gp
			return nil
		}
	}
	return ErrNotFound
}

type mockBinValueRepo struct {
	values map[uuid.UUID][]*BinValue
}

func newMockBinValueRepo() *mockBinValueRepo {
	return &mockBinValueRepo{values: make(map[uuid.UUID][]*BinValue)}
}

func (m *mockBinValueRepo) ListByTrigger(_ context.Context, triggerID uuid.UUID) ([]*BinValue, error) {
	return m.values[triggerID], nil
}

func (m *mockBinValueRepo) ListAll(_ context.Context) ([]*BinValue, error) {
	var out []*BinValue
	for _, vs := range m.values {
		out = append(out, vs...)
	}
	return out, nil
}

func (m *mockBinValueRepo) DeleteNonExcluded(_ context.Context, triggerID uuid.UUID) error {
	var kept []*BinValue
	for _, v := range m.values[triggerID] {
		if v.IsExcluded {
			kept = append(kept, v)
		}
	}
	m.values[triggerID] = kept
	return nil
}

func (m *mockBinValueRepo) UpsertBatch(_ context.Context, values []*BinValue) error {
	for _, v := range values {
		m.values[v.TriggerID] = append(m.values[v.TriggerID], v)
	}
	return nil
}

func validTrigger() *Trigger {
	return &Trigger{
		Code:              "ti_diclofenac_gel",
		DisplayName:       "Diclofenac Gel Interchange",
		Type:              TypeTherapeuticInterchange,
		IsEnabled:         true,
		Priority:          1,
		DetectionKeywords: []string{"MELOXICAM", "IBUPROFEN 800"},
		RecommendedDrug:   "Diclofenac 2% Gel",
	}
}

func TestSave_Valid(t *testing.T) {
	svc := NewService(newMockRepo(), newMockBinValueRepo())

	tr := validTrigger()
	if err := svc.Save(context.Background(), tr); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if tr.AnnualFills != 12 {
		t.Errorf("expected annual_fills default 12, got %d", tr.AnnualFills)
	}
	if tr.KeywordMatchMode != MatchAny {
		t.Errorf("expected match mode default %q, got %q", MatchAny, tr.KeywordMatchMode)
	}
}

func TestSave_RejectsOverlappingKeywords(t *testing.T) {
	svc := NewService(newMockRepo(), newMockBinValueRepo())

	tr := validTrigger()
	tr.ExcludeKeywords = []string{"meloxicam"}
	if err := svc.Save(context.Background(), tr); err == nil {
		t.Fatal("expected error for keyword in both detection and exclude lists")
	}
}

func TestSave_RejectsEnabledWithoutKeywords(t *testing.T) {
	svc := NewService(newMockRepo(), newMockBinValueRepo())

	tr := validTrigger()
	tr.DetectionKeywords = nil
	if err := svc.Save(context.Background(), tr); err == nil {
		t.Fatal("expected error for enabled trigger without detection keywords")
	}
}

func TestSave_MissingTherapyNeedsContext(t *testing.T) {
	svc := NewService(newMockRepo(), newMockBinValueRepo())

	tr := validTrigger()
	tr.Type = TypeMissingTherapy
	if err := svc.Save(context.Background(), tr); err == nil {
		t.Fatal("expected error for missing_therapy trigger without if_has_keywords")
	}

	tr.IfHasKeywords = []string{"INSULIN", "METFORMIN"}
	if err := svc.Save(context.Background(), tr); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func TestSave_RejectsBadMatchMode(t *testing.T) {
	svc := NewService(newMockRepo(), newMockBinValueRepo())

	tr := validTrigger()
	tr.KeywordMatchMode = "some"
	if err := svc.Save(context.Background(), tr); err == nil {
		t.Fatal("expected error for unknown keyword_match_mode")
	}
}

func TestSeedFromFile_UpsertsByCode(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, newMockBinValueRepo())

	defs := []*Trigger{validTrigger()}
	data, err := json.Marshal(defs)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "triggers.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	n, err := svc.SeedFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("SeedFromFile failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 seeded trigger, got %d", n)
	}

	// Second run refreshes instead of duplicating.
	if _, err := svc.SeedFromFile(context.Background(), path); err != nil {
		t.Fatalf("re-seed failed: %v", err)
	}
	if len(repo.byCode) != 1 {
		t.Fatalf("expected 1 trigger after re-seed, got %d", len(repo.byCode))
	}
}
