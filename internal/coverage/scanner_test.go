package coverage

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rxscan/rxscan/internal/domain/opportunity"
	"github.com/rxscan/rxscan/internal/domain/prescription"
	"github.com/rxscan/rxscan/internal/domain/trigger"
	"github.com/rxscan/rxscan/internal/platform/jobs"
)

type mockTriggerRepo struct {
	triggers []*trigger.Trigger
}

func (m *mockTriggerRepo) GetByID(_ context.Context, id uuid.UUID) (*trigger.Trigger, error) {
	for _, t := range m.triggers {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, trigger.ErrNotFound
}

func (m *mockTriggerRepo) GetByCode(_ context.Context, code string) (*trigger.Trigger, error) {
	for _, t := range m.triggers {
		if t.Code == code {
			return t, nil
		}
	}
	return nil, trigger.ErrNotFound
}

func (m *mockTriggerRepo) ListEnabled(_ context.Context) ([]*trigger.Trigger, error) {
	var out []*trigger.Trigger
	for _, t := range m.triggers {
		if t.IsEnabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockTriggerRepo) List(_ context.Context) ([]*trigger.Trigger, error) {
	return m.triggers, nil
}

func (m *mockTriggerRepo) UpsertByCode(_ context.Context, t *trigger.Trigger) error {
	m.triggers = append(m.triggers, t)
	return nil
}

func (m *mockTriggerRepo) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	for _, t := range m.triggers {
		if t.ID == id {
			t.IsEnabled = enabled
		}
	}
	return nil
}

func (m *mockTriggerRepo) UpdateEconomics(_ context.Context, id uuid.UUID, gp float64) error {
	for _, t := range m.triggers {
		if t.ID == id {
			t.DefaultGPValue = gp
			now := time.Now().UTC()
			t.SyncedAt = &now
		}
	}
	return nil
}

type mockBinValueRepo struct {
	values []*trigger.BinValue
}

func (m *mockBinValueRepo) ListByTrigger(_ context.Context, triggerID uuid.UUID) ([]*trigger.BinValue, error) {
	var out []*trigger.BinValue
	for _, v := range m.values {
		if v.TriggerID == triggerID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *mockBinValueRepo) ListAll(_ context.Context) ([]*trigger.BinValue, error) {
	return m.values, nil
}

func (m *mockBinValueRepo) DeleteNonExcluded(_ context.Context, triggerID uuid.UUID) error {
	kept := m.values[:0]
	for _, v := range m.values {
		if v.TriggerID != triggerID || v.IsExcluded {
			kept = append(kept, v)
		}
	}
	m.values = kept
	return nil
}

func (m *mockBinValueRepo) UpsertBatch(_ context.Context, values []*trigger.BinValue) error {
	m.values = append(m.values, values...)
	return nil
}

func (m *mockBinValueRepo) forKey(triggerID uuid.UUID, bin, group string) *trigger.BinValue {
	for _, v := range m.values {
		if v.TriggerID == triggerID && v.BIN == bin && v.GroupNumber == group {
			return v
		}
	}
	return nil
}

type mockFillRepo struct {
	fills []*prescription.Prescription
}

func (m *mockFillRepo) GetByID(_ context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	for _, f := range m.fills {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, prescription.ErrNotFound
}

func (m *mockFillRepo) GetByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*prescription.Prescription, error) {
	out := make(map[uuid.UUID]*prescription.Prescription)
	for _, id := range ids {
		for _, f := range m.fills {
			if f.ID == id {
				out[id] = f
			}
		}
	}
	return out, nil
}

func (m *mockFillRepo) UpsertBatch(_ context.Context, fills []*prescription.Prescription) error {
	m.fills = append(m.fills, fills...)
	return nil
}

func (m *mockFillRepo) Upsert(_ context.Context, f *prescription.Prescription) error {
	m.fills = append(m.fills, f)
	return nil
}

func (m *mockFillRepo) ListForPharmacySince(_ context.Context, pharmacyID uuid.UUID, since time.Time) ([]*prescription.Prescription, error) {
	var out []*prescription.Prescription
	for _, f := range m.fills {
		if f.PharmacyID == pharmacyID && !f.DispensedDate.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockFillRepo) SearchClaims(_ context.Context, q prescription.ClaimSearch) ([]*prescription.Prescription, error) {
	var out []*prescription.Prescription
	for _, f := range m.fills {
		if f.DispensedDate.Before(q.Since) || f.InsuranceBIN == "" {
			continue
		}
		name := f.DrugNameUpper()
		for _, set := range q.KeywordSets {
			all := true
			for _, token := range set {
				if !strings.Contains(name, token) {
					all = false
					break
				}
			}
			if all {
				out = append(out, f)
				break
			}
		}
	}
	return out, nil
}

type mockOpportunityRepo struct {
	rows []*opportunity.Opportunity
}

func (m *mockOpportunityRepo) GetByID(_ context.Context, id uuid.UUID) (*opportunity.Opportunity, error) {
	for _, o := range m.rows {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, opportunity.ErrNotFound
}

func (m *mockOpportunityRepo) Create(_ context.Context, o *opportunity.Opportunity) error {
	m.rows = append(m.rows, o)
	return nil
}

func (m *mockOpportunityRepo) List(_ context.Context, _ opportunity.ListFilter) ([]*opportunity.Opportunity, int, error) {
	return m.rows, len(m.rows), nil
}

func (m *mockOpportunityRepo) ExistsLive(_ context.Context, _, _ uuid.UUID, _ string) (bool, error) {
	return false, nil
}

func (m *mockOpportunityRepo) ListByTriggerStatus(_ context.Context, triggerID uuid.UUID, status string) ([]*opportunity.Opportunity, error) {
	var out []*opportunity.Opportunity
	for _, o := range m.rows {
		if o.TriggerID != nil && *o.TriggerID == triggerID && o.Status == status {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockOpportunityRepo) UpdateEconomicsBatch(_ context.Context, updates []opportunity.EconomicsUpdate) error {
	for _, u := range updates {
		for _, o := range m.rows {
			if o.ID == u.ID && o.Status == opportunity.StatusNotSubmitted {
				o.PotentialMarginGain = u.PotentialMarginGain
				o.AnnualMarginGain = u.AnnualMarginGain
				if u.AvgQty > 0 {
					o.AvgDispensedQty = u.AvgQty
				}
				if u.RecommendedNDC != "" {
					o.RecommendedNDC = u.RecommendedNDC
				}
			}
		}
	}
	return nil
}

func (m *mockOpportunityRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string, _, _ *time.Time) error {
	for _, o := range m.rows {
		if o.ID == id {
			o.Status = status
		}
	}
	return nil
}

func (m *mockOpportunityRepo) Delete(_ context.Context, id uuid.UUID) error {
	for i, o := range m.rows {
		if o.ID == id {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return opportunity.ErrNotFound
}

func (m *mockOpportunityRepo) DeleteNotSubmittedOutside(_ context.Context, triggerID uuid.UUID, pharmacyIDs []uuid.UUID) (int64, error) {
	inScope := make(map[uuid.UUID]bool)
	for _, id := range pharmacyIDs {
		inScope[id] = true
	}
	var n int64
	kept := m.rows[:0]
	for _, o := range m.rows {
		if o.TriggerID != nil && *o.TriggerID == triggerID &&
			o.Status == opportunity.StatusNotSubmitted && !inScope[o.PharmacyID] {
			n++
			continue
		}
		kept = append(kept, o)
	}
	m.rows = kept
	return n, nil
}

func (m *mockOpportunityRepo) AppendAudit(_ context.Context, _ *opportunity.AuditEntry) error {
	return nil
}

func (m *mockOpportunityRepo) AuditTrail(_ context.Context, _ uuid.UUID) ([]*opportunity.AuditEntry, error) {
	return nil, nil
}

func (m *mockOpportunityRepo) HasLeftNotSubmitted(_ context.Context, _ uuid.UUID) (bool, error) {
	return false, nil
}

type fixture struct {
	svc           *Service
	triggers      *mockTriggerRepo
	binValues     *mockBinValueRepo
	fills         *mockFillRepo
	opportunities *mockOpportunityRepo
	pharmacyID    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		triggers:      &mockTriggerRepo{},
		binValues:     &mockBinValueRepo{},
		fills:         &mockFillRepo{},
		opportunities: &mockOpportunityRepo{},
		pharmacyID:    uuid.New(),
	}
	f.svc = &Service{
		triggers:      f.triggers,
		binValues:     f.binValues,
		fills:         f.fills,
		opportunities: f.opportunities,
		locker:        jobs.NewLocker(),
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
	}
	return f
}

func (f *fixture) addTrigger(t *trigger.Trigger) *trigger.Trigger {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.AnnualFills == 0 {
		t.AnnualFills = 12
	}
	t.IsEnabled = true
	f.triggers.triggers = append(f.triggers.triggers, t)
	return t
}

type claim struct {
	drug       string
	bin        string
	group      string
	ndc        string
	gp         float64
	daysSupply int
	quantity   float64
}

func (f *fixture) addClaim(c claim) *prescription.Prescription {
	if c.daysSupply == 0 {
		c.daysSupply = 30
	}
	if c.quantity == 0 {
		c.quantity = 30
	}
	if c.ndc == "" {
		c.ndc = "00378180510"
	}
	fill := &prescription.Prescription{
		ID:             uuid.New(),
		PharmacyID:     f.pharmacyID,
		PatientID:      uuid.New(),
		RxNumber:       uuid.NewString()[:8],
		DrugName:       c.drug,
		NDC:            c.ndc,
		Quantity:       c.quantity,
		DaysSupply:     c.daysSupply,
		DispensedDate:  time.Now().UTC().AddDate(0, 0, -30),
		InsuranceBIN:   c.bin,
		InsuranceGroup: c.group,
		InsurancePay:   100,
		Raw:            prescription.RawBag{"gross_profit": formatGP(c.gp)},
	}
	f.fills.fills = append(f.fills.fills, fill)
	return fill
}

func formatGP(gp float64) string {
	return strconv.FormatFloat(gp, 'f', 2, 64)
}

func losartanTrigger() *trigger.Trigger {
	return &trigger.Trigger{
		Code:              "t1_losartan",
		DisplayName:       "Lisinopril to Losartan",
		Type:              trigger.TypeTherapeuticInterchange,
		DetectionKeywords: []string{"LISINOPRIL"},
		RecommendedDrug:   "Losartan",
	}
}

func TestScanAll_WritesVerifiedRowsAndMedian(t *testing.T) {
	f := newFixture(t)
	tr := f.addTrigger(losartanTrigger())
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "610097", gp: 20})
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "004740", group: "RXGRP", gp: 40})

	report, err := f.svc.ScanAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if report.RowsWritten != 2 || report.TriggersVerified != 1 {
		t.Fatalf("expected 2 rows for 1 verified trigger, got %+v", report)
	}

	bv := f.binValues.forKey(tr.ID, "610097", "")
	if bv == nil {
		t.Fatal("missing row for BIN 610097")
	}
	if bv.GPValue != 20 || bv.VerifiedClaimCount != 1 {
		t.Errorf("unexpected economics %+v", bv)
	}
	if bv.CoverageStatus != trigger.CoverageVerified || bv.VerifiedAt == nil {
		t.Errorf("row should be verified with a timestamp, got %+v", bv)
	}
	if bv.BestDrugName != "Losartan 50mg Tab" {
		t.Errorf("unexpected best drug %q", bv.BestDrugName)
	}

	// Median of 20 and 40 lands on the trigger default.
	if tr.DefaultGPValue != 30 {
		t.Errorf("expected default GP 30, got %v", tr.DefaultGPValue)
	}
	if tr.SyncedAt == nil {
		t.Error("synced_at should be set")
	}
}

func TestScanAll_BestProductPerInsuranceKey(t *testing.T) {
	f := newFixture(t)
	tr := f.addTrigger(losartanTrigger())
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "610097", ndc: "00093735810", gp: 15})
	f.addClaim(claim{drug: "Losartan Potassium 100mg", bin: "610097", ndc: "00093736910", gp: 35})

	if _, err := f.svc.ScanAll(context.Background(), Options{}); err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}

	bv := f.binValues.forKey(tr.ID, "610097", "")
	if bv == nil {
		t.Fatal("missing row")
	}
	if bv.BestNDC != "00093736910" || bv.GPValue != 35 {
		t.Errorf("best-reimbursing product should win the key, got %+v", bv)
	}
	if n := len(f.binValues.values); n != 1 {
		t.Errorf("expected a single row per insurance key, got %d", n)
	}
}

func TestScanAll_NinetyDayFillNormalizesToMonthly(t *testing.T) {
	f := newFixture(t)
	tr := f.addTrigger(losartanTrigger())
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "610097", gp: 90, daysSupply: 90, quantity: 90})

	if _, err := f.svc.ScanAll(context.Background(), Options{}); err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}

	bv := f.binValues.forKey(tr.ID, "610097", "")
	if bv == nil {
		t.Fatal("missing row")
	}
	if bv.GPValue != 30 {
		t.Errorf("90-day $90 GP should normalize to $30, got %v", bv.GPValue)
	}
	if bv.AvgQty != 30 {
		t.Errorf("90-day qty 90 should normalize to 30, got %v", bv.AvgQty)
	}
}

func TestScanAll_ShortFillsAreNotEvidence(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(losartanTrigger())
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "610097", gp: 50, daysSupply: 7, quantity: 7})

	report, err := f.svc.ScanAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if report.RowsWritten != 0 {
		t.Errorf("a 7-day fill should not verify coverage, got %d rows", report.RowsWritten)
	}
}

func TestScanAll_ExcludeKeywordsFilterCandidates(t *testing.T) {
	f := newFixture(t)
	tr := losartanTrigger()
	tr.ExcludeKeywords = []string{"HCTZ"}
	f.addTrigger(tr)
	f.addClaim(claim{drug: "Losartan HCTZ 100-25mg", bin: "610097", gp: 50})

	report, err := f.svc.ScanAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if report.RowsWritten != 0 {
		t.Errorf("excluded-keyword claims should not verify coverage, got %d rows", report.RowsWritten)
	}
}

func TestScanAll_MarginAndClaimCountThresholds(t *testing.T) {
	f := newFixture(t)
	f.addTrigger(losartanTrigger())
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "610097", gp: 8})  // below $10
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "004740", gp: 25}) // one claim only

	report, err := f.svc.ScanAll(context.Background(), Options{MinClaims: 2})
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if report.RowsWritten != 0 {
		t.Fatalf("thresholds should drop both keys, got %d rows", report.RowsWritten)
	}

	f2 := newFixture(t)
	f2.addTrigger(losartanTrigger())
	f2.addClaim(claim{drug: "Losartan 50mg Tab", bin: "004740", gp: 25})
	f2.addClaim(claim{drug: "Losartan 50mg Tab", bin: "004740", gp: 35})

	report, err = f2.svc.ScanAll(context.Background(), Options{MinClaims: 2})
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if report.RowsWritten != 1 {
		t.Fatalf("two claims should satisfy min_claims=2, got %d rows", report.RowsWritten)
	}
}

func TestScanAll_NDCOptimizationUsesDMEThreshold(t *testing.T) {
	f := newFixture(t)
	tr := &trigger.Trigger{
		Code:              "t30_cgm",
		DisplayName:       "CGM Supply Optimization",
		Type:              trigger.TypeNDCOptimization,
		DetectionKeywords: []string{"DEXCOM G7", "FREESTYLE LIBRE"},
	}
	f.addTrigger(tr)
	f.addClaim(claim{drug: "Dexcom G7 Sensor", bin: "610097", gp: 5})

	report, err := f.svc.ScanAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if report.RowsWritten != 1 {
		t.Fatalf("$5 GP clears the $3 DME floor, got %d rows", report.RowsWritten)
	}
	bv := f.binValues.forKey(tr.ID, "610097", "")
	if bv == nil || bv.GPValue != 5 {
		t.Errorf("unexpected row %+v", bv)
	}
}

func TestScanAll_NoSearchCriteriaReported(t *testing.T) {
	f := newFixture(t)
	tr := losartanTrigger()
	tr.RecommendedDrug = ""
	f.addTrigger(tr)

	report, err := f.svc.ScanAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if len(report.NoMatch) != 1 || report.NoMatch[0].Reason != "no search criteria" {
		t.Fatalf("expected a no-search-criteria entry, got %+v", report.NoMatch)
	}
	if f.triggers.triggers[0].IsEnabled != true {
		t.Error("a trigger with no criteria is reported, not disabled")
	}
}

func TestScanAll_ZeroCoverageDisablesAndClears(t *testing.T) {
	f := newFixture(t)
	tr := f.addTrigger(losartanTrigger())
	// Stale rows from a previous scan; the excluded one must survive.
	f.binValues.values = append(f.binValues.values,
		&trigger.BinValue{ID: uuid.New(), TriggerID: tr.ID, BIN: "610097", GPValue: 20, CoverageStatus: trigger.CoverageVerified},
		&trigger.BinValue{ID: uuid.New(), TriggerID: tr.ID, BIN: "004740", IsExcluded: true, CoverageStatus: trigger.CoverageExcluded},
	)

	report, err := f.svc.ScanAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if report.TriggersDisabled != 1 {
		t.Fatalf("expected the trigger disabled, got %+v", report)
	}
	if tr.IsEnabled {
		t.Error("trigger should be disabled after a zero-coverage scan")
	}
	if len(f.binValues.values) != 1 || !f.binValues.values[0].IsExcluded {
		t.Errorf("only the excluded row should survive, got %+v", f.binValues.values)
	}
	if len(report.NoMatch) != 1 || !strings.Contains(report.NoMatch[0].Reason, "no claims found with margin") {
		t.Errorf("expected a margin no-match reason, got %+v", report.NoMatch)
	}
}

func TestScanAll_ExcludedKeyNeverOverwritten(t *testing.T) {
	f := newFixture(t)
	tr := f.addTrigger(losartanTrigger())
	f.binValues.values = append(f.binValues.values, &trigger.BinValue{
		ID: uuid.New(), TriggerID: tr.ID, BIN: "610097", IsExcluded: true,
		CoverageStatus: trigger.CoverageExcluded,
	})
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "610097", gp: 40})
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "004740", gp: 25})

	if _, err := f.svc.ScanAll(context.Background(), Options{}); err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}

	excluded := f.binValues.forKey(tr.ID, "610097", "")
	if excluded == nil || !excluded.IsExcluded || excluded.GPValue != 0 {
		t.Errorf("excluded key must keep its manual row, got %+v", excluded)
	}
	if bv := f.binValues.forKey(tr.ID, "004740", ""); bv == nil || bv.GPValue != 25 {
		t.Errorf("other keys still get verified rows, got %+v", bv)
	}
}

func TestScanAll_BackPropagatesOpenOpportunities(t *testing.T) {
	f := newFixture(t)
	tr := f.addTrigger(losartanTrigger())
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "610097", ndc: "00093735810", gp: 40})

	matched := f.addClaim(claim{drug: "Lisinopril 10mg", bin: "610097", gp: 0})
	orphan := f.addClaim(claim{drug: "Lisinopril 10mg", bin: "999999", gp: 0})

	open := &opportunity.Opportunity{
		ID: uuid.New(), PharmacyID: f.pharmacyID, PatientID: matched.PatientID,
		PrescriptionID: &matched.ID, TriggerID: &tr.ID,
		Status: opportunity.StatusNotSubmitted, PotentialMarginGain: 15, AnnualMarginGain: 180,
	}
	fallback := &opportunity.Opportunity{
		ID: uuid.New(), PharmacyID: f.pharmacyID, PatientID: orphan.PatientID,
		PrescriptionID: &orphan.ID, TriggerID: &tr.ID,
		Status: opportunity.StatusNotSubmitted, PotentialMarginGain: 15, AnnualMarginGain: 180,
	}
	actioned := &opportunity.Opportunity{
		ID: uuid.New(), PharmacyID: f.pharmacyID, PatientID: uuid.New(),
		PrescriptionID: &matched.ID, TriggerID: &tr.ID,
		Status: opportunity.StatusSubmitted, PotentialMarginGain: 15,
	}
	f.opportunities.rows = append(f.opportunities.rows, open, fallback, actioned)

	report, err := f.svc.ScanAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if report.OpportunitiesUpdated != 2 {
		t.Fatalf("expected 2 back-propagated rows, got %+v", report)
	}

	if open.PotentialMarginGain != 40 || open.AnnualMarginGain != 480 {
		t.Errorf("matched opportunity should carry the verified GP, got %+v", open)
	}
	if open.RecommendedNDC != "00093735810" {
		t.Errorf("matched opportunity should adopt the best NDC, got %q", open.RecommendedNDC)
	}
	if fallback.PotentialMarginGain != 40 {
		t.Errorf("unmatched BIN falls back to the median, got %v", fallback.PotentialMarginGain)
	}
	if actioned.PotentialMarginGain != 15 {
		t.Errorf("actioned opportunities must keep their numbers, got %v", actioned.PotentialMarginGain)
	}
}

func TestScanAll_BackPropagationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tr := f.addTrigger(losartanTrigger())
	f.addClaim(claim{drug: "Losartan 50mg Tab", bin: "610097", gp: 40})
	matched := f.addClaim(claim{drug: "Lisinopril 10mg", bin: "610097", gp: 0})
	open := &opportunity.Opportunity{
		ID: uuid.New(), PharmacyID: f.pharmacyID, PatientID: matched.PatientID,
		PrescriptionID: &matched.ID, TriggerID: &tr.ID,
		Status: opportunity.StatusNotSubmitted,
	}
	f.opportunities.rows = append(f.opportunities.rows, open)

	if _, err := f.svc.ScanAll(context.Background(), Options{}); err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	first := *open
	if _, err := f.svc.ScanAll(context.Background(), Options{}); err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if open.PotentialMarginGain != first.PotentialMarginGain || open.AnnualMarginGain != first.AnnualMarginGain {
		t.Errorf("second scan changed economics: %+v vs %+v", first, *open)
	}
}

func TestScanAll_PharmacyScopeCleanup(t *testing.T) {
	f := newFixture(t)
	tr := losartanTrigger()
	tr.PharmacyInclusions = []uuid.UUID{f.pharmacyID}
	f.addTrigger(tr)

	outsider := &opportunity.Opportunity{
		ID: uuid.New(), PharmacyID: uuid.New(), PatientID: uuid.New(),
		TriggerID: &tr.ID, Status: opportunity.StatusNotSubmitted,
	}
	inScope := &opportunity.Opportunity{
		ID: uuid.New(), PharmacyID: f.pharmacyID, PatientID: uuid.New(),
		TriggerID: &tr.ID, Status: opportunity.StatusNotSubmitted,
	}
	actionedOutside := &opportunity.Opportunity{
		ID: uuid.New(), PharmacyID: uuid.New(), PatientID: uuid.New(),
		TriggerID: &tr.ID, Status: opportunity.StatusSubmitted,
	}
	f.opportunities.rows = append(f.opportunities.rows, outsider, inScope, actionedOutside)

	report, err := f.svc.ScanAll(context.Background(), Options{})
	if err != nil {
		t.Fatalf("ScanAll failed: %v", err)
	}
	if report.CleanupRemoved != 1 {
		t.Fatalf("expected 1 removed, got %d", report.CleanupRemoved)
	}
	if len(f.opportunities.rows) != 2 {
		t.Errorf("in-scope and actioned rows must survive, got %d rows", len(f.opportunities.rows))
	}
}

func TestScanAll_SecondConcurrentRunRejected(t *testing.T) {
	f := newFixture(t)
	release, err := f.svc.locker.TryAcquire(lockKey)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	defer release()

	if _, err := f.svc.ScanAll(context.Background(), Options{}); err != jobs.ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}
