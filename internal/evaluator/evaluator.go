// Package evaluator matches enabled triggers against a pharmacy's recent
// fills and creates opportunities for the wins.
package evaluator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rxscan/rxscan/internal/domain/opportunity"
	"github.com/rxscan/rxscan/internal/domain/pharmacy"
	"github.com/rxscan/rxscan/internal/domain/prescription"
	"github.com/rxscan/rxscan/internal/domain/trigger"
	"github.com/rxscan/rxscan/internal/normalize"
	"github.com/rxscan/rxscan/internal/platform/jobs"
)

const (
	// DefaultLookbackDays bounds the fill window a scan considers.
	DefaultLookbackDays = 90

	// minMonthlyGP is the floor below which a match is not worth surfacing.
	minMonthlyGP = 10.0

	// fallbackGP is the last-resort monthly GP when nothing else resolves.
	fallbackGP = 50.0

	// gpCacheDays is the window for the observed-GP cache.
	gpCacheDays = 365
)

// Result summarizes one evaluator scan.
type Result struct {
	Created           int `json:"created"`
	SkippedDuplicates int `json:"skipped_duplicates"`
	TriggersEvaluated int `json:"triggers_evaluated"`
	TriggersFailed    int `json:"triggers_failed"`
}

type Service struct {
	pharmacies    pharmacy.Repository
	fills         prescription.Repository
	triggers      trigger.Repository
	binValues     trigger.BinValueRepository
	opportunities opportunity.Repository
	locker        *jobs.Locker
}

func NewService(
	pharmacies pharmacy.Repository,
	fills prescription.Repository,
	triggers trigger.Repository,
	binValues trigger.BinValueRepository,
	opportunities opportunity.Repository,
	locker *jobs.Locker,
) *Service {
	return &Service{
		pharmacies:    pharmacies,
		fills:         fills,
		triggers:      triggers,
		binValues:     binValues,
		opportunities: opportunities,
		locker:        locker,
	}
}

// patientWindow is one patient's working set: fills newest-first and the
// uppercase drug names dispensed in the window.
type patientWindow struct {
	patientID uuid.UUID
	fills     []*prescription.Prescription
	drugNames []string
}

// Scan evaluates every enabled trigger against the pharmacy's fills from the
// last lookbackDays. One scan per pharmacy at a time.
func (s *Service) Scan(ctx context.Context, pharmacyID uuid.UUID, lookbackDays int) (*Result, error) {
	release, err := s.locker.TryAcquire("evaluator:" + pharmacyID.String())
	if err != nil {
		return nil, err
	}
	defer release()

	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}

	ph, err := s.pharmacies.GetByID(ctx, pharmacyID)
	if err != nil {
		return nil, fmt.Errorf("load pharmacy: %w", err)
	}
	excludedBINs := make(map[string]bool)
	for bin := range ph.Settings.ExcludedBINs() {
		excludedBINs[normalize.BIN(bin)] = true
	}

	triggers, err := s.triggers.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load triggers: %w", err)
	}
	inScope := triggers[:0]
	for _, t := range triggers {
		if t.AppliesToPharmacy(pharmacyID) {
			inScope = append(inScope, t)
		}
	}

	now := time.Now().UTC()
	fills, err := s.fills.ListForPharmacySince(ctx, pharmacyID, now.AddDate(0, 0, -lookbackDays))
	if err != nil {
		return nil, fmt.Errorf("load fills: %w", err)
	}
	patients := groupByPatient(fills)

	binValues, err := s.loadBinValues(ctx)
	if err != nil {
		return nil, fmt.Errorf("load bin values: %w", err)
	}

	cache, err := buildGPCache(ctx, s.fills, inScope, now.AddDate(0, 0, -gpCacheDays))
	if err != nil {
		return nil, fmt.Errorf("build gp cache: %w", err)
	}

	result := &Result{}
	queued := make(map[string]bool) // pharmacy-scan dedup: patient|UPPER(drug)

	// Ascending priority: the highest-priority rule claims the patient/drug
	// pair first and later rules fall out through dedup.
	for _, t := range inScope {
		result.TriggersEvaluated++
		if err := s.evaluateTrigger(ctx, t, patients, excludedBINs, binValues, cache, queued, result); err != nil {
			if ctx.Err() != nil {
				return result, err
			}
			result.TriggersFailed++
			log.Error().Err(err).Str("trigger", t.Code).Msg("trigger evaluation failed")
		}
	}

	log.Info().
		Str("pharmacy_id", pharmacyID.String()).
		Int("created", result.Created).
		Int("skipped_duplicates", result.SkippedDuplicates).
		Int("triggers", result.TriggersEvaluated).
		Msg("evaluator scan finished")
	return result, nil
}

func (s *Service) evaluateTrigger(
	ctx context.Context,
	t *trigger.Trigger,
	patients []*patientWindow,
	excludedBINs map[string]bool,
	binValues map[uuid.UUID]map[string]*trigger.BinValue,
	cache *gpCache,
	queued map[string]bool,
	result *Result,
) error {
	if len(t.DetectionKeywords) == 0 {
		return fmt.Errorf("enabled trigger %s has no detection keywords", t.Code)
	}
	detection := normalize.UpperSet(t.DetectionKeywords)
	exclude := normalize.UpperSet(t.ExcludeKeywords)
	ifHas := normalize.UpperSet(t.IfHasKeywords)
	ifNotHas := normalize.UpperSet(t.IfNotHasKeywords)

	for _, pw := range patients {
		fill := matchFill(pw, detection, exclude)
		if fill == nil {
			continue
		}
		if !s.inInsuranceScope(t, fill, excludedBINs) {
			continue
		}
		if !patientContextOK(pw, fill, ifHas, ifNotHas, t.KeywordMatchMode) {
			continue
		}

		bv := lookupBinValue(binValues[t.ID], fill)
		if bv != nil && bv.IsExcluded {
			continue
		}

		gp := s.resolveGP(t, fill, bv, cache)
		if gp < minMonthlyGP {
			continue
		}

		recommended := recommendedDrug(t, bv, fill)
		dedupKey := pw.patientID.String() + "|" + strings.ToUpper(recommended)
		if queued[dedupKey] {
			result.SkippedDuplicates++
			continue
		}
		exists, err := s.opportunities.ExistsLive(ctx, fill.PharmacyID, pw.patientID, recommended)
		if err != nil {
			return err
		}
		if exists {
			queued[dedupKey] = true
			result.SkippedDuplicates++
			continue
		}

		o := buildOpportunity(t, pw, fill, bv, gp, recommended)
		if err := s.opportunities.Create(ctx, o); err != nil {
			return err
		}
		queued[dedupKey] = true
		result.Created++
	}
	return nil
}

// matchFill finds the most recent fill containing a detection keyword and no
// exclude keyword. Fills arrive newest-first.
func matchFill(pw *patientWindow, detection, exclude []string) *prescription.Prescription {
	for _, f := range pw.fills {
		name := f.DrugNameUpper()
		if !normalize.ContainsAny(name, detection) {
			continue
		}
		if normalize.ContainsAny(name, exclude) {
			continue
		}
		return f
	}
	return nil
}

func (s *Service) inInsuranceScope(t *trigger.Trigger, fill *prescription.Prescription, excludedBINs map[string]bool) bool {
	if excludedBINs[fill.InsuranceBIN] {
		return false
	}
	if len(t.BINInclusions) > 0 && !containsString(t.BINInclusions, fill.InsuranceBIN) {
		return false
	}
	if containsString(t.BINExclusions, fill.InsuranceBIN) {
		return false
	}
	if len(t.GroupInclusions) > 0 && !containsString(t.GroupInclusions, fill.InsuranceGroup) {
		return false
	}
	if containsString(t.GroupExclusions, fill.InsuranceGroup) {
		return false
	}
	for _, prefix := range t.ContractPrefixExclusions {
		if prefix != "" && strings.HasPrefix(fill.ContractID, prefix) {
			return false
		}
	}
	return true
}

func patientContextOK(pw *patientWindow, matched *prescription.Prescription, ifHas, ifNotHas []string, matchMode string) bool {
	if len(ifNotHas) > 0 {
		for _, name := range pw.drugNames {
			if normalize.ContainsAny(name, ifNotHas) {
				return false
			}
		}
	}
	if len(ifHas) == 0 {
		return true
	}
	matchedName := matched.DrugNameUpper()
	if matchMode == trigger.MatchAll {
		// Every context keyword must appear somewhere in the patient's other
		// window drugs.
		for _, kw := range ifHas {
			found := false
			for _, name := range pw.drugNames {
				if name != matchedName && strings.Contains(name, kw) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	for _, name := range pw.drugNames {
		if name != matchedName && normalize.ContainsAny(name, ifHas) {
			return true
		}
	}
	return false
}

// resolveGP walks the resolution ladder: verified coverage row, observed-GP
// cache, trigger default, the fill's own GP, then the flat fallback.
func (s *Service) resolveGP(t *trigger.Trigger, fill *prescription.Prescription, bv *trigger.BinValue, cache *gpCache) float64 {
	if bv != nil && bv.CoverageStatus == trigger.CoverageVerified && bv.GPValue > 0 {
		return bv.GPValue
	}
	if t.RecommendedDrug != "" {
		if gp, _, ok := cache.Lookup(t.RecommendedDrug, fill); ok && gp > 0 {
			return gp
		}
	}
	if t.DefaultGPValue > 0 {
		return t.DefaultGPValue
	}
	if gp := normalize.ClaimGP(fill.Raw); gp != 0 {
		gp30, _ := normalize.MonthlyGP(gp, fill.Quantity, fill.DaysSupply, t.ExpectedDaysSupply != nil)
		if gp30 > 0 {
			return gp30
		}
	}
	return fallbackGP
}

func recommendedDrug(t *trigger.Trigger, bv *trigger.BinValue, fill *prescription.Prescription) string {
	if t.RecommendedDrug != "" {
		return t.RecommendedDrug
	}
	if bv != nil && bv.BestDrugName != "" {
		return bv.BestDrugName
	}
	return fill.DrugName
}

func buildOpportunity(
	t *trigger.Trigger,
	pw *patientWindow,
	fill *prescription.Prescription,
	bv *trigger.BinValue,
	gp float64,
	recommended string,
) *opportunity.Opportunity {
	triggerID := t.ID
	fillID := fill.ID

	recommendedNDC := t.RecommendedNDC
	avgQty := fill.Quantity
	if bv != nil {
		if bv.BestNDC != "" {
			recommendedNDC = bv.BestNDC
		}
		if bv.AvgQty > 0 {
			avgQty = bv.AvgQty
		}
	}
	rationale := t.ClinicalRationale
	if rationale == "" {
		rationale = t.ActionInstructions
	}
	oppType := t.Type
	if oppType == trigger.TypeCombo {
		oppType = trigger.TypeTherapeuticInterchange
	}

	monthly := normalize.RoundCents(gp)
	return &opportunity.Opportunity{
		PharmacyID:          fill.PharmacyID,
		PatientID:           pw.patientID,
		PrescriptionID:      &fillID,
		TriggerID:           &triggerID,
		Type:                oppType,
		CurrentDrugName:     fill.DrugName,
		CurrentNDC:          fill.NDC,
		RecommendedDrugName: recommended,
		RecommendedNDC:      recommendedNDC,
		AvgDispensedQty:     avgQty,
		PotentialMarginGain: monthly,
		AnnualMarginGain:    normalize.RoundCents(monthly * float64(t.AnnualFills)),
		ClinicalRationale:   rationale,
		Priority:            priorityLabel(t.Priority),
		Status:              opportunity.StatusNotSubmitted,
	}
}

func priorityLabel(priority int) string {
	switch {
	case priority <= 2:
		return opportunity.PriorityHigh
	case priority <= 4:
		return opportunity.PriorityMedium
	default:
		return opportunity.PriorityLow
	}
}

func groupByPatient(fills []*prescription.Prescription) []*patientWindow {
	byPatient := make(map[uuid.UUID]*patientWindow)
	var order []uuid.UUID
	for _, f := range fills {
		pw, ok := byPatient[f.PatientID]
		if !ok {
			pw = &patientWindow{patientID: f.PatientID}
			byPatient[f.PatientID] = pw
			order = append(order, f.PatientID)
		}
		pw.fills = append(pw.fills, f)
		pw.drugNames = append(pw.drugNames, f.DrugNameUpper())
	}
	out := make([]*patientWindow, 0, len(order))
	for _, id := range order {
		out = append(out, byPatient[id])
	}
	return out
}

// loadBinValues indexes coverage rows per trigger under "bin|group" and
// "bin" keys so the (BIN, group) lookup falls back to BIN-only.
func (s *Service) loadBinValues(ctx context.Context) (map[uuid.UUID]map[string]*trigger.BinValue, error) {
	rows, err := s.binValues.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]map[string]*trigger.BinValue)
	for _, bv := range rows {
		byKey, ok := out[bv.TriggerID]
		if !ok {
			byKey = make(map[string]*trigger.BinValue)
			out[bv.TriggerID] = byKey
		}
		byKey[bv.BIN+"|"+bv.GroupNumber] = bv
		if _, exists := byKey[bv.BIN]; !exists || bv.GroupNumber == "" {
			byKey[bv.BIN] = bv
		}
	}
	return out, nil
}

func lookupBinValue(byKey map[string]*trigger.BinValue, fill *prescription.Prescription) *trigger.BinValue {
	if byKey == nil || fill.InsuranceBIN == "" {
		return nil
	}
	if bv, ok := byKey[fill.InsuranceBIN+"|"+fill.InsuranceGroup]; ok {
		return bv
	}
	return byKey[fill.InsuranceBIN]
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
