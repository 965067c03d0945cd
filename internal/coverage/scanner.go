// Package coverage derives per-insurance economics for every trigger from
// observed claims: which product reimburses best on each (BIN, group) key,
// what its 30-day gross profit looks like, and which opportunities need their
// numbers refreshed.
package coverage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/rxscan/rxscan/internal/domain/opportunity"
	"github.com/rxscan/rxscan/internal/domain/prescription"
	"github.com/rxscan/rxscan/internal/domain/trigger"
	"github.com/rxscan/rxscan/internal/normalize"
	"github.com/rxscan/rxscan/internal/platform/db"
	"github.com/rxscan/rxscan/internal/platform/jobs"
)

// lockKey serializes coverage scans process-wide.
const lockKey = "coverage-scan"

const (
	backPropBatchSize = 500
	maxReportErrors   = 20

	// minDaysSupply is the floor for candidate claims when the trigger does
	// not declare an expected days supply; short fills distort the 30-day
	// normalization.
	minDaysSupply = 28
)

// Options tune one scan run. Zero values fall back to the defaults.
type Options struct {
	MinClaims    int
	DaysBack     int
	MinMargin    float64
	DMEMinMargin float64
}

func (o Options) withDefaults() Options {
	if o.MinClaims <= 0 {
		o.MinClaims = 1
	}
	if o.DaysBack <= 0 {
		o.DaysBack = 365
	}
	if o.MinMargin <= 0 {
		o.MinMargin = 10
	}
	if o.DMEMinMargin <= 0 {
		o.DMEMinMargin = 3
	}
	return o
}

// TriggerResult summarizes one trigger's scan.
type TriggerResult struct {
	TriggerID      uuid.UUID `json:"trigger_id"`
	Code           string    `json:"code"`
	ClaimsMatched  int       `json:"claims_matched"`
	VerifiedRows   int       `json:"verified_rows"`
	MedianGP       float64   `json:"median_gp"`
	BackPropagated int       `json:"back_propagated"`
	Disabled       bool      `json:"disabled"`
}

// NoMatch names a trigger the scan could not verify and why.
type NoMatch struct {
	TriggerID uuid.UUID `json:"trigger_id"`
	Code      string    `json:"code"`
	Reason    string    `json:"reason"`
}

// Report is the outcome of one full coverage scan.
type Report struct {
	TriggersScanned      int              `json:"triggers_scanned"`
	TriggersVerified     int              `json:"triggers_verified"`
	TriggersDisabled     int              `json:"triggers_disabled"`
	RowsWritten          int              `json:"rows_written"`
	OpportunitiesUpdated int              `json:"opportunities_updated"`
	CleanupRemoved       int64            `json:"cleanup_removed"`
	Results              []*TriggerResult `json:"results"`
	NoMatch              []NoMatch        `json:"no_match"`
	Errors               []string         `json:"errors,omitempty"`
}

func (r *Report) addError(format string, args ...interface{}) {
	if len(r.Errors) < maxReportErrors {
		r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	}
}

type Service struct {
	triggers      trigger.Repository
	binValues     trigger.BinValueRepository
	fills         prescription.Repository
	opportunities opportunity.Repository
	locker        *jobs.Locker
	runTx         func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewService(
	triggers trigger.Repository,
	binValues trigger.BinValueRepository,
	fills prescription.Repository,
	opportunities opportunity.Repository,
	pool *pgxpool.Pool,
	locker *jobs.Locker,
) *Service {
	return &Service{
		triggers:      triggers,
		binValues:     binValues,
		fills:         fills,
		opportunities: opportunities,
		locker:        locker,
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.RunInTx(ctx, pool, fn)
		},
	}
}

// ScanAll rescans coverage for every enabled trigger, rewrites its
// TriggerBinValue rows, refreshes trigger and opportunity economics, and
// removes never-actioned opportunities that fell out of a trigger's pharmacy
// scope. One scan per process at a time.
func (s *Service) ScanAll(ctx context.Context, opts Options) (*Report, error) {
	release, err := s.locker.TryAcquire(lockKey)
	if err != nil {
		return nil, err
	}
	defer release()

	opts = opts.withDefaults()
	start := time.Now()

	enabled, err := s.triggers.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load triggers: %w", err)
	}

	report := &Report{}
	for _, t := range enabled {
		report.TriggersScanned++
		result, noMatch, err := s.scanTrigger(ctx, t, opts)
		if err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			report.addError("trigger %s: %v", t.Code, err)
			log.Error().Err(err).Str("trigger", t.Code).Msg("coverage scan failed for trigger")
			continue
		}
		if noMatch != nil {
			report.NoMatch = append(report.NoMatch, *noMatch)
		}
		if result != nil {
			report.Results = append(report.Results, result)
			report.RowsWritten += result.VerifiedRows
			report.OpportunitiesUpdated += result.BackPropagated
			if result.Disabled {
				report.TriggersDisabled++
			} else if result.VerifiedRows > 0 {
				report.TriggersVerified++
			}
		}
	}

	removed, err := s.cleanupPharmacyScope(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return report, err
		}
		report.addError("pharmacy scope cleanup: %v", err)
	}
	report.CleanupRemoved = removed

	log.Info().
		Int("triggers", report.TriggersScanned).
		Int("verified", report.TriggersVerified).
		Int("disabled", report.TriggersDisabled).
		Int("rows", report.RowsWritten).
		Int("opportunities_updated", report.OpportunitiesUpdated).
		Int64("cleanup_removed", report.CleanupRemoved).
		Dur("elapsed", time.Since(start)).
		Msg("coverage scan finished")
	return report, nil
}

// scanTrigger runs discovery, write-back, and back-propagation for one rule.
func (s *Service) scanTrigger(ctx context.Context, t *trigger.Trigger, opts Options) (*TriggerResult, *NoMatch, error) {
	margin := opts.MinMargin
	if t.Type == trigger.TypeNDCOptimization {
		margin = opts.DMEMinMargin
	}

	sets, reason := searchKeywordSets(t)
	if reason != "" {
		return nil, &NoMatch{TriggerID: t.ID, Code: t.Code, Reason: reason}, nil
	}

	since := time.Now().UTC().AddDate(0, 0, -opts.DaysBack)
	claims, err := s.fills.SearchClaims(ctx, prescription.ClaimSearch{Since: since, KeywordSets: sets})
	if err != nil {
		return nil, nil, fmt.Errorf("search claims: %w", err)
	}
	candidates := filterCandidates(claims, t)

	// Keys pinned with is_excluded survive every rescan untouched and never
	// feed the median.
	existing, err := s.binValues.ListByTrigger(ctx, t.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load bin values: %w", err)
	}
	excludedKeys := make(map[string]bool)
	for _, bv := range existing {
		if bv.IsExcluded {
			excludedKeys[bv.BIN+"|"+bv.GroupNumber] = true
		}
	}

	rows, median := aggregate(candidates, t, opts.MinClaims, margin, excludedKeys)

	result := &TriggerResult{
		TriggerID:     t.ID,
		Code:          t.Code,
		ClaimsMatched: len(candidates),
		VerifiedRows:  len(rows),
		MedianGP:      median,
	}

	if len(rows) == 0 {
		// Stale economics must not linger; clearing and disabling surfaces
		// the rule for manual review.
		err := s.runTx(ctx, func(ctx context.Context) error {
			return s.binValues.DeleteNonExcluded(ctx, t.ID)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("clear bin values: %w", err)
		}
		if err := s.triggers.SetEnabled(ctx, t.ID, false); err != nil {
			return nil, nil, fmt.Errorf("disable trigger: %w", err)
		}
		result.Disabled = true
		return result, &NoMatch{
			TriggerID: t.ID,
			Code:      t.Code,
			Reason:    fmt.Sprintf("no claims found with margin >= $%.2f", margin),
		}, nil
	}

	err = s.runTx(ctx, func(ctx context.Context) error {
		if err := s.binValues.DeleteNonExcluded(ctx, t.ID); err != nil {
			return err
		}
		if err := s.binValues.UpsertBatch(ctx, rows); err != nil {
			return err
		}
		// recommended_ndc stays admin-owned; only the default GP moves.
		return s.triggers.UpdateEconomics(ctx, t.ID, median)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("write bin values: %w", err)
	}

	updated, err := s.backPropagate(ctx, t, rows, median)
	if err != nil {
		return nil, nil, fmt.Errorf("back-propagate: %w", err)
	}
	result.BackPropagated = updated
	return result, nil, nil
}

// searchKeywordSets derives the claim search terms for a trigger. NDC
// optimization rules search every detection keyword as its own set (OR);
// all other types search the recommended drug (AND across its tokens).
func searchKeywordSets(t *trigger.Trigger) (sets [][]string, noMatchReason string) {
	if t.Type == trigger.TypeNDCOptimization {
		if len(t.DetectionKeywords) == 0 {
			return nil, "no search criteria"
		}
		for _, kw := range t.DetectionKeywords {
			if tokens := normalize.DrugKeywords(kw); len(tokens) > 0 {
				sets = append(sets, tokens)
			}
		}
		if len(sets) == 0 {
			return nil, "no valid search terms after filtering"
		}
		return sets, ""
	}

	if t.RecommendedDrug == "" {
		return nil, "no search criteria"
	}
	tokens := normalize.DrugKeywords(t.RecommendedDrug)
	if len(tokens) == 0 {
		return nil, "no valid search terms after filtering"
	}
	return [][]string{tokens}, ""
}

// filterCandidates applies the constraints the wide query cannot express:
// exclude keywords and the days-supply floor.
func filterCandidates(claims []*prescription.Prescription, t *trigger.Trigger) []*prescription.Prescription {
	exclude := normalize.UpperSet(t.ExcludeKeywords)
	minDays := minDaysSupply
	if t.ExpectedDaysSupply != nil {
		minDays = int(0.8 * float64(*t.ExpectedDaysSupply))
	}
	var out []*prescription.Prescription
	for _, c := range claims {
		if normalize.ContainsAny(c.DrugNameUpper(), exclude) {
			continue
		}
		if c.DaysSupply < minDays {
			continue
		}
		out = append(out, c)
	}
	return out
}

// productGroup accumulates claims for one (bin, group, drug, ndc).
type productGroup struct {
	bin, group, drug, ndc string
	count                 int
	sumGP30               float64
	sumQty30              float64
	sumReimbursement      float64
}

func (g *productGroup) meanGP() float64 { return g.sumGP30 / float64(g.count) }

// aggregate groups candidate claims by (bin, group, drug, ndc), keeps the
// best-reimbursing product per (bin, group), and drops groups below the claim
// count and margin thresholds, plus any key in excludedKeys. Returns the
// surviving rows and the median of their mean GPs.
func aggregate(claims []*prescription.Prescription, t *trigger.Trigger, minClaims int, margin float64, excludedKeys map[string]bool) ([]*trigger.BinValue, float64) {
	hasExpected := t.ExpectedDaysSupply != nil
	groups := make(map[string]*productGroup)
	for _, c := range claims {
		gp := normalize.ClaimGP(c.Raw)
		gp30, qty30 := normalize.MonthlyGP(gp, c.Quantity, c.DaysSupply, hasExpected)

		key := c.InsuranceBIN + "|" + c.InsuranceGroup + "|" + c.DrugName + "|" + c.NDC
		g, ok := groups[key]
		if !ok {
			g = &productGroup{bin: c.InsuranceBIN, group: c.InsuranceGroup, drug: c.DrugName, ndc: c.NDC}
			groups[key] = g
		}
		g.count++
		g.sumGP30 += gp30
		g.sumQty30 += qty30
		g.sumReimbursement += c.InsurancePay
	}

	// Best product per insurance key.
	best := make(map[string]*productGroup)
	for _, g := range groups {
		if g.count < minClaims || g.meanGP() < margin {
			continue
		}
		key := g.bin + "|" + g.group
		if excludedKeys[key] {
			continue
		}
		cur, ok := best[key]
		if !ok || betterGroup(g, cur) {
			best[key] = g
		}
	}

	now := time.Now().UTC()
	rows := make([]*trigger.BinValue, 0, len(best))
	means := make([]float64, 0, len(best))
	for _, g := range best {
		verifiedAt := now
		rows = append(rows, &trigger.BinValue{
			TriggerID:          t.ID,
			BIN:                g.bin,
			GroupNumber:        g.group,
			CoverageStatus:     trigger.CoverageVerified,
			VerifiedClaimCount: g.count,
			AvgReimbursement:   normalize.RoundCents(g.sumReimbursement / float64(g.count)),
			AvgQty:             normalize.RoundCents(g.sumQty30 / float64(g.count)),
			GPValue:            normalize.RoundCents(g.meanGP()),
			BestDrugName:       g.drug,
			BestNDC:            g.ndc,
			VerifiedAt:         &verifiedAt,
		})
		means = append(means, g.meanGP())
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].BIN != rows[j].BIN {
			return rows[i].BIN < rows[j].BIN
		}
		return rows[i].GroupNumber < rows[j].GroupNumber
	})
	return rows, normalize.RoundCents(median(means))
}

func betterGroup(a, b *productGroup) bool {
	if a.meanGP() != b.meanGP() {
		return a.meanGP() > b.meanGP()
	}
	if a.count != b.count {
		return a.count > b.count
	}
	return a.drug < b.drug
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// backPropagate refreshes economics on the trigger's open opportunities from
// the freshly verified rows. Each opportunity resolves through its originating
// fill's (BIN, group); a fill with no verified row falls back to the new
// median. Rows the evaluator has not created yet are none of our business.
func (s *Service) backPropagate(ctx context.Context, t *trigger.Trigger, rows []*trigger.BinValue, medianGP float64) (int, error) {
	open, err := s.opportunities.ListByTriggerStatus(ctx, t.ID, opportunity.StatusNotSubmitted)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}

	var fillIDs []uuid.UUID
	for _, o := range open {
		if o.PrescriptionID != nil {
			fillIDs = append(fillIDs, *o.PrescriptionID)
		}
	}
	fills, err := s.fills.GetByIDs(ctx, fillIDs)
	if err != nil {
		return 0, err
	}

	byKey := make(map[string]*trigger.BinValue, len(rows)*2)
	for _, bv := range rows {
		byKey[bv.BIN+"|"+bv.GroupNumber] = bv
		if _, ok := byKey[bv.BIN]; !ok || bv.GroupNumber == "" {
			byKey[bv.BIN] = bv
		}
	}

	annualFills := t.AnnualFills
	if annualFills <= 0 {
		annualFills = 12
	}

	updates := make([]opportunity.EconomicsUpdate, 0, len(open))
	for _, o := range open {
		var bv *trigger.BinValue
		if o.PrescriptionID != nil {
			if fill, ok := fills[*o.PrescriptionID]; ok && fill.InsuranceBIN != "" {
				if match, ok := byKey[fill.InsuranceBIN+"|"+fill.InsuranceGroup]; ok {
					bv = match
				} else {
					bv = byKey[fill.InsuranceBIN]
				}
			}
		}

		u := opportunity.EconomicsUpdate{ID: o.ID, PotentialMarginGain: medianGP}
		if bv != nil {
			u.PotentialMarginGain = bv.GPValue
			u.AvgQty = bv.AvgQty
			u.RecommendedNDC = bv.BestNDC
		}
		u.PotentialMarginGain = normalize.RoundCents(u.PotentialMarginGain)
		u.AnnualMarginGain = normalize.RoundCents(u.PotentialMarginGain * float64(annualFills))
		updates = append(updates, u)
	}

	for start := 0; start < len(updates); start += backPropBatchSize {
		end := start + backPropBatchSize
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]
		_, err := jobs.RetryBatch(ctx,
			func(ctx context.Context) error {
				return s.opportunities.UpdateEconomicsBatch(ctx, chunk)
			},
			func(ctx context.Context) (int, error) {
				failed := 0
				for _, u := range chunk {
					if err := s.opportunities.UpdateEconomicsBatch(ctx, []opportunity.EconomicsUpdate{u}); err != nil {
						failed++
						log.Warn().Err(err).Str("opportunity_id", u.ID.String()).Msg("economics update failed")
					}
				}
				return failed, nil
			})
		if err != nil {
			return start, err
		}
	}
	return len(updates), nil
}

// cleanupPharmacyScope removes never-actioned opportunities for pharmacies a
// trigger no longer includes. Widening the inclusion list later simply lets
// the evaluator recreate them.
func (s *Service) cleanupPharmacyScope(ctx context.Context) (int64, error) {
	all, err := s.triggers.List(ctx)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, t := range all {
		if len(t.PharmacyInclusions) == 0 {
			continue
		}
		n, err := s.opportunities.DeleteNotSubmittedOutside(ctx, t.ID, t.PharmacyInclusions)
		if err != nil {
			return removed, fmt.Errorf("trigger %s: %w", t.Code, err)
		}
		if n > 0 {
			log.Info().Str("trigger", t.Code).Int64("removed", n).Msg("removed out-of-scope opportunities")
		}
		removed += n
	}
	return removed, nil
}
