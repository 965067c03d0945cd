package evaluator

import (
	"context"
	"strings"
	"time"

	"github.com/rxscan/rxscan/internal/domain/prescription"
	"github.com/rxscan/rxscan/internal/domain/trigger"
	"github.com/rxscan/rxscan/internal/normalize"
)

// Cache specificity levels, most specific first. A more specific match is
// always preferred: a GP observed on the exact insurance quadruple predicts
// reimbursement better than a drug-wide average.
const (
	levelExact        = "bin+group+contract+plan"
	levelContractPlan = "contract+plan"
	levelBINGroup     = "bin+group"
	levelDrugOnly     = "drug"
)

type gpBucket struct {
	sum float64
	n   int
}

// gpCache holds observed per-month GP for recommended drugs, keyed by
// insurance specificity. Built once per evaluator scan from one wide claims
// query over the trailing year.
type gpCache struct {
	buckets map[string]*gpBucket
}

type cacheTrigger struct {
	drugKey     string
	tokens      []string
	hasExpected bool
}

// buildGPCache runs the wide claims query for every trigger that names a
// recommended drug and accumulates normalized 30-day GP under the four
// specificity keys.
func buildGPCache(ctx context.Context, fills prescription.Repository, triggers []*trigger.Trigger, since time.Time) (*gpCache, error) {
	cache := &gpCache{buckets: make(map[string]*gpBucket)}

	var targets []cacheTrigger
	var sets [][]string
	seen := make(map[string]bool)
	for _, t := range triggers {
		if t.RecommendedDrug == "" {
			continue
		}
		tokens := normalize.DrugKeywords(t.RecommendedDrug)
		if len(tokens) == 0 {
			continue
		}
		drugKey := strings.ToUpper(strings.TrimSpace(t.RecommendedDrug))
		if seen[drugKey] {
			continue
		}
		seen[drugKey] = true
		targets = append(targets, cacheTrigger{
			drugKey:     drugKey,
			tokens:      tokens,
			hasExpected: t.ExpectedDaysSupply != nil,
		})
		sets = append(sets, tokens)
	}
	if len(targets) == 0 {
		return cache, nil
	}

	claims, err := fills.SearchClaims(ctx, prescription.ClaimSearch{Since: since, KeywordSets: sets})
	if err != nil {
		return nil, err
	}
	for _, c := range claims {
		gp := normalize.ClaimGP(c.Raw)
		if gp == 0 {
			continue
		}
		drugUpper := c.DrugNameUpper()
		for _, target := range targets {
			if !normalize.ContainsAll(drugUpper, target.tokens) {
				continue
			}
			gp30, _ := normalize.MonthlyGP(gp, c.Quantity, c.DaysSupply, target.hasExpected)
			cache.add(target.drugKey, c, gp30)
		}
	}
	return cache, nil
}

func (g *gpCache) add(drugKey string, c *prescription.Prescription, gp30 float64) {
	for _, key := range cacheKeys(drugKey, c.InsuranceBIN, c.InsuranceGroup, c.ContractID, c.PlanName) {
		b, ok := g.buckets[key]
		if !ok {
			b = &gpBucket{}
			g.buckets[key] = b
		}
		b.sum += gp30
		b.n++
	}
}

// Lookup returns the averaged observed GP for the drug on the fill's
// insurance, along with the specificity level that matched.
func (g *gpCache) Lookup(recommendedDrug string, fill *prescription.Prescription) (gp float64, level string, ok bool) {
	drugKey := strings.ToUpper(strings.TrimSpace(recommendedDrug))
	keys := cacheKeys(drugKey, fill.InsuranceBIN, fill.InsuranceGroup, fill.ContractID, fill.PlanName)
	levels := []string{levelExact, levelContractPlan, levelBINGroup, levelDrugOnly}
	for i, key := range keys {
		if b, found := g.buckets[key]; found && b.n > 0 {
			return b.sum / float64(b.n), levels[i], true
		}
	}
	return 0, "", false
}

// cacheKeys returns the four cache keys for a claim, most specific first.
func cacheKeys(drugKey, bin, group, contract, plan string) []string {
	return []string{
		drugKey + "|4|" + bin + "|" + group + "|" + contract + "|" + plan,
		drugKey + "|3|" + contract + "|" + plan,
		drugKey + "|2|" + bin + "|" + group,
		drugKey + "|1",
	}
}
