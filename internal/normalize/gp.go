package normalize

import "math"

// GPRawKeys is the ordered list of raw-bag keys consulted for a claim's gross
// profit. The first key holding a non-zero amount wins. Ordering is part of
// the contract: vendor exports disagree on naming, and adjusted-profit fields
// are trusted only when no plain profit field is present.
var GPRawKeys = []string{
	"gross_profit",
	"Gross Profit",
	"grossprofit",
	"GrossProfit",
	"net_profit",
	"Net Profit",
	"netprofit",
	"NetProfit",
	"adj_profit",
	"Adj Profit",
	"adjusted_profit",
	"Adjusted Profit",
}

// ClaimGP extracts the per-claim gross profit from the raw bag, consulting
// GPRawKeys in order and falling back to Price - Actual Cost. The scanner
// trusts only raw-bag signals; it never recomputes GP from the canonical
// payment columns.
func ClaimGP(raw map[string]string) float64 {
	for _, key := range GPRawKeys {
		if v, ok := raw[key]; ok {
			if gp := Amount(v); gp != 0 {
				return gp
			}
		}
	}
	price := Amount(raw["Price"])
	cost := Amount(raw["Actual Cost"])
	if price != 0 || cost != 0 {
		return price - cost
	}
	return 0
}

// DaysSupplyEstimate returns the effective days supply for normalization:
// the reported value when present, otherwise inferred from quantity.
func DaysSupplyEstimate(daysSupply int, quantity float64) int {
	if daysSupply > 0 {
		return daysSupply
	}
	switch {
	case quantity > 60:
		return 90
	case quantity > 34:
		return 60
	default:
		return 30
	}
}

// MonthlyFactor returns the multiplier that converts a per-fill scalar to a
// 30-day value. Triggers with a configured expected days supply scale
// exactly; all others divide into whole month buckets so a 90-day fill with
// $90 GP normalizes to $30.
func MonthlyFactor(daysSupplyEst int, hasExpectedDaysSupply bool) float64 {
	if hasExpectedDaysSupply {
		if daysSupplyEst < 1 {
			daysSupplyEst = 1
		}
		return 30.0 / float64(daysSupplyEst)
	}
	months := math.Ceil(float64(daysSupplyEst) / 30.0)
	if months < 1 {
		months = 1
	}
	return 1.0 / months
}

// MonthlyGP normalizes a per-claim GP and quantity to 30-day values.
func MonthlyGP(gp, quantity float64, daysSupply int, hasExpectedDaysSupply bool) (gp30, qty30 float64) {
	est := DaysSupplyEstimate(daysSupply, quantity)
	factor := MonthlyFactor(est, hasExpectedDaysSupply)
	return gp * factor, quantity * factor
}
