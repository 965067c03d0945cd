package trigger

import (
	"time"

	"github.com/google/uuid"
)

// Trigger types. Combo rules are evaluated like therapeutic interchanges and
// differ only as a display category.
const (
	TypeTherapeuticInterchange = "therapeutic_interchange"
	TypeMissingTherapy         = "missing_therapy"
	TypeNDCOptimization        = "ndc_optimization"
	TypeCombo                  = "combo"
)

// Keyword match modes for if_has_keywords.
const (
	MatchAny = "any"
	MatchAll = "all"
)

// Coverage statuses for TriggerBinValue rows.
const (
	CoverageVerified = "verified"
	CoverageExcluded = "excluded"
	CoverageUnknown  = "unknown"
)

// Trigger is a configurable detection rule.
type Trigger struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Code        string    `db:"code" json:"code"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Type        string    `db:"trigger_type" json:"trigger_type"`
	Category    string    `db:"category" json:"category"`
	IsEnabled   bool      `db:"is_enabled" json:"is_enabled"`
	Priority    int       `db:"priority" json:"priority"`

	DetectionKeywords  []string `db:"detection_keywords" json:"detection_keywords"`
	ExcludeKeywords    []string `db:"exclude_keywords" json:"exclude_keywords"`
	IfHasKeywords      []string `db:"if_has_keywords" json:"if_has_keywords"`
	IfNotHasKeywords   []string `db:"if_not_has_keywords" json:"if_not_has_keywords"`
	KeywordMatchMode   string   `db:"keyword_match_mode" json:"keyword_match_mode"`
	ExpectedQty        *float64 `db:"expected_qty" json:"expected_qty,omitempty"`
	ExpectedDaysSupply *int     `db:"expected_days_supply" json:"expected_days_supply,omitempty"`

	RecommendedDrug          string      `db:"recommended_drug" json:"recommended_drug"`
	RecommendedNDC           string      `db:"recommended_ndc" json:"recommended_ndc"`
	PharmacyInclusions       []uuid.UUID `db:"pharmacy_inclusions" json:"pharmacy_inclusions"`
	BINInclusions            []string    `db:"bin_inclusions" json:"bin_inclusions"`
	BINExclusions            []string    `db:"bin_exclusions" json:"bin_exclusions"`
	GroupInclusions          []string    `db:"group_inclusions" json:"group_inclusions"`
	GroupExclusions          []string    `db:"group_exclusions" json:"group_exclusions"`
	ContractPrefixExclusions []string    `db:"contract_prefix_exclusions" json:"contract_prefix_exclusions"`

	AnnualFills        int        `db:"annual_fills" json:"annual_fills"`
	DefaultGPValue     float64    `db:"default_gp_value" json:"default_gp_value"`
	MinMarginDefault   float64    `db:"min_margin_default" json:"min_margin_default"`
	ClinicalRationale  string     `db:"clinical_rationale" json:"clinical_rationale"`
	ActionInstructions string     `db:"action_instructions" json:"action_instructions"`
	SyncedAt           *time.Time `db:"synced_at" json:"synced_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AppliesToPharmacy reports whether the rule is in scope for the pharmacy.
// An empty inclusion list means all pharmacies.
func (t *Trigger) AppliesToPharmacy(pharmacyID uuid.UUID) bool {
	if len(t.PharmacyInclusions) == 0 {
		return true
	}
	for _, id := range t.PharmacyInclusions {
		if id == pharmacyID {
			return true
		}
	}
	return false
}

// BinValue holds the scanner-derived economics for one (trigger, BIN, group)
// insurance key.
type BinValue struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	TriggerID          uuid.UUID  `db:"trigger_id" json:"trigger_id"`
	BIN                string     `db:"bin" json:"bin"`
	GroupNumber        string     `db:"group_number" json:"group_number"`
	CoverageStatus     string     `db:"coverage_status" json:"coverage_status"`
	VerifiedClaimCount int        `db:"verified_claim_count" json:"verified_claim_count"`
	AvgReimbursement   float64    `db:"avg_reimbursement" json:"avg_reimbursement"`
	AvgQty             float64    `db:"avg_qty" json:"avg_qty"`
	GPValue            float64    `db:"gp_value" json:"gp_value"`
	BestDrugName       string     `db:"best_drug_name" json:"best_drug_name"`
	BestNDC            string     `db:"best_ndc" json:"best_ndc"`
	IsExcluded         bool       `db:"is_excluded" json:"is_excluded"`
	VerifiedAt         *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}
