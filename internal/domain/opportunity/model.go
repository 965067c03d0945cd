package opportunity

import (
	"time"

	"github.com/google/uuid"
)

// Workflow statuses. New opportunities start in StatusNotSubmitted; everything
// else is reached through staff review.
const (
	StatusNotSubmitted = "Not Submitted"
	StatusSubmitted    = "Submitted"
	StatusApproved     = "Approved"
	StatusCompleted    = "Completed"
	StatusDenied       = "Denied"
	StatusDeclined     = "Declined"
	StatusDidntWork    = "Didn't Work"
	StatusFlagged      = "Flagged"
)

// Priorities derived from the rule's priority number.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// ValidStatus reports whether s is a known workflow status.
func ValidStatus(s string) bool {
	switch s {
	case StatusNotSubmitted, StatusSubmitted, StatusApproved, StatusCompleted,
		StatusDenied, StatusDeclined, StatusDidntWork, StatusFlagged:
		return true
	}
	return false
}

// ClosedStatus reports whether s ends the opportunity's lifecycle; closed
// opportunities no longer block re-detection of the same patient/drug pair.
func ClosedStatus(s string) bool {
	return s == StatusDenied || s == StatusDeclined
}

// Opportunity is a detected margin-improvement recommendation for one patient.
type Opportunity struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PharmacyID     uuid.UUID  `db:"pharmacy_id" json:"pharmacy_id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	PrescriptionID *uuid.UUID `db:"prescription_id" json:"prescription_id,omitempty"`
	TriggerID      *uuid.UUID `db:"trigger_id" json:"trigger_id,omitempty"`
	Type           string     `db:"opportunity_type" json:"opportunity_type"`

	CurrentDrugName     string `db:"current_drug_name" json:"current_drug_name"`
	CurrentNDC          string `db:"current_ndc" json:"current_ndc"`
	RecommendedDrugName string `db:"recommended_drug_name" json:"recommended_drug_name"`
	RecommendedNDC      string `db:"recommended_ndc" json:"recommended_ndc"`

	AvgDispensedQty     float64 `db:"avg_dispensed_qty" json:"avg_dispensed_qty"`
	PotentialMarginGain float64 `db:"potential_margin_gain" json:"potential_margin_gain"`
	AnnualMarginGain    float64 `db:"annual_margin_gain" json:"annual_margin_gain"`
	ClinicalRationale   string  `db:"clinical_rationale" json:"clinical_rationale"`
	Priority            string  `db:"priority" json:"priority"`
	Status              string  `db:"status" json:"status"`

	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	ReviewedAt *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ActionedAt *time.Time `db:"actioned_at" json:"actioned_at,omitempty"`
}

// AuditEntry records one status transition.
type AuditEntry struct {
	ID            uuid.UUID `db:"id" json:"id"`
	OpportunityID uuid.UUID `db:"opportunity_id" json:"opportunity_id"`
	FromStatus    string    `db:"from_status" json:"from_status"`
	ToStatus      string    `db:"to_status" json:"to_status"`
	Actor         string    `db:"actor" json:"actor"`
	Reason        string    `db:"reason" json:"reason"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
