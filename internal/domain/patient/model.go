package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient is one resolved identity per (pharmacy, patient_hash). Names may be
// truncated for privacy by the source export; the hash is the stable key.
type Patient struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PharmacyID   uuid.UUID  `db:"pharmacy_id" json:"pharmacy_id"`
	PatientHash  string     `db:"patient_hash" json:"patient_hash"`
	FirstName    string     `db:"first_name" json:"first_name"`
	LastName     string     `db:"last_name" json:"last_name"`
	DateOfBirth  *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Conditions   []string   `db:"conditions" json:"conditions"`
	PrimaryBIN   string     `db:"primary_bin" json:"primary_bin"`
	PrimaryGroup string     `db:"primary_group" json:"primary_group"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// MergeConditions unions newly inferred conditions into the patient's set.
func (p *Patient) MergeConditions(conditions []string) {
	seen := make(map[string]bool, len(p.Conditions))
	for _, c := range p.Conditions {
		seen[c] = true
	}
	for _, c := range conditions {
		if !seen[c] {
			p.Conditions = append(p.Conditions, c)
			seen[c] = true
		}
	}
}
