package prescription

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RawBag holds source-specific columns that survive ingestion untyped:
// vendor profit fields, AWP, therapeutic class, and anything unmapped.
type RawBag map[string]string

// Prescription is a single dispensed fill, immutable after ingest.
// Natural key: (pharmacy_id, rx_number, dispensed_date).
type Prescription struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PharmacyID      uuid.UUID `db:"pharmacy_id" json:"pharmacy_id"`
	PatientID       uuid.UUID `db:"patient_id" json:"patient_id"`
	RxNumber        string    `db:"rx_number" json:"rx_number"`
	DrugName        string    `db:"drug_name" json:"drug_name"`
	NDC             string    `db:"ndc" json:"ndc"`
	Quantity        float64   `db:"quantity" json:"quantity"`
	DaysSupply      int       `db:"days_supply" json:"days_supply"`
	DispensedDate   time.Time `db:"dispensed_date" json:"dispensed_date"`
	InsuranceBIN    string    `db:"insurance_bin" json:"insurance_bin"`
	InsuranceGroup  string    `db:"insurance_group" json:"insurance_group"`
	ContractID      string    `db:"contract_id" json:"contract_id"`
	PlanName        string    `db:"plan_name" json:"plan_name"`
	PatientPay      float64   `db:"patient_pay" json:"patient_pay"`
	InsurancePay    float64   `db:"insurance_pay" json:"insurance_pay"`
	AcquisitionCost float64   `db:"acquisition_cost" json:"acquisition_cost"`
	PrescriberName  string    `db:"prescriber_name" json:"prescriber_name"`
	DAWCode         string    `db:"daw_code" json:"daw_code"`
	Raw             RawBag    `db:"raw" json:"raw"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// DrugNameUpper returns the uppercase drug name used for keyword matching.
func (p *Prescription) DrugNameUpper() string {
	return strings.ToUpper(p.DrugName)
}
