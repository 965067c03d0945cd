package ingest

import "strings"

// Canonical claim fields. Everything a source export can carry maps onto one
// of these or lands in the raw bag.
const (
	FieldRxNumber         = "rx_number"
	FieldDrugName         = "drug_name"
	FieldNDC              = "ndc"
	FieldQuantity         = "quantity"
	FieldDaysSupply       = "days_supply"
	FieldDispensedDate    = "dispensed_date"
	FieldPatientName      = "patient_name"
	FieldPatientFirstName = "patient_first_name"
	FieldPatientLastName  = "patient_last_name"
	FieldPatientDOB       = "patient_dob"
	FieldInsuranceBIN     = "insurance_bin"
	FieldGroupNumber      = "group_number"
	FieldContractID       = "contract_id"
	FieldPlanName         = "plan_name"
	FieldPatientPay       = "patient_pay"
	FieldInsurancePay     = "insurance_pay"
	FieldAcquisitionCost  = "acquisition_cost"
	FieldGrossProfit      = "gross_profit"
	FieldNetProfit        = "net_profit"
	FieldAWP              = "awp"
	FieldPrescriberName   = "prescriber_name"
	FieldDAWCode          = "daw_code"
	FieldSig              = "sig"
	FieldTherapeuticClass = "therapeutic_class"
)

// headerAliases maps normalized header cells from the export formats we see
// in the field (PioneerRx, RX30, PrimeRx, Aracoma/PMS) to canonical fields.
// Matching is case-insensitive with collapsed whitespace.
var headerAliases = map[string]string{
	// rx number
	"rx number":           FieldRxNumber,
	"rx #":                FieldRxNumber,
	"rx#":                 FieldRxNumber,
	"rx no":               FieldRxNumber,
	"rx num":              FieldRxNumber,
	"rxnumber":            FieldRxNumber,
	"prescription number": FieldRxNumber,
	"script number":       FieldRxNumber,
	"script no":           FieldRxNumber,

	// drug name
	"drug name":           FieldDrugName,
	"drug":                FieldDrugName,
	"dispensed item name": FieldDrugName,
	"item name":           FieldDrugName,
	"medication":          FieldDrugName,
	"medication name":     FieldDrugName,
	"product name":        FieldDrugName,
	"drug description":    FieldDrugName,
	"label name":          FieldDrugName,

	// ndc
	"ndc":                FieldNDC,
	"ndc code":           FieldNDC,
	"dispensed item ndc": FieldNDC,
	"dispensed ndc":      FieldNDC,
	"product ndc":        FieldNDC,
	"ndc number":         FieldNDC,

	// quantity
	"quantity":           FieldQuantity,
	"qty":                FieldQuantity,
	"dispensed quantity": FieldQuantity,
	"qty dispensed":      FieldQuantity,
	"quantity dispensed": FieldQuantity,

	// days supply
	"days supply": FieldDaysSupply,
	"day supply":  FieldDaysSupply,
	"days":        FieldDaysSupply,

	// dispensed date
	"dispensed date":  FieldDispensedDate,
	"date dispensed":  FieldDispensedDate,
	"date filled":     FieldDispensedDate,
	"fill date":       FieldDispensedDate,
	"filled date":     FieldDispensedDate,
	"date written":    FieldDispensedDate,
	"sold date":       FieldDispensedDate,
	"date of service": FieldDispensedDate,

	// patient name
	"patient name":                      FieldPatientName,
	"patient":                           FieldPatientName,
	"patient full name":                 FieldPatientName,
	"patient full name last then first": FieldPatientName,
	"pt name":                           FieldPatientName,
	"patient first name":                FieldPatientFirstName,
	"first name":                        FieldPatientFirstName,
	"patient last name":                 FieldPatientLastName,
	"last name":                         FieldPatientLastName,

	// dob
	"patient date of birth": FieldPatientDOB,
	"patient dob":           FieldPatientDOB,
	"date of birth":         FieldPatientDOB,
	"dob":                   FieldPatientDOB,
	"birth date":            FieldPatientDOB,

	// insurance bin
	"bin":                     FieldInsuranceBIN,
	"bin number":              FieldInsuranceBIN,
	"insurance bin":           FieldInsuranceBIN,
	"primary bin":             FieldInsuranceBIN,
	"third party bin":         FieldInsuranceBIN,
	"primary third party bin": FieldInsuranceBIN,

	// group
	"group":                     FieldGroupNumber,
	"group number":              FieldGroupNumber,
	"group id":                  FieldGroupNumber,
	"insurance group":           FieldGroupNumber,
	"primary third party group": FieldGroupNumber,

	// contract
	"contract":        FieldContractID,
	"contract id":     FieldContractID,
	"contract number": FieldContractID,

	// plan
	"plan":                     FieldPlanName,
	"plan name":                FieldPlanName,
	"insurance plan":           FieldPlanName,
	"primary third party plan": FieldPlanName,

	// payments
	"patient pay":             FieldPatientPay,
	"patient paid":            FieldPatientPay,
	"patient pay amount":      FieldPatientPay,
	"copay":                   FieldPatientPay,
	"pat pay":                 FieldPatientPay,
	"insurance pay":           FieldInsurancePay,
	"insurance paid":          FieldInsurancePay,
	"ins pay":                 FieldInsurancePay,
	"third party pay":         FieldInsurancePay,
	"primary third party pay": FieldInsurancePay,
	"remit":                   FieldInsurancePay,

	// cost
	"acquisition cost": FieldAcquisitionCost,
	"acq cost":         FieldAcquisitionCost,
	"drug cost":        FieldAcquisitionCost,

	// profit
	"gross profit": FieldGrossProfit,
	"gross margin": FieldGrossProfit,
	"net profit":   FieldNetProfit,
	"net margin":   FieldNetProfit,

	// awp
	"awp":                     FieldAWP,
	"awp price":               FieldAWP,
	"average wholesale price": FieldAWP,

	// prescriber
	"prescriber name":      FieldPrescriberName,
	"prescriber":           FieldPrescriberName,
	"prescriber full name": FieldPrescriberName,
	"doctor":               FieldPrescriberName,
	"physician":            FieldPrescriberName,

	// daw
	"daw":      FieldDAWCode,
	"daw code": FieldDAWCode,

	// sig
	"sig":            FieldSig,
	"directions":     FieldSig,
	"sig directions": FieldSig,

	// therapeutic class
	"therapeutic class":             FieldTherapeuticClass,
	"therapeutic class description": FieldTherapeuticClass,
	"drug class":                    FieldTherapeuticClass,
	"gpi class description":         FieldTherapeuticClass,
	"ahfs class":                    FieldTherapeuticClass,
}

// canonicalField resolves a header cell to its canonical field, or "" when
// the column is unmapped and belongs in the raw bag.
func canonicalField(header string) string {
	return headerAliases[normalizeHeader(header)]
}

func normalizeHeader(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
