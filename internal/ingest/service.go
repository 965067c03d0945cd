package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rxscan/rxscan/internal/domain/patient"
	"github.com/rxscan/rxscan/internal/domain/prescription"
	"github.com/rxscan/rxscan/internal/normalize"
	"github.com/rxscan/rxscan/internal/platform/jobs"
)

const (
	batchSize = 500
	maxErrors = 20
)

// Summary is the outcome of one ingestion run.
type Summary struct {
	Received        int      `json:"received"`
	Processed       int      `json:"processed"`
	Failed          int      `json:"failed"`
	PatientsTouched int      `json:"patients_touched"`
	Status          string   `json:"status"`
	Errors          []string `json:"errors,omitempty"`
}

type Service struct {
	patients patient.Repository
	fills    prescription.Repository
	logs     LogRepository
	locker   *jobs.Locker
}

func NewService(patients patient.Repository, fills prescription.Repository, logs LogRepository, locker *jobs.Locker) *Service {
	return &Service{patients: patients, fills: fills, logs: logs, locker: locker}
}

// Ingest parses a claims export and loads it in two phases: patients first,
// then prescriptions linked to the stored patient IDs. One run per
// (pharmacy, filename) at a time; a concurrent upload of the same file gets
// jobs.ErrAlreadyRunning.
func (s *Service) Ingest(ctx context.Context, pharmacyID uuid.UUID, data []byte, filename string) (*Summary, error) {
	release, err := s.locker.TryAcquire("ingest:" + pharmacyID.String() + ":" + filename)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	summary, err := s.run(ctx, pharmacyID, data, filename)
	if err != nil {
		s.writeLog(ctx, pharmacyID, filename, &Summary{Status: StatusFailed})
		return nil, err
	}
	s.writeLog(ctx, pharmacyID, filename, summary)

	log.Info().
		Str("pharmacy_id", pharmacyID.String()).
		Str("file", filename).
		Int("received", summary.Received).
		Int("processed", summary.Processed).
		Int("failed", summary.Failed).
		Str("status", summary.Status).
		Dur("elapsed", time.Since(start)).
		Msg("ingest finished")
	return summary, nil
}

// History returns a pharmacy's most recent ingestion runs, newest first.
func (s *Service) History(ctx context.Context, pharmacyID uuid.UUID, limit int) ([]*LogEntry, error) {
	return s.logs.ListByPharmacy(ctx, pharmacyID, limit)
}

// claim is one validated row ready for the two-phase load.
type claim struct {
	hash string
	fill *prescription.Prescription
}

func (s *Service) run(ctx context.Context, pharmacyID uuid.UUID, data []byte, filename string) (*Summary, error) {
	rows, err := ParseFile(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	summary := &Summary{Received: len(rows)}
	addError := func(format string, args ...interface{}) {
		summary.Failed++
		msg := fmt.Sprintf(format, args...)
		log.Debug().Str("file", filename).Msg(msg)
		if len(summary.Errors) < maxErrors {
			summary.Errors = append(summary.Errors, msg)
		}
	}

	patientsByHash := make(map[string]*patient.Patient)
	claims := make(map[string]*claim) // (rx_number, dispensed_date); last wins
	var order []string

	for _, row := range rows {
		drugName := row.Get(FieldDrugName)
		rxNumber := row.Get(FieldRxNumber)
		first, last := rowPatientName(row)
		if drugName == "" || (first == "" && last == "" && rxNumber == "") {
			addError("line %d: missing drug name or patient identity", row.Line)
			continue
		}

		dispensed, ok := normalize.Date(row.Get(FieldDispensedDate))
		if !ok {
			addError("line %d: unparseable dispensed date %q", row.Line, row.Get(FieldDispensedDate))
			continue
		}

		dobISO := ""
		var dob *time.Time
		if d, ok := normalize.Date(row.Get(FieldPatientDOB)); ok {
			dobISO = normalize.ISODate(d)
			dob = &d
		}

		hash := normalize.PatientHash(first, last, dobISO, rxNumber)
		bin := normalize.BIN(row.Get(FieldInsuranceBIN))
		group := row.Get(FieldGroupNumber)

		p, exists := patientsByHash[hash]
		if !exists {
			p = &patient.Patient{
				PharmacyID:   pharmacyID,
				PatientHash:  hash,
				FirstName:    first,
				LastName:     last,
				DateOfBirth:  dob,
				PrimaryBIN:   bin,
				PrimaryGroup: group,
			}
			patientsByHash[hash] = p
		} else if p.PrimaryBIN == "" && bin != "" {
			p.PrimaryBIN = bin
			p.PrimaryGroup = group
		}
		p.MergeConditions(normalize.Conditions(row.Get(FieldTherapeuticClass)))

		raw := make(prescription.RawBag, len(row.Raw)+6)
		for k, v := range row.Raw {
			raw[k] = v
		}
		for _, field := range []string{FieldGrossProfit, FieldNetProfit, FieldAWP, FieldPlanName, FieldSig, FieldTherapeuticClass} {
			if v := row.Get(field); v != "" {
				raw[field] = v
			}
		}
		ndc, standard := normalize.NDC(row.Get(FieldNDC))
		if !standard {
			raw["ndc_nonstandard"] = row.Get(FieldNDC)
		}

		fill := &prescription.Prescription{
			PharmacyID:      pharmacyID,
			RxNumber:        rxNumber,
			DrugName:        drugName,
			NDC:             ndc,
			Quantity:        normalize.Amount(row.Get(FieldQuantity)),
			DaysSupply:      int(normalize.Amount(row.Get(FieldDaysSupply))),
			DispensedDate:   dispensed,
			InsuranceBIN:    bin,
			InsuranceGroup:  group,
			ContractID:      row.Get(FieldContractID),
			PlanName:        row.Get(FieldPlanName),
			PatientPay:      normalize.Amount(row.Get(FieldPatientPay)),
			InsurancePay:    normalize.Amount(row.Get(FieldInsurancePay)),
			AcquisitionCost: normalize.Amount(row.Get(FieldAcquisitionCost)),
			PrescriberName:  row.Get(FieldPrescriberName),
			DAWCode:         row.Get(FieldDAWCode),
			Raw:             raw,
		}

		key := rxNumber + "|" + normalize.ISODate(dispensed)
		if _, dup := claims[key]; !dup {
			order = append(order, key)
		}
		claims[key] = &claim{hash: hash, fill: fill}
	}

	// Phase 1: patients.
	allPatients := make([]*patient.Patient, 0, len(patientsByHash))
	hashes := make([]string, 0, len(patientsByHash))
	for hash, p := range patientsByHash {
		allPatients = append(allPatients, p)
		hashes = append(hashes, hash)
	}
	if err := s.upsertPatients(ctx, allPatients); err != nil {
		return nil, fmt.Errorf("upsert patients: %w", err)
	}
	stored, err := s.patients.GetByHashes(ctx, pharmacyID, hashes)
	if err != nil {
		return nil, fmt.Errorf("resolve patient ids: %w", err)
	}
	summary.PatientsTouched = len(stored)

	// Phase 2: prescriptions.
	var fills []*prescription.Prescription
	for _, key := range order {
		c := claims[key]
		p, ok := stored[c.hash]
		if !ok {
			addError("rx %s: patient row was not stored", c.fill.RxNumber)
			continue
		}
		c.fill.PatientID = p.ID
		fills = append(fills, c.fill)
	}
	written, writeFailed := s.upsertFills(ctx, fills, addError)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summary.Processed = written
	_ = writeFailed // already counted through addError

	switch {
	case summary.Failed == 0:
		summary.Status = StatusComplete
	case summary.Processed > 0:
		summary.Status = StatusPartial
	default:
		summary.Status = StatusFailed
	}
	return summary, nil
}

func rowPatientName(row Row) (first, last string) {
	if full := row.Get(FieldPatientName); full != "" {
		return normalize.PersonName(full)
	}
	return row.Get(FieldPatientFirstName), row.Get(FieldPatientLastName)
}

func (s *Service) upsertPatients(ctx context.Context, patients []*patient.Patient) error {
	for start := 0; start < len(patients); start += batchSize {
		end := start + batchSize
		if end > len(patients) {
			end = len(patients)
		}
		chunk := patients[start:end]
		_, err := jobs.RetryBatch(ctx,
			func(ctx context.Context) error {
				return s.patients.UpsertBatch(ctx, chunk)
			},
			func(ctx context.Context) (int, error) {
				failed := 0
				for _, p := range chunk {
					if err := s.patients.UpsertBatch(ctx, []*patient.Patient{p}); err != nil {
						failed++
						log.Warn().Err(err).Str("patient_hash", p.PatientHash).Msg("patient upsert failed")
					}
				}
				return failed, nil
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// upsertFills writes prescriptions in batches, falling back to per-row
// writes when a batch keeps failing. Returns the written count.
func (s *Service) upsertFills(ctx context.Context, fills []*prescription.Prescription, addError func(string, ...interface{})) (written, failed int) {
	for start := 0; start < len(fills); start += batchSize {
		end := start + batchSize
		if end > len(fills) {
			end = len(fills)
		}
		chunk := fills[start:end]
		chunkFailed, err := jobs.RetryBatch(ctx,
			func(ctx context.Context) error {
				return s.fills.UpsertBatch(ctx, chunk)
			},
			func(ctx context.Context) (int, error) {
				rowsFailed := 0
				for _, f := range chunk {
					if err := s.fills.Upsert(ctx, f); err != nil {
						rowsFailed++
						addError("rx %s: %v", f.RxNumber, err)
					}
				}
				return rowsFailed, nil
			})
		if err != nil {
			// Cancellation; the partial batch stands and the next run
			// reconciles.
			return written, failed
		}
		written += len(chunk) - chunkFailed
		failed += chunkFailed
	}
	return written, failed
}

func (s *Service) writeLog(ctx context.Context, pharmacyID uuid.UUID, filename string, summary *Summary) {
	entry := &LogEntry{
		PharmacyID:       pharmacyID,
		SourceType:       "claims_export",
		FileName:         filename,
		RecordsReceived:  summary.Received,
		RecordsProcessed: summary.Processed,
		RecordsFailed:    summary.Failed,
		Status:           summary.Status,
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		log.Error().Err(err).Str("file", filename).Msg("write ingestion log failed")
	}
}
