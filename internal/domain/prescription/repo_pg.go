package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxscan/rxscan/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const cols = `id, pharmacy_id, patient_id, rx_number, drug_name, ndc, quantity,
	days_supply, dispensed_date, insurance_bin, insurance_group, contract_id,
	plan_name, patient_pay, insurance_pay, acquisition_cost, prescriber_name,
	daw_code, raw, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var ndc, bin, group, contract, plan, prescriber, daw *string
	var raw []byte
	err := row.Scan(&p.ID, &p.PharmacyID, &p.PatientID, &p.RxNumber, &p.DrugName,
		&ndc, &p.Quantity, &p.DaysSupply, &p.DispensedDate,
		&bin, &group, &contract, &plan,
		&p.PatientPay, &p.InsurancePay, &p.AcquisitionCost,
		&prescriber, &daw, &raw, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.NDC = deref(ndc)
	p.InsuranceBIN = deref(bin)
	p.InsuranceGroup = deref(group)
	p.ContractID = deref(contract)
	p.PlanName = deref(plan)
	p.PrescriberName = deref(prescriber)
	p.DAWCode = deref(daw)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.Raw); err != nil {
			return nil, fmt.Errorf("decode raw bag: %w", err)
		}
	}
	if p.Raw == nil {
		p.Raw = RawBag{}
	}
	return &p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM prescriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *repoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Prescription, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*Prescription{}, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM prescriptions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]*Prescription, len(ids))
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

const upsertSQL = `
	INSERT INTO prescriptions (id, pharmacy_id, patient_id, rx_number, drug_name,
		ndc, quantity, days_supply, dispensed_date, insurance_bin, insurance_group,
		contract_id, plan_name, patient_pay, insurance_pay, acquisition_cost,
		prescriber_name, daw_code, raw)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	ON CONFLICT (pharmacy_id, rx_number, dispensed_date) DO UPDATE SET
		drug_name = EXCLUDED.drug_name,
		ndc = EXCLUDED.ndc,
		quantity = EXCLUDED.quantity,
		days_supply = EXCLUDED.days_supply,
		patient_pay = EXCLUDED.patient_pay,
		insurance_pay = EXCLUDED.insurance_pay,
		acquisition_cost = EXCLUDED.acquisition_cost,
		raw = EXCLUDED.raw,
		updated_at = NOW()`

func (r *repoPG) queueArgs(p *Prescription) ([]interface{}, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Raw == nil {
		p.Raw = RawBag{}
	}
	raw, err := json.Marshal(p.Raw)
	if err != nil {
		return nil, fmt.Errorf("encode raw bag: %w", err)
	}
	return []interface{}{
		p.ID, p.PharmacyID, p.PatientID, p.RxNumber, p.DrugName,
		p.NDC, p.Quantity, p.DaysSupply, p.DispensedDate,
		p.InsuranceBIN, p.InsuranceGroup, p.ContractID, p.PlanName,
		p.PatientPay, p.InsurancePay, p.AcquisitionCost,
		p.PrescriberName, p.DAWCode, raw,
	}, nil
}

func (r *repoPG) UpsertBatch(ctx context.Context, fills []*Prescription) error {
	if len(fills) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range fills {
		args, err := r.queueArgs(p)
		if err != nil {
			return err
		}
		batch.Queue(upsertSQL, args...)
	}
	results := r.conn(ctx).SendBatch(ctx, batch)
	defer results.Close()
	for range fills {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert prescription batch: %w", err)
		}
	}
	return nil
}

func (r *repoPG) Upsert(ctx context.Context, fill *Prescription) error {
	args, err := r.queueArgs(fill)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, upsertSQL, args...)
	return err
}

func (r *repoPG) ListForPharmacySince(ctx context.Context, pharmacyID uuid.UUID, since time.Time) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM prescriptions
		 WHERE pharmacy_id = $1 AND dispensed_date >= $2
		 ORDER BY dispensed_date DESC`, pharmacyID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

// SearchClaims builds one wide query whose keyword conditions use
// strpos rather than LIKE: detection keywords can contain SQL wildcard
// characters ("Diclofenac 2%"), so user-supplied patterns never reach a
// pattern matcher. Tokens within a set AND together; sets OR together.
func (r *repoPG) SearchClaims(ctx context.Context, q ClaimSearch) ([]*Prescription, error) {
	if len(q.KeywordSets) == 0 {
		return nil, nil
	}
	var sb strings.Builder
	args := []interface{}{q.Since}
	sb.WriteString(`SELECT ` + cols + ` FROM prescriptions
		WHERE dispensed_date >= $1
		  AND insurance_bin IS NOT NULL AND insurance_bin <> ''
		  AND (`)
	for i, set := range q.KeywordSets {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("(")
		for j, token := range set {
			if j > 0 {
				sb.WriteString(" AND ")
			}
			args = append(args, token)
			fmt.Fprintf(&sb, "strpos(upper(drug_name), $%d) > 0", len(args))
		}
		sb.WriteString(")")
	}
	sb.WriteString(")")

	rows, err := r.conn(ctx).Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *repoPG) collect(rows pgx.Rows) ([]*Prescription, error) {
	var items []*Prescription
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
