package opportunity

import (
	"context"
	"errors"
	"fmt"
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

const cols = `id, pharmacy_id, patient_id, prescription_id, trigger_id, opportunity_type,
	COALESCE(current_drug_name, ''), COALESCE(current_ndc, ''),
	recommended_drug_name, COALESCE(recommended_ndc, ''),
	avg_dispensed_qty, potential_margin_gain, annual_margin_gain,
	COALESCE(clinical_rationale, ''), priority, status,
	created_at, reviewed_at, actioned_at`

func (r *repoPG) scan(row pgx.Row) (*Opportunity, error) {
	var o Opportunity
	err := row.Scan(&o.ID, &o.PharmacyID, &o.PatientID, &o.PrescriptionID, &o.TriggerID, &o.Type,
		&o.CurrentDrugName, &o.CurrentNDC,
		&o.RecommendedDrugName, &o.RecommendedNDC,
		&o.AvgDispensedQty, &o.PotentialMarginGain, &o.AnnualMarginGain,
		&o.ClinicalRationale, &o.Priority, &o.Status,
		&o.CreatedAt, &o.ReviewedAt, &o.ActionedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Opportunity, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM opportunities WHERE id = $1`, id))
}

func (r *repoPG) Create(ctx context.Context, o *Opportunity) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO opportunities (id, pharmacy_id, patient_id, prescription_id, trigger_id,
			opportunity_type, current_drug_name, current_ndc,
			recommended_drug_name, recommended_ndc,
			avg_dispensed_qty, potential_margin_gain, annual_margin_gain,
			clinical_rationale, priority, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		o.ID, o.PharmacyID, o.PatientID, o.PrescriptionID, o.TriggerID,
		o.Type, o.CurrentDrugName, o.CurrentNDC,
		o.RecommendedDrugName, o.RecommendedNDC,
		o.AvgDispensedQty, o.PotentialMarginGain, o.AnnualMarginGain,
		o.ClinicalRationale, o.Priority, o.Status)
	return err
}

func (r *repoPG) List(ctx context.Context, f ListFilter) ([]*Opportunity, int, error) {
	where := "WHERE 1=1"
	var args []interface{}
	if f.PharmacyID != uuid.Nil {
		args = append(args, f.PharmacyID)
		where += fmt.Sprintf(" AND pharmacy_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Priority != "" {
		args = append(args, f.Priority)
		where += fmt.Sprintf(" AND priority = $%d", len(args))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM opportunities `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + cols + ` FROM opportunities ` + where +
		` ORDER BY annual_margin_gain DESC, created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := r.collect(rows)
	return items, total, err
}

func (r *repoPG) ExistsLive(ctx context.Context, pharmacyID, patientID uuid.UUID, recommendedDrug string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM opportunities
			WHERE pharmacy_id = $1 AND patient_id = $2
			  AND UPPER(recommended_drug_name) = UPPER($3)
			  AND status NOT IN ('Denied', 'Declined'))`,
		pharmacyID, patientID, recommendedDrug).Scan(&exists)
	return exists, err
}

func (r *repoPG) ListByTriggerStatus(ctx context.Context, triggerID uuid.UUID, status string) ([]*Opportunity, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM opportunities WHERE trigger_id = $1 AND status = $2`,
		triggerID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *repoPG) UpdateEconomicsBatch(ctx context.Context, updates []EconomicsUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			UPDATE opportunities SET
				potential_margin_gain = $2,
				annual_margin_gain = $3,
				avg_dispensed_qty = CASE WHEN $4 > 0 THEN $4 ELSE avg_dispensed_qty END,
				recommended_ndc = COALESCE(NULLIF($5, ''), recommended_ndc)
			WHERE id = $1 AND status = 'Not Submitted'`,
			u.ID, u.PotentialMarginGain, u.AnnualMarginGain, u.AvgQty, u.RecommendedNDC)
	}
	results := r.conn(ctx).SendBatch(ctx, batch)
	defer results.Close()
	for range updates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("update opportunity economics: %w", err)
		}
	}
	return nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string, reviewedAt, actionedAt *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE opportunities SET
			status = $2,
			reviewed_at = COALESCE($3, reviewed_at),
			actioned_at = COALESCE($4, actioned_at)
		WHERE id = $1`,
		id, status, reviewedAt, actionedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM opportunities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) DeleteNotSubmittedOutside(ctx context.Context, triggerID uuid.UUID, pharmacyIDs []uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM opportunities
		WHERE trigger_id = $1
		  AND status = 'Not Submitted'
		  AND NOT (pharmacy_id = ANY($2))
		  AND NOT EXISTS (
			SELECT 1 FROM opportunity_audit_log a
			WHERE a.opportunity_id = opportunities.id
			  AND a.from_status = 'Not Submitted'
			  AND a.to_status <> 'Not Submitted')`,
		triggerID, pharmacyIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO opportunity_audit_log (id, opportunity_id, from_status, to_status, actor, reason)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.OpportunityID, e.FromStatus, e.ToStatus, e.Actor, e.Reason)
	return err
}

func (r *repoPG) AuditTrail(ctx context.Context, opportunityID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, opportunity_id, from_status, to_status,
			COALESCE(actor, ''), COALESCE(reason, ''), created_at
		FROM opportunity_audit_log
		WHERE opportunity_id = $1
		ORDER BY created_at ASC`, opportunityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.OpportunityID, &e.FromStatus, &e.ToStatus,
			&e.Actor, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *repoPG) HasLeftNotSubmitted(ctx context.Context, opportunityID uuid.UUID) (bool, error) {
	var actioned bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM opportunity_audit_log
			WHERE opportunity_id = $1
			  AND from_status = 'Not Submitted'
			  AND to_status <> 'Not Submitted')`,
		opportunityID).Scan(&actioned)
	return actioned, err
}

func (r *repoPG) collect(rows pgx.Rows) ([]*Opportunity, error) {
	var items []*Opportunity
	for rows.Next() {
		o, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}
