package trigger

import (
	"context"
	"errors"
	"fmt"

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

const cols = `id, code, display_name, trigger_type, category, is_enabled, priority,
	detection_keywords, exclude_keywords, if_has_keywords, if_not_has_keywords,
	keyword_match_mode, expected_qty, expected_days_supply,
	recommended_drug, recommended_ndc, pharmacy_inclusions,
	bin_inclusions, bin_exclusions, group_inclusions, group_exclusions,
	contract_prefix_exclusions, annual_fills, default_gp_value, min_margin_default,
	clinical_rationale, action_instructions, synced_at, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Trigger, error) {
	var t Trigger
	var category, recommendedDrug, recommendedNDC, rationale, instructions *string
	err := row.Scan(&t.ID, &t.Code, &t.DisplayName, &t.Type, &category, &t.IsEnabled, &t.Priority,
		&t.DetectionKeywords, &t.ExcludeKeywords, &t.IfHasKeywords, &t.IfNotHasKeywords,
		&t.KeywordMatchMode, &t.ExpectedQty, &t.ExpectedDaysSupply,
		&recommendedDrug, &recommendedNDC, &t.PharmacyInclusions,
		&t.BINInclusions, &t.BINExclusions, &t.GroupInclusions, &t.GroupExclusions,
		&t.ContractPrefixExclusions, &t.AnnualFills, &t.DefaultGPValue, &t.MinMarginDefault,
		&rationale, &instructions, &t.SyncedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Category = deref(category)
	t.RecommendedDrug = deref(recommendedDrug)
	t.RecommendedNDC = deref(recommendedNDC)
	t.ClinicalRationale = deref(rationale)
	t.ActionInstructions = deref(instructions)
	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Trigger, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM triggers WHERE id = $1`, id))
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*Trigger, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM triggers WHERE code = $1`, code))
}

func (r *repoPG) ListEnabled(ctx context.Context) ([]*Trigger, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+cols+` FROM triggers WHERE is_enabled ORDER BY priority ASC, code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *repoPG) List(ctx context.Context) ([]*Trigger, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cols+` FROM triggers ORDER BY priority ASC, code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *repoPG) collect(rows pgx.Rows) ([]*Trigger, error) {
	var items []*Trigger
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *repoPG) UpsertByCode(ctx context.Context, t *Trigger) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO triggers (id, code, display_name, trigger_type, category, is_enabled, priority,
			detection_keywords, exclude_keywords, if_has_keywords, if_not_has_keywords,
			keyword_match_mode, expected_qty, expected_days_supply,
			recommended_drug, recommended_ndc, pharmacy_inclusions,
			bin_inclusions, bin_exclusions, group_inclusions, group_exclusions,
			contract_prefix_exclusions, annual_fills, default_gp_value, min_margin_default,
			clinical_rationale, action_instructions)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
		ON CONFLICT (code) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			trigger_type = EXCLUDED.trigger_type,
			category = EXCLUDED.category,
			is_enabled = EXCLUDED.is_enabled,
			priority = EXCLUDED.priority,
			detection_keywords = EXCLUDED.detection_keywords,
			exclude_keywords = EXCLUDED.exclude_keywords,
			if_has_keywords = EXCLUDED.if_has_keywords,
			if_not_has_keywords = EXCLUDED.if_not_has_keywords,
			keyword_match_mode = EXCLUDED.keyword_match_mode,
			expected_qty = EXCLUDED.expected_qty,
			expected_days_supply = EXCLUDED.expected_days_supply,
			recommended_drug = EXCLUDED.recommended_drug,
			recommended_ndc = EXCLUDED.recommended_ndc,
			pharmacy_inclusions = EXCLUDED.pharmacy_inclusions,
			bin_inclusions = EXCLUDED.bin_inclusions,
			bin_exclusions = EXCLUDED.bin_exclusions,
			group_inclusions = EXCLUDED.group_inclusions,
			group_exclusions = EXCLUDED.group_exclusions,
			contract_prefix_exclusions = EXCLUDED.contract_prefix_exclusions,
			annual_fills = EXCLUDED.annual_fills,
			min_margin_default = EXCLUDED.min_margin_default,
			clinical_rationale = EXCLUDED.clinical_rationale,
			action_instructions = EXCLUDED.action_instructions,
			updated_at = NOW()`,
		t.ID, t.Code, t.DisplayName, t.Type, t.Category, t.IsEnabled, t.Priority,
		t.DetectionKeywords, t.ExcludeKeywords, t.IfHasKeywords, t.IfNotHasKeywords,
		t.KeywordMatchMode, t.ExpectedQty, t.ExpectedDaysSupply,
		t.RecommendedDrug, t.RecommendedNDC, t.PharmacyInclusions,
		t.BINInclusions, t.BINExclusions, t.GroupInclusions, t.GroupExclusions,
		t.ContractPrefixExclusions, t.AnnualFills, t.DefaultGPValue, t.MinMarginDefault,
		t.ClinicalRationale, t.ActionInstructions)
	return err
}

func (r *repoPG) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE triggers SET is_enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) UpdateEconomics(ctx context.Context, id uuid.UUID, defaultGP float64) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE triggers SET default_gp_value = $2, synced_at = NOW(), updated_at = NOW() WHERE id = $1`,
		id, defaultGP)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== BinValue Repository ===========

type binValueRepoPG struct{ pool *pgxpool.Pool }

func NewBinValueRepoPG(pool *pgxpool.Pool) BinValueRepository {
	return &binValueRepoPG{pool: pool}
}

func (r *binValueRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const binValueCols = `id, trigger_id, bin, COALESCE(group_number, ''), coverage_status,
	verified_claim_count, avg_reimbursement, avg_qty, gp_value,
	COALESCE(best_drug_name, ''), COALESCE(best_ndc, ''), is_excluded, verified_at,
	created_at, updated_at`

func (r *binValueRepoPG) scan(row pgx.Row) (*BinValue, error) {
	var v BinValue
	err := row.Scan(&v.ID, &v.TriggerID, &v.BIN, &v.GroupNumber, &v.CoverageStatus,
		&v.VerifiedClaimCount, &v.AvgReimbursement, &v.AvgQty, &v.GPValue,
		&v.BestDrugName, &v.BestNDC, &v.IsExcluded, &v.VerifiedAt,
		&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *binValueRepoPG) ListByTrigger(ctx context.Context, triggerID uuid.UUID) ([]*BinValue, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+binValueCols+` FROM trigger_bin_values WHERE trigger_id = $1 ORDER BY bin, group_number`,
		triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *binValueRepoPG) ListAll(ctx context.Context) ([]*BinValue, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+binValueCols+` FROM trigger_bin_values`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *binValueRepoPG) collect(rows pgx.Rows) ([]*BinValue, error) {
	var items []*BinValue
	for rows.Next() {
		v, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *binValueRepoPG) DeleteNonExcluded(ctx context.Context, triggerID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM trigger_bin_values
		 WHERE trigger_id = $1 AND (is_excluded = FALSE OR is_excluded IS NULL)`, triggerID)
	return err
}

func (r *binValueRepoPG) UpsertBatch(ctx context.Context, values []*BinValue) error {
	if len(values) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, v := range values {
		if v.ID == uuid.Nil {
			v.ID = uuid.New()
		}
		batch.Queue(`
			INSERT INTO trigger_bin_values (id, trigger_id, bin, group_number, coverage_status,
				verified_claim_count, avg_reimbursement, avg_qty, gp_value,
				best_drug_name, best_ndc, is_excluded, verified_at)
			VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (trigger_id, bin, COALESCE(group_number, '')) DO UPDATE SET
				coverage_status = EXCLUDED.coverage_status,
				verified_claim_count = EXCLUDED.verified_claim_count,
				avg_reimbursement = EXCLUDED.avg_reimbursement,
				avg_qty = EXCLUDED.avg_qty,
				gp_value = EXCLUDED.gp_value,
				best_drug_name = EXCLUDED.best_drug_name,
				best_ndc = EXCLUDED.best_ndc,
				verified_at = EXCLUDED.verified_at,
				updated_at = NOW()`,
			v.ID, v.TriggerID, v.BIN, v.GroupNumber, v.CoverageStatus,
			v.VerifiedClaimCount, v.AvgReimbursement, v.AvgQty, v.GPValue,
			v.BestDrugName, v.BestNDC, v.IsExcluded, v.VerifiedAt)
	}
	results := r.conn(ctx).SendBatch(ctx, batch)
	defer results.Close()
	for range values {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert trigger bin values: %w", err)
		}
	}
	return nil
}
