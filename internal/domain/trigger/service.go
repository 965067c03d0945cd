package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultAnnualFills = 12

type Service struct {
	repo    Repository
	binRepo BinValueRepository
}

func NewService(repo Repository, binRepo BinValueRepository) *Service {
	return &Service{repo: repo, binRepo: binRepo}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Trigger, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Trigger, error) {
	return s.repo.List(ctx)
}

func (s *Service) ListEnabled(ctx context.Context) ([]*Trigger, error) {
	return s.repo.ListEnabled(ctx)
}

// Save validates and upserts a rule by its code.
func (s *Service) Save(ctx context.Context, t *Trigger) error {
	if err := s.validate(t); err != nil {
		return err
	}
	return s.repo.UpsertByCode(ctx, t)
}

func (s *Service) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return s.repo.SetEnabled(ctx, id, enabled)
}

func (s *Service) BinValues(ctx context.Context, triggerID uuid.UUID) ([]*BinValue, error) {
	if _, err := s.repo.GetByID(ctx, triggerID); err != nil {
		return nil, err
	}
	return s.binRepo.ListByTrigger(ctx, triggerID)
}

func (s *Service) validate(t *Trigger) error {
	if strings.TrimSpace(t.Code) == "" {
		return fmt.Errorf("trigger code is required")
	}
	if strings.TrimSpace(t.DisplayName) == "" {
		return fmt.Errorf("trigger %s: display_name is required", t.Code)
	}
	switch t.Type {
	case TypeTherapeuticInterchange, TypeMissingTherapy, TypeNDCOptimization, TypeCombo:
	default:
		return fmt.Errorf("trigger %s: unknown trigger_type %q", t.Code, t.Type)
	}
	if t.KeywordMatchMode == "" {
		t.KeywordMatchMode = MatchAny
	}
	if t.KeywordMatchMode != MatchAny && t.KeywordMatchMode != MatchAll {
		return fmt.Errorf("trigger %s: keyword_match_mode must be %q or %q", t.Code, MatchAny, MatchAll)
	}
	if t.IsEnabled && len(t.DetectionKeywords) == 0 {
		return fmt.Errorf("trigger %s: enabled trigger needs detection_keywords", t.Code)
	}
	if t.IsEnabled && t.Type == TypeMissingTherapy && len(t.IfHasKeywords) == 0 {
		return fmt.Errorf("trigger %s: missing_therapy trigger needs if_has_keywords", t.Code)
	}
	// A keyword in both lists would make the rule match nothing.
	excluded := make(map[string]bool, len(t.ExcludeKeywords))
	for _, kw := range t.ExcludeKeywords {
		excluded[strings.ToUpper(strings.TrimSpace(kw))] = true
	}
	for _, kw := range t.DetectionKeywords {
		if excluded[strings.ToUpper(strings.TrimSpace(kw))] {
			return fmt.Errorf("trigger %s: keyword %q is both detected and excluded", t.Code, kw)
		}
	}
	if t.AnnualFills <= 0 {
		t.AnnualFills = defaultAnnualFills
	}
	if t.Priority <= 0 {
		return fmt.Errorf("trigger %s: priority must be positive", t.Code)
	}
	return nil
}

// SeedFromFile loads rule definitions from a JSON file and upserts each by
// code, so re-running the seed refreshes existing rules without duplicating
// them. Scanner-derived economics on existing rows are left alone.
func (s *Service) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var defs []*Trigger
	if err := json.Unmarshal(data, &defs); err != nil {
		return 0, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	seeded := 0
	for _, t := range defs {
		if err := s.Save(ctx, t); err != nil {
			return seeded, fmt.Errorf("seed trigger %s: %w", t.Code, err)
		}
		seeded++
	}
	log.Info().Int("count", seeded).Str("file", path).Msg("seeded triggers")
	return seeded, nil
}
