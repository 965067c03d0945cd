package opportunity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/rxscan/rxscan/internal/platform/db"
)

// ErrProtected marks an opportunity whose audit trail shows staff action;
// such rows are immutable history and cannot be deleted.
var ErrProtected = errors.New("opportunity has been actioned and is protected")

var ErrInvalidStatus = errors.New("invalid opportunity status")

type Service struct {
	repo  Repository
	runTx func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewService(repo Repository, pool *pgxpool.Pool) *Service {
	return &Service{
		repo: repo,
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.RunInTx(ctx, pool, fn)
		},
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Opportunity, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*Opportunity, int, error) {
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	return s.repo.List(ctx, f)
}

func (s *Service) AuditTrail(ctx context.Context, id uuid.UUID) ([]*AuditEntry, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.AuditTrail(ctx, id)
}

// Transition moves an opportunity to a new status, recording the change in
// the audit log inside the same transaction. The audit row is what makes the
// opportunity undeletable afterwards, so the two writes must not be split.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, toStatus, actor, reason string) (*Opportunity, error) {
	if !ValidStatus(toStatus) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, toStatus)
	}

	var updated *Opportunity
	err := s.runTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if o.Status == toStatus {
			updated = o
			return nil
		}

		now := time.Now().UTC()
		reviewedAt := &now
		var actionedAt *time.Time
		if toStatus != StatusNotSubmitted && toStatus != StatusFlagged {
			actionedAt = &now
		}
		if err := s.repo.UpdateStatus(ctx, id, toStatus, reviewedAt, actionedAt); err != nil {
			return err
		}
		if err := s.repo.AppendAudit(ctx, &AuditEntry{
			OpportunityID: id,
			FromStatus:    o.Status,
			ToStatus:      toStatus,
			Actor:         actor,
			Reason:        reason,
		}); err != nil {
			return err
		}

		o.Status = toStatus
		o.ReviewedAt = reviewedAt
		if actionedAt != nil {
			o.ActionedAt = actionedAt
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("opportunity_id", id.String()).
		Str("to_status", toStatus).
		Str("actor", actor).
		Msg("opportunity status changed")
	return updated, nil
}

// Delete removes a never-actioned opportunity. Rows whose audit trail shows a
// transition out of "Not Submitted" are refused here and by the database.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.runTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.GetByID(ctx, id); err != nil {
			return err
		}
		actioned, err := s.repo.HasLeftNotSubmitted(ctx, id)
		if err != nil {
			return err
		}
		if actioned {
			return fmt.Errorf("%w: %s", ErrProtected, id)
		}
		return s.repo.Delete(ctx, id)
	})
}
