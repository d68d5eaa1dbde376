// internal/membership/implementation.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"libralend/internal/models"
	"libralend/internal/storage"
)

type service struct {
	store       storage.Store
	probe       BorrowProbe
	rateLimiter *rate.Limiter
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a membership service that admits perMinute
// registrations per minute, with bursts of the same size. A non-positive
// perMinute disables the limit.
func NewService(store storage.Store, probe BorrowProbe, perMinute int, logger *zap.Logger) Service {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &service{
		store:       store,
		probe:       probe,
		rateLimiter: limiter,
		logger:      logger.Named("membership"),
		now:         time.Now,
	}
}

func (s *service) RegisterMember(ctx context.Context, in MemberInput) (*models.Member, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	member := &models.Member{
		ID:             uuid.New(),
		Name:           strings.TrimSpace(in.Name),
		MembershipDate: today(s.now()),
	}
	err := s.store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.CreateMember(ctx, member)
	})
	if err != nil {
		return nil, s.translate(err, member.ID)
	}

	s.logger.Info("member registered", zap.Stringer("member_id", member.ID), zap.String("name", member.Name))
	return member, nil
}

func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	member, err := s.store.FindMemberByID(ctx, id)
	if err != nil {
		return nil, s.translate(err, id)
	}
	return member, nil
}

func (s *service) ListMembers(ctx context.Context) ([]models.Member, error) {
	members, err := s.store.ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

func (s *service) UpdateMember(ctx context.Context, id uuid.UUID, in MemberInput) (*models.Member, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var member *models.Member
	err := s.store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		m, err := tx.LockMember(ctx, id)
		if err != nil {
			return err
		}
		m.Name = strings.TrimSpace(in.Name)
		if err := tx.SaveMember(ctx, m); err != nil {
			return err
		}
		member = m
		return nil
	})
	if err != nil {
		return nil, s.translate(err, id)
	}

	s.logger.Info("member renamed", zap.Stringer("member_id", id), zap.String("name", member.Name))
	return member, nil
}

func (s *service) DeleteMember(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.FindMemberByID(ctx, id); err != nil {
		return s.translate(err, id)
	}
	borrowing, err := s.probe.IsMemberBorrowing(ctx, id)
	if err != nil {
		return fmt.Errorf("delete member %s: %w", id, err)
	}
	if borrowing {
		return ErrMemberInUse
	}

	err = s.store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.LockMember(ctx, id); err != nil {
			return err
		}
		open, err := tx.ExistsOpenBorrowRecordForMember(ctx, id)
		if err != nil {
			return err
		}
		if open {
			return ErrMemberInUse
		}
		return tx.DeleteMember(ctx, id)
	})
	if err != nil {
		return s.translate(err, id)
	}

	s.logger.Info("member deleted", zap.Stringer("member_id", id))
	return nil
}

func (s *service) translate(err error, id uuid.UUID) error {
	switch {
	case errors.Is(err, ErrMemberInUse):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrMemberNotFound, id)
	case errors.Is(err, storage.ErrDuplicate):
		return ErrDuplicateName
	default:
		return fmt.Errorf("member %s: %w", id, err)
	}
}

func today(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}
