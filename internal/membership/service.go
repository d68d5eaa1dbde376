// internal/membership/service.go
package membership

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/models"
)

// Service defines the interface for the membership service.
type Service interface {
	RegisterMember(ctx context.Context, in MemberInput) (*models.Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*models.Member, error)
	ListMembers(ctx context.Context) ([]models.Member, error)
	UpdateMember(ctx context.Context, id uuid.UUID, in MemberInput) (*models.Member, error)
	DeleteMember(ctx context.Context, id uuid.UUID) error
}

// BorrowProbe tells whether a member holds open borrows.
type BorrowProbe interface {
	IsMemberBorrowing(ctx context.Context, memberID uuid.UUID) (bool, error)
}
