// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/models"
)

// Service is the lending API. Every error it returns carries one of the kinds
// declared in errors.go.
type Service interface {
	BorrowBook(ctx context.Context, memberID, bookID uuid.UUID) (uuid.UUID, error)
	ReturnBook(ctx context.Context, borrowID uuid.UUID) error

	ListOpenBorrowsForMember(ctx context.Context, memberID uuid.UUID) ([]models.BorrowRecord, error)
	ListOpenBorrowsForMemberName(ctx context.Context, name string) ([]models.BorrowRecord, error)

	IsBookBorrowed(ctx context.Context, bookID uuid.UUID) (bool, error)
	IsMemberBorrowing(ctx context.Context, memberID uuid.UUID) (bool, error)

	ListDistinctBorrowedTitles(ctx context.Context) ([]string, error)
	CountBorrowsByTitle(ctx context.Context) (map[string]int, error)

	History(ctx context.Context, borrowID uuid.UUID) ([]models.Event, error)
}
