// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"

	"libralend/internal/models"
)

// Service manages the book inventory.
type Service interface {
	// AddBook creates the book, or adds the copies to an existing book with the
	// same title and author.
	AddBook(ctx context.Context, in BookInput) (*models.Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error)
	ListBooks(ctx context.Context) ([]models.Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, in BookInput) (*models.Book, error)
	DeleteBook(ctx context.Context, id uuid.UUID) error
}

// BorrowProbe tells whether a book has open borrows.
type BorrowProbe interface {
	IsBookBorrowed(ctx context.Context, bookID uuid.UUID) (bool, error)
}
