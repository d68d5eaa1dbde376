// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"libralend/internal/models"
	"libralend/internal/storage"
)

type service struct {
	store  storage.Store
	probe  BorrowProbe
	logger *zap.Logger
}

// NewService creates the catalog service. probe guards deletion of books that
// are still out.
func NewService(store storage.Store, probe BorrowProbe, logger *zap.Logger) Service {
	return &service{store: store, probe: probe, logger: logger.Named("catalog")}
}

func (s *service) AddBook(ctx context.Context, in BookInput) (*models.Book, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	title, author := strings.TrimSpace(in.Title), strings.TrimSpace(in.Author)
	copies := DefaultCopies
	if in.Copies != nil {
		copies = *in.Copies
	}

	var book *models.Book
	err := s.store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		existing, err := tx.FindBookByTitleAndAuthor(ctx, title, author)
		switch {
		case err == nil:
			// Adding a known title restocks it.
			b, err := tx.LockBook(ctx, existing.ID)
			if err != nil {
				return err
			}
			b.Copies += copies
			b.UpdatedAt = time.Now().UTC()
			if err := tx.SaveBook(ctx, b); err != nil {
				return err
			}
			book = b
			return nil
		case errors.Is(err, storage.ErrNotFound):
			now := time.Now().UTC()
			book = &models.Book{
				ID:        uuid.New(),
				Title:     title,
				Author:    author,
				Copies:    copies,
				CreatedAt: now,
				UpdatedAt: now,
			}
			return tx.CreateBook(ctx, book)
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("add book %q: %w", title, err)
	}

	s.logger.Info("book stocked",
		zap.Stringer("book_id", book.ID),
		zap.String("title", book.Title),
		zap.Int("copies", book.Copies))
	return book, nil
}

func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	book, err := s.store.FindBookByID(ctx, id)
	if err != nil {
		return nil, s.translate(err, id)
	}
	return book, nil
}

func (s *service) ListBooks(ctx context.Context) ([]models.Book, error) {
	books, err := s.store.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

func (s *service) UpdateBook(ctx context.Context, id uuid.UUID, in BookInput) (*models.Book, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var book *models.Book
	err := s.store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.LockBook(ctx, id)
		if err != nil {
			return err
		}
		b.Title = strings.TrimSpace(in.Title)
		b.Author = strings.TrimSpace(in.Author)
		if in.Copies != nil {
			b.Copies = *in.Copies
		}
		b.UpdatedAt = time.Now().UTC()
		if err := tx.SaveBook(ctx, b); err != nil {
			return err
		}
		book = b
		return nil
	})
	if err != nil {
		return nil, s.translate(err, id)
	}

	s.logger.Info("book updated", zap.Stringer("book_id", id), zap.Int("copies", book.Copies))
	return book, nil
}

func (s *service) DeleteBook(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.FindBookByID(ctx, id); err != nil {
		return s.translate(err, id)
	}
	borrowed, err := s.probe.IsBookBorrowed(ctx, id)
	if err != nil {
		return fmt.Errorf("delete book %s: %w", id, err)
	}
	if borrowed {
		return ErrBookInUse
	}

	err = s.store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.LockBook(ctx, id); err != nil {
			return err
		}
		// A borrow may have committed between the probe and the lock.
		open, err := tx.ExistsOpenBorrowRecordForBook(ctx, id)
		if err != nil {
			return err
		}
		if open {
			return ErrBookInUse
		}
		return tx.DeleteBook(ctx, id)
	})
	if err != nil {
		return s.translate(err, id)
	}

	s.logger.Info("book deleted", zap.Stringer("book_id", id))
	return nil
}

func (s *service) translate(err error, id uuid.UUID) error {
	switch {
	case errors.Is(err, ErrBookInUse):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrBookNotFound, id)
	case errors.Is(err, storage.ErrDuplicate):
		return fmt.Errorf("%w: %v", ErrDuplicateBook, err)
	default:
		return fmt.Errorf("book %s: %w", id, err)
	}
}
