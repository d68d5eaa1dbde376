package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"libralend/internal/models"
	"libralend/internal/storage"
	"libralend/internal/storage/memory"
	"libralend/internal/validate"
)

type probeFunc func(ctx context.Context, bookID uuid.UUID) (bool, error)

func (f probeFunc) IsBookBorrowed(ctx context.Context, bookID uuid.UUID) (bool, error) {
	return f(ctx, bookID)
}

// storeProbe answers from the store the way the coordinator does.
func storeProbe(store storage.Store) BorrowProbe {
	return probeFunc(store.ExistsOpenBorrowRecordForBook)
}

func copies(n int) *int { return &n }

func newTestService(t *testing.T) (Service, storage.Store) {
	t.Helper()
	store := memory.New(time.Second)
	return NewService(store, storeProbe(store), zap.NewNop()), store
}

func TestAddBookDefaultsToOneCopy(t *testing.T) {
	svc, _ := newTestService(t)

	book, err := svc.AddBook(context.Background(), BookInput{Title: "Clean Code", Author: "Robert Martin"})
	require.NoError(t, err)
	assert.Equal(t, 1, book.Copies)
	assert.NotEqual(t, uuid.Nil, book.ID)
}

func TestAddBookRestocksExistingTitle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	first, err := svc.AddBook(ctx, BookInput{Title: "Clean Code", Author: "Robert Martin", Copies: copies(2)})
	require.NoError(t, err)
	second, err := svc.AddBook(ctx, BookInput{Title: "Clean Code", Author: "Robert Martin", Copies: copies(3)})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 5, second.Copies)

	books, err := svc.ListBooks(ctx)
	require.NoError(t, err)
	assert.Len(t, books, 1)
}

func TestAddBookValidation(t *testing.T) {
	svc, _ := newTestService(t)

	cases := map[string]BookInput{
		"blank title":       {Title: " ", Author: "Robert Martin"},
		"short title":       {Title: "Go", Author: "Robert Martin"},
		"lowercase title":   {Title: "clean code", Author: "Robert Martin"},
		"one word author":   {Title: "Clean Code", Author: "Martin"},
		"lowercase surname": {Title: "Clean Code", Author: "Robert martin"},
		"negative copies":   {Title: "Clean Code", Author: "Robert Martin", Copies: copies(-1)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.AddBook(context.Background(), in)
			assert.ErrorIs(t, err, validate.ErrInvalid)
		})
	}
}

func TestValidationReportsEveryField(t *testing.T) {
	err := BookInput{Title: "x", Author: "nobody"}.Validate()
	require.ErrorIs(t, err, validate.ErrInvalid)

	msg := validate.Message(err)
	assert.Contains(t, msg, "title: Title must be at least 3 characters")
	assert.Contains(t, msg, "author: Author must be in format")
}

func TestZeroCopiesIsAllowed(t *testing.T) {
	svc, _ := newTestService(t)

	book, err := svc.AddBook(context.Background(), BookInput{Title: "Clean Code", Author: "Robert Martin", Copies: copies(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, book.Copies)
}

func TestGetBookNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetBook(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestListBooksOrderedByTitle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	for _, title := range []string{"Refactoring", "Clean Code", "Domain Driven Design"} {
		_, err := svc.AddBook(ctx, BookInput{Title: title, Author: "Some Author"})
		require.NoError(t, err)
	}

	books, err := svc.ListBooks(ctx)
	require.NoError(t, err)
	require.Len(t, books, 3)
	assert.Equal(t, "Clean Code", books[0].Title)
	assert.Equal(t, "Domain Driven Design", books[1].Title)
	assert.Equal(t, "Refactoring", books[2].Title)
}

func TestUpdateBook(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	book, err := svc.AddBook(ctx, BookInput{Title: "Clean Code", Author: "Robert Martin", Copies: copies(2)})
	require.NoError(t, err)

	updated, err := svc.UpdateBook(ctx, book.ID, BookInput{Title: "Clean Architecture", Author: "Robert Martin", Copies: copies(4)})
	require.NoError(t, err)
	assert.Equal(t, "Clean Architecture", updated.Title)
	assert.Equal(t, 4, updated.Copies)

	kept, err := svc.UpdateBook(ctx, book.ID, BookInput{Title: "Clean Architecture", Author: "Robert Martin"})
	require.NoError(t, err)
	assert.Equal(t, 4, kept.Copies)

	_, err = svc.UpdateBook(ctx, uuid.New(), BookInput{Title: "Clean Code", Author: "Robert Martin"})
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestUpdateBookOntoExistingTitle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.AddBook(ctx, BookInput{Title: "Clean Code", Author: "Robert Martin"})
	require.NoError(t, err)
	other, err := svc.AddBook(ctx, BookInput{Title: "Refactoring", Author: "Martin Fowler"})
	require.NoError(t, err)

	_, err = svc.UpdateBook(ctx, other.ID, BookInput{Title: "Clean Code", Author: "Robert Martin"})
	assert.ErrorIs(t, err, ErrDuplicateBook)
}

func TestDeleteBook(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	book, err := svc.AddBook(ctx, BookInput{Title: "Clean Code", Author: "Robert Martin"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteBook(ctx, book.ID))
	_, err = svc.GetBook(ctx, book.ID)
	assert.ErrorIs(t, err, ErrBookNotFound)

	assert.ErrorIs(t, svc.DeleteBook(ctx, book.ID), ErrBookNotFound)
}

func TestDeleteBorrowedBookIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	book, err := svc.AddBook(ctx, BookInput{Title: "Clean Code", Author: "Robert Martin"})
	require.NoError(t, err)
	recordID := openBorrow(t, store, book.ID)

	assert.ErrorIs(t, svc.DeleteBook(ctx, book.ID), ErrBookInUse)

	_, err = svc.GetBook(ctx, book.ID)
	assert.NoError(t, err)

	closeBorrow(t, store, recordID)
	require.NoError(t, svc.DeleteBook(ctx, book.ID))
	_, err = svc.GetBook(ctx, book.ID)
	assert.ErrorIs(t, err, ErrBookNotFound)
}

func TestDeleteRechecksUnderLock(t *testing.T) {
	ctx := context.Background()
	store := memory.New(time.Second)
	// The probe is stale: it reports no borrows although one is open.
	svc := NewService(store, probeFunc(func(context.Context, uuid.UUID) (bool, error) {
		return false, nil
	}), zap.NewNop())

	book, err := svc.AddBook(ctx, BookInput{Title: "Clean Code", Author: "Robert Martin"})
	require.NoError(t, err)
	openBorrow(t, store, book.ID)

	assert.ErrorIs(t, svc.DeleteBook(ctx, book.ID), ErrBookInUse)
}

func openBorrow(t *testing.T, store storage.Store, bookID uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.CreateBorrowRecord(ctx, &models.BorrowRecord{
			ID:         id,
			BookID:     bookID,
			MemberID:   uuid.New(),
			BorrowDate: time.Now().UTC(),
		})
	})
	require.NoError(t, err)
	return id
}

func closeBorrow(t *testing.T, store storage.Store, id uuid.UUID) {
	t.Helper()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		rec, err := tx.LockBorrowRecord(ctx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.ReturnDate = &now
		return tx.SaveBorrowRecord(ctx, rec)
	})
	require.NoError(t, err)
}
