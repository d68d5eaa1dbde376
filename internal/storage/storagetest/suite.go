// Package storagetest holds behaviour checks every storage.Store must pass.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/models"
	"libralend/internal/storage"
)

// Run exercises a fresh store returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("BookLifecycle", func(t *testing.T) { testBookLifecycle(t, open(t)) })
	t.Run("MemberNamesAreUnique", func(t *testing.T) { testMemberNames(t, open(t)) })
	t.Run("OpenRecordsInInsertionOrder", func(t *testing.T) { testOpenRecords(t, open(t)) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("EventVersionsAreUnique", func(t *testing.T) { testEvents(t, open(t)) })
}

func NewBook(title, author string, copies int) *models.Book {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &models.Book{ID: uuid.New(), Title: title, Author: author, Copies: copies, CreatedAt: now, UpdatedAt: now}
}

func NewMember(name string) *models.Member {
	return &models.Member{ID: uuid.New(), Name: name, MembershipDate: time.Now().UTC().Truncate(24 * time.Hour)}
}

// Seed stores books and members in one transaction.
func Seed(t *testing.T, store storage.Store, books []*models.Book, members []*models.Member) {
	t.Helper()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		for _, b := range books {
			if err := tx.CreateBook(ctx, b); err != nil {
				return err
			}
		}
		for _, m := range members {
			if err := tx.CreateMember(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func testBookLifecycle(t *testing.T, store storage.Store) {
	ctx := context.Background()
	book := NewBook("Clean Code", "Robert Martin", 2)
	Seed(t, store, []*models.Book{book}, nil)

	got, err := store.FindBookByID(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, "Clean Code", got.Title)
	assert.Equal(t, 2, got.Copies)

	byTitle, err := store.FindBookByTitleAndAuthor(ctx, "Clean Code", "Robert Martin")
	require.NoError(t, err)
	assert.Equal(t, book.ID, byTitle.ID)

	err = store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.LockBook(ctx, book.ID)
		if err != nil {
			return err
		}
		b.Copies--
		return tx.SaveBook(ctx, b)
	})
	require.NoError(t, err)

	got, err = store.FindBookByID(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Copies)

	err = store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.CreateBook(ctx, NewBook("Clean Code", "Robert Martin", 1))
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	err = store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.DeleteBook(ctx, book.ID)
	})
	require.NoError(t, err)

	_, err = store.FindBookByID(ctx, book.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.DeleteBook(ctx, book.ID)
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testMemberNames(t *testing.T, store storage.Store) {
	ctx := context.Background()
	john := NewMember("John")
	Seed(t, store, nil, []*models.Member{john})

	err := store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.CreateMember(ctx, NewMember("John"))
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	members, err := store.FindMembersByName(ctx, "John")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, john.ID, members[0].ID)

	members, err = store.FindMembersByName(ctx, "Nobody")
	require.NoError(t, err)
	assert.Empty(t, members)

	err = store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		m, err := tx.LockMember(ctx, john.ID)
		if err != nil {
			return err
		}
		m.Name = "Johnny"
		return tx.SaveMember(ctx, m)
	})
	require.NoError(t, err)

	got, err := store.FindMemberByID(ctx, john.ID)
	require.NoError(t, err)
	assert.Equal(t, "Johnny", got.Name)
	assert.True(t, john.MembershipDate.Equal(got.MembershipDate))
}

func testOpenRecords(t *testing.T, store storage.Store) {
	ctx := context.Background()
	book := NewBook("Clean Code", "Robert Martin", 3)
	member := NewMember("John")
	Seed(t, store, []*models.Book{book}, []*models.Member{member})

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		rec := &models.BorrowRecord{
			ID:         uuid.New(),
			BookID:     book.ID,
			MemberID:   member.ID,
			BorrowDate: time.Now().UTC(),
		}
		ids = append(ids, rec.ID)
		err := store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.CreateBorrowRecord(ctx, rec)
		})
		require.NoError(t, err)
	}

	n, err := store.CountOpenBorrowRecordsForMember(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec, err := tx.LockBorrowRecord(ctx, ids[1])
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.ReturnDate = &now
		return tx.SaveBorrowRecord(ctx, rec)
	})
	require.NoError(t, err)

	open, err := store.FindOpenBorrowRecordsForMember(ctx, member.ID)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, ids[0], open[0].ID)
	assert.Equal(t, ids[2], open[1].ID)

	all, err := store.FindAllOpenBorrowRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	closed, err := store.FindBorrowRecordByID(ctx, ids[1])
	require.NoError(t, err)
	assert.False(t, closed.IsOpen())

	borrowed, err := store.ExistsOpenBorrowRecordForBook(ctx, book.ID)
	require.NoError(t, err)
	assert.True(t, borrowed)

	borrowing, err := store.ExistsOpenBorrowRecordForMember(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, borrowing)

	unknown, err := store.FindOpenBorrowRecordsForMember(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

func testRollback(t *testing.T, store storage.Store) {
	ctx := context.Background()
	book := NewBook("Clean Code", "Robert Martin", 1)
	Seed(t, store, []*models.Book{book}, nil)

	boom := errors.New("boom")
	err := store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.LockBook(ctx, book.ID)
		if err != nil {
			return err
		}
		b.Copies = 0
		if err := tx.SaveBook(ctx, b); err != nil {
			return err
		}
		if err := tx.CreateBorrowRecord(ctx, &models.BorrowRecord{
			ID: uuid.New(), BookID: book.ID, MemberID: uuid.New(), BorrowDate: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.FindBookByID(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Copies)

	open, err := store.FindAllOpenBorrowRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func testEvents(t *testing.T, store storage.Store) {
	ctx := context.Background()
	aggregate := uuid.New()

	appendVersion := func(version int) error {
		return store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.AppendEvent(ctx, &models.Event{
				AggregateID:   aggregate,
				AggregateType: "borrow",
				EventType:     "Test",
				EventData:     json.RawMessage(`{"n":1}`),
				Version:       version,
			})
		})
	}

	require.NoError(t, appendVersion(1))
	require.NoError(t, appendVersion(2))
	assert.ErrorIs(t, appendVersion(2), storage.ErrConflict)

	events, err := store.LoadEvents(ctx, aggregate)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, 2, events[1].Version)
	assert.JSONEq(t, `{"n":1}`, string(events[0].EventData))

	err = store.View(ctx, func(ctx context.Context, q storage.Queries) error {
		events, err := q.LoadEvents(ctx, uuid.New())
		if err != nil {
			return err
		}
		assert.Empty(t, events)
		return nil
	})
	require.NoError(t, err)
}
