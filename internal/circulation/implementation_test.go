package circulation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"libralend/internal/models"
	"libralend/internal/storage"
	"libralend/internal/storage/memory"
	"libralend/internal/storage/storagetest"
)

func newTestCoordinator(t testing.TB, limit int) (*Coordinator, storage.Store) {
	t.Helper()
	store := memory.New(time.Second)
	c, err := NewCoordinator(store, Config{BorrowLimit: limit, LockTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	return c, store
}

func seed(t testing.TB, store storage.Store, books []*models.Book, members []*models.Member) {
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

func copiesOf(t testing.TB, store storage.Store, id uuid.UUID) int {
	t.Helper()
	book, err := store.FindBookByID(context.Background(), id)
	require.NoError(t, err)
	return book.Copies
}

func TestNewCoordinatorRejectsBadConfig(t *testing.T) {
	store := memory.New(time.Second)

	_, err := NewCoordinator(store, Config{BorrowLimit: -1, LockTimeout: time.Second}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewCoordinator(store, Config{BorrowLimit: 1}, zap.NewNop())
	assert.Error(t, err)
}

func TestBorrowReturnScenario(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	ctx := context.Background()

	book := storagetest.NewBook("Clean Code", "Robert Martin", 1)
	john := storagetest.NewMember("John")
	jane := storagetest.NewMember("Jane")
	seed(t, store, []*models.Book{book}, []*models.Member{john, jane})

	johnBorrow, err := c.BorrowBook(ctx, john.ID, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, copiesOf(t, store, book.ID))

	_, err = c.BorrowBook(ctx, jane.ID, book.ID)
	assert.ErrorIs(t, err, ErrNotAvailable)

	require.NoError(t, c.ReturnBook(ctx, johnBorrow))
	assert.Equal(t, 1, copiesOf(t, store, book.ID))

	_, err = c.BorrowBook(ctx, jane.ID, book.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, copiesOf(t, store, book.ID))
}

func TestRoundTripClosesRecord(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	ctx := context.Background()

	book := storagetest.NewBook("Refactoring", "Martin Fowler", 3)
	member := storagetest.NewMember("John")
	seed(t, store, []*models.Book{book}, []*models.Member{member})

	id, err := c.BorrowBook(ctx, member.ID, book.ID)
	require.NoError(t, err)
	require.NoError(t, c.ReturnBook(ctx, id))

	assert.Equal(t, 3, copiesOf(t, store, book.ID))

	rec, err := store.FindBorrowRecordByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.IsOpen())
	assert.False(t, rec.BorrowDate.IsZero())
	require.NotNil(t, rec.ReturnDate)
	assert.False(t, rec.ReturnDate.Before(rec.BorrowDate))

	open, err := c.ListOpenBorrowsForMember(ctx, member.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestReturnTwiceFailsWithAlreadyReturned(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	ctx := context.Background()

	book := storagetest.NewBook("Clean Code", "Robert Martin", 1)
	member := storagetest.NewMember("John")
	seed(t, store, []*models.Book{book}, []*models.Member{member})

	id, err := c.BorrowBook(ctx, member.ID, book.ID)
	require.NoError(t, err)

	require.NoError(t, c.ReturnBook(ctx, id))
	err = c.ReturnBook(ctx, id)
	assert.ErrorIs(t, err, ErrAlreadyReturned)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 1, copiesOf(t, store, book.ID))
}

func TestConcurrentReturnsOfOneRecord(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	ctx := context.Background()

	book := storagetest.NewBook("Clean Code", "Robert Martin", 1)
	member := storagetest.NewMember("John")
	seed(t, store, []*models.Book{book}, []*models.Member{member})

	id, err := c.BorrowBook(ctx, member.ID, book.ID)
	require.NoError(t, err)

	var ok, returned atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			err := c.ReturnBook(ctx, id)
			switch {
			case err == nil:
				ok.Add(1)
			case KindOf(err) == ErrAlreadyReturned:
				returned.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), returned.Load())
	assert.Equal(t, 1, copiesOf(t, store, book.ID))
}

func TestBorrowLimit(t *testing.T) {
	c, store := newTestCoordinator(t, 2)
	ctx := context.Background()

	books := []*models.Book{
		storagetest.NewBook("Clean Code", "Robert Martin", 1),
		storagetest.NewBook("Refactoring", "Martin Fowler", 1),
		storagetest.NewBook("Domain Driven Design", "Eric Evans", 4),
	}
	member := storagetest.NewMember("John")
	seed(t, store, books, []*models.Member{member})

	for _, b := range books[:2] {
		_, err := c.BorrowBook(ctx, member.ID, b.ID)
		require.NoError(t, err)
	}

	_, err := c.BorrowBook(ctx, member.ID, books[2].ID)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, 4, copiesOf(t, store, books[2].ID))

	n, err := store.CountOpenBorrowRecordsForMember(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestZeroLimitRejectsEveryBorrow(t *testing.T) {
	c, store := newTestCoordinator(t, 0)
	book := storagetest.NewBook("Clean Code", "Robert Martin", 1)
	member := storagetest.NewMember("John")
	seed(t, store, []*models.Book{book}, []*models.Member{member})

	_, err := c.BorrowBook(context.Background(), member.ID, book.ID)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestBorrowPreconditionOrder(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	ctx := context.Background()

	empty := storagetest.NewBook("Clean Code", "Robert Martin", 0)
	stocked := storagetest.NewBook("Refactoring", "Martin Fowler", 1)
	member := storagetest.NewMember("John")
	seed(t, store, []*models.Book{empty, stocked}, []*models.Member{member})

	tests := []struct {
		name     string
		memberID uuid.UUID
		bookID   uuid.UUID
		kind     error
		entity   Entity
	}{
		{"unknown book wins over unknown member", uuid.New(), uuid.New(), ErrNotFound, EntityBook},
		{"unavailable wins over unknown member", uuid.New(), empty.ID, ErrNotAvailable, EntityBook},
		{"unknown member", uuid.New(), stocked.ID, ErrNotFound, EntityMember},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.BorrowBook(ctx, tt.memberID, tt.bookID)
			require.Error(t, err)

			var lendErr *Error
			require.ErrorAs(t, err, &lendErr)
			assert.Equal(t, tt.kind, lendErr.Kind)
			assert.Equal(t, tt.entity, lendErr.Entity)
		})
	}
	assert.Equal(t, 1, copiesOf(t, store, stocked.ID))
}

func TestReturnUnknownRecord(t *testing.T) {
	c, _ := newTestCoordinator(t, 5)

	err := c.ReturnBook(context.Background(), uuid.New())
	var lendErr *Error
	require.ErrorAs(t, err, &lendErr)
	assert.Equal(t, ErrNotFound, lendErr.Kind)
	assert.Equal(t, EntityBorrowRecord, lendErr.Entity)
}

func TestConcurrentBorrowOfLastCopy(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	ctx := context.Background()

	book := storagetest.NewBook("Clean Code", "Robert Martin", 1)
	john := storagetest.NewMember("John")
	jane := storagetest.NewMember("Jane")
	seed(t, store, []*models.Book{book}, []*models.Member{john, jane})

	errs := make([]error, 2)
	var g errgroup.Group
	for i, m := range []*models.Member{john, jane} {
		g.Go(func() error {
			_, errs[i] = c.BorrowBook(ctx, m.ID, book.ID)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var succeeded, unavailable int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case KindOf(err) == ErrNotAvailable:
			unavailable++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, unavailable)
	assert.Equal(t, 0, copiesOf(t, store, book.ID))

	open, err := store.FindAllOpenBorrowRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestConcurrentBorrowsRespectMemberLimit(t *testing.T) {
	c, store := newTestCoordinator(t, 3)
	ctx := context.Background()

	member := storagetest.NewMember("John")
	var books []*models.Book
	for i := 0; i < 10; i++ {
		books = append(books, storagetest.NewBook(fmt.Sprintf("Volume %d", i), "Donald Knuth", 1))
	}
	seed(t, store, books, []*models.Member{member})

	var ok atomic.Int32
	var g errgroup.Group
	for _, b := range books {
		g.Go(func() error {
			_, err := c.BorrowBook(ctx, member.ID, b.ID)
			if err == nil {
				ok.Add(1)
				return nil
			}
			if KindOf(err) != ErrLimitExceeded {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(3), ok.Load())
	n, err := store.CountOpenBorrowRecordsForMember(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLockTimeoutIsConflict(t *testing.T) {
	store := memory.New(time.Second)
	c, err := NewCoordinator(store, Config{BorrowLimit: 5, LockTimeout: 50 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	book := storagetest.NewBook("Clean Code", "Robert Martin", 1)
	member := storagetest.NewMember("John")
	seed(t, store, []*models.Book{book}, []*models.Member{member})

	release, err := c.locks.acquire(context.Background(), bookKey(book.ID))
	require.NoError(t, err)

	_, err = c.BorrowBook(context.Background(), member.ID, book.ID)
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsRetryable(err))
	release()

	assert.Equal(t, 1, copiesOf(t, store, book.ID))
	_, err = c.BorrowBook(context.Background(), member.ID, book.ID)
	require.NoError(t, err)
}

func TestCancelledCallerDoesNotLeavePartialState(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	book := storagetest.NewBook("Clean Code", "Robert Martin", 2)
	member := storagetest.NewMember("John")
	seed(t, store, []*models.Book{book}, []*models.Member{member})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.BorrowBook(ctx, member.ID, book.ID)

	n, countErr := store.CountOpenBorrowRecordsForMember(context.Background(), member.ID)
	require.NoError(t, countErr)
	if err == nil {
		assert.Equal(t, 1, n)
		assert.Equal(t, 1, copiesOf(t, store, book.ID))
	} else {
		assert.ErrorIs(t, err, ErrConflict)
		assert.Equal(t, 0, n)
		assert.Equal(t, 2, copiesOf(t, store, book.ID))
	}
}

func TestListOpenBorrowsForMemberName(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	ctx := context.Background()

	books := []*models.Book{
		storagetest.NewBook("Clean Code", "Robert Martin", 1),
		storagetest.NewBook("Refactoring", "Martin Fowler", 1),
	}
	member := storagetest.NewMember("John")
	seed(t, store, books, []*models.Member{member})

	first, err := c.BorrowBook(ctx, member.ID, books[0].ID)
	require.NoError(t, err)
	second, err := c.BorrowBook(ctx, member.ID, books[1].ID)
	require.NoError(t, err)

	records, err := c.ListOpenBorrowsForMemberName(ctx, "John")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first, records[0].ID)
	assert.Equal(t, second, records[1].ID)

	_, err = c.ListOpenBorrowsForMemberName(ctx, "Nobody")
	var lendErr *Error
	require.ErrorAs(t, err, &lendErr)
	assert.Equal(t, ErrNotFound, lendErr.Kind)
	assert.Equal(t, EntityMember, lendErr.Entity)

	records, err = c.ListOpenBorrowsForMember(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, records)
}

// sharedNameStore reports two members for every name lookup.
type sharedNameStore struct {
	storage.Store
}

func (s sharedNameStore) View(ctx context.Context, fn func(ctx context.Context, q storage.Queries) error) error {
	return s.Store.View(ctx, func(ctx context.Context, q storage.Queries) error {
		return fn(ctx, sharedNameQueries{q})
	})
}

type sharedNameQueries struct {
	storage.Queries
}

func (sharedNameQueries) FindMembersByName(_ context.Context, name string) ([]models.Member, error) {
	return []models.Member{*storagetest.NewMember(name), *storagetest.NewMember(name)}, nil
}

func TestAmbiguousMemberNameIsConflict(t *testing.T) {
	store := sharedNameStore{memory.New(time.Second)}
	c, err := NewCoordinator(store, Config{BorrowLimit: 5, LockTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.ListOpenBorrowsForMemberName(context.Background(), "John")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBorrowedTitleReports(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	ctx := context.Background()

	cleanCode := storagetest.NewBook("Clean Code", "Robert Martin", 3)
	otherCleanCode := storagetest.NewBook("Clean Code", "Someone Else", 1)
	refactoring := storagetest.NewBook("Refactoring", "Martin Fowler", 1)
	idle := storagetest.NewBook("Idle Book", "Nobody Reads", 1)
	john := storagetest.NewMember("John")
	jane := storagetest.NewMember("Jane")
	seed(t, store, []*models.Book{cleanCode, otherCleanCode, refactoring, idle}, []*models.Member{john, jane})

	for _, b := range []struct{ m, b uuid.UUID }{
		{john.ID, cleanCode.ID},
		{jane.ID, cleanCode.ID},
		{jane.ID, otherCleanCode.ID},
		{john.ID, refactoring.ID},
	} {
		_, err := c.BorrowBook(ctx, b.m, b.b)
		require.NoError(t, err)
	}

	titles, err := c.ListDistinctBorrowedTitles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Clean Code", "Refactoring"}, titles)

	counts, err := c.CountBorrowsByTitle(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Clean Code": 3, "Refactoring": 1}, counts)
}

func TestBorrowingProbes(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	ctx := context.Background()

	book := storagetest.NewBook("Clean Code", "Robert Martin", 1)
	member := storagetest.NewMember("John")
	seed(t, store, []*models.Book{book}, []*models.Member{member})

	borrowed, err := c.IsBookBorrowed(ctx, book.ID)
	require.NoError(t, err)
	assert.False(t, borrowed)

	id, err := c.BorrowBook(ctx, member.ID, book.ID)
	require.NoError(t, err)

	borrowed, err = c.IsBookBorrowed(ctx, book.ID)
	require.NoError(t, err)
	assert.True(t, borrowed)
	borrowing, err := c.IsMemberBorrowing(ctx, member.ID)
	require.NoError(t, err)
	assert.True(t, borrowing)

	require.NoError(t, c.ReturnBook(ctx, id))

	borrowing, err = c.IsMemberBorrowing(ctx, member.ID)
	require.NoError(t, err)
	assert.False(t, borrowing)
}

func TestHistory(t *testing.T) {
	c, store := newTestCoordinator(t, 5)
	ctx := context.Background()

	book := storagetest.NewBook("Clean Code", "Robert Martin", 1)
	member := storagetest.NewMember("John")
	seed(t, store, []*models.Book{book}, []*models.Member{member})

	id, err := c.BorrowBook(ctx, member.ID, book.ID)
	require.NoError(t, err)
	require.NoError(t, c.ReturnBook(ctx, id))

	events, err := c.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventBookBorrowed, events[0].EventType)
	assert.Equal(t, EventBookReturned, events[1].EventType)

	var returned BookReturnedEvent
	require.NoError(t, json.Unmarshal(events[1].EventData, &returned))
	assert.Equal(t, id, returned.BorrowID)
	assert.Equal(t, book.ID, returned.BookID)
	assert.Equal(t, member.ID, returned.MemberID)

	_, err = c.History(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorageFailureIsInternal(t *testing.T) {
	c, err := NewCoordinator(failingStore{memory.New(time.Second)}, Config{BorrowLimit: 5, LockTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.BorrowBook(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrInternal)
	assert.False(t, IsRetryable(err))
}

type failingStore struct {
	storage.Store
}

func (failingStore) Atomically(context.Context, func(ctx context.Context, tx storage.Tx) error) error {
	return fmt.Errorf("disk on fire")
}

func BenchmarkBorrowReturn(b *testing.B) {
	c, store := newTestCoordinator(b, 5)
	ctx := context.Background()

	book := storagetest.NewBook("Clean Code", "Robert Martin", 1)
	member := storagetest.NewMember("John")
	seed(b, store, []*models.Book{book}, []*models.Member{member})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, err := c.BorrowBook(ctx, member.ID, book.ID)
		if err != nil {
			b.Fatal(err)
		}
		if err := c.ReturnBook(ctx, id); err != nil {
			b.Fatal(err)
		}
	}
}
