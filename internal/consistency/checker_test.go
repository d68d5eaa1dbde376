package consistency

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
	"libralend/internal/storage/storagetest"
)

func borrow(t *testing.T, store storage.Store, bookID, memberID uuid.UUID) {
	t.Helper()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.CreateBorrowRecord(ctx, &models.BorrowRecord{
			ID: uuid.New(), BookID: bookID, MemberID: memberID, BorrowDate: time.Now().UTC(),
		})
	})
	require.NoError(t, err)
}

func TestCleanLedger(t *testing.T) {
	store := memory.New(time.Second)
	book := storagetest.NewBook("Clean Code", "Robert Martin", 1)
	member := storagetest.NewMember("John")
	storagetest.Seed(t, store, []*models.Book{book}, []*models.Member{member})
	borrow(t, store, book.ID, member.ID)

	report, err := NewChecker(store, 1, zap.NewNop()).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.Books)
	assert.Equal(t, 1, report.OpenBorrows)
}

func TestReportsViolations(t *testing.T) {
	store := memory.New(time.Second)
	book := storagetest.NewBook("Clean Code", "Robert Martin", -1)
	member := storagetest.NewMember("John")
	storagetest.Seed(t, store, []*models.Book{book}, []*models.Member{member})
	borrow(t, store, book.ID, member.ID)
	borrow(t, store, book.ID, member.ID)

	report, err := NewChecker(store, 1, zap.NewNop()).Check(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Violations, 2)
	assert.Equal(t, KindNegativeCopies, report.Violations[0].Kind)
	assert.Equal(t, book.ID, report.Violations[0].ID)
	assert.Equal(t, KindOverLimit, report.Violations[1].Kind)
	assert.Equal(t, member.ID, report.Violations[1].ID)
}
