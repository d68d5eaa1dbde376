package membership

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

type probeFunc func(ctx context.Context, memberID uuid.UUID) (bool, error)

func (f probeFunc) IsMemberBorrowing(ctx context.Context, memberID uuid.UUID) (bool, error) {
	return f(ctx, memberID)
}

func newTestService(t *testing.T, perMinute int) (*service, storage.Store) {
	t.Helper()
	store := memory.New(time.Second)
	svc := NewService(store, probeFunc(store.ExistsOpenBorrowRecordForMember), perMinute, zap.NewNop())
	return svc.(*service), store
}

func TestRegisterMember(t *testing.T) {
	svc, _ := newTestService(t, 0)
	svc.now = func() time.Time { return time.Date(2024, 3, 9, 23, 30, 0, 0, time.FixedZone("x", -2*3600)) }

	member, err := svc.RegisterMember(context.Background(), MemberInput{Name: "  John  "})
	require.NoError(t, err)
	assert.Equal(t, "John", member.Name)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), member.MembershipDate)

	got, err := svc.GetMember(context.Background(), member.ID)
	require.NoError(t, err)
	assert.Equal(t, member.ID, got.ID)
}

func TestRegisterMemberRejectsBlankName(t *testing.T) {
	svc, _ := newTestService(t, 0)

	_, err := svc.RegisterMember(context.Background(), MemberInput{Name: "   "})
	assert.ErrorIs(t, err, validate.ErrInvalid)
}

func TestNamesAreUnique(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 0)

	_, err := svc.RegisterMember(ctx, MemberInput{Name: "John"})
	require.NoError(t, err)
	_, err = svc.RegisterMember(ctx, MemberInput{Name: "John"})
	assert.ErrorIs(t, err, ErrDuplicateName)

	jane, err := svc.RegisterMember(ctx, MemberInput{Name: "Jane"})
	require.NoError(t, err)
	_, err = svc.UpdateMember(ctx, jane.ID, MemberInput{Name: "John"})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRegistrationRateLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 2)

	_, err := svc.RegisterMember(ctx, MemberInput{Name: "A"})
	require.NoError(t, err)
	_, err = svc.RegisterMember(ctx, MemberInput{Name: "B"})
	require.NoError(t, err)
	_, err = svc.RegisterMember(ctx, MemberInput{Name: "C"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestUpdateMemberKeepsMembershipDate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 0)

	member, err := svc.RegisterMember(ctx, MemberInput{Name: "John"})
	require.NoError(t, err)

	updated, err := svc.UpdateMember(ctx, member.ID, MemberInput{Name: "Johnny"})
	require.NoError(t, err)
	assert.Equal(t, "Johnny", updated.Name)
	assert.True(t, member.MembershipDate.Equal(updated.MembershipDate))

	_, err = svc.UpdateMember(ctx, uuid.New(), MemberInput{Name: "Nobody"})
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestListMembersOrderedByName(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, 0)

	for _, name := range []string{"Zoe", "Adam", "Mia"} {
		_, err := svc.RegisterMember(ctx, MemberInput{Name: name})
		require.NoError(t, err)
	}

	members, err := svc.ListMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, []string{"Adam", "Mia", "Zoe"}, []string{members[0].Name, members[1].Name, members[2].Name})
}

func TestDeleteMember(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, 0)

	member, err := svc.RegisterMember(ctx, MemberInput{Name: "John"})
	require.NoError(t, err)
	record := openBorrow(t, store, member.ID)

	assert.ErrorIs(t, svc.DeleteMember(ctx, member.ID), ErrMemberInUse)

	closeBorrow(t, store, record)
	require.NoError(t, svc.DeleteMember(ctx, member.ID))
	assert.ErrorIs(t, svc.DeleteMember(ctx, member.ID), ErrMemberNotFound)
}

func TestDeleteMemberRechecksUnderLock(t *testing.T) {
	ctx := context.Background()
	store := memory.New(time.Second)
	svc := NewService(store, probeFunc(func(context.Context, uuid.UUID) (bool, error) {
		return false, nil
	}), 0, zap.NewNop())

	member, err := svc.RegisterMember(ctx, MemberInput{Name: "John"})
	require.NoError(t, err)
	openBorrow(t, store, member.ID)

	assert.ErrorIs(t, svc.DeleteMember(ctx, member.ID), ErrMemberInUse)
}

func openBorrow(t *testing.T, store storage.Store, memberID uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.CreateBorrowRecord(ctx, &models.BorrowRecord{
			ID:         id,
			BookID:     uuid.New(),
			MemberID:   memberID,
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
