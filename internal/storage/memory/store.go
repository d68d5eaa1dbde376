// Package memory provides an in-memory implementation of the lending store
// used for tests and ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"libralend/internal/models"
	"libralend/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// view is the read surface shared by committed state and open transactions.
type view interface {
	book(id uuid.UUID) (models.Book, bool)
	eachBook(fn func(models.Book))
	member(id uuid.UUID) (models.Member, bool)
	eachMember(fn func(models.Member))
	record(id uuid.UUID) (models.BorrowRecord, bool)
	eachRecord(fn func(models.BorrowRecord)) // insertion order
	events(aggregateID uuid.UUID) []models.Event
}

type state struct {
	books       map[uuid.UUID]models.Book
	members     map[uuid.UUID]models.Member
	records     map[uuid.UUID]models.BorrowRecord
	order       []uuid.UUID
	log         map[uuid.UUID][]models.Event
	lastEventID int64
}

func newState() *state {
	return &state{
		books:   make(map[uuid.UUID]models.Book),
		members: make(map[uuid.UUID]models.Member),
		records: make(map[uuid.UUID]models.BorrowRecord),
		log:     make(map[uuid.UUID][]models.Event),
	}
}

func (s *state) book(id uuid.UUID) (models.Book, bool) {
	b, ok := s.books[id]
	return b, ok
}

func (s *state) eachBook(fn func(models.Book)) {
	for _, b := range s.books {
		fn(b)
	}
}

func (s *state) member(id uuid.UUID) (models.Member, bool) {
	m, ok := s.members[id]
	return m, ok
}

func (s *state) eachMember(fn func(models.Member)) {
	for _, m := range s.members {
		fn(m)
	}
}

func (s *state) record(id uuid.UUID) (models.BorrowRecord, bool) {
	r, ok := s.records[id]
	return r, ok
}

func (s *state) eachRecord(fn func(models.BorrowRecord)) {
	for _, id := range s.order {
		fn(s.records[id])
	}
}

func (s *state) events(aggregateID uuid.UUID) []models.Event {
	return s.log[aggregateID]
}

// Store keeps all state in maps. Writers are admitted one at a time through a
// semaphore; a transaction buffers its writes and publishes them on commit, so
// readers never observe a partial unit of work.
type Store struct {
	reader

	mu          sync.RWMutex
	data        *state
	writer      *semaphore.Weighted
	lockTimeout time.Duration
}

// New creates an empty store. A transaction waits at most lockTimeout for
// the writer slot before failing with storage.ErrConflict.
func New(lockTimeout time.Duration) *Store {
	s := &Store{
		data:        newState(),
		writer:      semaphore.NewWeighted(1),
		lockTimeout: lockTimeout,
	}
	s.reader = reader{v: lockedView{s}}
	return s
}

func (s *Store) Close() error {
	return nil
}

// Atomically runs fn with exclusive write access.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := s.writer.Acquire(acquireCtx, 1); err != nil {
		return fmt.Errorf("begin transaction: %w: %v", storage.ErrConflict, err)
	}
	defer s.writer.Release(1)

	t := newTx(s.data)
	if err := fn(ctx, t); err != nil {
		return err
	}

	s.mu.Lock()
	t.commit()
	s.mu.Unlock()
	return nil
}

// View holds the read lock for the duration of fn.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, q storage.Queries) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, reader{v: s.data})
}

// lockedView takes the read lock around every access to committed state.
type lockedView struct {
	s *Store
}

func (l lockedView) book(id uuid.UUID) (models.Book, bool) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return l.s.data.book(id)
}

func (l lockedView) eachBook(fn func(models.Book)) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	l.s.data.eachBook(fn)
}

func (l lockedView) member(id uuid.UUID) (models.Member, bool) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return l.s.data.member(id)
}

func (l lockedView) eachMember(fn func(models.Member)) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	l.s.data.eachMember(fn)
}

func (l lockedView) record(id uuid.UUID) (models.BorrowRecord, bool) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return l.s.data.record(id)
}

func (l lockedView) eachRecord(fn func(models.BorrowRecord)) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	l.s.data.eachRecord(fn)
}

func (l lockedView) events(aggregateID uuid.UUID) []models.Event {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return append([]models.Event(nil), l.s.data.events(aggregateID)...)
}

// reader implements storage.Queries over any view.
type reader struct {
	v view
}

func (r reader) FindBookByID(_ context.Context, id uuid.UUID) (*models.Book, error) {
	b, ok := r.v.book(id)
	if !ok {
		return nil, fmt.Errorf("find book %s: %w", id, storage.ErrNotFound)
	}
	return &b, nil
}

func (r reader) FindBookByTitleAndAuthor(_ context.Context, title, author string) (*models.Book, error) {
	var found *models.Book
	r.v.eachBook(func(b models.Book) {
		if b.Title == title && b.Author == author {
			found = &b
		}
	})
	if found == nil {
		return nil, fmt.Errorf("find book %q by %q: %w", title, author, storage.ErrNotFound)
	}
	return found, nil
}

func (r reader) ListBooks(_ context.Context) ([]models.Book, error) {
	books := []models.Book{}
	r.v.eachBook(func(b models.Book) { books = append(books, b) })
	sort.Slice(books, func(i, j int) bool {
		if books[i].Title != books[j].Title {
			return books[i].Title < books[j].Title
		}
		return books[i].Author < books[j].Author
	})
	return books, nil
}

func (r reader) FindMemberByID(_ context.Context, id uuid.UUID) (*models.Member, error) {
	m, ok := r.v.member(id)
	if !ok {
		return nil, fmt.Errorf("find member %s: %w", id, storage.ErrNotFound)
	}
	return &m, nil
}

func (r reader) FindMembersByName(_ context.Context, name string) ([]models.Member, error) {
	members := []models.Member{}
	r.v.eachMember(func(m models.Member) {
		if m.Name == name {
			members = append(members, m)
		}
	})
	sort.Slice(members, func(i, j int) bool { return members[i].ID.String() < members[j].ID.String() })
	return members, nil
}

func (r reader) ListMembers(_ context.Context) ([]models.Member, error) {
	members := []models.Member{}
	r.v.eachMember(func(m models.Member) { members = append(members, m) })
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}

func (r reader) FindBorrowRecordByID(_ context.Context, id uuid.UUID) (*models.BorrowRecord, error) {
	rec, ok := r.v.record(id)
	if !ok {
		return nil, fmt.Errorf("find borrow record %s: %w", id, storage.ErrNotFound)
	}
	return &rec, nil
}

func (r reader) openRecords(match func(models.BorrowRecord) bool) []models.BorrowRecord {
	records := []models.BorrowRecord{}
	r.v.eachRecord(func(rec models.BorrowRecord) {
		if rec.IsOpen() && match(rec) {
			records = append(records, rec)
		}
	})
	return records
}

func (r reader) CountOpenBorrowRecordsForMember(_ context.Context, memberID uuid.UUID) (int, error) {
	return len(r.openRecords(func(rec models.BorrowRecord) bool { return rec.MemberID == memberID })), nil
}

func (r reader) FindOpenBorrowRecordsForMember(_ context.Context, memberID uuid.UUID) ([]models.BorrowRecord, error) {
	return r.openRecords(func(rec models.BorrowRecord) bool { return rec.MemberID == memberID }), nil
}

func (r reader) ExistsOpenBorrowRecordForBook(_ context.Context, bookID uuid.UUID) (bool, error) {
	return len(r.openRecords(func(rec models.BorrowRecord) bool { return rec.BookID == bookID })) > 0, nil
}

func (r reader) ExistsOpenBorrowRecordForMember(_ context.Context, memberID uuid.UUID) (bool, error) {
	return len(r.openRecords(func(rec models.BorrowRecord) bool { return rec.MemberID == memberID })) > 0, nil
}

func (r reader) FindAllOpenBorrowRecords(_ context.Context) ([]models.BorrowRecord, error) {
	return r.openRecords(func(models.BorrowRecord) bool { return true }), nil
}

func (r reader) LoadEvents(_ context.Context, aggregateID uuid.UUID) ([]models.Event, error) {
	events := append([]models.Event{}, r.v.events(aggregateID)...)
	sort.Slice(events, func(i, j int) bool { return events[i].Version < events[j].Version })
	return events, nil
}
