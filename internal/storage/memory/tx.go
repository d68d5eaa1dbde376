package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"libralend/internal/models"
	"libralend/internal/storage"
)

// tx buffers writes over the committed state. Only the holder of the writer
// slot commits, so base is stable for the lifetime of a transaction and can be
// read without the store mutex.
type tx struct {
	reader

	base    *state
	books   map[uuid.UUID]*models.Book // nil marks a delete
	members map[uuid.UUID]*models.Member
	records map[uuid.UUID]models.BorrowRecord
	order   []uuid.UUID
	log     []models.Event
	eventID int64
}

var _ storage.Tx = (*tx)(nil)

func newTx(base *state) *tx {
	t := &tx{
		base:    base,
		books:   make(map[uuid.UUID]*models.Book),
		members: make(map[uuid.UUID]*models.Member),
		records: make(map[uuid.UUID]models.BorrowRecord),
		eventID: base.lastEventID,
	}
	t.reader = reader{v: t}
	return t
}

func (t *tx) book(id uuid.UUID) (models.Book, bool) {
	if b, ok := t.books[id]; ok {
		if b == nil {
			return models.Book{}, false
		}
		return *b, true
	}
	return t.base.book(id)
}

func (t *tx) eachBook(fn func(models.Book)) {
	for id, b := range t.base.books {
		if _, touched := t.books[id]; !touched {
			fn(b)
		}
	}
	for _, b := range t.books {
		if b != nil {
			fn(*b)
		}
	}
}

func (t *tx) member(id uuid.UUID) (models.Member, bool) {
	if m, ok := t.members[id]; ok {
		if m == nil {
			return models.Member{}, false
		}
		return *m, true
	}
	return t.base.member(id)
}

func (t *tx) eachMember(fn func(models.Member)) {
	for id, m := range t.base.members {
		if _, touched := t.members[id]; !touched {
			fn(m)
		}
	}
	for _, m := range t.members {
		if m != nil {
			fn(*m)
		}
	}
}

func (t *tx) record(id uuid.UUID) (models.BorrowRecord, bool) {
	if r, ok := t.records[id]; ok {
		return r, true
	}
	return t.base.record(id)
}

func (t *tx) eachRecord(fn func(models.BorrowRecord)) {
	for _, id := range t.base.order {
		r, _ := t.record(id)
		fn(r)
	}
	for _, id := range t.order {
		fn(t.records[id])
	}
}

func (t *tx) events(aggregateID uuid.UUID) []models.Event {
	events := append([]models.Event(nil), t.base.events(aggregateID)...)
	for _, e := range t.log {
		if e.AggregateID == aggregateID {
			events = append(events, e)
		}
	}
	return events
}

// The writer slot already excludes every other writer, so locking a row is a read.

func (t *tx) LockBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	return t.FindBookByID(ctx, id)
}

func (t *tx) LockMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	return t.FindMemberByID(ctx, id)
}

func (t *tx) LockBorrowRecord(ctx context.Context, id uuid.UUID) (*models.BorrowRecord, error) {
	return t.FindBorrowRecordByID(ctx, id)
}

func (t *tx) CreateBook(_ context.Context, book *models.Book) error {
	if _, ok := t.book(book.ID); ok {
		return fmt.Errorf("insert book %s: %w", book.ID, storage.ErrDuplicate)
	}
	dup := false
	t.eachBook(func(b models.Book) {
		dup = dup || (b.Title == book.Title && b.Author == book.Author)
	})
	if dup {
		return fmt.Errorf("insert book %q by %q: %w", book.Title, book.Author, storage.ErrDuplicate)
	}
	b := *book
	t.books[b.ID] = &b
	return nil
}

func (t *tx) SaveBook(_ context.Context, book *models.Book) error {
	if _, ok := t.book(book.ID); !ok {
		return fmt.Errorf("update book %s: %w", book.ID, storage.ErrNotFound)
	}
	dup := false
	t.eachBook(func(b models.Book) {
		dup = dup || (b.ID != book.ID && b.Title == book.Title && b.Author == book.Author)
	})
	if dup {
		return fmt.Errorf("update book %s: %w", book.ID, storage.ErrDuplicate)
	}
	b := *book
	t.books[b.ID] = &b
	return nil
}

func (t *tx) DeleteBook(_ context.Context, id uuid.UUID) error {
	if _, ok := t.book(id); !ok {
		return fmt.Errorf("delete book %s: %w", id, storage.ErrNotFound)
	}
	t.books[id] = nil
	return nil
}

func (t *tx) nameTaken(name string, except uuid.UUID) bool {
	taken := false
	t.eachMember(func(m models.Member) {
		taken = taken || (m.ID != except && m.Name == name)
	})
	return taken
}

func (t *tx) CreateMember(_ context.Context, member *models.Member) error {
	if _, ok := t.member(member.ID); ok || t.nameTaken(member.Name, member.ID) {
		return fmt.Errorf("insert member %q: %w", member.Name, storage.ErrDuplicate)
	}
	m := *member
	t.members[m.ID] = &m
	return nil
}

func (t *tx) SaveMember(_ context.Context, member *models.Member) error {
	current, ok := t.member(member.ID)
	if !ok {
		return fmt.Errorf("update member %s: %w", member.ID, storage.ErrNotFound)
	}
	if t.nameTaken(member.Name, member.ID) {
		return fmt.Errorf("update member %s: %w", member.ID, storage.ErrDuplicate)
	}
	current.Name = member.Name
	t.members[current.ID] = &current
	return nil
}

func (t *tx) DeleteMember(_ context.Context, id uuid.UUID) error {
	if _, ok := t.member(id); !ok {
		return fmt.Errorf("delete member %s: %w", id, storage.ErrNotFound)
	}
	t.members[id] = nil
	return nil
}

func (t *tx) CreateBorrowRecord(_ context.Context, record *models.BorrowRecord) error {
	if _, ok := t.record(record.ID); ok {
		return fmt.Errorf("insert borrow record %s: %w", record.ID, storage.ErrDuplicate)
	}
	t.records[record.ID] = *record
	t.order = append(t.order, record.ID)
	return nil
}

func (t *tx) SaveBorrowRecord(_ context.Context, record *models.BorrowRecord) error {
	current, ok := t.record(record.ID)
	if !ok {
		return fmt.Errorf("update borrow record %s: %w", record.ID, storage.ErrNotFound)
	}
	current.ReturnDate = record.ReturnDate
	t.records[current.ID] = current
	return nil
}

func (t *tx) AppendEvent(_ context.Context, event *models.Event) error {
	for _, e := range t.events(event.AggregateID) {
		if e.Version == event.Version {
			return fmt.Errorf("append %s v%d: %w", event.EventType, event.Version, storage.ErrConflict)
		}
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	t.eventID++
	event.ID = t.eventID
	t.log = append(t.log, *event)
	return nil
}

// commit publishes the buffered writes. The caller holds the store mutex.
func (t *tx) commit() {
	for id, b := range t.books {
		if b == nil {
			delete(t.base.books, id)
			continue
		}
		t.base.books[id] = *b
	}
	for id, m := range t.members {
		if m == nil {
			delete(t.base.members, id)
			continue
		}
		t.base.members[id] = *m
	}
	for id, r := range t.records {
		t.base.records[id] = r
	}
	t.base.order = append(t.base.order, t.order...)
	for _, e := range t.log {
		t.base.log[e.AggregateID] = append(t.base.log[e.AggregateID], e)
	}
	t.base.lastEventID = t.eventID
}
