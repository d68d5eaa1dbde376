package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/models"
	"libralend/internal/storage"
)

const (
	bookColumns   = `id, title, author, copies, created_at, updated_at`
	memberColumns = `id, name, membership_date`
	recordColumns = `id, book_id, member_id, borrow_date, return_date`
)

// queries runs the read side against either the database or a transaction.
// Statements are written with ? placeholders and rebound per driver.
type queries struct {
	ext sqlx.ExtContext
}

func (q queries) get(ctx context.Context, dest any, query string, args ...any) error {
	if err := sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...); err != nil {
		return classify(err)
	}
	return nil
}

func (q queries) sel(ctx context.Context, dest any, query string, args ...any) error {
	if err := sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...); err != nil {
		return classify(err)
	}
	return nil
}

func (q queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (q queries) FindBookByID(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	var book models.Book
	if err := q.get(ctx, &book, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("find book %s: %w", id, err)
	}
	return &book, nil
}

func (q queries) FindBookByTitleAndAuthor(ctx context.Context, title, author string) (*models.Book, error) {
	var book models.Book
	err := q.get(ctx, &book, `SELECT `+bookColumns+` FROM books WHERE title = ? AND author = ?`, title, author)
	if err != nil {
		return nil, fmt.Errorf("find book %q by %q: %w", title, author, err)
	}
	return &book, nil
}

func (q queries) ListBooks(ctx context.Context) ([]models.Book, error) {
	books := []models.Book{}
	if err := q.sel(ctx, &books, `SELECT `+bookColumns+` FROM books ORDER BY title, author`); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

func (q queries) FindMemberByID(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	var member models.Member
	if err := q.get(ctx, &member, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("find member %s: %w", id, err)
	}
	return &member, nil
}

func (q queries) FindMembersByName(ctx context.Context, name string) ([]models.Member, error) {
	members := []models.Member{}
	if err := q.sel(ctx, &members, `SELECT `+memberColumns+` FROM members WHERE name = ? ORDER BY id`, name); err != nil {
		return nil, fmt.Errorf("find members named %q: %w", name, err)
	}
	return members, nil
}

func (q queries) ListMembers(ctx context.Context) ([]models.Member, error) {
	members := []models.Member{}
	if err := q.sel(ctx, &members, `SELECT `+memberColumns+` FROM members ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

func (q queries) FindBorrowRecordByID(ctx context.Context, id uuid.UUID) (*models.BorrowRecord, error) {
	var record models.BorrowRecord
	if err := q.get(ctx, &record, `SELECT `+recordColumns+` FROM borrow_records WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("find borrow record %s: %w", id, err)
	}
	return &record, nil
}

func (q queries) CountOpenBorrowRecordsForMember(ctx context.Context, memberID uuid.UUID) (int, error) {
	var n int
	err := q.get(ctx, &n, `SELECT COUNT(*) FROM borrow_records WHERE member_id = ? AND return_date IS NULL`, memberID)
	if err != nil {
		return 0, fmt.Errorf("count open borrows of member %s: %w", memberID, err)
	}
	return n, nil
}

func (q queries) FindOpenBorrowRecordsForMember(ctx context.Context, memberID uuid.UUID) ([]models.BorrowRecord, error) {
	records := []models.BorrowRecord{}
	err := q.sel(ctx, &records,
		`SELECT `+recordColumns+` FROM borrow_records WHERE member_id = ? AND return_date IS NULL ORDER BY seq`, memberID)
	if err != nil {
		return nil, fmt.Errorf("open borrows of member %s: %w", memberID, err)
	}
	return records, nil
}

func (q queries) ExistsOpenBorrowRecordForBook(ctx context.Context, bookID uuid.UUID) (bool, error) {
	var exists bool
	err := q.get(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM borrow_records WHERE book_id = ? AND return_date IS NULL)`, bookID)
	if err != nil {
		return false, fmt.Errorf("probe open borrows of book %s: %w", bookID, err)
	}
	return exists, nil
}

func (q queries) ExistsOpenBorrowRecordForMember(ctx context.Context, memberID uuid.UUID) (bool, error) {
	var exists bool
	err := q.get(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM borrow_records WHERE member_id = ? AND return_date IS NULL)`, memberID)
	if err != nil {
		return false, fmt.Errorf("probe open borrows of member %s: %w", memberID, err)
	}
	return exists, nil
}

func (q queries) FindAllOpenBorrowRecords(ctx context.Context) ([]models.BorrowRecord, error) {
	records := []models.BorrowRecord{}
	if err := q.sel(ctx, &records, `SELECT `+recordColumns+` FROM borrow_records WHERE return_date IS NULL ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("open borrows: %w", err)
	}
	return records, nil
}

// eventRow scans event_data as text; SQLite hands TEXT back as a string.
type eventRow struct {
	ID            int64     `db:"id"`
	AggregateID   uuid.UUID `db:"aggregate_id"`
	AggregateType string    `db:"aggregate_type"`
	EventType     string    `db:"event_type"`
	EventData     string    `db:"event_data"`
	Version       int       `db:"version"`
	CreatedAt     time.Time `db:"created_at"`
}

func (q queries) LoadEvents(ctx context.Context, aggregateID uuid.UUID) ([]models.Event, error) {
	var rows []eventRow
	err := q.sel(ctx, &rows, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, created_at
		FROM events
		WHERE aggregate_id = ?
		ORDER BY version ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load events of %s: %w", aggregateID, err)
	}

	events := make([]models.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, models.Event{
			ID:            r.ID,
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			EventType:     r.EventType,
			EventData:     json.RawMessage(r.EventData),
			Version:       r.Version,
			CreatedAt:     r.CreatedAt,
		})
	}
	return events, nil
}

// txQueries adds row locks and writes on top of the transaction's reads.
type txQueries struct {
	queries
	dialect Dialect
}

var _ storage.Tx = (*txQueries)(nil)

// forUpdate is empty on SQLite, where the immediate transaction already holds
// the database write lock.
func (t *txQueries) forUpdate() string {
	if t.dialect == Postgres {
		return ` FOR UPDATE`
	}
	return ``
}

func (t *txQueries) LockBook(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	var book models.Book
	if err := t.get(ctx, &book, `SELECT `+bookColumns+` FROM books WHERE id = ?`+t.forUpdate(), id); err != nil {
		return nil, fmt.Errorf("lock book %s: %w", id, err)
	}
	return &book, nil
}

func (t *txQueries) LockMember(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	var member models.Member
	if err := t.get(ctx, &member, `SELECT `+memberColumns+` FROM members WHERE id = ?`+t.forUpdate(), id); err != nil {
		return nil, fmt.Errorf("lock member %s: %w", id, err)
	}
	return &member, nil
}

func (t *txQueries) LockBorrowRecord(ctx context.Context, id uuid.UUID) (*models.BorrowRecord, error) {
	var record models.BorrowRecord
	if err := t.get(ctx, &record, `SELECT `+recordColumns+` FROM borrow_records WHERE id = ?`+t.forUpdate(), id); err != nil {
		return nil, fmt.Errorf("lock borrow record %s: %w", id, err)
	}
	return &record, nil
}

func (t *txQueries) CreateBook(ctx context.Context, book *models.Book) error {
	_, err := t.exec(ctx, `
		INSERT INTO books (id, title, author, copies, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		book.ID, book.Title, book.Author, book.Copies, book.CreatedAt, book.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

func (t *txQueries) SaveBook(ctx context.Context, book *models.Book) error {
	n, err := t.exec(ctx, `
		UPDATE books SET title = ?, author = ?, copies = ?, updated_at = ?
		WHERE id = ?`,
		book.Title, book.Author, book.Copies, book.UpdatedAt, book.ID)
	if err != nil {
		return fmt.Errorf("update book %s: %w", book.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update book %s: %w", book.ID, storage.ErrNotFound)
	}
	return nil
}

func (t *txQueries) DeleteBook(ctx context.Context, id uuid.UUID) error {
	n, err := t.exec(ctx, `DELETE FROM books WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete book %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete book %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (t *txQueries) CreateMember(ctx context.Context, member *models.Member) error {
	_, err := t.exec(ctx, `INSERT INTO members (id, name, membership_date) VALUES (?, ?, ?)`,
		member.ID, member.Name, member.MembershipDate)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// SaveMember writes the name only; the membership date is fixed at creation.
func (t *txQueries) SaveMember(ctx context.Context, member *models.Member) error {
	n, err := t.exec(ctx, `UPDATE members SET name = ? WHERE id = ?`, member.Name, member.ID)
	if err != nil {
		return fmt.Errorf("update member %s: %w", member.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update member %s: %w", member.ID, storage.ErrNotFound)
	}
	return nil
}

func (t *txQueries) DeleteMember(ctx context.Context, id uuid.UUID) error {
	n, err := t.exec(ctx, `DELETE FROM members WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete member %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete member %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (t *txQueries) CreateBorrowRecord(ctx context.Context, record *models.BorrowRecord) error {
	_, err := t.exec(ctx, `
		INSERT INTO borrow_records (id, book_id, member_id, borrow_date, return_date)
		VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.BookID, record.MemberID, record.BorrowDate, record.ReturnDate)
	if err != nil {
		return fmt.Errorf("insert borrow record: %w", err)
	}
	return nil
}

// SaveBorrowRecord writes the return date, the only mutable field of a record.
func (t *txQueries) SaveBorrowRecord(ctx context.Context, record *models.BorrowRecord) error {
	n, err := t.exec(ctx, `UPDATE borrow_records SET return_date = ? WHERE id = ?`, record.ReturnDate, record.ID)
	if err != nil {
		return fmt.Errorf("update borrow record %s: %w", record.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update borrow record %s: %w", record.ID, storage.ErrNotFound)
	}
	return nil
}

func (t *txQueries) AppendEvent(ctx context.Context, event *models.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	row := t.ext.QueryRowxContext(ctx, t.ext.Rebind(`
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		event.AggregateID, event.AggregateType, event.EventType, string(event.EventData), event.Version, event.CreatedAt)
	if err := row.Scan(&event.ID); err != nil {
		err = classify(err)
		if errors.Is(err, storage.ErrDuplicate) {
			// another writer already recorded this version of the aggregate
			return fmt.Errorf("append %s v%d: %w", event.EventType, event.Version, storage.ErrConflict)
		}
		return fmt.Errorf("append %s v%d: %w", event.EventType, event.Version, err)
	}

	trace.SpanFromContext(ctx).AddEvent("event.appended", trace.WithAttributes(
		attribute.Int64("event.id", event.ID),
		attribute.Int("event.version", event.Version),
		attribute.String("event.type", event.EventType),
	))
	return nil
}
