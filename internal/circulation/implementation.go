// internal/circulation/implementation.go
package circulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"libralend/internal/models"
	"libralend/internal/storage"
)

// Config holds the lending policy. It is read once at construction.
type Config struct {
	BorrowLimit int
	LockTimeout time.Duration
}

// Coordinator implements Service. Borrow and return serialize on per-book and
// per-member locks, taken book first, and then run one storage transaction
// that also holds the rows' locks.
type Coordinator struct {
	store       storage.Store
	locks       *lockTable
	borrowLimit int
	lockTimeout time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
	outcomes    metric.Int64Counter
	now         func() time.Time
}

var _ Service = (*Coordinator)(nil)

// NewCoordinator creates the lending coordinator over store.
func NewCoordinator(store storage.Store, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if cfg.BorrowLimit < 0 {
		return nil, fmt.Errorf("borrow limit must not be negative, got %d", cfg.BorrowLimit)
	}
	if cfg.LockTimeout <= 0 {
		return nil, fmt.Errorf("lock timeout must be positive, got %s", cfg.LockTimeout)
	}

	outcomes, err := otel.Meter("libralend/circulation").Int64Counter(
		"libralend.lending.outcomes",
		metric.WithDescription("Lending operations by outcome"),
	)
	if err != nil {
		logger.Warn("lending outcome counter unavailable", zap.Error(err))
		outcomes = noop.Int64Counter{}
	}

	return &Coordinator{
		store:       store,
		locks:       newLockTable(),
		borrowLimit: cfg.BorrowLimit,
		lockTimeout: cfg.LockTimeout,
		logger:      logger,
		tracer:      otel.Tracer("libralend/circulation"),
		outcomes:    outcomes,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// BorrowLimit is the maximum number of open borrows per member.
func (c *Coordinator) BorrowLimit() int {
	return c.borrowLimit
}

// BorrowBook lends one copy of the book to the member and returns the id of
// the new borrow record.
func (c *Coordinator) BorrowBook(ctx context.Context, memberID, bookID uuid.UUID) (uuid.UUID, error) {
	ctx, span := c.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("book.id", bookID.String()),
			attribute.String("member.id", memberID.String()),
		),
	)
	defer span.End()

	var recordID uuid.UUID
	err := c.locked(ctx, []string{bookKey(bookID), memberKey(memberID)}, func(ctx context.Context, tx storage.Tx) error {
		book, err := tx.LockBook(ctx, bookID)
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(EntityBook, bookID)
		}
		if err != nil {
			return err
		}
		if book.Copies <= 0 {
			return &Error{Kind: ErrNotAvailable, Entity: EntityBook, ID: bookID.String()}
		}

		_, err = tx.LockMember(ctx, memberID)
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(EntityMember, memberID)
		}
		if err != nil {
			return err
		}

		open, err := tx.CountOpenBorrowRecordsForMember(ctx, memberID)
		if err != nil {
			return err
		}
		if open >= c.borrowLimit {
			return &Error{
				Kind:   ErrLimitExceeded,
				Entity: EntityMember,
				ID:     memberID.String(),
				Err:    fmt.Errorf("member holds %d of %d books", open, c.borrowLimit),
			}
		}

		now := c.now()
		record := &models.BorrowRecord{
			ID:         uuid.New(),
			BookID:     bookID,
			MemberID:   memberID,
			BorrowDate: now,
		}
		if err := tx.CreateBorrowRecord(ctx, record); err != nil {
			return err
		}

		book.Copies--
		book.UpdatedAt = now
		if err := tx.SaveBook(ctx, book); err != nil {
			return err
		}

		if err := c.appendEvent(ctx, tx, record.ID, EventBookBorrowed, versionBorrowed, BookBorrowedEvent{
			BorrowID:   record.ID,
			BookID:     bookID,
			MemberID:   memberID,
			BorrowDate: now,
		}); err != nil {
			return err
		}

		recordID = record.ID
		return nil
	})

	err = classify(err)
	c.observe(ctx, span, "borrow", err,
		zap.String("book_id", bookID.String()),
		zap.String("member_id", memberID.String()),
		zap.String("borrow_id", recordID.String()),
	)
	if err != nil {
		return uuid.Nil, err
	}
	span.SetAttributes(attribute.String("borrow.id", recordID.String()))
	return recordID, nil
}

// ReturnBook closes the borrow record and puts the copy back on the shelf.
func (c *Coordinator) ReturnBook(ctx context.Context, borrowID uuid.UUID) error {
	ctx, span := c.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(attribute.String("borrow.id", borrowID.String())),
	)
	defer span.End()

	err := c.returnBook(ctx, borrowID)

	err = classify(err)
	c.observe(ctx, span, "return", err, zap.String("borrow_id", borrowID.String()))
	return err
}

func (c *Coordinator) returnBook(ctx context.Context, borrowID uuid.UUID) error {
	// The unlocked read only names the locks to take; the record is read again
	// under them.
	rec, err := c.store.FindBorrowRecordByID(ctx, borrowID)
	if errors.Is(err, storage.ErrNotFound) {
		return notFound(EntityBorrowRecord, borrowID)
	}
	if err != nil {
		return err
	}
	if !rec.IsOpen() {
		return &Error{Kind: ErrAlreadyReturned, Entity: EntityBorrowRecord, ID: borrowID.String()}
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("book.id", rec.BookID.String()),
		attribute.String("member.id", rec.MemberID.String()),
	)

	return c.locked(ctx, []string{bookKey(rec.BookID), memberKey(rec.MemberID)}, func(ctx context.Context, tx storage.Tx) error {
		book, err := tx.LockBook(ctx, rec.BookID)
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(EntityBook, rec.BookID)
		}
		if err != nil {
			return err
		}

		// Members with open borrows cannot be deleted; a missing row is not the
		// return's concern.
		if _, err := tx.LockMember(ctx, rec.MemberID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		current, err := tx.LockBorrowRecord(ctx, borrowID)
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(EntityBorrowRecord, borrowID)
		}
		if err != nil {
			return err
		}
		if !current.IsOpen() {
			return &Error{Kind: ErrAlreadyReturned, Entity: EntityBorrowRecord, ID: borrowID.String()}
		}

		now := c.now()
		current.ReturnDate = &now
		if err := tx.SaveBorrowRecord(ctx, current); err != nil {
			return err
		}

		book.Copies++
		book.UpdatedAt = now
		if err := tx.SaveBook(ctx, book); err != nil {
			return err
		}

		return c.appendEvent(ctx, tx, borrowID, EventBookReturned, versionReturned, BookReturnedEvent{
			BorrowID:   borrowID,
			BookID:     current.BookID,
			MemberID:   current.MemberID,
			ReturnDate: now,
		})
	})
}

// locked runs fn in a transaction while holding the in-process locks of keys.
// Waiting for the locks is bounded by the lock timeout. Once the transaction
// starts it is no longer cancelled by ctx, only by its own deadline.
func (c *Coordinator) locked(ctx context.Context, keys []string, fn func(ctx context.Context, tx storage.Tx) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()

	release, err := c.locks.acquire(lockCtx, keys...)
	if err != nil {
		return &Error{Kind: ErrConflict, Err: fmt.Errorf("acquire lending locks: %w", err)}
	}
	defer release()

	txCtx, cancelTx := context.WithTimeout(context.WithoutCancel(ctx), c.lockTimeout)
	defer cancelTx()
	return c.store.Atomically(txCtx, fn)
}

func (c *Coordinator) appendEvent(ctx context.Context, tx storage.Tx, borrowID uuid.UUID, eventType string, version int, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return tx.AppendEvent(ctx, &models.Event{
		AggregateID:   borrowID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     data,
		Version:       version,
		CreatedAt:     c.now(),
	})
}

// observe records the outcome of a mutation on the span, the outcome counter
// and the log.
func (c *Coordinator) observe(ctx context.Context, span trace.Span, op string, err error, fields ...zap.Field) {
	outcome := OutcomeLabel(err)
	c.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))

	switch {
	case err == nil:
		c.logger.Debug(op+" succeeded", fields...)
	case errors.Is(err, ErrInternal):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	default:
		span.SetAttributes(attribute.String("outcome", outcome))
		c.logger.Info(op+" rejected", append(fields, zap.String("outcome", outcome), zap.Error(err))...)
	}
}

// ListOpenBorrowsForMember returns the member's open records in the order
// they were created. An unknown member has none.
func (c *Coordinator) ListOpenBorrowsForMember(ctx context.Context, memberID uuid.UUID) ([]models.BorrowRecord, error) {
	records, err := c.store.FindOpenBorrowRecordsForMember(ctx, memberID)
	if err != nil {
		return nil, classify(err)
	}
	return records, nil
}

// ListOpenBorrowsForMemberName resolves the member by name first. A name that
// matches several members is a Conflict.
func (c *Coordinator) ListOpenBorrowsForMemberName(ctx context.Context, name string) ([]models.BorrowRecord, error) {
	var records []models.BorrowRecord
	err := c.store.View(ctx, func(ctx context.Context, q storage.Queries) error {
		members, err := q.FindMembersByName(ctx, name)
		if err != nil {
			return err
		}
		switch len(members) {
		case 0:
			return &Error{Kind: ErrNotFound, Entity: EntityMember, ID: name}
		case 1:
		default:
			return &Error{
				Kind:   ErrConflict,
				Entity: EntityMember,
				ID:     name,
				Err:    fmt.Errorf("%d members share the name, look them up by id", len(members)),
			}
		}

		records, err = q.FindOpenBorrowRecordsForMember(ctx, members[0].ID)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return records, nil
}

// IsBookBorrowed reports whether the book has an open borrow record.
func (c *Coordinator) IsBookBorrowed(ctx context.Context, bookID uuid.UUID) (bool, error) {
	borrowed, err := c.store.ExistsOpenBorrowRecordForBook(ctx, bookID)
	return borrowed, classify(err)
}

// IsMemberBorrowing reports whether the member has an open borrow record.
func (c *Coordinator) IsMemberBorrowing(ctx context.Context, memberID uuid.UUID) (bool, error) {
	borrowing, err := c.store.ExistsOpenBorrowRecordForMember(ctx, memberID)
	return borrowing, classify(err)
}

// ListDistinctBorrowedTitles returns the sorted titles of books with at least
// one open record.
func (c *Coordinator) ListDistinctBorrowedTitles(ctx context.Context) ([]string, error) {
	counts, err := c.CountBorrowsByTitle(ctx)
	if err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(counts))
	for title := range counts {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	return titles, nil
}

// CountBorrowsByTitle counts open records per title of the referenced book.
// Distinct books sharing a title share a count.
func (c *Coordinator) CountBorrowsByTitle(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := c.store.View(ctx, func(ctx context.Context, q storage.Queries) error {
		records, err := q.FindAllOpenBorrowRecords(ctx)
		if err != nil {
			return err
		}

		titles := make(map[uuid.UUID]string)
		for _, rec := range records {
			title, ok := titles[rec.BookID]
			if !ok {
				book, err := q.FindBookByID(ctx, rec.BookID)
				if err != nil {
					return err
				}
				title = book.Title
				titles[rec.BookID] = title
			}
			counts[title]++
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return counts, nil
}

// History returns the lending events of a borrow record in version order.
func (c *Coordinator) History(ctx context.Context, borrowID uuid.UUID) ([]models.Event, error) {
	var events []models.Event
	err := c.store.View(ctx, func(ctx context.Context, q storage.Queries) error {
		if _, err := q.FindBorrowRecordByID(ctx, borrowID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return notFound(EntityBorrowRecord, borrowID)
			}
			return err
		}
		var err error
		events, err = q.LoadEvents(ctx, borrowID)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	return events, nil
}
