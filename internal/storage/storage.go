package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"libralend/internal/models"
)

var (
	// ErrNotFound is returned by lookups and updates of records that do not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict signals lock contention, a lock or transaction timeout, or a
	// serialization failure. The unit of work was rolled back and may be retried.
	ErrConflict = errors.New("storage conflict")

	// ErrDuplicate is returned when a uniqueness constraint rejects a write.
	ErrDuplicate = errors.New("duplicate record")
)

// Queries are the read operations available both outside and inside a transaction.
type Queries interface {
	FindBookByID(ctx context.Context, id uuid.UUID) (*models.Book, error)
	FindBookByTitleAndAuthor(ctx context.Context, title, author string) (*models.Book, error)
	ListBooks(ctx context.Context) ([]models.Book, error)

	FindMemberByID(ctx context.Context, id uuid.UUID) (*models.Member, error)
	// FindMembersByName returns every member carrying the name. Callers decide
	// what more than one match means.
	FindMembersByName(ctx context.Context, name string) ([]models.Member, error)
	ListMembers(ctx context.Context) ([]models.Member, error)

	FindBorrowRecordByID(ctx context.Context, id uuid.UUID) (*models.BorrowRecord, error)
	CountOpenBorrowRecordsForMember(ctx context.Context, memberID uuid.UUID) (int, error)
	// FindOpenBorrowRecordsForMember returns open records in ledger insertion order.
	FindOpenBorrowRecordsForMember(ctx context.Context, memberID uuid.UUID) ([]models.BorrowRecord, error)
	ExistsOpenBorrowRecordForBook(ctx context.Context, bookID uuid.UUID) (bool, error)
	ExistsOpenBorrowRecordForMember(ctx context.Context, memberID uuid.UUID) (bool, error)
	// FindAllOpenBorrowRecords returns open records in ledger insertion order.
	FindAllOpenBorrowRecords(ctx context.Context) ([]models.BorrowRecord, error)

	LoadEvents(ctx context.Context, aggregateID uuid.UUID) ([]models.Event, error)
}

// Tx is a unit of work. Lock* methods take the row lock of the record for the
// rest of the transaction and return ErrNotFound when it does not exist.
type Tx interface {
	Queries

	LockBook(ctx context.Context, id uuid.UUID) (*models.Book, error)
	LockMember(ctx context.Context, id uuid.UUID) (*models.Member, error)
	LockBorrowRecord(ctx context.Context, id uuid.UUID) (*models.BorrowRecord, error)

	CreateBook(ctx context.Context, book *models.Book) error
	SaveBook(ctx context.Context, book *models.Book) error
	DeleteBook(ctx context.Context, id uuid.UUID) error

	CreateMember(ctx context.Context, member *models.Member) error
	SaveMember(ctx context.Context, member *models.Member) error
	DeleteMember(ctx context.Context, id uuid.UUID) error

	CreateBorrowRecord(ctx context.Context, record *models.BorrowRecord) error
	SaveBorrowRecord(ctx context.Context, record *models.BorrowRecord) error

	// AppendEvent stores the event with its Version. A version already taken for
	// the aggregate yields ErrConflict.
	AppendEvent(ctx context.Context, event *models.Event) error
}

// Store is the persistence boundary shared by the lending coordinator and the
// catalog and membership services.
type Store interface {
	Queries

	// Atomically runs fn in a transaction. fn's error rolls everything back and
	// is returned unchanged; a nil return commits.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(ctx context.Context, q Queries) error) error

	Close() error
}
