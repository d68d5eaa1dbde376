// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

const (
	aggregateType = "borrow"

	EventBookBorrowed = "BookBorrowed"
	EventBookReturned = "BookReturned"

	// A borrow record has exactly two events: opened at version 1, closed at version 2.
	versionBorrowed = 1
	versionReturned = 2
)

// BookBorrowedEvent is appended when a copy is lent.
type BookBorrowedEvent struct {
	BorrowID   uuid.UUID `json:"borrow_id"`
	BookID     uuid.UUID `json:"book_id"`
	MemberID   uuid.UUID `json:"member_id"`
	BorrowDate time.Time `json:"borrow_date"`
}

// BookReturnedEvent is appended when the copy comes back.
type BookReturnedEvent struct {
	BorrowID   uuid.UUID `json:"borrow_id"`
	BookID     uuid.UUID `json:"book_id"`
	MemberID   uuid.UUID `json:"member_id"`
	ReturnDate time.Time `json:"return_date"`
}
