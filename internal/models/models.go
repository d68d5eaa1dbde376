// internal/models/models.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Book is a catalog entry. Copies counts the copies currently on the shelf,
// not the copies the library owns.
type Book struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	Author    string    `json:"author" db:"author"`
	Copies    int       `json:"copies" db:"copies"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Member is a registered library member.
type Member struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	MembershipDate time.Time `json:"membership_date" db:"membership_date"`
}

// BorrowRecord ties one lent copy of a book to a member.
type BorrowRecord struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	BookID     uuid.UUID  `json:"book_id" db:"book_id"`
	MemberID   uuid.UUID  `json:"member_id" db:"member_id"`
	BorrowDate time.Time  `json:"borrow_date" db:"borrow_date"`
	ReturnDate *time.Time `json:"return_date,omitempty" db:"return_date"`
}

// IsOpen reports whether the copy is still out with the member.
func (r BorrowRecord) IsOpen() bool {
	return r.ReturnDate == nil
}

// Event is an entry of the lending event log.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	Version       int             `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
