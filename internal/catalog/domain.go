// internal/catalog/domain.go
package catalog

import (
	"errors"
	"regexp"
	"strings"

	"libralend/internal/validate"
)

var (
	ErrBookNotFound = errors.New("book not found")
	// ErrBookInUse rejects deleting a book that still has copies out.
	ErrBookInUse = errors.New("book is currently borrowed and cannot be deleted")
	// ErrDuplicateBook rejects renaming a book onto another title and author.
	ErrDuplicateBook = errors.New("book with this title and author already exists")
)

// DefaultCopies is used when a new book is added without a copy count.
const DefaultCopies = 1

var authorPattern = regexp.MustCompile(`^[A-Z][a-z]+\s[A-Z][a-z]+$`)

// BookInput is the writable part of a book.
type BookInput struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	// Copies is optional when adding a book.
	Copies *int `json:"copies,omitempty"`
}

// Validate applies the catalog's field rules.
func (in BookInput) Validate() error {
	title := strings.TrimSpace(in.Title)
	author := strings.TrimSpace(in.Author)

	errs := []error{
		validate.Field(title != "", "title", "Title is required"),
		validate.Field(title == "" || len([]rune(title)) >= 3, "title", "Title must be at least 3 characters"),
		validate.Field(title == "" || startsUpper(title), "title", "Title must start with a capital letter"),
		validate.Field(author != "", "author", "Author is required"),
		validate.Field(author == "" || authorPattern.MatchString(author), "author",
			"Author must be in format 'Name Surname' with capital letters"),
	}
	if in.Copies != nil {
		errs = append(errs, validate.Field(*in.Copies >= 0, "copies", "Copies cannot be negative"))
	}
	return validate.All(errs...)
}

func startsUpper(s string) bool {
	c := s[0]
	return c >= 'A' && c <= 'Z'
}
