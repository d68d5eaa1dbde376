// internal/membership/domain.go
package membership

import (
	"errors"
	"strings"

	"libralend/internal/validate"
)

var (
	ErrMemberNotFound = errors.New("member not found")
	// ErrDuplicateName rejects a name that another member already uses.
	ErrDuplicateName = errors.New("member name already in use")
	ErrMemberInUse   = errors.New("member has borrowed books and cannot be deleted")
	ErrRateLimited   = errors.New("rate limit exceeded")
)

// MemberInput is the writable part of a member. The membership date is set
// at registration and never changes.
type MemberInput struct {
	Name string `json:"name"`
}

func (in MemberInput) Validate() error {
	return validate.All(
		validate.Field(strings.TrimSpace(in.Name) != "", "name", "Name is required"),
	)
}
