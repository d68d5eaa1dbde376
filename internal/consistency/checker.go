// Package consistency probes the steady-state invariants of the lending
// ledger: no book has negative copies and no member holds more open borrows
// than the limit.
package consistency

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"libralend/internal/storage"
)

type Violation struct {
	Kind   string    `json:"kind"`
	ID     uuid.UUID `json:"id"`
	Detail string    `json:"detail"`
}

const (
	KindNegativeCopies = "negative_copies"
	KindOverLimit      = "over_limit"
)

// Report is the outcome of one Check.
type Report struct {
	Books       int         `json:"books"`
	OpenBorrows int         `json:"open_borrows"`
	Violations  []Violation `json:"violations"`
}

func (r Report) OK() bool { return len(r.Violations) == 0 }

type Checker struct {
	store  storage.Store
	limit  int
	logger *zap.Logger
}

func NewChecker(store storage.Store, borrowLimit int, logger *zap.Logger) *Checker {
	return &Checker{store: store, limit: borrowLimit, logger: logger.Named("consistency")}
}

// Check reads books and open borrows from one snapshot.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	report := Report{Violations: []Violation{}}
	err := c.store.View(ctx, func(ctx context.Context, q storage.Queries) error {
		books, err := q.ListBooks(ctx)
		if err != nil {
			return err
		}
		report.Books = len(books)
		for _, b := range books {
			if b.Copies < 0 {
				report.Violations = append(report.Violations, Violation{
					Kind:   KindNegativeCopies,
					ID:     b.ID,
					Detail: fmt.Sprintf("%q has %d copies", b.Title, b.Copies),
				})
			}
		}

		open, err := q.FindAllOpenBorrowRecords(ctx)
		if err != nil {
			return err
		}
		report.OpenBorrows = len(open)
		perMember := make(map[uuid.UUID]int)
		var order []uuid.UUID
		for _, r := range open {
			if perMember[r.MemberID] == 0 {
				order = append(order, r.MemberID)
			}
			perMember[r.MemberID]++
		}
		for _, id := range order {
			if n := perMember[id]; n > c.limit {
				report.Violations = append(report.Violations, Violation{
					Kind:   KindOverLimit,
					ID:     id,
					Detail: fmt.Sprintf("%d open borrows, limit %d", n, c.limit),
				})
			}
		}
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("consistency check: %w", err)
	}

	if !report.OK() {
		c.logger.Warn("ledger invariants violated", zap.Int("violations", len(report.Violations)))
	}
	return report, nil
}
