package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"libralend/internal/circulation"
	"libralend/internal/models"
	"libralend/internal/storage"
)

// Lab is the system under test: a lending service over a FaultyStore and the
// books and members seeded for the experiments.
type Lab struct {
	Store   *FaultyStore
	Lending circulation.Service
	Books   []uuid.UUID
	Members []uuid.UUID

	mu   sync.Mutex
	open []uuid.UUID
}

// NewLab seeds titles books with copies each and members members.
func NewLab(ctx context.Context, store *FaultyStore, lending circulation.Service, titles, copies, members int) (*Lab, error) {
	lab := &Lab{Store: store, Lending: lending}
	run := uuid.NewString()[:8]
	now := time.Now().UTC()

	err := store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		for i := 0; i < titles; i++ {
			b := &models.Book{
				ID:        uuid.New(),
				Title:     fmt.Sprintf("Chaos Volume %s-%d", run, i),
				Author:    "Chaos Monkey",
				Copies:    copies,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.CreateBook(ctx, b); err != nil {
				return err
			}
			lab.Books = append(lab.Books, b.ID)
		}
		for i := 0; i < members; i++ {
			m := &models.Member{
				ID:             uuid.New(),
				Name:           fmt.Sprintf("chaos-%s-%d", run, i),
				MembershipDate: now.Truncate(24 * time.Hour),
			}
			if err := tx.CreateMember(ctx, m); err != nil {
				return err
			}
			lab.Members = append(lab.Members, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed lab: %w", err)
	}
	return lab, nil
}

func pick(ids []uuid.UUID) uuid.UUID {
	return ids[rand.IntN(len(ids))]
}

// Borrow lends a random book to a random member.
func (l *Lab) Borrow(ctx context.Context) string {
	id, err := l.Lending.BorrowBook(ctx, pick(l.Members), pick(l.Books))
	if err == nil {
		l.mu.Lock()
		l.open = append(l.open, id)
		l.mu.Unlock()
	}
	return circulation.OutcomeLabel(err)
}

// Return brings back a random borrow made through the lab, or borrows when
// none is open.
func (l *Lab) Return(ctx context.Context) string {
	l.mu.Lock()
	if len(l.open) == 0 {
		l.mu.Unlock()
		return l.Borrow(ctx)
	}
	i := rand.IntN(len(l.open))
	id := l.open[i]
	l.open[i] = l.open[len(l.open)-1]
	l.open = l.open[:len(l.open)-1]
	l.mu.Unlock()

	err := l.Lending.ReturnBook(ctx, id)
	if err != nil && !errors.Is(err, circulation.ErrAlreadyReturned) {
		// Not returned; keep it for a later attempt.
		l.mu.Lock()
		l.open = append(l.open, id)
		l.mu.Unlock()
	}
	return circulation.OutcomeLabel(err)
}

// Mixed borrows or returns with equal odds.
func (l *Lab) Mixed(ctx context.Context) string {
	if rand.IntN(2) == 0 {
		return l.Borrow(ctx)
	}
	return l.Return(ctx)
}

func (l *Lab) injectAction(name string, f Fault) []Action {
	return []Action{{Name: name, Execute: func(context.Context) error {
		l.Store.Inject(f)
		return nil
	}}}
}

func (l *Lab) resetAction() []Action {
	return []Action{{Name: "reset-faults", Execute: func(context.Context) error {
		l.Store.Reset()
		return nil
	}}}
}

// Experiments returns the standard game day, each running for d.
func (l *Lab) Experiments(d time.Duration, latency time.Duration, failureRate float64) []Experiment {
	return []Experiment{
		l.ConcurrentBorrowRace(d),
		l.StorageLatency(d, latency),
		l.StorageFailure(d, failureRate),
	}
}

func (l *Lab) ConcurrentBorrowRace(d time.Duration) Experiment {
	return Experiment{
		Name:       "concurrent-borrow-race",
		Hypothesis: "Concurrent borrows never lend more copies than exist or exceed a member's limit",
		Load:       l.Borrow,
		Workers:    16,
		Duration:   d,
	}
}

func (l *Lab) StorageLatency(d, latency time.Duration) Experiment {
	return Experiment{
		Name:       "storage-latency",
		Hypothesis: "Slow transactions surface as retryable conflicts and leave the ledger consistent",
		Method:     l.injectAction("inject-latency", Fault{Latency: latency, Jitter: latency / 5}),
		Rollback:   l.resetAction(),
		Load:       l.Mixed,
		Workers:    8,
		Duration:   d,
	}
}

func (l *Lab) StorageFailure(d time.Duration, rate float64) Experiment {
	return Experiment{
		Name:       "storage-failure",
		Hypothesis: "Failed transactions are reported as internal errors and change nothing",
		Method:     l.injectAction("inject-failures", Fault{FailureRate: rate}),
		Rollback:   l.resetAction(),
		Load:       l.Mixed,
		Workers:    8,
		Duration:   d,
		Expect: func(outcomes map[string]int) error {
			if rate > 0 && outcomes["internal"] == 0 {
				return errors.New("no injected failure surfaced as an internal error")
			}
			return nil
		},
	}
}
