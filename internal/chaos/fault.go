package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"libralend/internal/storage"
)

// ErrInjected is returned by a FaultyStore transaction chosen to fail.
var ErrInjected = errors.New("injected storage fault")

// Fault describes what a FaultyStore does to each transaction.
type Fault struct {
	// Latency is spent inside the transaction, after it began and before
	// any statement runs, so it holds whatever the transaction holds.
	Latency time.Duration
	Jitter  time.Duration
	// FailureRate is the probability, 0 to 1, that a transaction fails
	// with ErrInjected before it starts.
	FailureRate float64
}

// FaultyStore wraps a storage.Store and applies the current Fault to every
// Atomically and View call. Plain queries pass through.
type FaultyStore struct {
	storage.Store

	mu    sync.RWMutex
	fault Fault
}

func NewFaultyStore(store storage.Store) *FaultyStore {
	return &FaultyStore{Store: store}
}

func (s *FaultyStore) Inject(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

func (s *FaultyStore) Reset() {
	s.Inject(Fault{})
}

func (s *FaultyStore) current() Fault {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault
}

func (s *FaultyStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	f := s.current()
	if fails(f) {
		return fmt.Errorf("begin transaction: %w", ErrInjected)
	}
	return s.Store.Atomically(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := stall(ctx, f); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

func (s *FaultyStore) View(ctx context.Context, fn func(ctx context.Context, q storage.Queries) error) error {
	f := s.current()
	if fails(f) {
		return fmt.Errorf("begin read: %w", ErrInjected)
	}
	return s.Store.View(ctx, func(ctx context.Context, q storage.Queries) error {
		if err := stall(ctx, f); err != nil {
			return err
		}
		return fn(ctx, q)
	})
}

func fails(f Fault) bool {
	return f.FailureRate > 0 && rand.Float64() < f.FailureRate
}

func stall(ctx context.Context, f Fault) error {
	d := f.Latency
	if f.Jitter > 0 {
		d += rand.N(f.Jitter)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
