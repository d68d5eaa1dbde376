package circulation

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// lockTable hands out one exclusive lock per key. Entries live only while
// somebody holds or waits for them.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func bookKey(id uuid.UUID) string   { return "book:" + id.String() }
func memberKey(id uuid.UUID) string { return "member:" + id.String() }

// acquire takes the keys in the order given. Callers pass the book key before
// the member key. On failure nothing stays held.
func (t *lockTable) acquire(ctx context.Context, keys ...string) (func(), error) {
	held := make([]func(), 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}

	for _, key := range keys {
		unlock, err := t.lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}

func (t *lockTable) lock(ctx context.Context, key string) (func(), error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		t.unref(key, e)
		return nil, err
	}
	return func() {
		e.sem.Release(1)
		t.unref(key, e)
	}, nil
}

func (t *lockTable) unref(key string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
