package idempotency

import (
	"context"
	"sync"
	"time"
)

// DeliveryRegistry claims webhook delivery identifiers exactly once per TTL
// window. Claim returns true for the first claim of an identifier and false
// for replays inside the window.
type DeliveryRegistry interface {
	Claim(ctx context.Context, deliveryID string) (bool, error)
}

// defaultMaxEntries caps the registry so a flood of unique delivery ids
// inside one TTL window cannot grow memory without limit.
const defaultMaxEntries = 100000

// MemoryRegistry is the in-process delivery registry. Expired entries are
// purged lazily on access and in periodic sweeps, and the set is capped at
// a maximum entry count with oldest-first eviction, so it stays bounded
// even when identifiers are mostly unique.
type MemoryRegistry struct {
	mu          sync.Mutex
	ttl         time.Duration
	maxEntries  int
	now         func() time.Time
	expiresAt   map[string]time.Time
	order       []memoryEntry
	nextSweepAt time.Time
}

// memoryEntry remembers insertion order. The expiry is kept alongside the
// id so a stale queue entry for a re-claimed id never evicts the newer one.
type memoryEntry struct {
	id      string
	expires time.Time
}

// NewMemoryRegistry creates a registry with the given TTL. A TTL of zero or
// below disables deduplication entirely; every claim succeeds.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return newMemoryRegistry(ttl, defaultMaxEntries, time.Now)
}

func newMemoryRegistry(ttl time.Duration, maxEntries int, now func() time.Time) *MemoryRegistry {
	if maxEntries < 1 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryRegistry{
		ttl:         ttl,
		maxEntries:  maxEntries,
		now:         now,
		expiresAt:   make(map[string]time.Time),
		nextSweepAt: now(),
	}
}

// Claim marks the delivery as seen, reporting whether this was the first
// claim inside the TTL window.
func (r *MemoryRegistry) Claim(_ context.Context, deliveryID string) (bool, error) {
	if r.ttl <= 0 {
		return true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.maybeSweep(now)

	if expires, ok := r.expiresAt[deliveryID]; ok && now.Before(expires) {
		return false, nil
	}
	r.evictForRoom()

	expires := now.Add(r.ttl)
	r.expiresAt[deliveryID] = expires
	r.order = append(r.order, memoryEntry{id: deliveryID, expires: expires})
	return true, nil
}

// evictForRoom drops oldest entries until the map is below the cap. Queue
// entries whose expiry no longer matches the map are leftovers from a
// re-claim and are skipped.
func (r *MemoryRegistry) evictForRoom() {
	for len(r.expiresAt) >= r.maxEntries && len(r.order) > 0 {
		head := r.order[0]
		r.order = r.order[1:]
		if expires, ok := r.expiresAt[head.id]; ok && expires.Equal(head.expires) {
			delete(r.expiresAt, head.id)
		}
	}
}

// Len reports the number of tracked identifiers, expired ones included.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.expiresAt)
}

func (r *MemoryRegistry) maybeSweep(now time.Time) {
	if now.Before(r.nextSweepAt) {
		return
	}
	for key, expires := range r.expiresAt {
		if !now.Before(expires) {
			delete(r.expiresAt, key)
		}
	}
	if len(r.order) > len(r.expiresAt) {
		kept := make([]memoryEntry, 0, len(r.expiresAt))
		for _, entry := range r.order {
			if expires, ok := r.expiresAt[entry.id]; ok && expires.Equal(entry.expires) {
				kept = append(kept, entry)
			}
		}
		r.order = kept
	}
	interval := r.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	r.nextSweepAt = now.Add(interval)
}

// InFlight serialises jobs per ticket within one process. TryAcquire either
// takes the ticket's slot and returns a release function, or reports that a
// job for the ticket is already running.
type InFlight struct {
	mu     sync.Mutex
	active map[int64]struct{}
}

// NewInFlight creates an empty in-flight set.
func NewInFlight() *InFlight {
	return &InFlight{active: make(map[int64]struct{})}
}

// TryAcquire takes the slot for ticketID. The returned release function is
// idempotent.
func (f *InFlight) TryAcquire(ticketID int64) (release func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, busy := f.active[ticketID]; busy {
		return nil, false
	}
	f.active[ticketID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.active, ticketID)
			f.mu.Unlock()
		})
	}, true
}

// Contains reports whether a job for ticketID currently holds the slot.
func (f *InFlight) Contains(ticketID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, busy := f.active[ticketID]
	return busy
}

// Active reports the number of tickets currently being processed.
func (f *InFlight) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}
