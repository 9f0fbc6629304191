// Package lockmgr implements Cage's cooperative, TTL-bounded, range-aware
// file lock manager (spec.md §4.2). Locks live in memory only; a process
// restart loses every lock without corrupting the working tree, since the
// Editor Tool's writes are atomic independent of locking (spec.md §4.2
// "Durability").
package lockmgr

import (
	"math"
	"sync"
	"time"

	"github.com/cagehq/cage/pkg/cageerr"
	"github.com/cagehq/cage/pkg/constants"
	"github.com/cagehq/cage/pkg/logger"
	"github.com/google/uuid"
)

var log = logger.New("lockmgr")

// Range is a 1-based inclusive line range. EndLine == -1 means "through EOF".
type Range struct {
	StartLine int
	EndLine   int
}

// Lock is a live lease on a path, optionally scoped to a set of ranges. An
// empty Ranges slice denotes a whole-file lock.
type Lock struct {
	ID          string
	Path        string
	Owner       string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	Ranges      []Range
	Description string
}

// Manager owns every live lock. It is the single writer for its internal
// state and is safe for concurrent use by multiple editor operations and
// crew runs (spec.md §5 "In-memory registries... guarded by a single-writer
// discipline per key").
type Manager struct {
	mu       sync.Mutex
	byID     map[string]*Lock
	byPath   map[string][]string // path -> active lock ids
	released map[string]time.Time
	now      func() time.Time
}

// New creates an empty Manager using the wall clock.
func New() *Manager {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Manager with an injectable clock, for deterministic tests.
func NewWithClock(now func() time.Time) *Manager {
	return &Manager{
		byID:     make(map[string]*Lock),
		byPath:   make(map[string][]string),
		released: make(map[string]time.Time),
		now:      now,
	}
}

// Acquire takes a new lock on path for owner, scoped to ranges (nil/empty
// means whole-file). Conflicts with any other active lock on the same path
// whose ranges overlap fail fast with LockConflict carrying the blocking
// lock's id.
func (m *Manager) Acquire(path, owner string, ranges []Range, ttl time.Duration, description string) (*Lock, error) {
	if ttl <= 0 {
		return nil, cageerr.New(cageerr.SelectorInvalid, "lock ttl must be > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcExpiredLocked()

	for _, id := range m.byPath[path] {
		existing := m.byID[id]
		if overlaps(existing.Ranges, ranges) {
			log.Printf("lock conflict on %s: requested by %s, held by %s (lock %s)", path, owner, existing.Owner, existing.ID)
			return nil, cageerr.New(cageerr.LockConflict, "path is locked by another owner").WithLockID(existing.ID)
		}
	}

	now := m.now()
	lock := &Lock{
		ID:          uuid.NewString(),
		Path:        path,
		Owner:       owner,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
		Ranges:      append([]Range{}, ranges...),
		Description: description,
	}
	m.byID[lock.ID] = lock
	m.byPath[path] = append(m.byPath[path], lock.ID)
	log.Printf("acquired lock %s on %s for %s (ttl=%s)", lock.ID, path, owner, ttl)
	return lock, nil
}

// Renew extends an active lock's TTL from now.
func (m *Manager) Renew(lockID string, ttl time.Duration) error {
	if ttl <= 0 {
		return cageerr.New(cageerr.SelectorInvalid, "lock ttl must be > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcExpiredLocked()

	lock, ok := m.byID[lockID]
	if !ok {
		return cageerr.New(cageerr.LockUnknown, "no such lock: "+lockID)
	}
	lock.ExpiresAt = m.now().Add(ttl)
	log.Printf("renewed lock %s until %s", lockID, lock.ExpiresAt)
	return nil
}

// Release drops a lock. It is idempotent for LockReleaseGracePeriod after
// the first successful release, to tolerate caller-side retries.
func (m *Manager) Release(lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcExpiredLocked()

	if _, ok := m.byID[lockID]; ok {
		m.removeLocked(lockID)
		m.released[lockID] = m.now()
		log.Printf("released lock %s", lockID)
		return nil
	}

	if releasedAt, ok := m.released[lockID]; ok {
		if m.now().Sub(releasedAt) <= constants.LockReleaseGracePeriod {
			return nil
		}
		delete(m.released, lockID)
	}
	return cageerr.New(cageerr.LockUnknown, "no such lock: "+lockID)
}

// IsLocked reports whether any active lock on path overlaps ranges (nil
// means "is the whole file locked at all").
func (m *Manager) IsLocked(path string, ranges []Range) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcExpiredLocked()

	for _, id := range m.byPath[path] {
		if overlaps(m.byID[id].Ranges, ranges) {
			return true
		}
	}
	return false
}

// GCExpired removes every lock past its TTL. It is also invoked lazily at
// the top of every other public method, per spec.md §4.2.
func (m *Manager) GCExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcExpiredLocked()
}

func (m *Manager) gcExpiredLocked() {
	now := m.now()
	for id, lock := range m.byID {
		if !lock.ExpiresAt.After(now) {
			m.removeLocked(id)
		}
	}
	for id, releasedAt := range m.released {
		if now.Sub(releasedAt) > constants.LockReleaseGracePeriod {
			delete(m.released, id)
		}
	}
}

func (m *Manager) removeLocked(id string) {
	lock, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	ids := m.byPath[lock.Path]
	for i, existing := range ids {
		if existing == id {
			m.byPath[lock.Path] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byPath[lock.Path]) == 0 {
		delete(m.byPath, lock.Path)
	}
}

// overlaps reports whether two range sets conflict. A whole-file lock
// (empty slice) overlaps with anything.
func overlaps(a, b []Range) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, ra := range a {
		for _, rb := range b {
			if rangesIntersect(ra, rb) {
				return true
			}
		}
	}
	return false
}

func rangesIntersect(a, b Range) bool {
	aEnd := a.EndLine
	if aEnd == -1 {
		aEnd = math.MaxInt
	}
	bEnd := b.EndLine
	if bEnd == -1 {
		bEnd = math.MaxInt
	}
	return a.StartLine <= bEnd && b.StartLine <= aEnd
}
