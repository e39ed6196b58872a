package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type lockEntry struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

// lockRegistry hands out one mutex per job id so writers to the same record
// are serialized while different ids proceed in parallel
type lockRegistry struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	now     func() time.Time
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{
		entries: make(map[string]*lockEntry),
		now:     time.Now,
	}
}

// lock acquires the mutex for id and returns its release function
func (r *lockRegistry) lock(id string) func() {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		entry = &lockEntry{}
		r.entries[id] = entry
	}
	entry.refs++
	r.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		r.mu.Lock()
		entry.refs--
		entry.lastUsed = r.now()
		r.mu.Unlock()
	}
}

// sweep removes entries that nobody holds or waits on and that have been idle for at least idle
func (r *lockRegistry) sweep(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	removed := 0
	for id, entry := range r.entries {
		if entry.refs == 0 && !entry.lastUsed.After(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// RunLockCleanup periodically drops idle per-job locks until ctx is done
func (s *Store) RunLockCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := s.locks.sweep(interval); removed > 0 {
				s.logger.Debug("Removed idle job locks",
					slog.Int("removed", removed),
					slog.Int("remaining", s.locks.size()),
				)
			}
		}
	}
}
