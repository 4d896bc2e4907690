package consistency

import (
	"context"
	"sync"
)

// SessionHandle provides monotonic reads: within one handle, a key never
// appears at a version lower than one the handle has already observed.
type SessionHandle struct {
	cache *DistributedCache

	mu   sync.Mutex
	seen map[string]int64
}

// Get reads key at session level. If the local entry has rewound below the
// session's floor (for example after an eviction and a stale repopulation),
// the read is rejected rather than going back in time.
func (s *SessionHandle) Get(ctx context.Context, key string) (Entry, error) {
	e, err := s.cache.Get(ctx, key, Session)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if floor, ok := s.seen[key]; ok && e.Version < floor {
		s.cache.countOp("get", Session, "rejected")
		return Entry{}, ErrSessionRewound
	}
	s.seen[key] = e.Version
	return e, nil
}

// Set writes through the session and records the resulting version as the
// session's floor, so the session always reads its own writes.
func (s *SessionHandle) Set(ctx context.Context, key string, value []byte) error {
	if err := s.cache.Set(ctx, key, value, Session); err != nil {
		return err
	}

	s.cache.mu.Lock()
	e, ok := s.cache.entries[key]
	s.cache.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.seen[key] = e.Version
		s.mu.Unlock()
	}
	return nil
}
