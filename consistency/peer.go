package consistency

import (
	"context"
	"sync"
)

// Peer is one remote replica of the cache. Replicate pushes an entry to the
// peer; Confirm asks whether the peer holds the key at least at the given
// version, which is how strong reads count agreement.
type Peer interface {
	ID() string
	Healthy(ctx context.Context) bool
	Replicate(ctx context.Context, e Entry) error
	Confirm(ctx context.Context, key string, version int64) (bool, error)
}

// MemoryPeer is an in-process replica used in tests and single-node setups.
type MemoryPeer struct {
	id string

	mu      sync.Mutex
	entries map[string]Entry
	down    bool
}

func NewMemoryPeer(id string) *MemoryPeer {
	return &MemoryPeer{id: id, entries: map[string]Entry{}}
}

func (p *MemoryPeer) ID() string { return p.id }

func (p *MemoryPeer) Healthy(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.down
}

// SetHealthy flips the peer's reported health, for tests.
func (p *MemoryPeer) SetHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = !healthy
}

func (p *MemoryPeer) Replicate(_ context.Context, e Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.entries[e.Key]; ok && cur.Version > e.Version {
		return nil
	}
	p.entries[e.Key] = e
	return nil
}

func (p *MemoryPeer) Confirm(_ context.Context, key string, version int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	return ok && e.Version >= version, nil
}

// Entry returns the peer's copy of key, for tests and anti-entropy.
func (p *MemoryPeer) Entry(key string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	return e, ok
}
