package consistency

import (
	"errors"
	"fmt"
)

// Level selects the read/write policy for a single cache call.
type Level string

const (
	// Strong requires a majority of healthy peers to acknowledge a write
	// and to confirm a read. This is a best-effort policy, not consensus:
	// there is no leader election and no replicated log.
	Strong Level = "strong"
	// Eventual acknowledges writes locally and replicates to peers in the
	// background.
	Eventual Level = "eventual"
	// Session guarantees monotonic reads within one session handle.
	Session Level = "session"
	// BoundedStaleness rejects local entries older than the configured
	// staleness bound.
	BoundedStaleness Level = "bounded_staleness"
	// Weak returns whatever is locally present, stale or not.
	Weak Level = "weak"
)

var (
	ErrNotFound       = errors.New("cache entry not found")
	ErrStale          = errors.New("cache entry exceeds staleness bound")
	ErrQuorumFailed   = errors.New("majority of healthy peers did not acknowledge")
	ErrSessionRewound = errors.New("entry is older than the session has already seen")
)

func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case Strong, Eventual, Session, BoundedStaleness, Weak:
		return Level(s), nil
	case "":
		return Eventual, nil
	}
	return "", fmt.Errorf("unknown consistency level %q", s)
}
