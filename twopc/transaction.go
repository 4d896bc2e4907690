package twopc

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

type State string

const (
	StateStarted    State = "STARTED"
	StatePreparing  State = "PREPARING"
	StatePrepared   State = "PREPARED"
	StateCommitting State = "COMMITTING"
	StateCommitted  State = "COMMITTED"
	StateAborting   State = "ABORTING"
	StateAborted    State = "ABORTED"
	StateFailed     State = "FAILED"
	StateTimeout    State = "TIMEOUT"
)

func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateAborted, StateFailed, StateTimeout:
		return true
	}
	return false
}

type ParticipantState string

const (
	ParticipantStarted   ParticipantState = "STARTED"
	ParticipantPrepared  ParticipantState = "PREPARED"
	ParticipantCommitted ParticipantState = "COMMITTED"
	ParticipantAborted   ParticipantState = "ABORTED"
	ParticipantFailed    ParticipantState = "FAILED"
)

// Participant is one 2PC party. Implementations perform the actual
// prepare/commit/abort work against their own resource.
type Participant interface {
	ID() string
	Prepare(ctx context.Context, txID uuid.UUID) error
	Commit(ctx context.Context, txID uuid.UUID) error
	Abort(ctx context.Context, txID uuid.UUID) error
}

// ParticipantStatus is the reported view of one participant's progress.
// States only move forward: STARTED→PREPARED→COMMITTED or →ABORTED.
type ParticipantStatus struct {
	ID          string
	State       ParticipantState
	PreparedAt  *time.Time
	CommittedAt *time.Time
	AbortedAt   *time.Time
	LastError   string
}

type participantRecord struct {
	participant Participant
	status      ParticipantStatus
}

// Transaction is one 2PC run. COMMITTED requires every participant COMMITTED;
// any participant failure makes the whole transaction ABORTED or FAILED.
type Transaction struct {
	mu sync.Mutex

	ID            uuid.UUID
	CoordinatorID string
	State         State
	Timeout       time.Duration
	Context       map[string]any
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	participants []*participantRecord
}

func (t *Transaction) state() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

func (t *Transaction) anyCommitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pr := range t.participants {
		if pr.status.State == ParticipantCommitted {
			return true
		}
	}
	return false
}

func (t *Transaction) update(fn func(*Transaction)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
	t.UpdatedAt = time.Now().UTC()
}

// Result is the caller-visible outcome snapshot.
type Result struct {
	ID           uuid.UUID
	State        State
	LastError    string
	Participants []ParticipantStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (t *Transaction) result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := Result{
		ID:        t.ID,
		State:     t.State,
		LastError: t.LastError,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	for _, pr := range t.participants {
		res.Participants = append(res.Participants, pr.status)
	}
	return res
}
