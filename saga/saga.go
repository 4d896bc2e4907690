package saga

import (
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

type State string

const (
	StateCreated      State = "CREATED"
	StateExecuting    State = "EXECUTING"
	StateCompensating State = "COMPENSATING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCompensated  State = "COMPENSATED"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCompensated
}

// Step is one unit of work in a workflow, immutable once the saga starts.
// A critical step must name a compensation; that is checked at StartSaga.
type Step struct {
	ID           string         `validate:"required"`
	Name         string         `validate:"required"`
	Service      string
	Handler      string         `validate:"required"`
	Compensation string
	Timeout      time.Duration
	RetryCount   int
	Critical     bool
	Params       map[string]any
}

// StepResult records one forward or compensation execution for reporting.
type StepResult struct {
	StepID   string
	Name     string
	Kind     string // forward | compensation
	Outcome  string // completed | failed | skipped
	Error    string
	Attempts int
	Duration time.Duration
}

// Transaction is one saga execution. Workers are the only mutators; every
// mutation happens under the record's own lock.
type Transaction struct {
	mu sync.Mutex

	ID               uuid.UUID
	Steps            []Step
	State            State
	CurrentStep      int
	CompletedSteps   []string
	CompensatedSteps []string
	StepResults      []StepResult
	Context          map[string]any
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Snapshot returns a copy safe to read while workers run.
func (t *Transaction) Snapshot() Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := Transaction{
		ID:          t.ID,
		State:       t.State,
		CurrentStep: t.CurrentStep,
		LastError:   t.LastError,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	cp.Steps = append(cp.Steps, t.Steps...)
	cp.CompletedSteps = append(cp.CompletedSteps, t.CompletedSteps...)
	cp.CompensatedSteps = append(cp.CompensatedSteps, t.CompensatedSteps...)
	cp.StepResults = append(cp.StepResults, t.StepResults...)
	cp.Context = make(map[string]any, len(t.Context))
	for k, v := range t.Context {
		cp.Context[k] = v
	}
	return cp
}

func (t *Transaction) update(fn func(*Transaction)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t)
	t.UpdatedAt = time.Now().UTC()
}

// StepContext is what a handler sees: which saga and step it runs for, the
// step parameters, and the saga-level shared context.
type StepContext struct {
	SagaID      uuid.UUID
	StepID      string
	StepName    string
	Params      map[string]any
	SagaContext map[string]any
}
