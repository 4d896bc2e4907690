package twopc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/metrics"
)

const (
	defaultTransactionTimeout = 30 * time.Second
	defaultReapInterval       = 5 * time.Second
)

var (
	ErrNoParticipants      = errors.New("transaction has no participants")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidState        = errors.New("invalid transaction state")
	ErrPrepareFailed       = errors.New("prepare failed")
	ErrCommitFailed        = errors.New("commit failed")
)

// Coordinator runs the two-phase commit protocol across named participants.
// Prepare requires unanimous agreement; Commit is valid only from PREPARED
// and also requires unanimity: a partial commit failure leaves the
// transaction FAILED, an irrecoverable state needing operator intervention
// (2PC's classic blocking weakness, preserved intentionally). A background
// reaper aborts transactions that outlive their timeout and marks them
// TIMEOUT.
type Coordinator struct {
	id     string
	logger *zap.SugaredLogger
	m      *metrics.Metrics
	conf   config.TwoPC

	mu      sync.Mutex
	txs     map[uuid.UUID]*Transaction
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewCoordinator(id string, logger *zap.SugaredLogger, m *metrics.Metrics, conf config.TwoPC) *Coordinator {
	if conf.TransactionTimeout <= 0 {
		conf.TransactionTimeout = defaultTransactionTimeout
	}
	if conf.ReapInterval <= 0 {
		conf.ReapInterval = defaultReapInterval
	}
	return &Coordinator{
		id:     id,
		logger: logger,
		m:      m,
		conf:   conf,
		txs:    map[uuid.UUID]*Transaction{},
	}
}

// Begin creates the transaction record in STARTED.
func (c *Coordinator) Begin(ctx context.Context, participants []Participant, txContext map[string]any) (uuid.UUID, error) {
	if len(participants) == 0 {
		return uuid.Nil, ErrNoParticipants
	}

	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	if txContext == nil {
		txContext = map[string]any{}
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:            id,
		CoordinatorID: c.id,
		State:         StateStarted,
		Timeout:       c.conf.TransactionTimeout,
		Context:       txContext,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, p := range participants {
		tx.participants = append(tx.participants, &participantRecord{
			participant: p,
			status:      ParticipantStatus{ID: p.ID(), State: ParticipantStarted},
		})
	}

	c.mu.Lock()
	c.txs[id] = tx
	c.mu.Unlock()

	c.logger.Debugf("[tx: %s] begun with %d participants", id, len(participants))
	return id, nil
}

// Prepare runs phase one. Success requires every participant to vote yes;
// any single failure flips the transaction to FAILED and the caller must
// then Abort.
func (c *Coordinator) Prepare(ctx context.Context, id uuid.UUID) error {
	tx, err := c.lookup(id)
	if err != nil {
		return err
	}
	if s := tx.state(); s != StateStarted {
		return fmt.Errorf("%w: prepare from %s", ErrInvalidState, s)
	}

	tx.update(func(t *Transaction) { t.State = StatePreparing })
	t0 := time.Now()

	for _, pr := range tx.participants {
		if err := pr.participant.Prepare(ctx, id); err != nil {
			tx.update(func(t *Transaction) {
				pr.status.State = ParticipantFailed
				pr.status.LastError = err.Error()
				t.State = StateFailed
				t.LastError = fmt.Sprintf("participant %s prepare: %v", pr.status.ID, err)
			})
			c.observePhase("prepare", t0)
			c.logger.Errorf("[tx: %s] participant %s failed prepare: %v", id, pr.status.ID, err)
			return fmt.Errorf("%w: participant %s: %v", ErrPrepareFailed, pr.status.ID, err)
		}
		now := time.Now().UTC()
		tx.update(func(t *Transaction) {
			pr.status.State = ParticipantPrepared
			pr.status.PreparedAt = &now
		})
		c.logger.Debugf("[tx: %s] participant %s prepared", id, pr.status.ID)
	}

	tx.update(func(t *Transaction) { t.State = StatePrepared })
	c.observePhase("prepare", t0)
	c.logger.Infof("[tx: %s] prepared", id)
	return nil
}

// Commit runs phase two, valid only from PREPARED. A participant commit
// failure after others committed cannot be rolled back: the transaction is
// FAILED and stays that way.
func (c *Coordinator) Commit(ctx context.Context, id uuid.UUID) error {
	tx, err := c.lookup(id)
	if err != nil {
		return err
	}
	if s := tx.state(); s != StatePrepared {
		return fmt.Errorf("%w: commit from %s", ErrInvalidState, s)
	}

	tx.update(func(t *Transaction) { t.State = StateCommitting })
	t0 := time.Now()

	for _, pr := range tx.participants {
		if err := pr.participant.Commit(ctx, id); err != nil {
			tx.update(func(t *Transaction) {
				pr.status.State = ParticipantFailed
				pr.status.LastError = err.Error()
				t.State = StateFailed
				t.LastError = fmt.Sprintf("participant %s commit: %v", pr.status.ID, err)
			})
			c.observePhase("commit", t0)
			c.countTerminal(StateFailed)
			c.logger.Errorf("[tx: %s] participant %s failed commit, transaction FAILED (manual intervention required): %v", id, pr.status.ID, err)
			return fmt.Errorf("%w: participant %s: %v", ErrCommitFailed, pr.status.ID, err)
		}
		now := time.Now().UTC()
		tx.update(func(t *Transaction) {
			pr.status.State = ParticipantCommitted
			pr.status.CommittedAt = &now
		})
	}

	tx.update(func(t *Transaction) { t.State = StateCommitted })
	c.observePhase("commit", t0)
	c.countTerminal(StateCommitted)
	c.logger.Infof("[tx: %s] committed", id)
	return nil
}

// Abort calls abort on every participant that reached PREPARED; participants
// that never prepared are skipped (abort is a no-op for them). Valid from any
// non-terminal state and from FAILED-during-prepare.
func (c *Coordinator) Abort(ctx context.Context, id uuid.UUID) error {
	tx, err := c.lookup(id)
	if err != nil {
		return err
	}
	switch s := tx.state(); s {
	case StateCommitted, StateAborted, StateTimeout:
		return fmt.Errorf("%w: abort from %s", ErrInvalidState, s)
	}

	committed := tx.anyCommitted()
	c.abortParticipants(ctx, tx)

	// a commit-phase failure already made some work durable; aborting the
	// rest cannot undo it, so the transaction remains FAILED
	if committed {
		tx.update(func(t *Transaction) { t.State = StateFailed })
		c.logger.Warnf("[tx: %s] abort after partial commit, transaction stays FAILED", id)
		return nil
	}

	tx.update(func(t *Transaction) { t.State = StateAborted })
	c.countTerminal(StateAborted)
	c.logger.Infof("[tx: %s] aborted", id)
	return nil
}

func (c *Coordinator) abortParticipants(ctx context.Context, tx *Transaction) {
	t0 := time.Now()

	// participant statuses are written under tx.mu; snapshot them there too
	states := make([]ParticipantState, len(tx.participants))
	tx.update(func(t *Transaction) {
		t.State = StateAborting
		for i, pr := range t.participants {
			states[i] = pr.status.State
		}
	})

	for i, pr := range tx.participants {
		if states[i] != ParticipantPrepared {
			c.logger.Debugf("[tx: %s] participant %s never prepared, skipping abort", tx.ID, pr.status.ID)
			continue
		}
		if err := pr.participant.Abort(ctx, tx.ID); err != nil {
			// abort must be idempotent on the participant side; a failure
			// here is recorded but does not block the rest
			tx.update(func(t *Transaction) {
				pr.status.LastError = err.Error()
			})
			c.logger.Errorf("[tx: %s] participant %s abort failed: %v", tx.ID, pr.status.ID, err)
			continue
		}
		now := time.Now().UTC()
		tx.update(func(t *Transaction) {
			pr.status.State = ParticipantAborted
			pr.status.AbortedAt = &now
		})
	}
	c.observePhase("abort", t0)
}

// Result returns the caller-visible outcome: terminal state, per-participant
// progress and the last error.
func (c *Coordinator) Result(id uuid.UUID) (Result, error) {
	tx, err := c.lookup(id)
	if err != nil {
		return Result{}, err
	}
	return tx.result(), nil
}

func (c *Coordinator) lookup(id uuid.UUID) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// Start launches the background reaper.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.reapLoop(runCtx)
	c.logger.Infow("2pc coordinator started", "id", c.id, "reap_interval", c.conf.ReapInterval.String())
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.logger.Infow("2pc coordinator stopped")
}

func (c *Coordinator) reapLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.conf.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ReapExpired(ctx)
		}
	}
}

// ReapExpired aborts every non-terminal transaction older than its timeout
// and marks it TIMEOUT.
func (c *Coordinator) ReapExpired(ctx context.Context) int {
	now := time.Now().UTC()

	c.mu.Lock()
	var expired []*Transaction
	for _, tx := range c.txs {
		if !tx.state().Terminal() && now.Sub(tx.CreatedAt) > tx.Timeout {
			expired = append(expired, tx)
		}
	}
	c.mu.Unlock()

	for _, tx := range expired {
		c.logger.Warnf("[tx: %s] timed out after %s, aborting", tx.ID, tx.Timeout)
		c.abortParticipants(ctx, tx)
		tx.update(func(t *Transaction) {
			t.State = StateTimeout
			if t.LastError == "" {
				t.LastError = "transaction timeout"
			}
		})
		c.countTerminal(StateTimeout)
	}
	return len(expired)
}

func (c *Coordinator) observePhase(phase string, t0 time.Time) {
	if c.m != nil {
		c.m.TwoPC.PhaseDuration.WithLabelValues(phase).Observe(time.Since(t0).Seconds())
	}
}

func (c *Coordinator) countTerminal(s State) {
	if c.m != nil {
		c.m.TwoPC.TransactionsTotal.WithLabelValues(string(s)).Inc()
	}
}
