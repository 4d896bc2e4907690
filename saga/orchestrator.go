package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/backoff"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/metrics"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/validator"
)

const (
	defaultWorkers     = 4
	defaultQueueSize   = 128
	defaultStepTimeout = 30 * time.Second
)

var (
	ErrNoSteps             = errors.New("saga has no steps")
	ErrMissingComp         = errors.New("critical step has no compensation")
	ErrSagaNotFound        = errors.New("saga not found")
	ErrQueueFull           = errors.New("saga queue is full")
	errHandlerUnregistered = errors.New("no handler registered")
)

// HandlerFunc executes one step action or compensation. A nil return means
// the step succeeded.
type HandlerFunc func(ctx context.Context, sc *StepContext) error

// Orchestrator runs sagas forward and, when a critical step fails, compensates
// completed steps in strict reverse order. Workers pull saga ids from a shared
// queue; within one saga steps are strictly sequential, across sagas the pool
// is fully concurrent.
type Orchestrator struct {
	logger *zap.SugaredLogger
	m      *metrics.Metrics
	conf   config.Saga
	policy backoff.Policy

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	sagas    map[uuid.UUID]*Transaction
	running  bool
	cancel   context.CancelFunc

	queue chan uuid.UUID
	wg    sync.WaitGroup
}

func NewOrchestrator(logger *zap.SugaredLogger, m *metrics.Metrics, conf config.Saga) *Orchestrator {
	if conf.Workers <= 0 {
		conf.Workers = defaultWorkers
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = defaultQueueSize
	}
	if conf.StepTimeout <= 0 {
		conf.StepTimeout = defaultStepTimeout
	}
	policy := backoff.Policy{
		MaxAttempts:     conf.Retry.MaxAttempts,
		InitialDelay:    conf.Retry.InitialDelay,
		MaxDelay:        conf.Retry.MaxDelay,
		ExponentialBase: conf.Retry.ExponentialBase,
		JitterFactor:    conf.Retry.JitterFactor,
	}.Normalized()

	return &Orchestrator{
		logger:   logger,
		m:        m,
		conf:     conf,
		policy:   policy,
		handlers: map[string]HandlerFunc{},
		sagas:    map[uuid.UUID]*Transaction{},
		queue:    make(chan uuid.UUID, conf.QueueSize),
	}
}

func (o *Orchestrator) RegisterHandler(name string, fn HandlerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[name] = fn
}

func (o *Orchestrator) handler(name string) (HandlerFunc, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn, ok := o.handlers[name]
	return fn, ok
}

// StartSaga validates the step list, creates the saga record and enqueues it
// for the worker pool.
func (o *Orchestrator) StartSaga(ctx context.Context, steps []Step, sagaContext map[string]any) (uuid.UUID, error) {
	if len(steps) == 0 {
		return uuid.Nil, ErrNoSteps
	}
	for _, s := range steps {
		if err := validator.Validate.Struct(&s); err != nil {
			return uuid.Nil, fmt.Errorf("step %q: %w", s.Name, err)
		}
		if s.Critical && s.Compensation == "" {
			return uuid.Nil, fmt.Errorf("step %q: %w", s.Name, ErrMissingComp)
		}
	}

	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	if sagaContext == nil {
		sagaContext = map[string]any{}
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:        id,
		Steps:     steps,
		State:     StateCreated,
		Context:   sagaContext,
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	o.sagas[id] = tx
	o.mu.Unlock()

	select {
	case o.queue <- id:
	default:
		o.mu.Lock()
		delete(o.sagas, id)
		o.mu.Unlock()
		return uuid.Nil, ErrQueueFull
	}

	o.logger.Debugf("[saga: %s] created with %d steps", id, len(steps))
	return id, nil
}

// GetSaga returns a copy of the saga record.
func (o *Orchestrator) GetSaga(id uuid.UUID) (Transaction, error) {
	o.mu.Lock()
	tx, ok := o.sagas[id]
	o.mu.Unlock()
	if !ok {
		return Transaction{}, ErrSagaNotFound
	}
	return tx.Snapshot(), nil
}

func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for i := 0; i < o.conf.Workers; i++ {
		o.wg.Add(1)
		go o.worker(runCtx, i)
	}
	o.logger.Infow("saga orchestrator started", "workers", o.conf.Workers)
}

func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.logger.Infow("saga orchestrator stopped")
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	o.logger.Infow("saga worker started", "id", id)

	for {
		select {
		case <-ctx.Done():
			o.logger.Infow("saga worker stopping", "id", id)
			return
		case sagaID := <-o.queue:
			if o.m != nil {
				o.m.Saga.ActiveWorkers.Inc()
			}
			if err := o.Execute(ctx, sagaID); err != nil {
				o.logger.Errorf("[saga: %s] execution error: %v", sagaID, err)
			}
			if o.m != nil {
				o.m.Saga.ActiveWorkers.Dec()
			}
		}
	}
}

// Execute drives one saga to a terminal state. Exposed so callers without a
// running pool (and tests) can run synchronously.
func (o *Orchestrator) Execute(ctx context.Context, sagaID uuid.UUID) error {
	o.mu.Lock()
	tx, ok := o.sagas[sagaID]
	o.mu.Unlock()
	if !ok {
		return ErrSagaNotFound
	}

	if o.conf.SagaTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.conf.SagaTimeout)
		defer cancel()
	}

	tx.update(func(t *Transaction) { t.State = StateExecuting })
	o.logger.Infof("[saga: %s] executing", sagaID)

	for i := range tx.Steps {
		step := tx.Steps[i]
		tx.update(func(t *Transaction) { t.CurrentStep = i })

		err := o.runStep(ctx, tx, step, step.Handler, "forward")
		if err == nil {
			tx.update(func(t *Transaction) {
				t.CompletedSteps = append(t.CompletedSteps, step.ID)
			})
			continue
		}

		if !step.Critical {
			// non-critical failure: log, skip, advance; never compensate
			o.logger.Warnf("[saga: %s] non-critical step %q failed, skipping: %v", sagaID, step.Name, err)
			tx.update(func(t *Transaction) {
				t.StepResults = append(t.StepResults, StepResult{
					StepID: step.ID, Name: step.Name, Kind: "forward", Outcome: "skipped", Error: err.Error(),
				})
			})
			if o.m != nil {
				o.m.Saga.StepsTotal.WithLabelValues("forward", "skipped").Inc()
			}
			continue
		}

		o.logger.Errorf("[saga: %s] critical step %q failed, compensating: %v", sagaID, step.Name, err)
		tx.update(func(t *Transaction) {
			t.State = StateCompensating
			t.LastError = err.Error()
		})
		return o.compensate(ctx, tx)
	}

	tx.update(func(t *Transaction) { t.State = StateCompleted })
	if o.m != nil {
		o.m.Saga.SagasTotal.WithLabelValues(string(StateCompleted)).Inc()
	}
	o.logger.Infof("[saga: %s] completed", sagaID)
	return nil
}

// compensate undoes completed steps in strict reverse order. All compensated
// cleanly means COMPENSATED; any compensation failing after retries means
// FAILED (partially compensated), which is reported, never retried forever.
func (o *Orchestrator) compensate(ctx context.Context, tx *Transaction) error {
	snap := tx.Snapshot()

	for i := len(snap.CompletedSteps) - 1; i >= 0; i-- {
		stepID := snap.CompletedSteps[i]
		step, ok := findStep(snap.Steps, stepID)
		if !ok {
			return fmt.Errorf("completed step %q not in saga definition", stepID)
		}
		if step.Compensation == "" {
			o.logger.Warnf("[saga: %s] step %q has no compensation, skipping", tx.ID, step.Name)
			continue
		}

		if err := o.runStep(ctx, tx, step, step.Compensation, "compensation"); err != nil {
			tx.update(func(t *Transaction) {
				t.State = StateFailed
				t.LastError = fmt.Sprintf("compensation %q: %v", step.Name, err)
			})
			if o.m != nil {
				o.m.Saga.SagasTotal.WithLabelValues(string(StateFailed)).Inc()
			}
			o.logger.Errorf("[saga: %s] compensation %q failed, saga FAILED (partially compensated): %v", tx.ID, step.Name, err)
			return nil
		}

		tx.update(func(t *Transaction) {
			t.CompensatedSteps = append(t.CompensatedSteps, step.ID)
		})
	}

	tx.update(func(t *Transaction) { t.State = StateCompensated })
	if o.m != nil {
		o.m.Saga.SagasTotal.WithLabelValues(string(StateCompensated)).Inc()
	}
	o.logger.Infof("[saga: %s] compensated", tx.ID)
	return nil
}

// runStep invokes the named handler under the step timeout, retrying up to
// RetryCount extra times with exponential backoff.
func (o *Orchestrator) runStep(ctx context.Context, tx *Transaction, step Step, handlerName, kind string) error {
	fn, ok := o.handler(handlerName)
	if !ok {
		err := fmt.Errorf("%w: %q", errHandlerUnregistered, handlerName)
		o.recordStep(tx, step, kind, "failed", err, 0, 0)
		return err
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.conf.StepTimeout
	}

	sc := &StepContext{
		SagaID:      tx.ID,
		StepID:      step.ID,
		StepName:    step.Name,
		Params:      step.Params,
		SagaContext: tx.Context,
	}

	attempts := step.RetryCount + 1
	var lastErr error
	t0 := time.Now()
	for attempt := 0; attempt < attempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		attemptStart := time.Now()
		err := fn(stepCtx, sc)
		cancel()

		// one observation per handler invocation, backoff sleeps excluded
		if o.m != nil {
			o.m.Saga.StepDuration.WithLabelValues(step.Name).Observe(time.Since(attemptStart).Seconds())
		}

		if err == nil {
			o.recordStep(tx, step, kind, "completed", nil, attempt+1, time.Since(t0))
			if o.m != nil {
				o.m.Saga.StepsTotal.WithLabelValues(kind, "completed").Inc()
			}
			return nil
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		o.logger.Warnf("[saga: %s] step %q (%s) attempt %d failed, retrying: %v", tx.ID, step.Name, kind, attempt+1, err)
		if err := backoff.SleepCtx(ctx, o.policy.Next(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	o.recordStep(tx, step, kind, "failed", lastErr, attempts, time.Since(t0))
	if o.m != nil {
		o.m.Saga.StepsTotal.WithLabelValues(kind, "failed").Inc()
	}
	return lastErr
}

func (o *Orchestrator) recordStep(tx *Transaction, step Step, kind, outcome string, err error, attempts int, d time.Duration) {
	res := StepResult{
		StepID:   step.ID,
		Name:     step.Name,
		Kind:     kind,
		Outcome:  outcome,
		Attempts: attempts,
		Duration: d,
	}
	if err != nil {
		res.Error = err.Error()
	}
	tx.update(func(t *Transaction) {
		t.StepResults = append(t.StepResults, res)
	})
}

func findStep(steps []Step, id string) (Step, bool) {
	for _, s := range steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}
