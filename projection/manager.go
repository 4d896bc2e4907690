package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/burdettadam/marty-microservices-framework-sub007/eventstore"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
)

const (
	defaultPollPeriod = time.Second
	defaultBatchSize  = 100
)

var ErrUnknownProjection = errors.New("unknown projection")

// Manager drives registered projections: one polling loop per projection
// tails the event store past the stored checkpoint and applies events one by
// one. Rebuild clears state plus checkpoint and reprocesses the full history;
// the result must be identical to the incrementally maintained state.
type Manager struct {
	store       eventstore.Store
	checkpoints CheckpointStore
	logger      *zap.SugaredLogger
	pollPeriod  time.Duration
	batchSize   int

	mu          sync.Mutex
	projections map[string]*registered
	running     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// registered guards each projection with its own lock so the poll loop and a
// concurrent Rebuild never interleave applies.
type registered struct {
	mu   sync.Mutex
	proj Projection
}

func NewManager(store eventstore.Store, checkpoints CheckpointStore, logger *zap.SugaredLogger, conf config.Projection) *Manager {
	pollPeriod := conf.PollPeriod
	if pollPeriod <= 0 {
		pollPeriod = defaultPollPeriod
	}
	batchSize := conf.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Manager{
		store:       store,
		checkpoints: checkpoints,
		logger:      logger,
		pollPeriod:  pollPeriod,
		batchSize:   batchSize,
		projections: map[string]*registered{},
	}
}

func (m *Manager) Register(p Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projections[p.Name()]; ok {
		return fmt.Errorf("projection %q already registered", p.Name())
	}
	if m.running {
		return errors.New("cannot register while running")
	}
	m.projections[p.Name()] = &registered{proj: p}
	return nil
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for name, reg := range m.projections {
		m.wg.Add(1)
		go m.pollLoop(runCtx, name, reg)
	}
	m.logger.Infow("projection manager started", "projections", len(m.projections), "poll", m.pollPeriod.String())
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Infow("projection manager stopped")
}

func (m *Manager) pollLoop(ctx context.Context, name string, reg *registered) {
	defer m.wg.Done()
	m.logger.Infow("projection loop started", "projection", name)

	ticker := time.NewTicker(m.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Infow("projection loop stopping", "projection", name)
			return
		case <-ticker.C:
			if _, err := m.catchUp(ctx, reg); err != nil {
				m.logger.Errorw("projection catch-up failed", "projection", name, "err", err)
			}
		}
	}
}

// catchUp applies at most one batch and returns the number applied. The
// checkpoint advances after every single applied event, so a crash mid-batch
// reprocesses at most the event that failed.
func (m *Manager) catchUp(ctx context.Context, reg *registered) (int, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return m.applyBatchLocked(ctx, reg.proj)
}

func (m *Manager) applyBatchLocked(ctx context.Context, p Projection) (int, error) {
	after, err := m.checkpoints.Get(ctx, p.Name())
	if err != nil {
		return 0, err
	}

	events, err := m.store.LoadByTypes(ctx, p.EventTypes(), after, m.batchSize)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, e := range events {
		if err := p.Apply(ctx, e); err != nil {
			return applied, fmt.Errorf("apply %s v%d: %w", e.Type, e.Version, err)
		}
		if err := m.checkpoints.Set(ctx, p.Name(), e.Timestamp); err != nil {
			return applied, fmt.Errorf("advance checkpoint: %w", err)
		}
		applied++
	}
	return applied, nil
}

// CatchUp drains all pending events for one projection; used by tests and by
// Rebuild. Returns total events applied.
func (m *Manager) CatchUp(ctx context.Context, name string) (int, error) {
	reg, err := m.lookup(name)
	if err != nil {
		return 0, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	total := 0
	for {
		n, err := m.applyBatchLocked(ctx, reg.proj)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// Rebuild clears the projection's state and checkpoint, then reprocesses the
// entire relevant history from scratch.
func (m *Manager) Rebuild(ctx context.Context, name string) error {
	reg, err := m.lookup(name)
	if err != nil {
		return err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	m.logger.Infow("projection rebuild started", "projection", name)

	if err := reg.proj.Reset(ctx); err != nil {
		return fmt.Errorf("reset projection: %w", err)
	}
	if err := m.checkpoints.Clear(ctx, name); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}

	total := 0
	for {
		n, err := m.applyBatchLocked(ctx, reg.proj)
		total += n
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}

	m.logger.Infow("projection rebuild done", "projection", name, "events", total)
	return nil
}

func (m *Manager) lookup(name string) (*registered, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.projections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	return reg, nil
}
