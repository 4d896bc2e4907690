package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/metrics"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/observability"
)

func testConf() config.Saga {
	return config.Saga{
		Workers:     1,
		QueueSize:   8,
		StepTimeout: time.Second,
		Retry: config.Retry{
			MaxAttempts:     3,
			InitialDelay:    time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			ExponentialBase: 2,
			JitterFactor:    0,
		},
	}
}

// recorder tracks handler invocations in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func okHandler(rec *recorder, name string) HandlerFunc {
	return func(ctx context.Context, sc *StepContext) error {
		rec.record(name)
		return nil
	}
}

func failHandler(rec *recorder, name string) HandlerFunc {
	return func(ctx context.Context, sc *StepContext) error {
		rec.record(name)
		return errors.New("boom")
	}
}

func step(id, handler, compensation string, critical bool) Step {
	return Step{ID: id, Name: id, Handler: handler, Compensation: compensation, Critical: critical}
}

func TestSagaCompletesAllSteps(t *testing.T) {
	o := NewOrchestrator(observability.NopLogger(), nil, testConf())
	rec := &recorder{}
	o.RegisterHandler("a", okHandler(rec, "a"))
	o.RegisterHandler("b", okHandler(rec, "b"))
	o.RegisterHandler("c", okHandler(rec, "c"))

	steps := []Step{
		step("stepA", "a", "", false),
		step("stepB", "b", "", false),
		step("stepC", "c", "", false),
	}
	id, err := o.StartSaga(context.Background(), steps, map[string]any{"order": "42"})
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), id))

	tx, err := o.GetSaga(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tx.State)
	assert.Equal(t, []string{"stepA", "stepB", "stepC"}, tx.CompletedSteps)
	assert.Empty(t, tx.CompensatedSteps)
	assert.Equal(t, []string{"a", "b", "c"}, rec.Calls())

	// conservation: every step is either completed or still remaining
	assert.Len(t, tx.CompletedSteps, len(tx.Steps))
}

func TestCriticalFailureCompensatesInReverseOrder(t *testing.T) {
	o := NewOrchestrator(observability.NopLogger(), nil, testConf())
	rec := &recorder{}
	o.RegisterHandler("a", okHandler(rec, "a"))
	o.RegisterHandler("b", failHandler(rec, "b"))
	o.RegisterHandler("c", okHandler(rec, "c"))
	o.RegisterHandler("undoA", okHandler(rec, "undoA"))
	o.RegisterHandler("undoB", okHandler(rec, "undoB"))
	o.RegisterHandler("undoC", okHandler(rec, "undoC"))

	steps := []Step{
		step("stepA", "a", "undoA", true),
		step("stepB", "b", "undoB", true),
		step("stepC", "c", "undoC", true),
	}
	id, err := o.StartSaga(context.Background(), steps, nil)
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), id))

	tx, err := o.GetSaga(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompensated, tx.State)
	assert.Equal(t, []string{"stepA"}, tx.CompletedSteps)
	assert.Equal(t, []string{"stepA"}, tx.CompensatedSteps)
	assert.NotEmpty(t, tx.LastError)

	// stepC never ran, stepB never compensated
	assert.NotContains(t, rec.Calls(), "c")
	assert.NotContains(t, rec.Calls(), "undoB")
}

func TestCompensationRunsInStrictReverse(t *testing.T) {
	conf := testConf()
	conf.Retry.MaxAttempts = 1
	o := NewOrchestrator(observability.NopLogger(), nil, conf)
	rec := &recorder{}
	o.RegisterHandler("a", okHandler(rec, "a"))
	o.RegisterHandler("b", okHandler(rec, "b"))
	o.RegisterHandler("c", failHandler(rec, "c"))
	o.RegisterHandler("undoA", okHandler(rec, "undoA"))
	o.RegisterHandler("undoB", okHandler(rec, "undoB"))
	o.RegisterHandler("undoC", okHandler(rec, "undoC"))

	steps := []Step{
		step("stepA", "a", "undoA", true),
		step("stepB", "b", "undoB", true),
		step("stepC", "c", "undoC", true),
	}
	id, err := o.StartSaga(context.Background(), steps, nil)
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), id))

	tx, err := o.GetSaga(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompensated, tx.State)
	assert.Equal(t, []string{"stepA", "stepB"}, tx.CompletedSteps)
	assert.Equal(t, []string{"stepB", "stepA"}, tx.CompensatedSteps)
	assert.Equal(t, []string{"a", "b", "c", "undoB", "undoA"}, rec.Calls())
}

func TestNonCriticalFailureSkipsWithoutCompensation(t *testing.T) {
	o := NewOrchestrator(observability.NopLogger(), nil, testConf())
	rec := &recorder{}
	o.RegisterHandler("a", okHandler(rec, "a"))
	o.RegisterHandler("b", failHandler(rec, "b"))
	o.RegisterHandler("c", okHandler(rec, "c"))
	o.RegisterHandler("undoA", okHandler(rec, "undoA"))

	steps := []Step{
		step("stepA", "a", "undoA", true),
		step("stepB", "b", "", false),
		step("stepC", "c", "", false),
	}
	id, err := o.StartSaga(context.Background(), steps, nil)
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), id))

	tx, err := o.GetSaga(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tx.State)
	assert.Equal(t, []string{"stepA", "stepC"}, tx.CompletedSteps)
	assert.Empty(t, tx.CompensatedSteps)
	assert.NotContains(t, rec.Calls(), "undoA")

	var skipped *StepResult
	for i := range tx.StepResults {
		if tx.StepResults[i].StepID == "stepB" {
			skipped = &tx.StepResults[i]
		}
	}
	require.NotNil(t, skipped)
	assert.Equal(t, "skipped", skipped.Outcome)
}

func TestCompensationFailureMarksFailed(t *testing.T) {
	o := NewOrchestrator(observability.NopLogger(), nil, testConf())
	rec := &recorder{}
	o.RegisterHandler("a", okHandler(rec, "a"))
	o.RegisterHandler("b", failHandler(rec, "b"))
	o.RegisterHandler("undoA", failHandler(rec, "undoA"))
	o.RegisterHandler("undoB", okHandler(rec, "undoB"))

	steps := []Step{
		step("stepA", "a", "undoA", true),
		step("stepB", "b", "undoB", true),
	}
	id, err := o.StartSaga(context.Background(), steps, nil)
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), id))

	tx, err := o.GetSaga(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, tx.State)
	assert.Contains(t, tx.LastError, "compensation")
	assert.Empty(t, tx.CompensatedSteps)
}

func TestStepRetriesUntilSuccess(t *testing.T) {
	o := NewOrchestrator(observability.NopLogger(), nil, testConf())
	var attempts int
	o.RegisterHandler("flaky", func(ctx context.Context, sc *StepContext) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	s := step("stepA", "flaky", "", true)
	s.Compensation = "flaky"
	s.RetryCount = 2
	id, err := o.StartSaga(context.Background(), []Step{s}, nil)
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), id))

	tx, err := o.GetSaga(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, tx.State)
	assert.Equal(t, 3, attempts)
	require.Len(t, tx.StepResults, 1)
	assert.Equal(t, 3, tx.StepResults[0].Attempts)
}

func TestStepDurationObservedPerAttempt(t *testing.T) {
	conf := testConf()
	conf.Retry.InitialDelay = 25 * time.Millisecond
	conf.Retry.MaxDelay = 25 * time.Millisecond
	m := metrics.New(prometheus.NewRegistry())
	o := NewOrchestrator(observability.NopLogger(), m, conf)

	var attempts int
	o.RegisterHandler("flaky", func(ctx context.Context, sc *StepContext) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	s := step("stepA", "flaky", "", false)
	s.RetryCount = 2
	id, err := o.StartSaga(context.Background(), []Step{s}, nil)
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), id))
	require.Equal(t, 3, attempts)

	pb := &dto.Metric{}
	require.NoError(t, m.Saga.StepDuration.WithLabelValues("stepA").(prometheus.Metric).Write(pb))
	require.Equal(t, uint64(3), pb.GetHistogram().GetSampleCount())

	// two 25ms backoff sleeps sit between the attempts; each handler call is
	// near-instant, so per-attempt timing keeps the sum below a single sleep
	assert.Less(t, pb.GetHistogram().GetSampleSum(), 0.025)
}

func TestMissingHandlerFailsStep(t *testing.T) {
	o := NewOrchestrator(observability.NopLogger(), nil, testConf())
	o.RegisterHandler("undoA", func(ctx context.Context, sc *StepContext) error { return nil })

	id, err := o.StartSaga(context.Background(), []Step{step("stepA", "nope", "undoA", true)}, nil)
	require.NoError(t, err)
	require.NoError(t, o.Execute(context.Background(), id))

	tx, err := o.GetSaga(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompensated, tx.State)
	assert.Contains(t, tx.LastError, "no handler registered")
}

func TestStartSagaValidation(t *testing.T) {
	o := NewOrchestrator(observability.NopLogger(), nil, testConf())

	_, err := o.StartSaga(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoSteps)

	_, err = o.StartSaga(context.Background(), []Step{step("stepA", "a", "", true)}, nil)
	assert.ErrorIs(t, err, ErrMissingComp)

	_, err = o.StartSaga(context.Background(), []Step{{Name: "no-id", Handler: "a"}}, nil)
	assert.Error(t, err)
}

func TestWorkerPoolExecutesQueuedSagas(t *testing.T) {
	conf := testConf()
	conf.Workers = 2
	o := NewOrchestrator(observability.NopLogger(), nil, conf)
	rec := &recorder{}
	o.RegisterHandler("a", okHandler(rec, "a"))

	o.Start(context.Background())
	defer o.Stop()

	id, err := o.StartSaga(context.Background(), []Step{step("stepA", "a", "", false)}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tx, err := o.GetSaga(id)
		return err == nil && tx.State == StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
