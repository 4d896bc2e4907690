package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/backoff"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/broker"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/metrics"
)

const (
	defaultWorkers    = 1
	defaultBatchSize  = 50
	defaultPollPeriod = time.Second
	statsInterval     = time.Minute
)

// Processor delivers enqueued events to the broker. Each worker owns a
// disjoint partition set and polls it independently, so delivery within one
// partition preserves priority-then-insertion order while partitions proceed
// in parallel.
type Processor struct {
	repo        Repository
	broker      broker.Broker
	partitioner *Partitioner
	policy      backoff.Policy
	logger      *zap.SugaredLogger
	m           *metrics.Metrics
	conf        config.Outbox

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewProcessor(
	repo Repository,
	brk broker.Broker,
	partitioner *Partitioner,
	logger *zap.SugaredLogger,
	m *metrics.Metrics,
	conf config.Outbox,
) *Processor {
	if conf.Workers <= 0 {
		conf.Workers = defaultWorkers
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = defaultBatchSize
	}
	if conf.PollPeriod <= 0 {
		conf.PollPeriod = defaultPollPeriod
	}
	policy := backoff.Policy{
		MaxAttempts:     conf.Retry.MaxAttempts,
		InitialDelay:    conf.Retry.InitialDelay,
		MaxDelay:        conf.Retry.MaxDelay,
		ExponentialBase: conf.Retry.ExponentialBase,
		JitterFactor:    conf.Retry.JitterFactor,
	}.Normalized()

	return &Processor{
		repo:        repo,
		broker:      brk,
		partitioner: partitioner,
		policy:      policy,
		logger:      logger,
		m:           m,
		conf:        conf,
	}
}

// Enqueue assigns the event its partition and stores it. Call inside the same
// WithinTransaction closure as the business write.
func (p *Processor) Enqueue(ctx context.Context, e *Event) error {
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = p.policy.MaxAttempts
	}
	e.Partition = p.partitioner.Assign(e)
	return p.repo.Enqueue(ctx, e)
}

func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Infow("outbox processor started",
		"workers", p.conf.Workers, "batch", p.conf.BatchSize,
		"poll", p.conf.PollPeriod.String(), "partitions", p.partitioner.Count())

	for w := 0; w < p.conf.Workers; w++ {
		p.wg.Add(1)
		go p.worker(runCtx, w)
	}

	p.wg.Add(1)
	go p.statsLoop(runCtx)
}

// Stop cancels the workers and waits for in-flight batches to finish, so a
// controlled shutdown never drops reserved work.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Infow("outbox processor stopped")
}

// ownedPartitions returns the partitions worker id is responsible for.
func (p *Processor) ownedPartitions(id int) []int {
	var owned []int
	for part := 0; part < p.partitioner.Count(); part++ {
		if part%p.conf.Workers == id {
			owned = append(owned, part)
		}
	}
	return owned
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	owned := p.ownedPartitions(id)
	p.logger.Infow("outbox worker started", "id", id, "partitions", owned)
	if len(owned) == 0 {
		return
	}

	ticker := time.NewTicker(p.conf.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("outbox worker stopping", "id", id)
			return
		case <-ticker.C:
			if id == 0 {
				if n, err := p.repo.MarkExpired(ctx, time.Now().UTC()); err != nil {
					p.logger.Errorw("mark expired failed", "err", err)
				} else if n > 0 {
					p.logger.Infow("expired outbox events skipped", "count", n)
					if p.m != nil {
						p.m.Outbox.EventsTotal.WithLabelValues("skipped").Add(float64(n))
					}
				}
			}

			events, err := p.repo.ReserveBatch(ctx, owned, p.conf.BatchSize)
			if err != nil {
				p.logger.Errorw("reserve outbox batch failed", "id", id, "err", err)
				continue
			}
			if len(events) == 0 {
				continue
			}
			p.processBatch(ctx, id, events)
		}
	}
}

// processBatch publishes the whole reserved batch atomically through the
// broker's batch API and settles each event from its own outcome.
func (p *Processor) processBatch(ctx context.Context, wid int, events []Event) {
	p.logger.Debugf("[worker %d] processing batch of %d", wid, len(events))

	msgs := make([]broker.Message, len(events))
	for i, e := range events {
		msgs[i] = broker.Message{
			Topic:     e.Topic,
			Key:       e.Key,
			Partition: -1,
			Payload:   e.Payload,
			Headers: map[string]string{
				"event_id":       e.EventID.String(),
				"aggregate_id":   e.AggregateID,
				"aggregate_type": e.AggregateType,
				"correlation_id": e.CorrelationID,
			},
		}
	}

	t0 := time.Now()
	errs := p.broker.PublishBatch(ctx, msgs)
	rt := time.Since(t0)

	// Marks run on a detached context: once a batch is reserved it must be
	// settled even if shutdown cancels the run context mid-flight.
	settleCtx := context.Background()
	for i, e := range events {
		p.settle(settleCtx, e, errs[i], rt)
	}
}

func (p *Processor) settle(ctx context.Context, e Event, pubErr error, rt time.Duration) {
	if p.m != nil {
		res := "ok"
		if pubErr != nil {
			res = "error"
		}
		p.m.Outbox.PublishLatencySeconds.WithLabelValues(e.Topic, res).Observe(rt.Seconds())
	}

	if pubErr == nil {
		if err := p.repo.MarkCompleted(ctx, e.ID, rt); err != nil {
			p.logger.Errorf("[ID %d] mark completed failed: %v", e.ID, err)
			return
		}
		if p.m != nil {
			p.m.Outbox.EventsTotal.WithLabelValues("completed").Inc()
			p.m.Outbox.SuccessAttempts.WithLabelValues(e.Topic).Observe(float64(e.Attempts))
		}
		p.logger.Debugf("[ID %d] sent topic=%s attempt=%d rt=%s", e.ID, e.Topic, e.Attempts, rt)
		return
	}

	p.logger.Warnf("[ID %d] publish failed attempt=%d/%d err=%v", e.ID, e.Attempts, e.MaxAttempts, pubErr)

	// Attempts was counted at reserve time, so it already includes this try.
	if e.Attempts < e.MaxAttempts {
		next := time.Now().UTC().Add(p.policy.Next(e.Attempts - 1))
		if err := p.repo.MarkRetry(ctx, e.ID, next, pubErr.Error()); err != nil {
			p.logger.Errorf("[ID %d] mark retry failed: %v", e.ID, err)
		}
		if p.m != nil {
			p.m.Outbox.EventsTotal.WithLabelValues("retried").Inc()
		}
		return
	}

	if p.conf.EnableDeadLetter {
		p.deadLetter(ctx, e, pubErr)
		return
	}

	if err := p.repo.MarkFailed(ctx, e.ID, pubErr.Error()); err != nil {
		p.logger.Errorf("[ID %d] mark failed failed: %v", e.ID, err)
	}
	if p.m != nil {
		p.m.Outbox.EventsTotal.WithLabelValues("failed").Inc()
	}
	p.logger.Errorf("[ID %d] gave up after %d attempts: %v", e.ID, e.Attempts, pubErr)
}

// deadLetter forwards the payload to the DLQ topic best-effort, then records
// the terminal state either way.
func (p *Processor) deadLetter(ctx context.Context, e Event, pubErr error) {
	lastErr := pubErr.Error()
	if p.conf.DeadLetterTopic != "" {
		dlqMsg := broker.Message{
			Topic:     p.conf.DeadLetterTopic,
			Key:       e.Key,
			Partition: -1,
			Payload:   e.Payload,
			Headers: map[string]string{
				"event_id":       e.EventID.String(),
				"origin_topic":   e.Topic,
				"last_error":     lastErr,
				"correlation_id": e.CorrelationID,
			},
		}
		if err := p.broker.Publish(ctx, dlqMsg); err != nil {
			p.logger.Errorf("[ID %d] dead-letter publish failed: %v", e.ID, err)
			lastErr = fmt.Sprintf("%s (dlq publish: %v)", lastErr, err)
		}
	}

	if err := p.repo.MarkDeadLetter(ctx, e.ID, lastErr); err != nil {
		p.logger.Errorf("[ID %d] mark dead_letter failed: %v", e.ID, err)
		return
	}
	if p.m != nil {
		p.m.Outbox.EventsTotal.WithLabelValues("dead_letter").Inc()
	}
	p.logger.Errorf("[ID %d] dead-lettered after %d attempts: %v", e.ID, e.Attempts, pubErr)
}

func (p *Processor) statsLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := p.repo.Stats(ctx)
			if err != nil {
				p.logger.Errorw("outbox stats failed", "err", err)
				continue
			}
			p.logger.Infow("outbox stats",
				"pending", stats.CountsByStatus[StatusPending],
				"processing", stats.CountsByStatus[StatusProcessing],
				"completed", stats.CountsByStatus[StatusCompleted],
				"failed", stats.CountsByStatus[StatusFailed],
				"dead_letter", stats.CountsByStatus[StatusDeadLetter],
				"skipped", stats.CountsByStatus[StatusSkipped],
				"avg_ms", stats.AvgProcessingMS,
				"p95_ms", stats.P95ProcessingMS,
				"payload_bytes", stats.TotalPayloadBytes,
			)
		}
	}
}

// Cleanup deletes COMPLETED events older than the retention window; wired as
// a maintenance cron job.
func (p *Processor) Cleanup(ctx context.Context) error {
	days := p.conf.RetentionDays
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	n, err := p.repo.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		p.logger.Errorw("outbox cleanup failed", "err", err)
		return err
	}
	if n > 0 {
		p.logger.Infow("outbox cleanup done", "deleted", n, "older_than_days", days)
	}
	return nil
}
