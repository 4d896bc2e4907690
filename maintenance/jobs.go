package maintenance

import (
	"context"

	"go.uber.org/zap"
)

// OutboxCleaner is the part of the outbox processor the cleanup job needs.
type OutboxCleaner interface {
	Cleanup(ctx context.Context) error
}

// OutboxCleanupJob deletes delivered outbox events past their retention
// window.
type OutboxCleanupJob struct {
	cleaner OutboxCleaner
	logger  *zap.SugaredLogger
}

func NewOutboxCleanupJob(cleaner OutboxCleaner, logger *zap.SugaredLogger) *OutboxCleanupJob {
	return &OutboxCleanupJob{cleaner: cleaner, logger: logger}
}

func (j *OutboxCleanupJob) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Errorf("panic in outbox cleanup job: %v", r)
		}
	}()

	if err := j.cleaner.Cleanup(ctx); err != nil {
		j.logger.Errorw("outbox cleanup job failed", "err", err)
	}
}

// Reaper is the part of the 2PC coordinator the reaper job needs.
type Reaper interface {
	ReapExpired(ctx context.Context) int
}

// TimeoutReaperJob aborts distributed transactions that outlived their
// timeout.
type TimeoutReaperJob struct {
	reaper Reaper
	logger *zap.SugaredLogger
}

func NewTimeoutReaperJob(reaper Reaper, logger *zap.SugaredLogger) *TimeoutReaperJob {
	return &TimeoutReaperJob{reaper: reaper, logger: logger}
}

func (j *TimeoutReaperJob) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Errorf("panic in timeout reaper job: %v", r)
		}
	}()

	if n := j.reaper.ReapExpired(ctx); n > 0 {
		j.logger.Infow("timed out transactions reaped", "count", n)
	}
}
