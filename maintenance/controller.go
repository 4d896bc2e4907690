package maintenance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
)

// Controller registers the periodic maintenance jobs and owns the scheduler
// lifecycle.
type Controller struct {
	scheduler *Scheduler
	logger    *zap.SugaredLogger
}

func NewController(ctx context.Context, logger *zap.SugaredLogger) *Controller {
	return &Controller{
		scheduler: NewScheduler(ctx),
		logger:    logger,
	}
}

// RegisterOutboxCleanupJob schedules retention cleanup of delivered outbox
// events. An empty spec falls back to hourly.
func (c *Controller) RegisterOutboxCleanupJob(cleaner OutboxCleaner, conf config.Maintenance) error {
	spec := conf.OutboxCleanupSchedule
	if spec == "" {
		spec = "@every 1h"
		c.logger.Warnf("outbox cleanup schedule not set, defaulting to %s", spec)
	}

	id, err := c.scheduler.Add(spec, NewOutboxCleanupJob(cleaner, c.logger))
	if err != nil {
		return fmt.Errorf("register outbox cleanup job: %w", err)
	}
	c.logger.Infof("outbox cleanup job registered [id: %d, spec: %s]", id, spec)
	return nil
}

// RegisterTimeoutReaperJob schedules the 2PC timeout reaper. This complements
// the coordinator's own ticker and is useful when the coordinator runs
// without its background loop.
func (c *Controller) RegisterTimeoutReaperJob(reaper Reaper, conf config.Maintenance) error {
	spec := conf.ReaperSchedule
	if spec == "" {
		spec = "@every 30s"
		c.logger.Warnf("reaper schedule not set, defaulting to %s", spec)
	}

	id, err := c.scheduler.Add(spec, NewTimeoutReaperJob(reaper, c.logger))
	if err != nil {
		return fmt.Errorf("register timeout reaper job: %w", err)
	}
	c.logger.Infof("timeout reaper job registered [id: %d, spec: %s]", id, spec)
	return nil
}

func (c *Controller) Start() {
	c.logger.Info("maintenance scheduler started")
	c.scheduler.Start()
}

func (c *Controller) Stop() {
	c.scheduler.Stop()
	c.logger.Info("maintenance scheduler stopped")
}
