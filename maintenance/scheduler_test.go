package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/observability"
)

type countingCleaner struct{ runs atomic.Int64 }

func (c *countingCleaner) Cleanup(context.Context) error {
	c.runs.Add(1)
	return nil
}

type countingReaper struct{ runs atomic.Int64 }

func (r *countingReaper) ReapExpired(context.Context) int {
	r.runs.Add(1)
	return 0
}

func TestControllerRunsRegisteredJobs(t *testing.T) {
	ctrl := NewController(context.Background(), observability.NopLogger())
	cleaner := &countingCleaner{}
	reaper := &countingReaper{}

	conf := config.Maintenance{
		OutboxCleanupSchedule: "@every 50ms",
		ReaperSchedule:        "@every 50ms",
	}
	require.NoError(t, ctrl.RegisterOutboxCleanupJob(cleaner, conf))
	require.NoError(t, ctrl.RegisterTimeoutReaperJob(reaper, conf))

	ctrl.Start()
	defer ctrl.Stop()

	require.Eventually(t, func() bool {
		return cleaner.runs.Load() >= 1 && reaper.runs.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterRejectsBadSpec(t *testing.T) {
	ctrl := NewController(context.Background(), observability.NopLogger())

	err := ctrl.RegisterOutboxCleanupJob(&countingCleaner{}, config.Maintenance{
		OutboxCleanupSchedule: "not a cron spec",
	})
	assert.Error(t, err)

	err = ctrl.RegisterTimeoutReaperJob(&countingReaper{}, config.Maintenance{
		ReaperSchedule: "also bad",
	})
	assert.Error(t, err)
}

func TestEmptySpecFallsBackToDefault(t *testing.T) {
	ctrl := NewController(context.Background(), observability.NopLogger())
	assert.NoError(t, ctrl.RegisterOutboxCleanupJob(&countingCleaner{}, config.Maintenance{}))
	assert.NoError(t, ctrl.RegisterTimeoutReaperJob(&countingReaper{}, config.Maintenance{}))
}
