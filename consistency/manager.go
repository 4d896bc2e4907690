package consistency

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/metrics"
)

// Manager is the policy front of the cache: it owns the configured default
// level and lets every call override it.
type Manager struct {
	cache        *DistributedCache
	defaultLevel Level
}

func NewManager(logger *zap.SugaredLogger, m *metrics.Metrics, conf config.Cache, peers []Peer) (*Manager, error) {
	level, err := ParseLevel(conf.Level)
	if err != nil {
		return nil, fmt.Errorf("consistency manager: %w", err)
	}
	return &Manager{
		cache:        NewDistributedCache(logger, m, conf, peers),
		defaultLevel: level,
	}, nil
}

func (mg *Manager) resolve(level Level) Level {
	if level == "" {
		return mg.defaultLevel
	}
	return level
}

// Write stores value under key; pass an empty level to use the configured
// default.
func (mg *Manager) Write(ctx context.Context, key string, value []byte, level Level) error {
	return mg.cache.Set(ctx, key, value, mg.resolve(level))
}

// Read returns the value for key under the chosen level.
func (mg *Manager) Read(ctx context.Context, key string, level Level) ([]byte, error) {
	e, err := mg.cache.Get(ctx, key, mg.resolve(level))
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (mg *Manager) Invalidate(key string) {
	mg.cache.Delete(key)
}

// Session opens a monotonic-read session against the underlying cache.
func (mg *Manager) Session() *SessionHandle {
	return mg.cache.NewSession()
}

// Cache exposes the underlying cache for callers needing entry metadata or
// the anti-entropy hook.
func (mg *Manager) Cache() *DistributedCache {
	return mg.cache
}

func (mg *Manager) Start(ctx context.Context) {
	mg.cache.Start(ctx)
}

func (mg *Manager) Stop() {
	mg.cache.Stop()
}
