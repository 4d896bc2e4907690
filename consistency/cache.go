package consistency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/config"
	"github.com/burdettadam/marty-microservices-framework-sub007/pkg/metrics"
)

const (
	defaultTTL                 = 5 * time.Minute
	defaultEvictionInterval    = 30 * time.Second
	defaultAntiEntropyInterval = time.Minute
	replicationBuffer          = 1024
	replicationTimeout         = 5 * time.Second
)

// ReconcileFunc is the anti-entropy hook. It receives a snapshot of the local
// entries and the configured peers and is expected to converge divergent
// replicas. The default pushes every local entry to every healthy peer.
type ReconcileFunc func(ctx context.Context, local []Entry, peers []Peer) error

// DistributedCache is a checksummed in-memory cache replicated to a set of
// peers. Every read and write runs under one of the five consistency levels;
// the per-key version counter only moves forward.
type DistributedCache struct {
	logger    *zap.SugaredLogger
	m         *metrics.Metrics
	conf      config.Cache
	peers     []Peer
	reconcile ReconcileFunc

	mu      sync.Mutex
	entries map[string]Entry
	repl    chan Entry
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDistributedCache(logger *zap.SugaredLogger, m *metrics.Metrics, conf config.Cache, peers []Peer) *DistributedCache {
	if conf.DefaultTTL <= 0 {
		conf.DefaultTTL = defaultTTL
	}
	if conf.EvictionInterval <= 0 {
		conf.EvictionInterval = defaultEvictionInterval
	}
	if conf.AntiEntropyInterval <= 0 {
		conf.AntiEntropyInterval = defaultAntiEntropyInterval
	}

	c := &DistributedCache{
		logger:  logger,
		m:       m,
		conf:    conf,
		peers:   peers,
		entries: map[string]Entry{},
		repl:    make(chan Entry, replicationBuffer),
	}
	c.reconcile = c.pushReconcile
	return c
}

// SetReconcile replaces the anti-entropy strategy. Call before Start.
func (c *DistributedCache) SetReconcile(fn ReconcileFunc) {
	if fn != nil {
		c.reconcile = fn
	}
}

// Set stores value under key at the given level. Strong writes block until a
// majority of healthy peers acknowledge; the local write is kept either way,
// so a quorum failure means reduced durability, not a lost write.
func (c *DistributedCache) Set(ctx context.Context, key string, value []byte, level Level) error {
	now := time.Now().UTC()

	c.mu.Lock()
	version := int64(1)
	if cur, ok := c.entries[key]; ok {
		version = cur.Version + 1
	}
	e := newEntry(key, value, version, c.conf.DefaultTTL, now)
	c.entries[key] = e
	size := len(c.entries)
	c.mu.Unlock()

	if c.m != nil {
		c.m.Cache.Entries.Set(float64(size))
	}

	switch level {
	case Strong:
		if err := c.replicateQuorum(ctx, e); err != nil {
			c.countOp("set", level, "rejected")
			return err
		}
	case Eventual:
		select {
		case c.repl <- e:
		default:
			// replication queue full; anti-entropy will converge this entry
			c.logger.Warnw("replication queue full, deferring to anti-entropy", "key", key)
		}
	}

	c.countOp("set", level, "ok")
	c.logger.Debugf("[key: %s] set v%d level=%s", key, version, level)
	return nil
}

// Get reads key under the given level. Corrupt entries are dropped and
// reported as misses.
func (c *DistributedCache) Get(ctx context.Context, key string, level Level) (Entry, error) {
	now := time.Now().UTC()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.Expired(now) {
		delete(c.entries, key)
		ok = false
	}
	if ok && e.Corrupt() {
		delete(c.entries, key)
		c.mu.Unlock()
		c.countOp("get", level, "corrupt")
		c.logger.Errorw("corrupt cache entry discarded", "key", key, "version", e.Version)
		return Entry{}, ErrNotFound
	}
	c.mu.Unlock()

	if !ok {
		c.countOp("get", level, "miss")
		return Entry{}, ErrNotFound
	}

	switch level {
	case BoundedStaleness:
		if c.conf.MaxStaleness > 0 && e.Age(now) > c.conf.MaxStaleness {
			c.countOp("get", level, "stale")
			return Entry{}, ErrStale
		}
	case Strong:
		if err := c.confirmQuorum(ctx, key, e.Version); err != nil {
			c.countOp("get", level, "rejected")
			return Entry{}, err
		}
	}

	c.countOp("get", level, "hit")
	return e, nil
}

// Delete removes key locally. Peers converge through anti-entropy.
func (c *DistributedCache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	size := len(c.entries)
	c.mu.Unlock()

	if c.m != nil {
		c.m.Cache.Entries.Set(float64(size))
	}
}

func (c *DistributedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// NewSession returns a handle whose reads are monotonic: once it has seen a
// version of a key, an older version is never returned through it.
func (c *DistributedCache) NewSession() *SessionHandle {
	return &SessionHandle{cache: c, seen: map[string]int64{}}
}

// healthyPeers snapshots the peers currently reporting healthy.
func (c *DistributedCache) healthyPeers(ctx context.Context) []Peer {
	var healthy []Peer
	for _, p := range c.peers {
		if p.Healthy(ctx) {
			healthy = append(healthy, p)
		}
	}
	return healthy
}

// replicateQuorum pushes e to healthy peers and requires acknowledgement from
// a majority of them. With no peers configured the local write is the quorum.
func (c *DistributedCache) replicateQuorum(ctx context.Context, e Entry) error {
	healthy := c.healthyPeers(ctx)
	if len(healthy) == 0 {
		return nil
	}

	acks := 0
	for _, p := range healthy {
		if err := p.Replicate(ctx, e); err != nil {
			c.logger.Warnw("peer replicate failed", "peer", p.ID(), "key", e.Key, "err", err)
			continue
		}
		acks++
	}
	if acks <= len(healthy)/2 {
		return ErrQuorumFailed
	}
	return nil
}

func (c *DistributedCache) confirmQuorum(ctx context.Context, key string, version int64) error {
	healthy := c.healthyPeers(ctx)
	if len(healthy) == 0 {
		return nil
	}

	confirms := 0
	for _, p := range healthy {
		ok, err := p.Confirm(ctx, key, version)
		if err != nil {
			c.logger.Warnw("peer confirm failed", "peer", p.ID(), "key", key, "err", err)
			continue
		}
		if ok {
			confirms++
		}
	}
	if confirms <= len(healthy)/2 {
		return ErrQuorumFailed
	}
	return nil
}

// Start launches the eviction, replication and anti-entropy loops.
func (c *DistributedCache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(3)
	go c.evictionLoop(runCtx)
	go c.replicationLoop(runCtx)
	go c.antiEntropyLoop(runCtx)

	c.logger.Infow("distributed cache started",
		"peers", len(c.peers),
		"eviction", c.conf.EvictionInterval.String(),
		"anti_entropy", c.conf.AntiEntropyInterval.String())
}

// Stop cancels the loops and drains the pending replication queue, so a
// controlled shutdown never drops an eventual write that was acknowledged.
func (c *DistributedCache) Stop() {
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

	for {
		select {
		case e := <-c.repl:
			c.replicateOne(e)
		default:
			c.logger.Infow("distributed cache stopped")
			return
		}
	}
}

func (c *DistributedCache) evictionLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.conf.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.EvictExpired(time.Now().UTC()); n > 0 {
				c.logger.Debugf("evicted %d expired cache entries", n)
			}
		}
	}
}

// EvictExpired removes every entry whose TTL has passed and returns the count.
func (c *DistributedCache) EvictExpired(now time.Time) int {
	c.mu.Lock()
	evicted := 0
	for key, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, key)
			evicted++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	if c.m != nil {
		c.m.Cache.Entries.Set(float64(size))
	}
	return evicted
}

func (c *DistributedCache) replicationLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.repl:
			c.replicateOne(e)
		}
	}
}

func (c *DistributedCache) replicateOne(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), replicationTimeout)
	defer cancel()

	for _, p := range c.healthyPeers(ctx) {
		if err := p.Replicate(ctx, e); err != nil {
			c.logger.Warnw("async replicate failed", "peer", p.ID(), "key", e.Key, "err", err)
		}
	}
}

func (c *DistributedCache) antiEntropyLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.conf.AntiEntropyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunAntiEntropy(ctx); err != nil {
				c.logger.Errorw("anti-entropy pass failed", "err", err)
			}
		}
	}
}

// RunAntiEntropy executes one reconciliation pass over a snapshot of the
// local entries.
func (c *DistributedCache) RunAntiEntropy(ctx context.Context) error {
	c.mu.Lock()
	local := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		local = append(local, e)
	}
	c.mu.Unlock()

	return c.reconcile(ctx, local, c.peers)
}

// pushReconcile is the default anti-entropy strategy: push every local entry
// to every healthy peer; peers keep the higher version.
func (c *DistributedCache) pushReconcile(ctx context.Context, local []Entry, peers []Peer) error {
	for _, p := range peers {
		if !p.Healthy(ctx) {
			continue
		}
		for _, e := range local {
			if err := p.Replicate(ctx, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *DistributedCache) countOp(op string, level Level, result string) {
	if c.m != nil {
		c.m.Cache.OperationsTotal.WithLabelValues(op, string(level), result).Inc()
	}
}
