package outbox

import (
	"fmt"
	"hash/fnv"
	"sync/atomic"
)

type Strategy string

const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyKeyHash     Strategy = "key_hash"
	StrategyAggregateID Strategy = "aggregate_id"
	StrategyCustom      Strategy = "custom"
)

// PartitionFunc lets callers bring their own assignment under StrategyCustom.
type PartitionFunc func(e *Event) int

// Partitioner assigns each event to one of count lanes. Hash strategies are
// deterministic for the same key, which is what keeps per-key ordering when
// parallel processing is on.
type Partitioner struct {
	strategy Strategy
	count    int
	counter  atomic.Uint64
	custom   PartitionFunc
}

func NewPartitioner(strategy Strategy, count int, custom PartitionFunc) (*Partitioner, error) {
	if count <= 0 {
		count = 1
	}
	switch strategy {
	case StrategyRoundRobin, StrategyKeyHash, StrategyAggregateID:
	case StrategyCustom:
		if custom == nil {
			return nil, fmt.Errorf("custom partition strategy requires a partition func")
		}
	case "":
		strategy = StrategyRoundRobin
	default:
		return nil, fmt.Errorf("unknown partition strategy: %q", strategy)
	}
	return &Partitioner{strategy: strategy, count: count, custom: custom}, nil
}

func (p *Partitioner) Count() int { return p.count }

func (p *Partitioner) Assign(e *Event) int {
	switch p.strategy {
	case StrategyKeyHash:
		key := e.Key
		if key == "" {
			key = e.AggregateID
		}
		return hashMod(key, p.count)
	case StrategyAggregateID:
		return hashMod(e.AggregateID, p.count)
	case StrategyCustom:
		part := p.custom(e)
		if part < 0 || part >= p.count {
			part = hashMod(fmt.Sprint(part), p.count)
		}
		return part
	default:
		return int(p.counter.Add(1)-1) % p.count
	}
}

func hashMod(key string, count int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(count))
}
