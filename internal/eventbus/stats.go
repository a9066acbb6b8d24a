package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyBuckets are upper bounds in milliseconds for the dispatch latency
// histogram; the last bucket is unbounded.
var latencyBuckets = []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published   uint64
	Dispatched  uint64
	Dropped     map[string]uint64
	HandlerErrs uint64
	QueueDepths []int
	BatchSize   int
	Throughput  float64 // events/s over the last sample window
	Latency     LatencyHistogram
}

// LatencyHistogram is bucketed dispatch latency.
type LatencyHistogram struct {
	BoundsMs []float64
	Counts   []uint64
}

type counters struct {
	published   atomic.Uint64
	dispatched  atomic.Uint64
	handlerErrs atomic.Uint64
	throughput  atomic.Uint64 // bits of a float64

	dropMu  sync.Mutex
	dropped map[string]uint64

	latency []atomic.Uint64
}

func newCounters() *counters {
	return &counters{
		dropped: make(map[string]uint64),
		latency: make([]atomic.Uint64, len(latencyBuckets)+1),
	}
}

func (c *counters) drop(reason string) {
	c.dropMu.Lock()
	c.dropped[reason]++
	c.dropMu.Unlock()
}

func (c *counters) droppedSnapshot() map[string]uint64 {
	c.dropMu.Lock()
	defer c.dropMu.Unlock()
	out := make(map[string]uint64, len(c.dropped))
	for k, v := range c.dropped {
		out[k] = v
	}
	return out
}

func (c *counters) observeLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	for i, bound := range latencyBuckets {
		if ms <= bound {
			c.latency[i].Add(1)
			return
		}
	}
	c.latency[len(latencyBuckets)].Add(1)
}

func (c *counters) latencySnapshot() LatencyHistogram {
	h := LatencyHistogram{
		BoundsMs: latencyBuckets,
		Counts:   make([]uint64, len(latencyBuckets)+1),
	}
	for i := range h.Counts {
		h.Counts[i] = c.latency[i].Load()
	}
	return h
}
