package eventbus

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// batchSampleInterval is how often the controller re-measures throughput.
const batchSampleInterval = time.Second

// batchController adapts the per-drain batch size to observed throughput.
// Under light load small batches keep latency low; as throughput approaches
// the target the batch grows toward max so shard loops amortize lock and
// metric overhead.
type batchController struct {
	min, max int
	target   int

	cur   atomic.Int64
	stats *counters

	lastPublished uint64
}

func newBatchController(min, max, target int, stats *counters) *batchController {
	c := &batchController{min: min, max: max, target: target, stats: stats}
	c.cur.Store(int64(min))
	return c
}

func (c *batchController) size() int {
	return int(c.cur.Load())
}

func (c *batchController) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(batchSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *batchController) sample() {
	published := c.stats.published.Load()
	delta := published - c.lastPublished
	c.lastPublished = published

	throughput := float64(delta) / batchSampleInterval.Seconds()
	c.stats.throughput.Store(math.Float64bits(throughput))

	// Linear ramp: batch scales with the fraction of target throughput.
	frac := throughput / float64(c.target)
	if frac > 1 {
		frac = 1
	}
	next := c.min + int(frac*float64(c.max-c.min))
	if next < c.min {
		next = c.min
	}
	if next > c.max {
		next = c.max
	}
	c.cur.Store(int64(next))
}
