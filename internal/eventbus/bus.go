// Package eventbus implements the sharded priority event bus. Events are
// validated, filtered and hashed by trace id onto one of N shards; each shard
// keeps an urgent and a normal FIFO queue and a dispatch loop that fans every
// event's handlers out to shared worker pools, waiting for the full handler set
// before the next event so shard order is preserved.
package eventbus

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/core"
	"tradecore/pkg/breaker"
	"tradecore/pkg/concurrency"
	"tradecore/pkg/telemetry"

	"github.com/alitto/pond"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config holds event bus tuning parameters. Zero values take defaults.
type Config struct {
	Shards           int
	HighWater        int // per-shard depth above which normal events are dropped
	HardCeiling      int // per-shard depth above which urgent events are dropped
	IOWorkers        int
	CPUWorkers       int
	BatchMin         int
	BatchMax         int
	TargetThroughput int // events/s the batch controller steers toward
	PoolCapPerType   int
	Breaker          breaker.Config
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 8
	}
	if c.HighWater <= 0 {
		c.HighWater = 5000
	}
	if c.HardCeiling <= 0 {
		c.HardCeiling = 20000
	}
	if c.IOWorkers <= 0 {
		c.IOWorkers = 32
	}
	if c.CPUWorkers <= 0 {
		c.CPUWorkers = runtime.NumCPU()
	}
	if c.BatchMin <= 0 {
		c.BatchMin = 50
	}
	if c.BatchMax <= 0 {
		c.BatchMax = 1000
	}
	if c.TargetThroughput <= 0 {
		c.TargetThroughput = 10000
	}
	if c.PoolCapPerType <= 0 {
		c.PoolCapPerType = defaultPoolCap
	}
	return c
}

// Bus is the sharded priority event bus.
type Bus struct {
	cfg    Config
	logger core.ILogger

	shards  []*shard
	router  *router
	filters *filterChain
	valids  *validatorSet
	events  *eventPool
	brk     *breaker.Breaker

	ioPool  *concurrency.WorkerPool
	cpuPool *concurrency.WorkerPool

	stats *counters
	batch *batchController

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a stopped bus. Call Start before publishing.
func New(cfg Config, logger core.ILogger) *Bus {
	cfg = cfg.withDefaults()
	log := logger.WithField("component", "event_bus")

	b := &Bus{
		cfg:     cfg,
		logger:  log,
		router:  newRouter(),
		filters: newFilterChain(),
		valids:  newValidatorSet(),
		events:  newEventPool(cfg.PoolCapPerType),
		brk:     breaker.New(cfg.Breaker),
		stats:   newCounters(),
	}
	b.batch = newBatchController(cfg.BatchMin, cfg.BatchMax, cfg.TargetThroughput, b.stats)

	for i := 0; i < cfg.Shards; i++ {
		b.shards = append(b.shards, newShard(cfg.HighWater, cfg.HardCeiling))
	}

	b.brk.OnStateChange(func(s breaker.State) {
		log.Warn("Publication breaker state changed", "state", s.String())
		if m := telemetry.GetGlobalMetrics(); m.Ready() {
			m.SetBreakerState("event_bus", int64(s))
		}
	})

	b.ioPool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "eventbus-io",
		MaxWorkers:  cfg.IOWorkers,
		MaxCapacity: cfg.HardCeiling,
	}, logger)
	b.cpuPool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "eventbus-cpu",
		MaxWorkers:  cfg.CPUWorkers,
		MaxCapacity: cfg.HardCeiling,
	}, logger)

	return b
}

// Start launches the shard dispatch loops and the batch controller. Starting a
// running bus is a no-op.
func (b *Bus) Start() error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	for i, s := range b.shards {
		b.wg.Add(1)
		go b.dispatchLoop(i, s)
	}
	b.wg.Add(1)
	go b.batch.run(b.ctx, &b.wg)

	b.logger.Info("Event bus started",
		"shards", b.cfg.Shards,
		"high_water", b.cfg.HighWater,
		"hard_ceiling", b.cfg.HardCeiling,
		"io_workers", b.cfg.IOWorkers,
		"cpu_workers", b.cfg.CPUWorkers)
	return nil
}

// Stop rejects new publishes, drains what is already queued, then stops the
// worker pools. Stopping a stopped bus is a no-op.
func (b *Bus) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.ioPool.Stop()
	b.cpuPool.Stop()
	b.logger.Info("Event bus stopped")
}

// Acquire returns a reset event of the given type from the per-type pool.
// Ownership passes to the bus on a successful Publish; on a failed Publish the
// caller may Release the event itself.
func (b *Bus) Acquire(t core.EventType) *core.Event {
	return b.events.Acquire(t)
}

// Release returns an event to the pool. Only call it for events the bus does
// not own, i.e. after Publish returned false.
func (b *Bus) Release(ev *core.Event) {
	b.events.Release(ev)
}

// Subscribe registers a handler for a type pattern (literal, "*" or
// "prefix.*"). Subscribing the same handler to the same pattern twice is a
// no-op.
func (b *Bus) Subscribe(pattern string, h core.EventHandler, kind core.HandlerKind) error {
	if pattern == "" {
		return fmt.Errorf("empty subscription pattern")
	}
	if h == nil {
		return fmt.Errorf("nil handler for pattern %q", pattern)
	}
	b.router.add(pattern, h, kind)
	return nil
}

// Unsubscribe removes a handler for a pattern. Unknown pairs are ignored.
func (b *Bus) Unsubscribe(pattern string, h core.EventHandler) {
	b.router.remove(pattern, h)
}

// AddFilter appends a filter to the publication chain.
func (b *Bus) AddFilter(f FilterFunc) {
	b.filters.add(f)
}

// AddValidator registers a payload schema for an event type.
func (b *Bus) AddValidator(t core.EventType, s Schema) {
	b.valids.add(t, s)
}

// Publish runs the event through the publication gate (breaker, validation,
// filters) and enqueues it on its trace shard. It returns false when the event
// was dropped for any reason; the drop is counted by reason either way.
func (b *Bus) Publish(ev *core.Event) bool {
	if ev == nil {
		return false
	}
	if !b.running.Load() {
		b.drop(ev, DropStopped)
		return false
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if !b.brk.Allow() {
		b.drop(ev, DropBreakerOpen)
		return false
	}

	if err := b.valids.validate(ev); err != nil {
		b.brk.RecordFailure(string(ev.Type) + "/" + ev.Source)
		b.logger.Warn("Event rejected by validation",
			"type", ev.Type, "source", ev.Source, "error", err)
		b.drop(ev, DropValidation)
		return false
	}

	out := b.filters.apply(ev)
	if out == nil {
		b.drop(ev, DropFiltered)
		return false
	}

	idx := shardIndex(out, len(b.shards))
	if ok, reason := b.shards[idx].enqueue(out); !ok {
		b.drop(out, reason)
		return false
	}

	b.brk.RecordSuccess()
	b.stats.published.Add(1)
	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		m.EventsPublishedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", string(out.Type))))
	}
	return true
}

// Breaker exposes the publication breaker, mainly for health checks.
func (b *Bus) Breaker() *breaker.Breaker {
	return b.brk
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	depths := make([]int, len(b.shards))
	for i, s := range b.shards {
		depths[i] = s.depth()
	}
	return Stats{
		Published:   b.stats.published.Load(),
		Dispatched:  b.stats.dispatched.Load(),
		Dropped:     b.stats.droppedSnapshot(),
		HandlerErrs: b.stats.handlerErrs.Load(),
		QueueDepths: depths,
		BatchSize:   b.batch.size(),
		Throughput:  math.Float64frombits(b.stats.throughput.Load()),
		Latency:     b.stats.latencySnapshot(),
	}
}

func (b *Bus) drop(ev *core.Event, reason string) {
	b.stats.drop(reason)
	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		m.EventsDroppedTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("type", string(ev.Type)),
				attribute.String("reason", reason)))
	}
}

// dispatchLoop drains one shard. The ticker backstops missed notifications so
// a racing enqueue never strands an event.
func (b *Bus) dispatchLoop(idx int, s *shard) {
	defer b.wg.Done()

	name := strconv.Itoa(idx)
	buf := make([]*core.Event, 0, b.cfg.BatchMax)
	backstop := time.NewTicker(50 * time.Millisecond)
	defer backstop.Stop()

	for {
		select {
		case <-b.ctx.Done():
			b.drainAll(name, s, buf)
			return
		case <-s.notify:
		case <-backstop.C:
		}
		b.drainAll(name, s, buf)
	}
}

func (b *Bus) drainAll(name string, s *shard, buf []*core.Event) {
	for {
		buf = s.drain(b.batch.size(), buf)
		if len(buf) == 0 {
			break
		}
		for _, ev := range buf {
			b.dispatch(ev)
		}
	}
	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		m.SetQueueDepth(name, int64(s.depth()))
	}
}

// dispatch fans one event's handler set out to the worker pools and waits for
// all of them before returning, so events on the same shard never overlap.
func (b *Bus) dispatch(ev *core.Event) {
	subs := b.router.match(ev.Type)
	start := time.Now()

	var ioGroup, cpuGroup *pond.TaskGroup
	for _, sub := range subs {
		sub := sub
		run := func() { b.runHandler(sub, ev) }
		if sub.kind == core.HandlerCPU {
			if cpuGroup == nil {
				cpuGroup = b.cpuPool.Group()
			}
			cpuGroup.Submit(run)
		} else {
			if ioGroup == nil {
				ioGroup = b.ioPool.Group()
			}
			ioGroup.Submit(run)
		}
	}
	if ioGroup != nil {
		ioGroup.Wait()
	}
	if cpuGroup != nil {
		cpuGroup.Wait()
	}

	elapsed := time.Since(start)
	b.stats.dispatched.Add(1)
	b.stats.observeLatency(elapsed)
	if m := telemetry.GetGlobalMetrics(); m.Ready() {
		m.EventsDispatchedTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("type", string(ev.Type))))
		m.HandlerLatency.Record(context.Background(),
			float64(elapsed)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("type", string(ev.Type))))
	}

	b.events.Release(ev)
}

func (b *Bus) runHandler(sub *subscription, ev *core.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.stats.handlerErrs.Add(1)
			b.logger.Error("Event handler panicked",
				"type", ev.Type, "pattern", sub.pattern, "panic", r)
		}
	}()

	if err := sub.handler(ev); err != nil {
		b.stats.handlerErrs.Add(1)
		b.logger.Error("Event handler failed",
			"type", ev.Type, "pattern", sub.pattern, "error", err)
		// Error events are not re-reported to avoid handler recursion.
		if ev.Type != core.EventError {
			b.publishHandlerError(ev, err)
		}
	}
}

func (b *Bus) publishHandlerError(origin *core.Event, err error) {
	errEv := b.events.Acquire(core.EventError)
	errEv.Source = "event_bus"
	errEv.Priority = 2
	errEv.TraceID = origin.TraceID
	errEv.Payload["origin_type"] = string(origin.Type)
	errEv.Payload["origin_id"] = origin.ID
	errEv.Payload["error"] = err.Error()
	if !b.Publish(errEv) {
		b.events.Release(errEv)
	}
}
