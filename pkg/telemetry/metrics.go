package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricEventsPublishedTotal  = "tradecore_events_published_total"
	MetricEventsDroppedTotal    = "tradecore_events_dropped_total"
	MetricEventsDispatchedTotal = "tradecore_events_dispatched_total"
	MetricEventQueueDepth       = "tradecore_event_queue_depth"
	MetricHandlerLatency        = "tradecore_handler_latency_ms"
	MetricEventPoolSize         = "tradecore_event_pool_size"
	MetricOrdersPlacedTotal     = "tradecore_orders_placed_total"
	MetricOrdersFilledTotal     = "tradecore_orders_filled_total"
	MetricOrdersCancelledTotal  = "tradecore_orders_cancelled_total"
	MetricOrdersRejectedTotal   = "tradecore_orders_rejected_total"
	MetricCircuitBreakerState   = "tradecore_circuit_breaker_state"
	MetricRiskRuleTriggersTotal = "tradecore_risk_rule_triggers_total"
	MetricStrategyErrorsTotal   = "tradecore_strategy_errors_total"
)

// MetricsHolder holds initialized instruments plus the state backing the
// observable gauges.
type MetricsHolder struct {
	EventsPublishedTotal  metric.Int64Counter
	EventsDroppedTotal    metric.Int64Counter
	EventsDispatchedTotal metric.Int64Counter
	EventQueueDepth       metric.Int64ObservableGauge
	HandlerLatency        metric.Float64Histogram
	EventPoolSize         metric.Int64ObservableGauge
	OrdersPlacedTotal     metric.Int64Counter
	OrdersFilledTotal     metric.Int64Counter
	OrdersCancelledTotal  metric.Int64Counter
	OrdersRejectedTotal   metric.Int64Counter
	CircuitBreakerState   metric.Int64ObservableGauge
	RiskRuleTriggersTotal metric.Int64Counter
	StrategyErrorsTotal   metric.Int64Counter

	mu            sync.RWMutex
	queueDepthMap map[string]int64 // shard -> depth
	poolSizeMap   map[string]int64 // event type -> pooled count
	breakerMap    map[string]int64 // breaker name -> 0 closed, 1 open, 2 half-open
	initialized   bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			queueDepthMap: make(map[string]int64),
			poolSizeMap:   make(map[string]int64),
			breakerMap:    make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments on the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.EventsPublishedTotal, err = meter.Int64Counter(MetricEventsPublishedTotal,
		metric.WithDescription("Events admitted by the bus")); err != nil {
		return err
	}
	if m.EventsDroppedTotal, err = meter.Int64Counter(MetricEventsDroppedTotal,
		metric.WithDescription("Events dropped, labeled by reason")); err != nil {
		return err
	}
	if m.EventsDispatchedTotal, err = meter.Int64Counter(MetricEventsDispatchedTotal,
		metric.WithDescription("Events fully dispatched to handlers")); err != nil {
		return err
	}
	if m.HandlerLatency, err = meter.Float64Histogram(MetricHandlerLatency,
		metric.WithDescription("Per-event handler dispatch latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Orders submitted to the broker")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Orders fully filled")); err != nil {
		return err
	}
	if m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal,
		metric.WithDescription("Orders cancelled")); err != nil {
		return err
	}
	if m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal,
		metric.WithDescription("Orders rejected, labeled by reason")); err != nil {
		return err
	}
	if m.RiskRuleTriggersTotal, err = meter.Int64Counter(MetricRiskRuleTriggersTotal,
		metric.WithDescription("Risk rule triggers, labeled by rule id")); err != nil {
		return err
	}
	if m.StrategyErrorsTotal, err = meter.Int64Counter(MetricStrategyErrorsTotal,
		metric.WithDescription("Strategy callback errors, labeled by strategy id")); err != nil {
		return err
	}

	if m.EventQueueDepth, err = meter.Int64ObservableGauge(MetricEventQueueDepth,
		metric.WithDescription("Current per-shard queue depth"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for shard, depth := range m.queueDepthMap {
				obs.Observe(depth, metric.WithAttributes(attribute.String("shard", shard)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.EventPoolSize, err = meter.Int64ObservableGauge(MetricEventPoolSize,
		metric.WithDescription("Pooled events per type"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for typ, n := range m.poolSizeMap {
				obs.Observe(n, metric.WithAttributes(attribute.String("type", typ)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.CircuitBreakerState, err = meter.Int64ObservableGauge(MetricCircuitBreakerState,
		metric.WithDescription("Breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, state := range m.breakerMap {
				obs.Observe(state, metric.WithAttributes(attribute.String("breaker", name)))
			}
			return nil
		})); err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Ready reports whether InitMetrics has run. Counter adds before init are
// dropped by callers checking this.
func (m *MetricsHolder) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

func (m *MetricsHolder) SetQueueDepth(shard string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[shard] = depth
}

func (m *MetricsHolder) SetPoolSize(eventType string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolSizeMap[eventType] = n
}

// SetBreakerState records a breaker's state: 0 closed, 1 open, 2 half-open.
func (m *MetricsHolder) SetBreakerState(name string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerMap[name] = state
}
