package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"tradecore/internal/core"
	"tradecore/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instance run states.
const (
	StateCreated int32 = iota
	StateRunning
	StateStopped
	StateErrored
)

// defaultMaxErrors is how many recovered panics stop an instance.
const defaultMaxErrors = 5

// Instance wraps one strategy with isolation: a per-instance mutex serializes
// callbacks, panics are recovered and counted, and an instance that keeps
// failing is stopped without touching its siblings.
type Instance struct {
	cfg    *InstanceConfig
	strat  Strategy
	logger core.ILogger

	mu        sync.Mutex // serializes strategy callbacks
	state     atomic.Int32
	errCount  atomic.Int32
	maxErrors int32

	symbols map[string]struct{}
}

func newInstance(cfg *InstanceConfig, strat Strategy, logger core.ILogger) *Instance {
	symbols := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = struct{}{}
	}
	return &Instance{
		cfg:       cfg,
		strat:     strat,
		logger:    logger.WithField("strategy", cfg.ID),
		maxErrors: defaultMaxErrors,
		symbols:   symbols,
	}
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.cfg.ID }

// Version returns the config version (bumped on hot reload).
func (i *Instance) Version() int { return i.cfg.Version }

// Priority orders instances for the stop-lowest resource policy. Defaults to
// zero when the config carries no priority param.
func (i *Instance) Priority() int { return i.cfg.ParamInt("priority", 0) }

// State returns the current run state.
func (i *Instance) State() int32 { return i.state.Load() }

// wantsSymbol reports whether the instance subscribed to the symbol. An empty
// symbol set means everything.
func (i *Instance) wantsSymbol(symbol string) bool {
	if len(i.symbols) == 0 {
		return true
	}
	_, ok := i.symbols[symbol]
	return ok
}

func (i *Instance) init(ctx context.Context, env *Environment) error {
	if err := i.strat.Init(ctx, i.cfg, env); err != nil {
		i.state.Store(StateErrored)
		return fmt.Errorf("init strategy %s: %w", i.cfg.ID, err)
	}
	return nil
}

// start moves a created or stopped instance into the running state so it
// receives callbacks again.
func (i *Instance) start() {
	i.state.CompareAndSwap(StateCreated, StateRunning)
	i.state.CompareAndSwap(StateStopped, StateRunning)
}

func (i *Instance) stop() {
	if i.state.Swap(StateStopped) == StateStopped {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.strat.Stop()
}

// invoke runs one callback under the instance mutex with panic recovery.
// Crossing the error budget stops the instance.
func (i *Instance) invoke(name string, fn func()) {
	if i.state.Load() != StateRunning {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			count := i.errCount.Add(1)
			i.logger.Error("Strategy callback panicked",
				"callback", name, "panic", r, "error_count", count)
			if mh := telemetry.GetGlobalMetrics(); mh.Ready() {
				mh.StrategyErrorsTotal.Add(context.Background(), 1,
					metric.WithAttributes(attribute.String("strategy", i.cfg.ID)))
			}
			if count >= i.maxErrors {
				i.state.Store(StateErrored)
				i.logger.Error("Strategy stopped after repeated failures",
					"error_count", count)
				i.strat.Stop()
			}
		}
	}()

	fn()
}
