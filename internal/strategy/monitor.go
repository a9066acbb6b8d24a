package strategy

import (
	"context"
	"sync"
	"time"

	"tradecore/internal/core"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourcePolicy decides what happens when the process outgrows its host.
type ResourcePolicy string

const (
	PolicyWarn       ResourcePolicy = "warn"        // log only
	PolicyPause      ResourcePolicy = "pause"       // block new strategy loads
	PolicyStopLowest ResourcePolicy = "stop_lowest" // also stop the lowest-priority strategy
	PolicyStopAll    ResourcePolicy = "stop_all"    // also stop every running strategy
)

// ValidPolicy reports whether a policy name is known. Empty defaults to warn.
func ValidPolicy(p ResourcePolicy) bool {
	switch p {
	case "", PolicyWarn, PolicyPause, PolicyStopLowest, PolicyStopAll:
		return true
	}
	return false
}

// MonitorConfig bounds host resource usage.
type MonitorConfig struct {
	Interval time.Duration
	CPULimit float64 // percent, 0 disables
	MemLimit float64 // percent of total, 0 disables
	Policy   ResourcePolicy
}

// ResourceMonitor samples host CPU and memory and applies the configured
// policy when a limit is crossed. It latches, so a sustained overload reports
// once until usage drops back under the limit.
type ResourceMonitor struct {
	cfg      MonitorConfig
	bus      core.IEventBus
	logger   core.ILogger
	executor *Executor // optional, target of the stop policies

	mu       sync.Mutex
	breached bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResourceMonitor creates a stopped monitor.
func NewResourceMonitor(cfg MonitorConfig, bus core.IEventBus, logger core.ILogger) *ResourceMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyWarn
	}
	return &ResourceMonitor{
		cfg:    cfg,
		bus:    bus,
		logger: logger.WithField("component", "resource_monitor"),
	}
}

// Start launches the sampling loop.
func (m *ResourceMonitor) Start() {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.loop()
}

// Stop halts sampling.
func (m *ResourceMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

// SetExecutor wires the executor in so the stop policies have something to
// act on.
func (m *ResourceMonitor) SetExecutor(e *Executor) { m.executor = e }

// Breached reports whether the monitor is currently over a limit.
func (m *ResourceMonitor) Breached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breached
}

// BlocksNewLoads reports whether deploys must be refused right now. Every
// policy except warn blocks loads while a breach holds.
func (m *ResourceMonitor) BlocksNewLoads() bool {
	return m.cfg.Policy != "" && m.cfg.Policy != PolicyWarn && m.Breached()
}

func (m *ResourceMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *ResourceMonitor) sample() {
	var cpuPct, memPct float64

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}

	overCPU := m.cfg.CPULimit > 0 && cpuPct > m.cfg.CPULimit
	overMem := m.cfg.MemLimit > 0 && memPct > m.cfg.MemLimit
	over := overCPU || overMem

	m.mu.Lock()
	was := m.breached
	m.breached = over
	m.mu.Unlock()

	switch {
	case over && !was:
		m.logger.Warn("Host resource limit crossed",
			"cpu_percent", cpuPct, "mem_percent", memPct, "policy", m.cfg.Policy)
		ev := m.bus.Acquire(core.EventSystem)
		ev.Source = "resource_monitor"
		ev.Priority = 2
		ev.Payload["kind"] = "resource_breach"
		ev.Payload["policy"] = string(m.cfg.Policy)
		ev.Payload["cpu_percent"] = cpuPct
		ev.Payload["mem_percent"] = memPct
		m.bus.Publish(ev)
		m.enforce()
	case !over && was:
		m.logger.Info("Host resource usage back under limits",
			"cpu_percent", cpuPct, "mem_percent", memPct)
	}
}

// enforce applies the stop policies when a breach begins. The pause policy
// needs no action here: the executor refuses deploys while BlocksNewLoads
// holds.
func (m *ResourceMonitor) enforce() {
	if m.executor == nil {
		return
	}
	switch m.cfg.Policy {
	case PolicyStopLowest:
		if id, ok := m.executor.StopLowestPriority(); ok {
			m.logger.Warn("Lowest-priority strategy stopped to shed load", "id", id)
		}
	case PolicyStopAll:
		m.executor.StopAllRunning()
	}
}
