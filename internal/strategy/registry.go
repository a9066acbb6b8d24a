package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a strategy instance from its config.
type Factory func(cfg *InstanceConfig) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a strategy type to the registry. Built-ins register at init;
// embedding programs may add their own before the executor loads configs.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("strategy: duplicate type " + name)
	}
	registry[name] = f
}

// Build constructs a strategy from its config's type tag.
func Build(cfg *InstanceConfig) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q (known: %v)", cfg.Type, Types())
	}
	return f(cfg)
}

// Types lists registered strategy types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
