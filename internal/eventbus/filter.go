package eventbus

import (
	"fmt"
	"sync"

	"tradecore/internal/core"
)

// FilterFunc inspects an event before enqueue. It returns the event unchanged,
// a transformed copy, or nil to drop it.
type FilterFunc func(ev *core.Event) *core.Event

// Schema declares the payload keys an event type must carry to pass
// validation.
type Schema struct {
	Required []string
}

// validatorSet holds per-type schemas.
type validatorSet struct {
	mu      sync.RWMutex
	schemas map[core.EventType]Schema
}

func newValidatorSet() *validatorSet {
	return &validatorSet{schemas: make(map[core.EventType]Schema)}
}

func (v *validatorSet) add(t core.EventType, s Schema) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[t] = s
}

// validate checks basic event shape plus the registered schema, if any.
func (v *validatorSet) validate(ev *core.Event) error {
	if ev.Type == "" {
		return fmt.Errorf("event has no type")
	}
	if ev.Priority < core.PriorityHighest || ev.Priority > core.PriorityLowest {
		return fmt.Errorf("priority %d out of range", ev.Priority)
	}

	v.mu.RLock()
	schema, ok := v.schemas[ev.Type]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	for _, key := range schema.Required {
		if _, present := ev.Payload[key]; !present {
			return fmt.Errorf("payload missing required key %q", key)
		}
	}
	return nil
}

// filterChain is an ordered chain of filters applied after validation.
type filterChain struct {
	mu      sync.RWMutex
	filters []FilterFunc
}

func newFilterChain() *filterChain {
	return &filterChain{}
}

func (c *filterChain) add(f FilterFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, f)
}

// apply runs the chain in registration order. A nil return from any filter
// drops the event.
func (c *filterChain) apply(ev *core.Event) *core.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, f := range c.filters {
		ev = f(ev)
		if ev == nil {
			return nil
		}
	}
	return ev
}
