package eventbus

import (
	"reflect"
	"strings"
	"sync"

	"tradecore/internal/core"
)

// subscription binds one handler to one type pattern. The handler's function
// pointer doubles as its identity so repeated subscribes are no-ops.
type subscription struct {
	pattern string
	handler core.EventHandler
	kind    core.HandlerKind
	key     uintptr
}

func (s *subscription) matches(t core.EventType) bool {
	return patternMatches(s.pattern, t)
}

// patternMatches supports literal event-type names, "*" and "prefix.*".
func patternMatches(pattern string, t core.EventType) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(string(t), prefix+".")
	}
	return pattern == string(t)
}

// router holds the subscription table. Mutation is rare, matching is hot, so
// it keeps a read-write lock and small slices per pattern.
type router struct {
	mu   sync.RWMutex
	subs []*subscription
}

func newRouter() *router {
	return &router{}
}

func handlerKey(h core.EventHandler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// add registers a handler for a pattern; registering the same handler for the
// same pattern twice is a no-op.
func (r *router) add(pattern string, h core.EventHandler, kind core.HandlerKind) {
	key := handlerKey(h)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.pattern == pattern && s.key == key {
			return
		}
	}
	r.subs = append(r.subs, &subscription{pattern: pattern, handler: h, kind: kind, key: key})
}

// remove drops the handler for the pattern if present.
func (r *router) remove(pattern string, h core.EventHandler) {
	key := handlerKey(h)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.pattern == pattern && s.key == key {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// match returns the handler set for an event type.
func (r *router) match(t core.EventType) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*subscription
	for _, s := range r.subs {
		if s.matches(t) {
			out = append(out, s)
		}
	}
	return out
}
