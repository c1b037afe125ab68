package action

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Registry maps action types to their executors.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu        sync.RWMutex
	executors map[rule.ActionType]Executor
}

// NewRegistry creates a Registry holding execs.
func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{executors: make(map[rule.ActionType]Executor)}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

// Register adds an executor. Panics on duplicate type to surface misconfiguration early.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.Type()]; exists {
		panic(fmt.Sprintf("action registry: duplicate type %q", e.Type()))
	}
	r.executors[e.Type()] = e
}

// Get returns the executor for the given type.
func (r *Registry) Get(t rule.ActionType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("no executor registered for action type %q", t)
	}
	return e, nil
}

// Types returns all registered action types, sorted.
func (r *Registry) Types() []rule.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]rule.ActionType, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
