package progress

import "sync"

// Merge reconciles the local optimistic record with a record read from or
// returned by the server. The newer UpdatedAt wins; completion never
// regresses once either side has it.
func Merge(local, server *Record) *Record {
	switch {
	case local == nil && server == nil:
		return nil
	case local == nil:
		out := *server
		return &out
	case server == nil:
		out := *local
		return &out
	}

	out := *local
	if server.UpdatedAt.After(local.UpdatedAt) {
		out = *server
	}
	out.Completed = local.Completed || server.Completed
	if out.Duration == 0 {
		out.Duration = max(local.Duration, server.Duration)
	}
	return &out
}

// Optimistic holds a value updated ahead of server confirmation. Apply keeps
// a snapshot of the previous value so a rejected update can be rolled back
// verbatim.
type Optimistic[T any] struct {
	mu       sync.Mutex
	value    T
	snapshot T
	pending  bool
}

func NewOptimistic[T any](initial T) *Optimistic[T] {
	return &Optimistic[T]{value: initial}
}

func (o *Optimistic[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// Apply replaces the value and remembers the previous one until the update
// is confirmed or rolled back.
func (o *Optimistic[T]) Apply(next T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.pending {
		o.snapshot = o.value
		o.pending = true
	}
	o.value = next
}

// Confirm accepts the server's authoritative value.
func (o *Optimistic[T]) Confirm(server T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = server
	o.pending = false
}

// Keep ends the pending update without a server value, retaining the
// optimistic one.
func (o *Optimistic[T]) Keep() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = false
}

// Rollback restores the value seen before the first unconfirmed Apply.
func (o *Optimistic[T]) Rollback() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending {
		o.value = o.snapshot
		o.pending = false
	}
}
