// Package memory provides the per-shard object arena and epoch-based
// reclamation used by the order book for O(1) cancel (spec.md §4.2,
// Design Notes: "Cyclic ownership between order and book"). Grounded on
// the teacher's infra/memory package, generalized from a single pool
// shared by one book to an arena a shard hands to every market it owns.
package memory

import "sync"

// Pool is a typed object pool backed by sync.Pool. A shard keeps exactly
// one Pool[types.Order] and every market's price levels reference slots
// out of it — never new(Order) on the hot path.
type Pool[T any] struct {
	p *sync.Pool
}

func NewPool[T any](ctor func() *T) *Pool[T] {
	return &Pool[T]{p: &sync.Pool{New: func() any { return ctor() }}}
}

func (p *Pool[T]) Get() *T { return p.p.Get().(*T) }

func (p *Pool[T]) Put(v *T) { p.p.Put(v) }

// PutAny adapts Pool[T] to ReclaimablePool so the epoch reclaimer can
// stay generic over the retired object's concrete type.
func (p *Pool[T]) PutAny(v any) {
	obj, ok := v.(*T)
	if !ok {
		panic("memory.Pool: PutAny received wrong type")
	}
	p.Put(obj)
}
