// Package pool provides the fixed-capacity session slot arena.
//
// Slots are addressed by stable indices. Each slot is in exactly one of
// three sets: free, allocated or unusable. Allocation pops the most
// recently released slot so a hot slot is reused first.
package pool

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPoolExhausted = errors.New("pool: no free slot")
	ErrNotAllocated  = errors.New("pool: slot not allocated")
)

// Membership is the set a slot currently belongs to.
type Membership uint8

const (
	Free Membership = iota
	Allocated
	Unusable
)

func (m Membership) String() string {
	switch m {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case Unusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// Pool is an arena of n records of type T.
type Pool[T any] struct {
	mu        sync.Mutex
	slots     []T
	state     []Membership
	free      []int // stack, top at the end
	allocated int
}

// New creates a pool with n free slots.
func New[T any](n int) *Pool[T] {
	p := &Pool[T]{
		slots: make([]T, n),
		state: make([]Membership, n),
		free:  make([]int, 0, n),
	}
	// lowest index on top of the stack
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

// Allocate moves a slot from the free set to the allocated set.
func (p *Pool[T]) Allocate() (int, *T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return -1, nil, ErrPoolExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.state[idx] = Allocated
	p.allocated++
	return idx, &p.slots[idx], nil
}

// Release returns an allocated slot to the free set. The record is
// zeroed so the next owner starts from a clean state.
func (p *Pool[T]) Release(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= len(p.slots) || p.state[idx] != Allocated {
		return fmt.Errorf("release slot %d: %w", idx, ErrNotAllocated)
	}
	var zero T
	p.slots[idx] = zero
	p.state[idx] = Free
	p.free = append(p.free, idx)
	p.allocated--
	return nil
}

// MarkUnusable takes a free slot out of circulation.
func (p *Pool[T]) MarkUnusable(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= len(p.slots) {
		return fmt.Errorf("slot %d out of range", idx)
	}
	if p.state[idx] != Free {
		return fmt.Errorf("slot %d is %s", idx, p.state[idx])
	}
	for i, f := range p.free {
		if f == idx {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	p.state[idx] = Unusable
	return nil
}

// Get returns the record at idx if it is allocated.
func (p *Pool[T]) Get(idx int) (*T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= len(p.slots) || p.state[idx] != Allocated {
		return nil, false
	}
	return &p.slots[idx], true
}

// State returns the membership of slot idx.
func (p *Pool[T]) State(idx int) Membership {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state[idx]
}

// Each calls fn for every allocated slot in index order. fn must not
// allocate or release.
func (p *Pool[T]) Each(fn func(idx int, rec *T)) {
	p.mu.Lock()
	idxs := make([]int, 0, p.allocated)
	for i, s := range p.state {
		if s == Allocated {
			idxs = append(idxs, i)
		}
	}
	p.mu.Unlock()

	for _, i := range idxs {
		fn(i, &p.slots[i])
	}
}

// Stats holds pool occupancy.
type Stats struct {
	Capacity  int
	Free      int
	Allocated int
	Unusable  int
}

// Stats returns current occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:  len(p.slots),
		Free:      len(p.free),
		Allocated: p.allocated,
		Unusable:  len(p.slots) - len(p.free) - p.allocated,
	}
}

// Cap returns the number of slots.
func (p *Pool[T]) Cap() int { return len(p.slots) }
