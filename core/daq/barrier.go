package daq

import (
	"sync"
)

// barrier is a cyclic rendezvous for the device producers: Await
// blocks until all parties have arrived, then releases them together.
// It is reusable, since producers re-enter it after an async-read
// cancel, and breakable, so shutdown never leaves a producer parked.
type barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	arrived    int
	generation uint64
	broken     bool
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Await blocks until all parties have arrived or the barrier is
// broken. It reports whether the rendezvous completed.
func (b *barrier) Await() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.broken {
		return false
	}
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return true
	}
	generation := b.generation
	for generation == b.generation && !b.broken {
		b.cond.Wait()
	}
	return !b.broken
}

// Break releases all current and future waiters with a failed
// rendezvous.
func (b *barrier) Break() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken = true
	b.cond.Broadcast()
}
