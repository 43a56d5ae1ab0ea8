package daq

import (
	"github.com/sdrkit/quadriga/core"
)

// Ring is the fixed-capacity circular buffer bank of one channel. The
// producer writes slot blocksProduced mod depth, the aligner reads
// slot emitIndex mod depth. There is no per-slot locking: the aligner
// keeping within depth-1 blocks of the producer is a precondition, and
// a read of an in-flight slot may yield corrupt payload bytes but
// never corrupt indices.
type Ring struct {
	slots [core.RingDepth][]byte
}

// NewRing allocates a ring of core.RingDepth slots of slotSize bytes.
func NewRing(slotSize int) *Ring {
	result := new(Ring)
	for i := range result.slots {
		result.slots[i] = make([]byte, slotSize)
	}
	return result
}

// Slot returns the buffer for the given block index.
func (r *Ring) Slot(index uint64) []byte {
	return r.slots[index%core.RingDepth]
}
