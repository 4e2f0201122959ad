package protocol

import (
	"math/rand/v2"
	"sync/atomic"
)

// Sequence is a monotonic counter owned by one engine instance. It backs
// packet sequence numbers and file IDs.
type Sequence struct {
	val atomic.Uint64
}

// NewSequence returns a counter whose first Next() is start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.val.Store(start)
	return s
}

// NewRandomSequence seeds the counter pseudo-randomly so that packets from
// a restarted process do not collide with confirmations still in flight.
func NewRandomSequence() *Sequence {
	return NewSequence(uint64(rand.Uint32()))
}

// Next returns the next value.
func (s *Sequence) Next() uint64 {
	return s.val.Add(1)
}
