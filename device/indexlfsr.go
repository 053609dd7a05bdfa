package device

import (
	"crypto/rand"
	"encoding/binary"
)

// indexBits is the width of the wire receiver index: 24 bits, stored
// directly (not shifted) in the low bits of the 32-bit wire field —
// the same raw value Device.indexTable is keyed by.
const indexBits = 24

// indexMax is the period of the LFSR: 2^24 - 1 non-zero states.
const indexMax = 1<<indexBits - 1

// indexTap is the XOR feedback tap applied on a 1 bit shifting out of a
// 24-bit Galois LFSR, chosen so the generator visits every non-zero
// state of the register before it repeats.
const indexTap = 0xD80000

// IndexLFSR emits a non-repeating pseudo-random sequence of 24-bit
// values by stepping a Galois LFSR and XORing the result against a
// random mask, so successive devices don't leak a predictable counter
// on the wire. Seed and mask are drawn from crypto/rand at construction.
//
// Not safe for concurrent use; callers serialize access (the device
// holds it under the same lock that guards the index table).
type IndexLFSR struct {
	state uint32 // current LFSR register, in [1, indexMax]
	mask  uint32 // XOR mask applied to the emitted value
}

// NewIndexLFSR seeds a new generator from the system CSPRNG.
func NewIndexLFSR() *IndexLFSR {
	var seedBuf [4]byte
	var maskBuf [4]byte
	_, _ = rand.Read(seedBuf[:])
	_, _ = rand.Read(maskBuf[:])

	seed := binary.LittleEndian.Uint32(seedBuf[:]) & indexMax
	if seed == 0 {
		seed = 1 // the all-zero state is a fixed point; never start there
	}
	return &IndexLFSR{
		state: seed,
		mask:  binary.LittleEndian.Uint32(maskBuf[:]) & indexMax,
	}
}

// Next steps the LFSR once and returns state^mask, a 24-bit value.
// The sequence visits all indexMax non-zero states before repeating.
func (l *IndexLFSR) Next() uint32 {
	lsb := l.state & 1
	l.state >>= 1
	if lsb == 1 {
		l.state ^= indexTap
	}
	if l.state == 0 {
		// Should not happen for a correctly chosen tap, but guard
		// against landing on the excluded fixed point from a bad seed.
		l.state = 1
	}
	return l.state ^ l.mask
}
