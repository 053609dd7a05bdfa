package device

import (
	"sync"
	"time"
)

// Transport message limits, from the WireGuard wire format: a session
// rejects (REJECT_AFTER_MESSAGES) before the ChaCha20-Poly1305 counter
// could repeat, independent of the time-based REJECT_AFTER_TIME.
const rejectAfterMessages = 1<<64 - (1 << 13) - 1

// replayWindowSize is the width, in bits, of the sliding anti-replay
// bitmap trailing the highest accepted counter.
const replayWindowSize = 2000

// replayFilter is a fixed-size bitmap anti-replay window keyed by
// packet counter, following the high-water-mark-plus-bitmap design
// spec.md §9 prescribes: accept if counter > high (slide the window);
// accept if within the window and the bit isn't already set.
type replayFilter struct {
	mu      sync.Mutex
	highest uint64
	window  [replayWindowSize/64 + 1]uint64
	init    bool
}

// validateCounter reports whether counter is acceptable (not a replay)
// and, if so, records it as seen.
func (f *replayFilter) validateCounter(counter uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if counter >= rejectAfterMessages {
		return false
	}

	if !f.init {
		f.init = true
		f.highest = counter
		f.setBit(counter)
		return true
	}

	if counter > f.highest {
		diff := counter - f.highest
		if diff >= replayWindowSize {
			// Slide past the whole window: clear everything.
			for i := range f.window {
				f.window[i] = 0
			}
		} else {
			f.shift(diff)
		}
		f.highest = counter
		f.setBit(counter)
		return true
	}

	// counter <= highest: must fall within the trailing window and not
	// already be marked.
	behind := f.highest - counter
	if behind >= replayWindowSize {
		return false
	}
	if f.testBit(counter) {
		return false
	}
	f.setBit(counter)
	return true
}

func (f *replayFilter) bitIndex(counter uint64) (word, bit uint64) {
	pos := counter % replayWindowSize
	return pos / 64, pos % 64
}

func (f *replayFilter) setBit(counter uint64) {
	w, b := f.bitIndex(counter)
	f.window[w] |= 1 << b
}

func (f *replayFilter) testBit(counter uint64) bool {
	w, b := f.bitIndex(counter)
	return f.window[w]&(1<<b) != 0
}

// shift clears the bits for the n highest positions that are about to
// leave the trailing window as the high-water mark advances by n.
func (f *replayFilter) shift(n uint64) {
	// Clear each slot about to re-enter scope as the window slides
	// forward, so stale "seen" bits from several wraps ago don't cause
	// false duplicate-counter rejections.
	for i := uint64(1); i <= n && i <= replayWindowSize; i++ {
		w, b := f.bitIndex(f.highest + i)
		f.window[w] &^= 1 << b
	}
}

// symmetricSession is one half-duplex or full-duplex keypair produced by
// a completed handshake: the send/receive ChaCha20-Poly1305 keys, their
// wire indices, and (for the receive side) the anti-replay filter.
type symmetricSession struct {
	sendKey    noiseSymmetricKey
	sendNonce  uint64 // next counter to assign; atomic via mu
	recvKey    noiseSymmetricKey
	localIndex uint32 // our receiver index, i.e. the key into Device's index table
	peerIndex  uint32 // peer's receiver index, placed in our outgoing packets

	isInitiator bool
	established time.Time
	lastUsed    time.Time

	replay replayFilter

	mu sync.Mutex
}

// sessionRingSize is the exact constant from spec.md §3: up to 4
// concurrent sessions per peer (current + a few outgoing).
const sessionRingSize = 4

// sessionRing holds up to sessionRingSize sessions for smooth rekeying.
// Exactly one slot may be "current"; expired/superseded slots are
// cleared but the array itself is reused, avoiding churn.
type sessionRing struct {
	sessions [sessionRingSize]*symmetricSession
	current  int // index into sessions of the current (most recent complete) session
}

// insert installs a freshly-established session as current, retiring
// the oldest slot if the ring is full.
func (r *sessionRing) insert(s *symmetricSession) {
	next := (r.current + 1) % sessionRingSize
	r.sessions[next] = s
	r.current = next
}

func (r *sessionRing) currentSession() *symmetricSession {
	return r.sessions[r.current]
}

// findByLocalIndex returns the session whose local receiver index
// matches idx, used to demultiplex inbound data/handshake-response
// packets to the right symmetric keys.
func (r *sessionRing) findByLocalIndex(idx uint32) *symmetricSession {
	for _, s := range r.sessions {
		if s != nil && s.localIndex == idx {
			return s
		}
	}
	return nil
}

// expireOlderThan clears every session established before the cutoff,
// per the REJECT_AFTER_TIME timer rule (spec.md §4.5 step 3).
func (r *sessionRing) expireOlderThan(cutoff time.Time) {
	for i, s := range r.sessions {
		if s != nil && s.established.Before(cutoff) {
			r.sessions[i] = nil
		}
	}
}

// clearAll drops every session in the ring (timer rule step 6/7).
func (r *sessionRing) clearAll() {
	for i := range r.sessions {
		r.sessions[i] = nil
	}
}
