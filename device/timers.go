package device

import "time"

// Timer constants, in seconds per spec.md §4.5, as time.Duration.
const (
	rekeyAfter   = 120 * time.Second
	rejectAfter  = 180 * time.Second
	rekeyAttempt = 90 * time.Second
	rekeyTimeout = 5 * time.Second
	keepalive    = 10 * time.Second
	cookieExpiry = 120 * time.Second
)

// timerAction is the outcome of one Timers.tick call: at most one of
// "send a handshake initiation" or "send an empty keepalive data
// packet" is asked for, or the tunnel is reported expired.
type timerAction int

const (
	timerActionNone timerAction = iota
	timerActionSendHandshakeInitiation
	timerActionSendKeepalive
)

// timers is the per-Tunn timer bank described in spec.md §4.5. It is
// ticked every 250ms by the device's periodic event and never ticked
// concurrently with itself (that single periodic goroutine is its only
// caller; it takes no lock of its own).
type timers struct {
	expired bool // latched once marked by step 6/7's "else" branch

	handshakeAttemptStartedAt time.Time // zero => no initiation currently in flight
	lastInitiationSentAt      time.Time

	lastDataSent     time.Time
	lastDataReceived time.Time

	wantKeepalive bool // set by the caller when a data packet arrived unanswered

	persistentKeepaliveInterval time.Duration
	lastPersistentKeepalive     time.Time
	everHandshaked              bool
}

// beganHandshakeAttempt records that a fresh handshake-initiation
// sequence (as opposed to a retransmit) is starting now.
func (t *timers) beganHandshakeAttempt(now time.Time) {
	t.handshakeAttemptStartedAt = now
	t.lastInitiationSentAt = now
}

// retransmittedInitiation records a retry of the in-flight initiation
// without resetting the REKEY_ATTEMPT deadline.
func (t *timers) retransmittedInitiation(now time.Time) {
	t.lastInitiationSentAt = now
}

// handshakeCompleted clears the in-flight initiation bookkeeping and any
// latched expiration once a handshake completes on either side.
func (t *timers) handshakeCompleted() {
	t.handshakeAttemptStartedAt = time.Time{}
	t.everHandshaked = true
	t.expired = false
}

// dataSent / dataReceived record authenticated traffic timestamps the
// tick logic uses to decide on rekeys and keepalives.
func (t *timers) dataSent(now time.Time)     { t.lastDataSent = now }
func (t *timers) dataReceived(now time.Time) { t.lastDataReceived = now; t.wantKeepalive = true }

// tick runs one 250ms step of the timer discipline described in
// spec.md §4.5, steps 3-9. ring is mutated in place (sessions expired
// or cleared); cookieAge/clearCookie let the caller manage the
// rate-limiter's cookie state without this package depending on it.
func (t *timers) tick(now time.Time, ring *sessionRing, cookiePresent bool, cookieAge time.Duration, clearCookie func()) (timerAction, error) {
	// Step 3: expire sessions older than REJECT_AFTER.
	ring.expireOlderThan(now.Add(-rejectAfter))

	// Step 4: a previously-latched expiration is sticky until a fresh
	// handshake completes (handshakeCompleted) or reset is called.
	if t.expired {
		return timerActionNone, ErrConnectionExpired
	}

	// Step 5: drop a stale cookie.
	if cookiePresent && cookieAge >= cookieExpiry {
		clearCookie()
	}

	cur := ring.currentSession()

	// Step 6: a current session that has lived 3x REJECT_AFTER without
	// being refreshed is torn down outright.
	if cur != nil && now.Sub(cur.established) >= 3*rejectAfter {
		ring.clearAll()
		cur = nil
		if t.persistentKeepaliveInterval > 0 {
			return t.startOrRetransmit(now), nil
		}
		t.expired = true
		return timerActionNone, ErrConnectionExpired
	}

	// Step 7: a handshake initiation is already in flight.
	if !t.handshakeAttemptStartedAt.IsZero() {
		if now.Sub(t.handshakeAttemptStartedAt) >= rekeyAttempt {
			ring.clearAll()
			t.handshakeAttemptStartedAt = time.Time{}
			if t.persistentKeepaliveInterval > 0 {
				return t.startOrRetransmit(now), nil
			}
			t.expired = true
			return timerActionNone, ErrConnectionExpired
		}
		if now.Sub(t.lastInitiationSentAt) >= rekeyTimeout {
			t.retransmittedInitiation(now)
			return timerActionSendHandshakeInitiation, nil
		}
		return timerActionNone, nil
	}

	// Step 8: no initiation in flight; decide whether one, or a
	// keepalive, is due.
	needHandshake := false
	if cur != nil && cur.isInitiator {
		if t.lastDataSent.After(cur.established) && now.Sub(cur.established) >= rekeyAfter {
			needHandshake = true
		}
		if t.lastDataReceived.After(cur.established) && now.Sub(cur.established) >= rejectAfter-keepalive-rekeyTimeout {
			needHandshake = true
		}
	}
	if !t.lastDataSent.IsZero() && t.lastDataReceived.Before(t.lastDataSent) &&
		now.Sub(t.lastDataSent) >= keepalive+rekeyTimeout {
		needHandshake = true
	}

	if needHandshake {
		return t.startOrRetransmit(now), nil
	}

	if t.wantKeepalive && !t.lastDataReceived.IsZero() && now.Sub(t.lastDataReceived) >= keepalive {
		t.wantKeepalive = false
		return timerActionSendKeepalive, nil
	}

	// Step 9 (persistent keepalive clause, evaluated alongside step 8).
	if t.persistentKeepaliveInterval > 0 {
		if !t.everHandshaked || now.Sub(t.lastPersistentKeepalive) >= t.persistentKeepaliveInterval {
			t.lastPersistentKeepalive = now
			return timerActionSendKeepalive, nil
		}
	}

	return timerActionNone, nil
}

func (t *timers) startOrRetransmit(now time.Time) timerAction {
	if t.handshakeAttemptStartedAt.IsZero() {
		t.beganHandshakeAttempt(now)
	} else {
		t.retransmittedInitiation(now)
	}
	return timerActionSendHandshakeInitiation
}

// reset clears all timer state except the persistent-keepalive interval,
// giving a clean slate rather than a latched expiration. Only tests call
// it; reconfiguring a peer does not.
func (t *timers) reset() {
	*t = timers{persistentKeepaliveInterval: t.persistentKeepaliveInterval}
}
