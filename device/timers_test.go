package device

import (
	"testing"
	"time"
)

func TestTimers_LatchedExpiredIsSticky(t *testing.T) {
	var tm timers
	tm.expired = true
	var ring sessionRing
	action, err := tm.tick(time.Now(), &ring, false, 0, func() {})
	if err != ErrConnectionExpired {
		t.Fatalf("err = %v, want ErrConnectionExpired", err)
	}
	if action != timerActionNone {
		t.Fatalf("action = %v, want none", action)
	}
}

func TestTimers_InitiationRetransmitsAfterTimeout(t *testing.T) {
	var tm timers
	now := time.Now()
	tm.beganHandshakeAttempt(now.Add(-rekeyTimeout - time.Second))
	var ring sessionRing
	action, err := tm.tick(now, &ring, false, 0, func() {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != timerActionSendHandshakeInitiation {
		t.Fatalf("action = %v, want send-handshake-initiation", action)
	}
}

func TestTimers_InitiationGivesUpAfterRekeyAttempt(t *testing.T) {
	var tm timers
	now := time.Now()
	tm.beganHandshakeAttempt(now.Add(-rekeyAttempt - time.Second))
	tm.retransmittedInitiation(now.Add(-rekeyAttempt - time.Second))
	var ring sessionRing
	_, err := tm.tick(now, &ring, false, 0, func() {})
	if err != ErrConnectionExpired {
		t.Fatalf("err = %v, want ErrConnectionExpired once REKEY_ATTEMPT elapses with no persistent keepalive", err)
	}
}

func TestTimers_PersistentKeepaliveInsteadOfExpiring(t *testing.T) {
	var tm timers
	tm.persistentKeepaliveInterval = 25 * time.Second
	now := time.Now()
	tm.beganHandshakeAttempt(now.Add(-rekeyAttempt - time.Second))
	tm.retransmittedInitiation(now.Add(-rekeyAttempt - time.Second))
	var ring sessionRing
	action, err := tm.tick(now, &ring, false, 0, func() {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != timerActionSendHandshakeInitiation {
		t.Fatalf("action = %v, want a fresh handshake initiation instead of expiring", action)
	}
}

func TestTimers_StaleCookieCleared(t *testing.T) {
	var tm timers
	cleared := false
	var ring sessionRing
	_, err := tm.tick(time.Now(), &ring, true, cookieExpiry+time.Second, func() { cleared = true })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cleared {
		t.Fatal("stale cookie should have been cleared")
	}
}

func TestTimers_KeepaliveSentWhenDataReceivedUnanswered(t *testing.T) {
	var tm timers
	now := time.Now()
	tm.dataReceived(now.Add(-keepalive - time.Second))
	var ring sessionRing
	action, err := tm.tick(now, &ring, false, 0, func() {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != timerActionSendKeepalive {
		t.Fatalf("action = %v, want send-keepalive", action)
	}
}

func TestTimers_ResetPreservesPersistentKeepaliveInterval(t *testing.T) {
	var tm timers
	tm.persistentKeepaliveInterval = 30 * time.Second
	tm.expired = true
	tm.reset()
	if tm.expired {
		t.Fatal("reset should clear the latched expired flag")
	}
	if tm.persistentKeepaliveInterval != 30*time.Second {
		t.Fatal("reset should preserve the configured persistent keepalive interval")
	}
}
