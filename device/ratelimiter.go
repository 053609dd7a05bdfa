package device

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/time/rate"
)

// handshakeRateLimit is the single global ceiling on handshake-message
// processing (there is no per-source-IP limiter): spec.md's Testable
// Property 5 threshold of 100/sec.
const handshakeRateLimit = rate.Limit(100)
const handshakeRateBurst = 100

// cookieRefreshInterval is how often a fresh random cookie secret is
// drawn, bounding how long a leaked cookie reply stays useful to an
// attacker.
const cookieRefreshInterval = 2 * time.Minute

// rateLimiter throttles handshake-initiation/response processing with
// one device-wide token bucket (not per source IP) and decides, per
// spec.md §4.2, when a peer under load must
// be challenged with a cookie reply instead of having its handshake
// message processed.
type rateLimiter struct {
	mu sync.Mutex

	underLoad int32 // not read or written anywhere; load is judged by global alone

	global *rate.Limiter
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{global: rate.NewLimiter(handshakeRateLimit, handshakeRateBurst)}
}

// allowHandshake reports whether a handshake-initiation or -response
// message, from any source, may be processed right now without
// exceeding the global 100/sec threshold.
func (r *rateLimiter) allowHandshake() bool {
	return r.global.Allow()
}

// cookieChecker issues and verifies the mac2 cookie WireGuard uses to
// make its handshake DoS-resistant under load: mac2 proves the sender
// saw a recent cookie reply from this device, without the device
// keeping per-source state.
type cookieChecker struct {
	mu sync.RWMutex

	secret       [blake2s.Size]byte
	secretSetAt  time.Time
	previous     [blake2s.Size]byte
	havePrevious bool
}

func newCookieChecker() (*cookieChecker, error) {
	c := &cookieChecker{}
	if err := c.rotateSecret(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *cookieChecker) rotateSecret() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previous = c.secret
	c.havePrevious = true
	if _, err := rand.Read(c.secret[:]); err != nil {
		return err
	}
	c.secretSetAt = time.Now()
	return nil
}

func (c *cookieChecker) maybeRotate() {
	c.mu.RLock()
	due := time.Since(c.secretSetAt) >= cookieRefreshInterval
	c.mu.RUnlock()
	if due {
		_ = c.rotateSecret()
	}
}

// cookieFor derives the per-source cookie (a truncated MAC over the
// secret and the source address) used as the key for the mac2
// computation, per the WireGuard wire format.
func (c *cookieChecker) cookieFor(sourceAddr []byte) (cookie [16]byte, usingPrevious bool) {
	c.maybeRotate()
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, _ := blake2s.New128(c.secret[:])
	h.Write(sourceAddr)
	h.Sum(cookie[:0])
	return cookie, false
}

// verifyMAC2 checks a received mac2 against both the current and (if
// within its grace period) the previous secret, so a cookie issued just
// before a rotation doesn't spuriously fail.
func (c *cookieChecker) verifyMAC2(mac2 *[blake2s.Size128]byte, sourceAddr, dataForMAC2 []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	check := func(secret *[blake2s.Size]byte) bool {
		h, _ := blake2s.New128(secret[:])
		h.Write(sourceAddr)
		var cookie [16]byte
		h.Sum(cookie[:0])

		m, _ := blake2s.New128(cookie[:])
		m.Write(dataForMAC2)
		var want [blake2s.Size128]byte
		m.Sum(want[:0])
		return want == *mac2
	}

	if check(&c.secret) {
		return true
	}
	return c.havePrevious && check(&c.previous)
}

// encryptCookie seals the issued cookie into a cookie-reply message
// payload, keyed by the peer's mac1 as the WireGuard wire format
// requires (AEAD nonce is random, per-message).
func encryptCookie(cookie [16]byte, mac1Key *[blake2s.Size]byte) (nonce [chacha20poly1305.NonceSizeX]byte, ciphertext []byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return
	}
	aead, err := chacha20poly1305.NewX(mac1Key[:])
	if err != nil {
		return
	}
	ciphertext = aead.Seal(nil, nonce[:], cookie[:], nil)
	return
}

func decryptCookie(nonce [chacha20poly1305.NonceSizeX]byte, ciphertext []byte, mac1Key *[blake2s.Size]byte) (cookie [16]byte, err error) {
	aead, err := chacha20poly1305.NewX(mac1Key[:])
	if err != nil {
		return
	}
	plain, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return
	}
	copy(cookie[:], plain)
	return
}

// buildCookieReply assembles a type-3 cookie-reply datagram challenging
// the sender of a rate-limited handshake message, per spec.md §4.2: the
// reply echoes the sender's own index from packet and seals a fresh
// per-source cookie under the key derived from this device's own
// static public key (ownStatic), the same key the sender will later
// derive to compute mac2.
func (c *cookieChecker) buildCookieReply(ownStatic noisePublicKey, srcAddr []byte, packet []byte) ([]byte, error) {
	senderIdx := binary.LittleEndian.Uint32(packet[4:8])
	cookie, _ := c.cookieFor(srcAddr)
	cookieKey := cookieKeyFor(ownStatic)
	nonce, ciphertext, err := encryptCookie(cookie, &cookieKey)
	if err != nil {
		return nil, err
	}
	reply := make([]byte, messageCookieReplySize)
	binary.LittleEndian.PutUint32(reply[0:4], messageCookieReplyType)
	binary.LittleEndian.PutUint32(reply[4:8], senderIdx)
	copy(reply[8:32], nonce[:])
	copy(reply[32:], ciphertext)
	return reply, nil
}
