package device

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// Message type byte values, per the WireGuard wire format. Each message
// begins with this value in a little-endian uint32 whose upper three
// bytes are reserved and always zero.
const (
	messageInitiationType   = 1
	messageResponseType     = 2
	messageCookieReplyType  = 3
	messageTransportType    = 4
	messageInitiationSize   = 148
	messageResponseSize     = 92
	messageCookieReplySize  = 64
	messageTransportHeader  = 16
	messageMinTransportSize = messageTransportHeader + chacha20poly1305.Overhead
)

func messageType(packet []byte) (byte, bool) {
	if len(packet) < 4 {
		return 0, false
	}
	return packet[0], binary.LittleEndian.Uint32(packet[0:4])>>8 == 0
}

// receiverIndexFromData extracts the receiver index from the 32-bit
// field at packet[4:8], present at that offset in both cookie-reply
// and transport messages.
func receiverIndexFromData(packet []byte) uint32 {
	return binary.LittleEndian.Uint32(packet[4:8])
}

// resultKind enumerates the possible outcomes of handleVerifiedPacket /
// decapsulate / encapsulateInPlace / updateTimers, mirroring the
// Done/Err/WriteToNetwork/WriteToTunnel sum type spec.md §4.3 describes.
type resultKind int

const (
	resultDone resultKind = iota
	resultErr
	resultWriteToNetwork
	resultWriteToTunnel
)

// tunnResult is the outcome of a Tunn operation.
type tunnResult struct {
	Kind    resultKind
	Err     error
	Packet  []byte
	SrcAddr netip.Addr // set only for WriteToTunnel
}

func doneResult() tunnResult              { return tunnResult{Kind: resultDone} }
func errResult(err error) tunnResult      { return tunnResult{Kind: resultErr, Err: err} }
func networkResult(p []byte) tunnResult   { return tunnResult{Kind: resultWriteToNetwork, Packet: p} }
func tunnelResult(p []byte, src netip.Addr) tunnResult {
	return tunnResult{Kind: resultWriteToTunnel, Packet: p, SrcAddr: src}
}

// indexAllocator is how a Tunn obtains and releases the 24-bit local
// receiver indices it needs for each session, delegated to the owning
// Device's shared index table so indices never collide across peers.
type indexAllocator interface {
	newIndex(owner *Tunn) (uint32, error)
	releaseIndex(idx uint32)
	lookupIndex(idx uint32) *Tunn
}

// Stats is the snapshot returned by Tunn.stats(), matching the
// nanosecond-resolution last-handshake timestamp NeptTUN exposes (see
// SPEC_FULL.md §10).
type Stats struct {
	TxBytes       uint64
	RxBytes       uint64
	LastHandshake *time.Time
}

// Tunn is one peer's Noise IKpsk2 session/handshake state machine: the
// static keys, the in-progress or completed handshake, the session
// ring, and the timer bank driving rekeys and keepalives.
type Tunn struct {
	localStaticPriv noisePrivateKey
	localStaticPub  noisePublicKey

	remoteStaticPub noisePublicKey
	staticStaticSS  [noisePublicKeySize]byte // precomputed DH(local priv, remote pub)

	presharedKey noisePresharedKey

	handshake handshakeState
	sessions  sessionRing
	tm        timers

	cookie          [16]byte
	haveCookie      bool
	cookieIssuedAt  time.Time
	lastMAC1        [blake2s.Size128]byte
	haveLastMAC1    bool

	txBytes uint64
	rxBytes uint64

	// queuedTx holds the most recent plaintext encapsulateInPlace was
	// asked to send while no session was ready, so it can be flushed by
	// decapsulate(nil) once the handshake completes.
	queuedTxMu sync.Mutex
	queuedTx   []byte

	index indexAllocator

	// ownerPeer back-references the Peer wrapping this Tunn, set once by
	// NewPeer, so the device's index table (keyed by *Tunn) can recover
	// the Peer for allowed-IP/firewall checks without a second map.
	ownerPeer *Peer
}

// NewTunn constructs a Tunn for one peer. presharedKey may be the zero
// key (meaning "none configured").
func NewTunn(localPriv noisePrivateKey, remoteStatic noisePublicKey, presharedKey noisePresharedKey, persistentKeepalive time.Duration, idx indexAllocator) (*Tunn, error) {
	ss, err := localPriv.sharedSecret(remoteStatic)
	if err != nil {
		return nil, fmt.Errorf("device: peer static key rejected: %w", err)
	}
	t := &Tunn{
		localStaticPriv: localPriv,
		localStaticPub:  localPriv.publicKey(),
		remoteStaticPub: remoteStatic,
		staticStaticSS:  ss,
		presharedKey:    presharedKey,
		index:           idx,
	}
	t.tm.persistentKeepaliveInterval = persistentKeepalive
	return t, nil
}

func (t *Tunn) peerStaticPublic() noisePublicKey { return t.remoteStaticPub }

func (t *Tunn) setPersistentKeepalive(d time.Duration) {
	t.tm.persistentKeepaliveInterval = d
}

func (t *Tunn) setPresharedKey(key noisePresharedKey) {
	t.presharedKey = key
}

// setStaticPrivate rebinds the device-wide static private key used by
// this Tunn, failing with ErrPeerKeyMismatch only when the static-static
// DH with the configured peer public key is rejected (an all-zero result).
func (t *Tunn) setStaticPrivate(priv noisePrivateKey) error {
	ss, err := priv.sharedSecret(t.remoteStaticPub)
	if err != nil {
		return fmt.Errorf("device: %w: %v", ErrPeerKeyMismatch, err)
	}
	t.localStaticPriv = priv
	t.localStaticPub = priv.publicKey()
	t.staticStaticSS = ss
	return nil
}

func (t *Tunn) stats() Stats {
	s := Stats{TxBytes: t.txBytes, RxBytes: t.rxBytes}
	if cur := t.sessions.currentSession(); cur != nil {
		established := cur.established
		s.LastHandshake = &established
	}
	return s
}

// --- Handshake message construction / consumption ---

// createInitiation builds a fresh handshake-initiation message and
// arms this Tunn's in-flight-initiation timer bookkeeping.
func (t *Tunn) createInitiation(now time.Time) ([]byte, error) {
	eph, err := newPrivateKey()
	if err != nil {
		return nil, err
	}
	localIdx, err := t.index.newIndex(t)
	if err != nil {
		return nil, err
	}

	h := &t.handshake
	h.mu.Lock()
	defer h.mu.Unlock()

	h.localEphemeral = eph
	h.localIndex = localIdx
	h.remoteStatic = t.remoteStaticPub

	ck, hs := initialChainKeyAndHash(t.remoteStaticPub)
	ephPub := eph.publicKey()

	mixKey(&ck, ephPub[:])
	mixHash(&hs, ephPub[:])

	dh1, err := eph.sharedSecret(t.remoteStaticPub)
	if err != nil {
		return nil, err
	}
	_, key1 := kdf2(&ck, dh1[:])
	mixKey(&ck, dh1[:])

	encStatic := aeadSeal(&key1, 0, t.localStaticPub[:], hs[:])
	mixHash(&hs, encStatic)

	_, key2 := kdf2(&ck, t.staticStaticSS[:])
	mixKey(&ck, t.staticStaticSS[:])

	ts := tai64nNow()
	encTimestamp := aeadSeal(&key2, 0, ts[:], hs[:])
	mixHash(&hs, encTimestamp)

	h.chainKey = ck
	h.hash = hs
	h.timestamp = ts
	h.state = handshakeInitiationCreated

	msg := make([]byte, messageInitiationSize)
	binary.LittleEndian.PutUint32(msg[0:4], messageInitiationType)
	binary.LittleEndian.PutUint32(msg[4:8], localIdx)
	copy(msg[8:40], ephPub[:])
	copy(msg[40:88], encStatic)
	copy(msg[88:116], encTimestamp)

	t.applyMACs(msg, msg[:116])
	t.tm.beganHandshakeAttempt(now)
	return msg, nil
}

// consumeInitiation processes an inbound handshake-initiation message
// addressed to this specific Tunn (the caller has already resolved the
// sender's static public key via parseHandshakeAnon and matched it to
// this peer).
func (t *Tunn) consumeInitiation(msg []byte) error {
	if len(msg) != messageInitiationSize {
		return ErrWrongPacketType
	}
	senderIdx := binary.LittleEndian.Uint32(msg[4:8])
	var ephPub noisePublicKey
	copy(ephPub[:], msg[8:40])

	ck, hs := initialChainKeyAndHash(t.localStaticPub)
	mixKey(&ck, ephPub[:])
	mixHash(&hs, ephPub[:])

	dh1, err := t.localStaticPriv.sharedSecret(ephPub)
	if err != nil {
		return err
	}
	_, key1 := kdf2(&ck, dh1[:])
	mixKey(&ck, dh1[:])

	staticPlain, err := aeadOpen(&key1, 0, msg[40:88], hs[:])
	if err != nil {
		return fmt.Errorf("device: %w: static key decrypt failed", ErrInvalidMAC)
	}
	var senderStatic noisePublicKey
	copy(senderStatic[:], staticPlain)
	if senderStatic != t.remoteStaticPub {
		return ErrPeerKeyMismatch
	}
	mixHash(&hs, msg[40:88])

	_, key2 := kdf2(&ck, t.staticStaticSS[:])
	mixKey(&ck, t.staticStaticSS[:])

	tsPlain, err := aeadOpen(&key2, 0, msg[88:116], hs[:])
	if err != nil {
		return fmt.Errorf("device: %w: timestamp decrypt failed", ErrInvalidMAC)
	}
	mixHash(&hs, msg[88:116])

	h := &t.handshake
	h.mu.Lock()
	defer h.mu.Unlock()

	var ts [tai64nLen]byte
	copy(ts[:], tsPlain)
	if h.lastInitiationConsumed.After(time.Time{}) && string(ts[:]) <= string(h.timestamp[:]) {
		return fmt.Errorf("device: replayed or out-of-order handshake initiation timestamp")
	}

	h.remoteEphemeral = ephPub
	h.remoteIndex = senderIdx
	h.chainKey = ck
	h.hash = hs
	h.timestamp = ts
	h.lastInitiationConsumed = time.Now()
	h.state = handshakeInitiationConsumed
	return nil
}

// createResponse builds the handshake-response message replying to the
// most recently consumed initiation, and completes the Noise exchange
// on this (responder) side, installing a symmetric session.
func (t *Tunn) createResponse(now time.Time) ([]byte, error) {
	h := &t.handshake
	h.mu.Lock()
	if h.state != handshakeInitiationConsumed {
		h.mu.Unlock()
		return nil, fmt.Errorf("device: createResponse called out of order")
	}

	eph, err := newPrivateKey()
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	localIdx, err := t.index.newIndex(t)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}

	ephPub := eph.publicKey()
	ck := h.chainKey
	hs := h.hash

	mixKey(&ck, ephPub[:])
	mixHash(&hs, ephPub[:])

	dh1, err := eph.sharedSecret(h.remoteEphemeral)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	mixKey(&ck, dh1[:])

	dh2, err := eph.sharedSecret(t.remoteStaticPub)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	mixKey(&ck, dh2[:])

	ck2, tau, key := kdf3(&ck, t.presharedKey[:])
	mixHash(&hs, tau[:])

	empty := aeadSeal(&key, 0, nil, hs[:])
	mixHash(&hs, empty)

	msg := make([]byte, messageResponseSize)
	binary.LittleEndian.PutUint32(msg[0:4], messageResponseType)
	binary.LittleEndian.PutUint32(msg[4:8], localIdx)
	binary.LittleEndian.PutUint32(msg[8:12], h.remoteIndex)
	copy(msg[12:44], ephPub[:])
	copy(msg[44:60], empty)

	t.applyMACs(msg, msg[:60])

	h.localIndex = localIdx
	h.chainKey = ck2
	h.hash = hs
	h.state = handshakeResponseCreated
	remoteIdx := h.remoteIndex
	h.mu.Unlock()

	session := t.beginSymmetricSession(ck2, localIdx, remoteIdx, false, now)
	t.sessions.insert(session)
	t.tm.handshakeCompleted()
	return msg, nil
}

// consumeResponse processes an inbound handshake-response and completes
// the exchange on the initiator side.
func (t *Tunn) consumeResponse(msg []byte, now time.Time) error {
	if len(msg) != messageResponseSize {
		return ErrWrongPacketType
	}
	senderIdx := binary.LittleEndian.Uint32(msg[4:8])
	receiverIdx := binary.LittleEndian.Uint32(msg[8:12])
	var ephPub noisePublicKey
	copy(ephPub[:], msg[12:44])

	h := &t.handshake
	h.mu.Lock()
	if h.state != handshakeInitiationCreated || h.localIndex != receiverIdx {
		h.mu.Unlock()
		return fmt.Errorf("device: unexpected handshake response")
	}

	ck := h.chainKey
	hs := h.hash
	mixKey(&ck, ephPub[:])
	mixHash(&hs, ephPub[:])

	dh1, err := h.localEphemeral.sharedSecret(ephPub)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	mixKey(&ck, dh1[:])

	dh2, err := t.localStaticPriv.sharedSecret(ephPub)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	mixKey(&ck, dh2[:])

	ck2, tau, key := kdf3(&ck, t.presharedKey[:])
	mixHash(&hs, tau[:])

	if _, err := aeadOpen(&key, 0, msg[44:60], hs[:]); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("device: %w: handshake response auth failed", ErrInvalidMAC)
	}
	mixHash(&hs, msg[44:60])

	h.remoteIndex = senderIdx
	h.chainKey = ck2
	h.hash = hs
	h.state = handshakeResponseConsumed
	localIdx := h.localIndex
	h.mu.Unlock()

	session := t.beginSymmetricSession(ck2, localIdx, senderIdx, true, now)
	t.sessions.insert(session)
	t.tm.handshakeCompleted()
	return nil
}

// beginSymmetricSession derives the final transport keys from the
// completed handshake's chaining key, per wireguard-go's convention:
// the initiator's first derived key is its send key, the second its
// receive key; the responder's roles are swapped.
func (t *Tunn) beginSymmetricSession(ck [blake2s.Size]byte, localIdx, remoteIdx uint32, isInitiator bool, now time.Time) *symmetricSession {
	k1, k2 := kdf2(&ck, nil)
	s := &symmetricSession{
		localIndex:  localIdx,
		peerIndex:   remoteIdx,
		isInitiator: isInitiator,
		established: now,
		lastUsed:    now,
	}
	if isInitiator {
		s.sendKey = noiseSymmetricKey(k1)
		s.recvKey = noiseSymmetricKey(k2)
	} else {
		s.sendKey = noiseSymmetricKey(k2)
		s.recvKey = noiseSymmetricKey(k1)
	}
	return s
}

// applyMACs computes and writes mac1 (always) and mac2 (if a cookie is
// on file) into the trailing 32 bytes of msg, given macData = msg up to
// (not including) the mac1 field.
func (t *Tunn) applyMACs(msg, macData []byte) {
	macKey := macKeyFor(t.remoteStaticPub)
	var mac1 [blake2s.Size128]byte
	mac(&mac1, macKey[:], macData)
	copy(msg[len(msg)-32:len(msg)-16], mac1[:])
	t.lastMAC1 = mac1
	t.haveLastMAC1 = true

	var mac2 [blake2s.Size128]byte
	if t.haveCookie {
		mac(&mac2, t.cookie[:], msg[:len(msg)-16])
	}
	copy(msg[len(msg)-16:], mac2[:])
}

// verifyMAC1 checks a handshake-initiation or -response message's mac1
// field against the key derived from ourStatic (this device's own
// static public key, known to every legitimate sender regardless of
// which peer they are), per spec.md §4.2: mac1 is checked on every
// handshake message before any DH/AEAD work is attempted.
func verifyMAC1(ourStatic noisePublicKey, packet []byte) bool {
	if len(packet) < 32 {
		return false
	}
	macData := packet[:len(packet)-32]
	macKey := macKeyFor(ourStatic)
	var want [blake2s.Size128]byte
	mac(&want, macKey[:], macData)
	return subtle.ConstantTimeCompare(want[:], packet[len(packet)-32:len(packet)-16]) == 1
}

// handleVerifiedPacket dispatches an inbound packet (already passed the
// rate limiter / mac1 check) to the appropriate handshake or transport
// handler.
func (t *Tunn) handleVerifiedPacket(packet []byte, now time.Time) tunnResult {
	kind, ok := messageType(packet)
	if !ok {
		return errResult(ErrWrongPacketType)
	}
	switch kind {
	case messageResponseType:
		if err := t.consumeResponse(packet, now); err != nil {
			return errResult(err)
		}
		return doneResult()
	case messageCookieReplyType:
		return t.consumeCookieReply(packet)
	case messageTransportType:
		return t.decryptTransport(packet)
	default:
		return errResult(ErrWrongPacketType)
	}
}

func (t *Tunn) consumeCookieReply(msg []byte) tunnResult {
	if len(msg) != messageCookieReplySize || !t.haveLastMAC1 {
		return errResult(ErrWrongPacketType)
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[:], msg[8:32])
	cookieKey := cookieKeyFor(t.remoteStaticPub)
	cookie, err := decryptCookie(nonce, msg[32:64], &cookieKey)
	if err != nil {
		return errResult(fmt.Errorf("device: %w: cookie reply decrypt failed", ErrInvalidMAC))
	}
	t.cookie = cookie
	t.haveCookie = true
	t.cookieIssuedAt = time.Now()
	return doneResult()
}

func (t *Tunn) decryptTransport(msg []byte) tunnResult {
	if len(msg) < messageMinTransportSize {
		return errResult(ErrWrongPacketType)
	}
	localIdx := receiverIndexFromData(msg)
	session := t.sessions.findByLocalIndex(localIdx)
	if session == nil {
		return errResult(ErrUnknownPeer)
	}
	counter := binary.LittleEndian.Uint64(msg[8:16])

	session.mu.Lock()
	if !session.replay.validateCounter(counter) {
		session.mu.Unlock()
		return errResult(ErrDuplicateCounter)
	}
	session.mu.Unlock()

	plain, err := aeadOpen(&session.recvKey, counter, msg[16:], nil)
	if err != nil {
		return errResult(fmt.Errorf("device: %w: transport decrypt failed", ErrInvalidMAC))
	}
	session.lastUsed = time.Now()
	t.rxBytes += uint64(len(plain))
	t.tm.dataReceived(session.lastUsed)

	if len(plain) == 0 {
		// Keepalive: consumed, nothing to deliver to the TUN.
		return doneResult()
	}
	var src netip.Addr
	switch {
	case plain[0]>>4 == 4 && len(plain) >= 20:
		src, _ = netip.AddrFromSlice(plain[12:16])
	case plain[0]>>4 == 6 && len(plain) >= 40:
		src, _ = netip.AddrFromSlice(plain[8:24])
	}
	return tunnelResult(plain, src)
}

// decapsulate processes an inbound datagram when payload is non-empty
// (a synonym for handleVerifiedPacket). When payload is empty it
// instead flushes one packet off the outbound queue encapsulateInPlace
// filled while no session existed, re-encrypting it now that one does;
// callers loop on this until the result stops being WriteToNetwork, per
// spec.md §4.6 step 4.
func (t *Tunn) decapsulate(payload []byte) tunnResult {
	if len(payload) != 0 {
		return t.handleVerifiedPacket(payload, time.Now())
	}

	t.queuedTxMu.Lock()
	pending := t.queuedTx
	t.queuedTx = nil
	t.queuedTxMu.Unlock()
	if pending == nil {
		return doneResult()
	}

	buf := make([]byte, messageTransportHeader+len(pending))
	copy(buf[messageTransportHeader:], pending)
	return t.encapsulateInPlace(len(pending), buf)
}

// encapsulateInPlace encrypts buf[16:16+payloadLen] in place, expecting
// the caller to have reserved a 16-byte transport header before the
// payload, and returns the full on-wire message via WriteToNetwork.
// When no session is ready yet, the plaintext is queued (the most
// recent one wins) so decapsulate(nil) can flush it once a handshake
// completes, per spec.md §4.6 step 4.
func (t *Tunn) encapsulateInPlace(payloadLen int, buf []byte) tunnResult {
	session := t.sessions.currentSession()
	if session == nil {
		t.queuedTxMu.Lock()
		t.queuedTx = append([]byte(nil), buf[messageTransportHeader:messageTransportHeader+payloadLen]...)
		t.queuedTxMu.Unlock()
		return errResult(ErrHandshakeNotReady)
	}
	session.mu.Lock()
	counter := session.sendNonce
	session.sendNonce++
	session.mu.Unlock()

	plaintext := buf[messageTransportHeader : messageTransportHeader+payloadLen]
	sealed := aeadSeal(&session.sendKey, counter, plaintext, nil)

	binary.LittleEndian.PutUint32(buf[0:4], messageTransportType)
	binary.LittleEndian.PutUint32(buf[4:8], session.peerIndex)
	binary.LittleEndian.PutUint64(buf[8:16], counter)
	out := append(buf[:messageTransportHeader], sealed...)

	t.txBytes += uint64(payloadLen)
	t.tm.dataSent(time.Now())
	return networkResult(out)
}

// updateTimers advances this Tunn's timer bank by one tick (see
// timers.tick / spec.md §4.5) and, if a handshake-initiation or
// keepalive is due, produces the packet to send.
func (t *Tunn) updateTimers(now time.Time) tunnResult {
	cookieAge := time.Duration(0)
	if t.haveCookie {
		cookieAge = now.Sub(t.cookieIssuedAt)
	}
	action, err := t.tm.tick(now, &t.sessions, t.haveCookie, cookieAge, func() { t.haveCookie = false })
	if err != nil {
		return errResult(err)
	}
	switch action {
	case timerActionSendHandshakeInitiation:
		msg, err := t.createInitiation(now)
		if err != nil {
			return errResult(err)
		}
		return networkResult(msg)
	case timerActionSendKeepalive:
		buf := make([]byte, messageTransportHeader)
		return t.encapsulateInPlace(0, buf)
	default:
		return doneResult()
	}
}

// parseHandshakeAnon recovers the sender's static public key from an
// anonymous (not-yet-attributed) handshake-initiation message, letting
// the device locate the owning Tunn before any session index is known.
func parseHandshakeAnon(localPriv noisePrivateKey, localPub noisePublicKey, msg []byte) (noisePublicKey, error) {
	var senderStatic noisePublicKey
	if len(msg) != messageInitiationSize {
		return senderStatic, ErrWrongPacketType
	}
	var ephPub noisePublicKey
	copy(ephPub[:], msg[8:40])

	ck, hs := initialChainKeyAndHash(localPub)
	mixKey(&ck, ephPub[:])
	mixHash(&hs, ephPub[:])

	dh1, err := localPriv.sharedSecret(ephPub)
	if err != nil {
		return senderStatic, err
	}
	_, key1 := kdf2(&ck, dh1[:])

	staticPlain, err := aeadOpen(&key1, 0, msg[40:88], hs[:])
	if err != nil {
		return senderStatic, fmt.Errorf("device: %w: anon static decrypt failed", ErrInvalidMAC)
	}
	copy(senderStatic[:], staticPlain)
	return senderStatic, nil
}

// parseIncomingPacket classifies a raw UDP payload by its first byte
// and reports the receiver index for non-initiation kinds — the same
// value the owning Device's index table was keyed with when it handed
// that index out via newIndex — so the device can route it without
// touching any per-peer state.
func parseIncomingPacket(packet []byte) (kind byte, receiverIdx uint32, ok bool) {
	kind, ok = messageType(packet)
	if !ok {
		return 0, 0, false
	}
	switch kind {
	case messageInitiationType:
		if len(packet) != messageInitiationSize {
			return kind, 0, false
		}
		return kind, 0, true
	case messageResponseType:
		if len(packet) != messageResponseSize {
			return kind, 0, false
		}
		// The response message's sender index sits at [4:8]; the
		// receiver index identifying *our* session is at [8:12].
		return kind, binary.LittleEndian.Uint32(packet[8:12]), true
	case messageCookieReplyType:
		if len(packet) != messageCookieReplySize {
			return kind, 0, false
		}
		return kind, receiverIndexFromData(packet), true
	case messageTransportType:
		if len(packet) < messageMinTransportSize {
			return kind, 0, false
		}
		return kind, receiverIndexFromData(packet), true
	default:
		return kind, 0, false
	}
}
