package device

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Sizes of the fixed-width key material used throughout the handshake,
// matching the WireGuard wire format exactly.
const (
	noisePublicKeySize    = 32
	noisePrivateKeySize   = 32
	noisePresharedKeySize = 32
	noiseHashSize         = blake2s.Size // 32
	noiseAuthTagSize      = chacha20poly1305.Overhead
)

// noiseConstructionIdentifier and noiseIdentifierString seed the initial
// chaining key and hash exactly as the Noise framework and the
// WireGuard wire format define.
const (
	noiseConstructionIdentifier = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	noiseIdentifierString       = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	noiseLabelMAC1              = "mac1----"
	noiseLabelCookie            = "cookie--"
)

type (
	noisePublicKey    [noisePublicKeySize]byte
	noisePrivateKey   [noisePrivateKeySize]byte
	noisePresharedKey [noisePresharedKeySize]byte
)

// noiseSymmetricKey is an alias, not a defined type: kdf1/kdf2/kdf3
// already return [blake2s.Size]byte (== [chacha20poly1305.KeySize]byte,
// both 32), and keeping this as an alias lets those results be used
// directly as AEAD keys without a conversion at every call site.
type noiseSymmetricKey = [chacha20poly1305.KeySize]byte

func (sk *noisePrivateKey) publicKey() (pk noisePublicKey) {
	apk := (*[noisePublicKeySize]byte)(&pk)
	ask := (*[noisePrivateKeySize]byte)(sk)
	curve25519.ScalarBaseMult(apk, ask)
	return
}

func (sk *noisePrivateKey) sharedSecret(pk noisePublicKey) (ss [noisePublicKeySize]byte, err error) {
	apk := (*[noisePublicKeySize]byte)(&pk)
	ask := (*[noisePrivateKeySize]byte)(sk)
	curve25519.ScalarMult(&ss, ask, apk)
	if isZero(ss[:]) {
		return ss, fmt.Errorf("device: invalid DH result (low-order point)")
	}
	return ss, nil
}

func newPrivateKey() (sk noisePrivateKey, err error) {
	_, err = rand.Read(sk[:])
	if err != nil {
		return
	}
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
	return
}

func newBlake2sHash() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

// kdf derives up to three output keys from a chaining key and input
// keying material via two-step HMAC, exactly as Noise's HKDF does:
// PRK = HMAC(chainKey, input); t0 = HMAC(PRK, 0x1); t1 = HMAC(PRK,
// t0||0x2); t2 = HMAC(PRK, t1||0x3). Any of t1/t2 may be nil when the
// caller needs fewer outputs.
func kdf(t0, t1, t2 *[blake2s.Size]byte, chainKey, input []byte) {
	var prk [blake2s.Size]byte
	extract := hmac.New(newBlake2sHash, chainKey)
	extract.Write(input)
	extract.Sum(prk[:0])

	expand1 := hmac.New(newBlake2sHash, prk[:])
	expand1.Write([]byte{0x1})
	expand1.Sum(t0[:0])
	if t1 == nil {
		return
	}

	expand2 := hmac.New(newBlake2sHash, prk[:])
	expand2.Write(t0[:])
	expand2.Write([]byte{0x2})
	expand2.Sum(t1[:0])
	if t2 == nil {
		return
	}

	expand3 := hmac.New(newBlake2sHash, prk[:])
	expand3.Write(t1[:])
	expand3.Write([]byte{0x3})
	expand3.Sum(t2[:0])
}

func kdf1(chainKey *[blake2s.Size]byte, input []byte) (out0 [blake2s.Size]byte) {
	kdf(&out0, nil, nil, chainKey[:], input)
	return
}

func kdf2(chainKey *[blake2s.Size]byte, input []byte) (out0, out1 [blake2s.Size]byte) {
	kdf(&out0, &out1, nil, chainKey[:], input)
	return
}

func kdf3(chainKey *[blake2s.Size]byte, input []byte) (out0, out1, out2 [blake2s.Size]byte) {
	kdf(&out0, &out1, &out2, chainKey[:], input)
	return
}

func mixKey(chainKey *[blake2s.Size]byte, input []byte) {
	*chainKey = kdf1(chainKey, input)
}

func mixHash(hash *[blake2s.Size]byte, additional []byte) {
	h, _ := blake2s.New256(nil)
	h.Write(hash[:])
	h.Write(additional)
	h.Sum(hash[:0])
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

// handshakeState tracks one in-progress (or completed) Noise IKpsk2
// exchange. It is embedded in Tunn and guarded by its own mu field.
type handshakeState struct {
	state handshakePhase

	localEphemeral  noisePrivateKey
	localIndex      uint32
	remoteIndex     uint32
	remoteStatic    noisePublicKey
	remoteEphemeral noisePublicKey
	precomputedSS   [noisePublicKeySize]byte // static-static DH, cached

	presharedKey noisePresharedKey

	hash      [blake2s.Size]byte
	chainKey  [blake2s.Size]byte
	timestamp [tai64nLen]byte

	lastInitiationConsumed time.Time

	mu sync.Mutex
}

type handshakePhase int

const (
	handshakeZeroed handshakePhase = iota
	handshakeInitiationCreated
	handshakeInitiationConsumed
	handshakeResponseCreated
	handshakeResponseConsumed
)

const tai64nLen = 12

func tai64nNow() (out [tai64nLen]byte) {
	now := time.Now()
	binary.BigEndian.PutUint64(out[:8], uint64(0x400000000000000a)+uint64(now.Unix()))
	binary.BigEndian.PutUint32(out[8:12], uint32(now.Nanosecond()))
	return
}

// initialChainKeyAndHash derives the construction-dependent starting
// chaining key and hash, mixed once with the protocol identifier string
// and once (for hash) with the responder's static public key, exactly
// as the Noise IK pattern prescribes.
func initialChainKeyAndHash(responderStatic noisePublicKey) (ck, h [blake2s.Size]byte) {
	if len(noiseConstructionIdentifier) == blake2s.Size {
		copy(ck[:], noiseConstructionIdentifier)
	} else {
		bh, _ := blake2s.New256(nil)
		bh.Write([]byte(noiseConstructionIdentifier))
		bh.Sum(ck[:0])
	}
	h = ck
	mixHash(&h, []byte(noiseIdentifierString))
	mixHash(&h, responderStatic[:])
	return
}

func mac(sum *[blake2s.Size128]byte, key, data []byte) {
	mac, _ := blake2s.New128(key)
	mac.Write(data)
	mac.Sum(sum[:0])
}

// macKeyFor derives the mac1 key for a given peer static public key. Used
// by both peer sides: initiators to set mac1 on outgoing packets,
// responders/the rate limiter to verify it.
func macKeyFor(peerStatic noisePublicKey) (key [blake2s.Size]byte) {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(noiseLabelMAC1))
	h.Write(peerStatic[:])
	h.Sum(key[:0])
	return
}

func cookieKeyFor(peerStatic noisePublicKey) (key [blake2s.Size]byte) {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(noiseLabelCookie))
	h.Write(peerStatic[:])
	h.Sum(key[:0])
	return
}

func aeadSeal(key *noiseSymmetricKey, counter uint64, plaintext, additional []byte) []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(fmt.Sprintf("device: chacha20poly1305.New: %v", err))
	}
	return aead.Seal(nil, nonce[:], plaintext, additional)
}

func aeadOpen(key *noiseSymmetricKey, counter uint64, ciphertext, additional []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce[:], ciphertext, additional)
}
