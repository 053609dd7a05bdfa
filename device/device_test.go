package device

import (
	"net/netip"
	"testing"
)

func newTestDevice(t *testing.T) (*Device, noisePrivateKey) {
	t.Helper()
	priv, err := newPrivateKey()
	if err != nil {
		t.Fatalf("newPrivateKey: %v", err)
	}
	d, err := NewDevice(priv, NewConfig())
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return d, priv
}

func TestDevice_AddPeerThenPeerByKey(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()

	peerPriv, err := newPrivateKey()
	if err != nil {
		t.Fatalf("newPrivateKey: %v", err)
	}
	pub := peerPriv.publicKey()

	peer, err := d.AddPeer(pub, noisePresharedKey{}, 0, []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")})
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	got, ok := d.peerByKey(pub)
	if !ok || got != peer {
		t.Fatalf("peerByKey = %v, %v; want the same peer", got, ok)
	}
}

func TestDevice_RemovePeerForgetsIt(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()

	peerPriv, err := newPrivateKey()
	if err != nil {
		t.Fatalf("newPrivateKey: %v", err)
	}
	pub := peerPriv.publicKey()
	if _, err := d.AddPeer(pub, noisePresharedKey{}, 0, nil); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	d.RemovePeer(pub)
	if _, ok := d.peerByKey(pub); ok {
		t.Fatal("peer should be gone after RemovePeer")
	}
}

func TestDevice_RemovePeerUnknownKeyIsNoop(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()
	var unknown noisePublicKey
	d.RemovePeer(unknown) // must not panic
}

func TestDevice_IndexAllocatorRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()

	idx, err := d.newIndex(nil)
	if err != nil {
		t.Fatalf("newIndex: %v", err)
	}
	if d.lookupIndex(idx) != nil {
		t.Fatalf("lookupIndex(%d) = non-nil owner, want nil for a nil-owned entry", idx)
	}
	d.releaseIndex(idx)
	// After release, the table entry for idx must be gone; a stricter
	// check than lookupIndex alone can give us from outside the lock.
	d.indexMu.Lock()
	_, taken := d.indexTable[idx]
	d.indexMu.Unlock()
	if taken {
		t.Fatalf("index %d still present in table after release", idx)
	}
}

func TestDevice_SetPrivateKeyReturnsBadPeers(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()

	peerPriv, err := newPrivateKey()
	if err != nil {
		t.Fatalf("newPrivateKey: %v", err)
	}
	pub := peerPriv.publicKey()
	if _, err := d.AddPeer(pub, noisePresharedKey{}, 0, nil); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	newPriv, err := newPrivateKey()
	if err != nil {
		t.Fatalf("newPrivateKey: %v", err)
	}
	// setStaticPrivate only fails when the DH of the new key with a
	// peer's public key is all-zero, which freshly generated keys never
	// produce, so no peer is
	// expected to come back as "bad" here — this exercises the happy
	// path of the rebind without asserting on the (rare) failure path.
	bad := d.SetPrivateKey(newPriv)
	if len(bad) != 0 {
		t.Fatalf("bad peers = %v, want none for a well-formed key", bad)
	}
	if d.staticPub != newPriv.publicKey() {
		t.Fatal("device static public key not updated")
	}
}

func TestDevice_SetListenPortAndFwmark(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()
	d.SetListenPort(51820)
	d.SetFwmark(42)
	if d.listenPort != 51820 || d.fwmark != 42 {
		t.Fatalf("listenPort=%d fwmark=%d, want 51820/42", d.listenPort, d.fwmark)
	}
}

func TestDevice_CloseIsIdempotent(t *testing.T) {
	d, _ := newTestDevice(t)
	d.Close()
	d.Close() // must not panic or double-close sockets
	if !d.isClosed() {
		t.Fatal("device should report closed")
	}
}
