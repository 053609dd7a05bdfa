package device

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"wgtun/logging"
)

// Device is the top-level runtime: the static identity, the peer/
// allowed-IPs/index tables, the listening UDP sockets, the TUN handle,
// and the worker pool wiring described in spec.md §4.6/§5.
type Device struct {
	// mu guards the peer and allowed-IPs tables. Handler goroutines take
	// the read lock only around individual table lookups, not for their
	// whole run. SetPrivateKey-style topology mutations go through
	// withWriteAccess, which signals yield and then takes the write lock;
	// no handler waits on the yield signal.
	mu    sync.RWMutex
	yield *notifier
	exit  *notifier
	pollr *poller

	staticPriv noisePrivateKey
	staticPub  noisePublicKey
	fwmark     uint32
	listenPort int

	bind4 *net.UDPConn
	bind6 *net.UDPConn

	peers      map[noisePublicKey]*Peer
	indexTable map[uint32]*Tunn
	indexMu    sync.Mutex

	allowedIPs *AllowedIPs[*Peer]

	limiter *rateLimiter
	cookies *cookieChecker

	tunDevice tun.Device
	updateSeq uint64

	cfg Config
	log logging.Logger

	cleanupPaths []string
	closed       bool
}

// NewDevice constructs a Device with no peers and no TUN/sockets bound
// yet; Run installs the TUN device and listen sockets it is given.
func NewDevice(priv noisePrivateKey, cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	cc, err := newCookieChecker()
	if err != nil {
		return nil, err
	}
	d := &Device{
		staticPriv: priv,
		staticPub:  priv.publicKey(),
		yield:      newNotifier(),
		exit:       newNotifier(),
		pollr:      newPoller(),
		peers:      make(map[noisePublicKey]*Peer),
		indexTable: make(map[uint32]*Tunn),
		allowedIPs: NewAllowedIPs[*Peer](),
		limiter:    newRateLimiter(),
		cookies:    cc,
		cfg:        cfg,
		log:        cfg.Logger,
	}
	return d, nil
}

// --- indexAllocator, implemented by Device for its Tunns ---

func (d *Device) newIndex(owner *Tunn) (uint32, error) {
	lfsr := NewIndexLFSR()
	d.indexMu.Lock()
	defer d.indexMu.Unlock()
	for i := 0; i < 1<<24; i++ {
		idx := lfsr.Next()
		if _, taken := d.indexTable[idx]; !taken {
			d.indexTable[idx] = owner
			return idx, nil
		}
	}
	return 0, fmt.Errorf("device: index table exhausted")
}

func (d *Device) releaseIndex(idx uint32) {
	d.indexMu.Lock()
	defer d.indexMu.Unlock()
	delete(d.indexTable, idx)
}

func (d *Device) lookupIndex(idx uint32) *Tunn {
	d.indexMu.Lock()
	defer d.indexMu.Unlock()
	return d.indexTable[idx]
}

// --- topology mutation: try_writeable ---

// withWriteAccess signals the yield notifier, waits for the write lock
// (granted once in-progress table lookups release their read locks;
// nothing waits for readers to observe the signal), runs apply with
// exclusive access to the tables, then releases the lock.
func (d *Device) withWriteAccess(apply func()) {
	d.yield.notify()
	d.mu.Lock()
	apply()
	d.mu.Unlock()
}

// AddPeer registers a new peer under its static public key, allocating
// a stable local index and installing its allowed-IPs into the trie.
func (d *Device) AddPeer(remoteStatic noisePublicKey, presharedKey noisePresharedKey, persistentKeepalive time.Duration, allowedIPs []netip.Prefix) (*Peer, error) {
	tunn, err := NewTunn(d.staticPriv, remoteStatic, presharedKey, persistentKeepalive, d)
	if err != nil {
		return nil, err
	}
	idx, err := d.newIndex(tunn)
	if err != nil {
		return nil, err
	}
	peer := NewPeer(tunn, idx, d.cfg.UseConnectedSocket, d.cfg.Protect)
	peer.setAllowedIPs(allowedIPs)

	d.withWriteAccess(func() {
		d.peers[remoteStatic] = peer
		for _, p := range allowedIPs {
			d.allowedIPs.Insert(p, peer)
		}
	})
	return peer, nil
}

// RemovePeer tears down and forgets the peer with the given static key.
func (d *Device) RemovePeer(remoteStatic noisePublicKey) {
	d.withWriteAccess(func() {
		peer, ok := d.peers[remoteStatic]
		if !ok {
			return
		}
		delete(d.peers, remoteStatic)
		d.allowedIPs.Remove(func(p *Peer) bool { return p == peer })
		peer.shutdownEndpoint()
		d.releaseIndex(peer.index())
	})
}

func (d *Device) peerByKey(key noisePublicKey) (*Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[key]
	return p, ok
}

// SetPrivateKey rebinds the device's static private key. Any peer whose
// configured static public key is no longer reachable with the new
// private key (i.e. the stored peer key is now internally inconsistent)
// is returned to the caller for removal, rather than silently kept —
// resolving spec.md §9's "bad peers on set_key" open question per
// SPEC_FULL.md §10/§12.
func (d *Device) SetPrivateKey(priv noisePrivateKey) (badPeers []noisePublicKey) {
	d.withWriteAccess(func() {
		d.staticPriv = priv
		d.staticPub = priv.publicKey()
		for key, peer := range d.peers {
			if err := peer.tunn.setStaticPrivate(priv); err != nil {
				badPeers = append(badPeers, key)
			}
		}
	})
	return badPeers
}

func (d *Device) SetListenPort(port int) { d.listenPort = port }
func (d *Device) SetFwmark(mark uint32)  { d.fwmark = mark }

// SetTUN installs (or replaces) the TUN handle, bumping updateSeq so
// stale workers bound to a previous TUN detect the change and exit.
func (d *Device) SetTUN(t tun.Device) {
	d.withWriteAccess(func() {
		if d.tunDevice != nil {
			_ = d.tunDevice.Close()
		}
		d.tunDevice = t
		d.updateSeq++
	})
}

// Close signals the exit notifier, stops the poller, closes sockets/TUN
// and removes any tracked cleanup paths (UAPI socket files etc).
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.exit.notify()
	d.pollr.close()

	for _, p := range d.peers {
		p.shutdownEndpoint()
	}
	if d.bind4 != nil {
		_ = d.bind4.Close()
	}
	if d.bind6 != nil {
		_ = d.bind6.Close()
	}
	if d.tunDevice != nil {
		_ = d.tunDevice.Close()
	}
	for _, path := range d.cleanupPaths {
		_ = removeCleanupPath(path)
	}
}

func (d *Device) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Device) trackCleanupPath(path string) {
	d.cleanupPaths = append(d.cleanupPaths, path)
}
