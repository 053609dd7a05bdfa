package device

import (
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"
)

// endpointState holds a peer's last-known address and, once
// set_endpoint/connect_endpoint establishes one, a connected UDP
// socket dedicated to that peer (the fast path described in spec.md
// §4.2/§4.6).
type endpointState struct {
	mu   sync.RWMutex
	addr netip.AddrPort
	set  bool
	sock net.Conn
}

func (e *endpointState) get() (netip.AddrPort, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.addr, e.set
}

// setEndpoint stores addr if it differs from what's already on file. A
// no-op when the address is unchanged, per spec.md §4.4.
func (e *endpointState) setEndpoint(addr netip.AddrPort) (changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set && e.addr == addr {
		return false
	}
	e.addr = addr
	e.set = true
	return true
}

// Peer is one configured WireGuard peer: its Tunn (handshake/session
// state machine), allowed-IPs, and connected-socket endpoint.
type Peer struct {
	tunn *Tunn

	endpoint endpointState

	allowedIPsMu sync.RWMutex
	allowedIPs   []netip.Prefix

	localIndex uint32 // stable 24-bit receiver index for this peer's lifetime

	useConnectedSocket bool

	// protect is the platform "make external" hook (spec.md §3/§4.4):
	// run on the peer's connected socket before connect(2) so it can be
	// excluded from the device's own routing. Nil is a no-op.
	protect ProtectFunc
}

// NewPeer wraps a freshly-constructed Tunn in a Peer. protect may be nil.
func NewPeer(tunn *Tunn, localIndex uint32, useConnectedSocket bool, protect ProtectFunc) *Peer {
	p := &Peer{tunn: tunn, localIndex: localIndex, useConnectedSocket: useConnectedSocket, protect: protect}
	tunn.ownerPeer = p
	return p
}

func (p *Peer) index() uint32 { return p.localIndex }

func (p *Peer) publicKey() noisePublicKey { return p.tunn.peerStaticPublic() }

// setEndpoint updates the last-known address; if the address actually
// changed, any existing connected socket is shut down so a subsequent
// connectEndpoint rebinds to the new address.
func (p *Peer) setEndpoint(addr netip.AddrPort) {
	if p.endpoint.setEndpoint(addr) {
		p.shutdownEndpoint()
	}
}

// connectEndpoint creates a UDP socket bound to the wildcard address at
// listenPort (so outbound traffic still appears to originate from the
// device's configured port) and connects it to the peer's last-known
// address, per spec.md §4.4. Fails if no endpoint address is on file or
// a connected socket already exists.
func (p *Peer) connectEndpoint(listenPort int, sockBufSize *int) (net.Conn, error) {
	addr, ok := p.endpoint.get()
	if !ok {
		return nil, ErrEndpointNotSet
	}
	p.endpoint.mu.Lock()
	defer p.endpoint.mu.Unlock()
	if p.endpoint.sock != nil {
		return nil, ErrEndpointAlreadyConnected
	}

	network := "udp4"
	if addr.Addr().Is6() {
		network = "udp6"
	}
	dialer := net.Dialer{LocalAddr: &net.UDPAddr{Port: listenPort}}
	if p.protect != nil {
		// Control runs on the raw fd before bind and connect(2), the
		// ordering the make-external hook requires so the socket is
		// marked external before any traffic can flow on it.
		dialer.Control = func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = p.protect(fd)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		}
	}
	sock, err := dialer.Dial(network, addr.String())
	if err != nil {
		return nil, err
	}
	if sockBufSize != nil {
		if uc, ok := sock.(*net.UDPConn); ok {
			_ = uc.SetReadBuffer(*sockBufSize)
			_ = uc.SetWriteBuffer(*sockBufSize)
		}
	}
	p.endpoint.sock = sock
	return sock, nil
}

// shutdownEndpoint shuts down and drops the connected socket, if any.
// Safe to call when already shut down.
func (p *Peer) shutdownEndpoint() {
	p.endpoint.mu.Lock()
	defer p.endpoint.mu.Unlock()
	if p.endpoint.sock != nil {
		_ = p.endpoint.sock.Close()
		p.endpoint.sock = nil
	}
}

func (p *Peer) connectedSocket() net.Conn {
	p.endpoint.mu.RLock()
	defer p.endpoint.mu.RUnlock()
	return p.endpoint.sock
}

func (p *Peer) isAllowedIP(addr netip.Addr) bool {
	p.allowedIPsMu.RLock()
	defer p.allowedIPsMu.RUnlock()
	for _, prefix := range p.allowedIPs {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (p *Peer) allowedIPsSnapshot() []netip.Prefix {
	p.allowedIPsMu.RLock()
	defer p.allowedIPsMu.RUnlock()
	out := make([]netip.Prefix, len(p.allowedIPs))
	copy(out, p.allowedIPs)
	return out
}

func (p *Peer) setAllowedIPs(prefixes []netip.Prefix) {
	p.allowedIPsMu.Lock()
	defer p.allowedIPsMu.Unlock()
	p.allowedIPs = append([]netip.Prefix(nil), prefixes...)
}

func (p *Peer) addAllowedIP(prefix netip.Prefix) {
	p.allowedIPsMu.Lock()
	defer p.allowedIPsMu.Unlock()
	p.allowedIPs = append(p.allowedIPs, prefix)
}

func (p *Peer) presharedKey() noisePresharedKey { return p.tunn.presharedKey }

func (p *Peer) setPresharedKey(key noisePresharedKey) { p.tunn.setPresharedKey(key) }

func (p *Peer) setPersistentKeepalive(d time.Duration) { p.tunn.setPersistentKeepalive(d) }

func (p *Peer) stats() Stats { return p.tunn.stats() }
