package device

import (
	"net"
	"net/netip"
	"runtime"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/tun"
)

// tunPacket is one datagram crossing the TUN->UDP channel: the owning
// buffer, its length, and the peer it resolved to via AllowedIPs.
type tunPacket struct {
	buf  []byte
	n    int
	peer *Peer
}

// udpPacket is one datagram crossing the UDP->TUN channel.
type udpPacket struct {
	buf     []byte
	n       int
	peer    *Peer
	srcAddr netip.Addr
}

// dstAddrOf recovers the destination IP from a raw IP packet's header,
// dispatching on the version nibble the way wireguard-go's send path
// does.
func dstAddrOf(packet []byte) (netip.Addr, bool) {
	if len(packet) < 1 {
		return netip.Addr{}, false
	}
	switch packet[0] >> 4 {
	case 4:
		h, err := ipv4.ParseHeader(packet)
		if err != nil {
			return netip.Addr{}, false
		}
		a, ok := netip.AddrFromSlice(h.Dst.To4())
		return a, ok
	case 6:
		if len(packet) < 40 {
			return netip.Addr{}, false
		}
		a, ok := netip.AddrFromSlice(packet[24:40])
		return a, ok
	default:
		return netip.Addr{}, false
	}
}

// runTUNReader drains the TUN device in batches, resolves each
// packet's destination peer via AllowedIPs, and hands them to the
// encrypt-worker pool over tunToUDP. Every TUN read error, transient
// or not, ends the whole device run, per SPEC_FULL.md §12 resolution 2;
// no read is retried.
func (d *Device) runTUNReader(t tun.Device, tunToUDP chan<- tunPacket) error {
	mtu, err := t.MTU()
	if err != nil {
		mtu = 1420
	}
	bufSize := mtu + messageTransportHeader + 64
	batch := d.cfg.BatchSize

	bufs := make([][]byte, batch)
	sizes := make([]int, batch)
	for i := range bufs {
		bufs[i] = make([]byte, bufSize)
	}

	for {
		select {
		case <-d.exit.wait():
			return nil
		default:
		}

		n, err := t.Read(bufs, sizes, messageTransportHeader)
		if err != nil {
			// Any TUN read error is treated as fatal, per SPEC_FULL.md
			// §12 resolution 2: a dead TUN fd makes every other
			// worker's writes meaningless too, so the whole device
			// exits rather than just this one goroutine.
			d.log.Errorf("tun read: %v", err)
			d.exit.notify()
			return err
		}
		for i := 0; i < n; i++ {
			packet := bufs[i][messageTransportHeader : messageTransportHeader+sizes[i]]
			dst, ok := dstAddrOf(packet)
			if !ok {
				continue
			}
			d.mu.RLock()
			peer, ok := d.allowedIPs.Find(dst)
			d.mu.RUnlock()
			if !ok {
				continue
			}
			fresh := make([]byte, bufSize)
			copy(fresh, bufs[i][:messageTransportHeader+sizes[i]])
			select {
			case tunToUDP <- tunPacket{buf: fresh, n: sizes[i], peer: peer}:
			case <-d.exit.wait():
				return nil
			}
		}
	}
}

// runEncryptWorker is one of the encrypt-worker pool goroutines (one
// per physical CPU by default): it drains tunToUDP, runs the outbound
// firewall hook, encrypts in place, and sends — preferring the peer's
// connected socket, falling back to the device's listener matching the
// endpoint's address family.
func (d *Device) runEncryptWorker(tunToUDP <-chan tunPacket) {
	for {
		select {
		case <-d.exit.wait():
			return
		case pkt, ok := <-tunToUDP:
			if !ok {
				return
			}
			d.encryptAndSend(pkt)
		}
	}
}

func (d *Device) encryptAndSend(pkt tunPacket) {
	peer := pkt.peer
	payload := pkt.buf[messageTransportHeader : messageTransportHeader+pkt.n]

	if d.cfg.OutboundFirewall != nil {
		dst, _ := dstAddrOf(payload)
		if !d.cfg.OutboundFirewall(net.IP(dst.AsSlice()), payload, tunWriterFor(d)) {
			return
		}
	}

	res := peer.tunn.encapsulateInPlace(pkt.n, pkt.buf[:messageTransportHeader+pkt.n])
	if res.Kind == resultErr {
		d.log.Errorf("encapsulate: %v", res.Err)
		return
	}
	if res.Kind != resultWriteToNetwork {
		return
	}

	if sock := peer.connectedSocket(); sock != nil {
		if _, err := sock.Write(res.Packet); err != nil {
			peer.shutdownEndpoint()
		} else {
			return
		}
	}

	addr, ok := peer.endpoint.get()
	if !ok {
		return
	}
	bind := d.bind4
	if addr.Addr().Is6() {
		bind = d.bind6
	}
	if bind == nil {
		return
	}
	_, _ = bind.WriteToUDP(res.Packet, net.UDPAddrFromAddrPort(addr))
}

// tunWriter lets a firewall callback write a rejection (e.g. an
// ICMP-style response) back into the TUN device.
type tunWriter struct{ d *Device }

func (w tunWriter) Write(p []byte) (int, error) {
	if w.d.tunDevice == nil {
		return 0, ErrDeviceClosed
	}
	return w.d.tunDevice.Write([][]byte{p}, 0)
}

func tunWriterFor(d *Device) tunWriter { return tunWriter{d: d} }

// runTUNWriter is the single TUN-writer thread: drains udpToTUN,
// applies the inbound firewall hook and an allowed-IP check, and
// writes surviving packets to the TUN device.
func (d *Device) runTUNWriter(udpToTUN <-chan udpPacket) {
	for {
		select {
		case <-d.exit.wait():
			return
		case pkt, ok := <-udpToTUN:
			if !ok {
				return
			}
			d.writeToTUN(pkt)
		}
	}
}

func (d *Device) writeToTUN(pkt udpPacket) {
	payload := pkt.buf[:pkt.n]
	if d.cfg.InboundFirewall != nil {
		if !d.cfg.InboundFirewall(net.IP(pkt.srcAddr.AsSlice()), payload, tunWriterFor(d)) {
			return
		}
	}
	if !pkt.peer.isAllowedIP(pkt.srcAddr) {
		return
	}
	if d.tunDevice == nil {
		return
	}
	if _, err := d.tunDevice.Write([][]byte{payload}, 0); err != nil {
		d.log.Errorf("tun write: %v", err)
	}
}

// runUDPUnconnectedHandler implements the UDP unconnected-socket
// handler from spec.md §4.6: drains up to MAX_ITR datagrams per pass,
// rate-limits/cookie-checks, classifies and routes each to its peer.
func (d *Device) runUDPUnconnectedHandler(sock *net.UDPConn, udpToTUN chan<- udpPacket) {
	buf := make([]byte, 65535)
	for iter := 0; iter < maxDatagramsPerIter; {
		select {
		case <-d.exit.wait():
			return
		default:
		}

		n, srcAddr, err := sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		iter++
		packet := buf[:n]

		kind, receiverIdx, ok := parseIncomingPacket(packet)
		if !ok {
			continue
		}

		// MAC1 is a cheap, peer-independent authentication gate checked
		// on every handshake message before any DH/AEAD work is done,
		// per spec.md §4.2. Cookie-reply and transport messages carry no
		// mac1 field and so aren't subject to it.
		macBearing := kind == messageInitiationType || kind == messageResponseType
		if macBearing && !verifyMAC1(d.staticPub, packet) {
			continue
		}

		if !d.limiter.allowHandshake() {
			if !macBearing {
				continue
			}
			if !d.cookieMAC2Valid(packet, srcAddr) {
				if reply, err := d.cookies.buildCookieReply(d.staticPub, []byte(srcAddr.String()), packet); err == nil {
					_, _ = sock.WriteToUDPAddrPort(reply, srcAddr)
				}
				continue
			}
		}

		var peer *Peer
		if kind == messageInitiationType {
			senderStatic, err := parseHandshakeAnon(d.staticPriv, d.staticPub, packet)
			if err != nil {
				continue
			}
			peer, ok = d.peerByKey(senderStatic)
			if !ok {
				continue
			}
			if err := peer.tunn.consumeInitiation(packet); err != nil {
				continue
			}
			msg, err := peer.tunn.createResponse(time.Now())
			if err != nil {
				continue
			}
			_, _ = sock.WriteToUDPAddrPort(msg, srcAddr)
			flushQueuedTx(peer.tunn, func(p []byte) { _, _ = sock.WriteToUDPAddrPort(p, srcAddr) })
			peer.setEndpoint(srcAddr)
			d.maybeConnectEndpoint(peer, udpToTUN)
			if iter >= maxDatagramsPerIter {
				return
			}
			continue
		}

		tunn := d.lookupIndex(receiverIdx)
		if tunn == nil || tunn.ownerPeer == nil {
			continue
		}
		peer = tunn.ownerPeer

		res := peer.tunn.handleVerifiedPacket(packet, time.Now())
		switch res.Kind {
		case resultWriteToNetwork:
			_, _ = sock.WriteToUDPAddrPort(res.Packet, srcAddr)
			flushQueuedTx(peer.tunn, func(p []byte) { _, _ = sock.WriteToUDPAddrPort(p, srcAddr) })
		case resultWriteToTunnel:
			src := res.SrcAddr
			select {
			case udpToTUN <- udpPacket{buf: res.Packet, n: len(res.Packet), peer: peer, srcAddr: src}:
			case <-d.exit.wait():
				return
			}
		}
		peer.setEndpoint(srcAddr)
		d.maybeConnectEndpoint(peer, udpToTUN)

		if iter >= maxDatagramsPerIter {
			return
		}
	}
}

// cookieMAC2Valid reports whether packet carries a mac2 proving its
// sender holds a cookie issued recently by this device for srcAddr,
// per spec.md §4.2's "MAC2 absent/invalid" test for issuing a fresh
// cookie reply under load.
func (d *Device) cookieMAC2Valid(packet []byte, srcAddr netip.AddrPort) bool {
	if len(packet) < 16 {
		return false
	}
	var mac2 [blake2s.Size128]byte
	copy(mac2[:], packet[len(packet)-16:])
	return d.cookies.verifyMAC2(&mac2, []byte(srcAddr.String()), packet[:len(packet)-16])
}

// flushQueuedTx drains any outbound packet a peer's Tunn queued while
// its handshake wasn't ready, per spec.md §4.6 step 4: after a state
// advance yields WriteToNetwork, loop decapsulate(nil) until it stops
// returning WriteToNetwork, sending each drained packet with send.
func flushQueuedTx(tunn *Tunn, send func([]byte)) {
	for {
		res := tunn.decapsulate(nil)
		if res.Kind != resultWriteToNetwork {
			return
		}
		send(res.Packet)
	}
}

func (d *Device) maybeConnectEndpoint(peer *Peer, udpToTUN chan<- udpPacket) {
	if !d.cfg.UseConnectedSocket || peer.connectedSocket() != nil {
		return
	}
	sock, err := peer.connectEndpoint(d.listenPort, d.cfg.SocketBufferSize)
	if err != nil {
		return
	}
	d.pollr.registerReadable(func() bool {
		return d.runUDPConnectedOnce(sock, peer, udpToTUN)
	})
}

// runUDPConnectedOnce is one batch-drain pass of the per-peer connected-
// socket handler from spec.md §4.6: decapsulates up to BatchSize
// datagrams before returning to let the poller reschedule it.
func (d *Device) runUDPConnectedOnce(sock net.Conn, peer *Peer, udpToTUN chan<- udpPacket) (done bool) {
	buf := make([]byte, 65535)
	for i := 0; i < d.cfg.BatchSize; i++ {
		n, err := sock.Read(buf)
		if err != nil {
			return true // socket closed/errored; stop rescheduling
		}
		res := peer.tunn.handleVerifiedPacket(buf[:n], time.Now())
		switch res.Kind {
		case resultWriteToNetwork:
			_, _ = sock.Write(res.Packet)
			flushQueuedTx(peer.tunn, func(p []byte) { _, _ = sock.Write(p) })
		case resultWriteToTunnel:
			src := res.SrcAddr
			select {
			case udpToTUN <- udpPacket{buf: res.Packet, n: len(res.Packet), peer: peer, srcAddr: src}:
			case <-d.exit.wait():
				return true
			}
		}
	}
	return false
}

// startPeriodicTimers registers the 250ms per-peer update_timers tick, plus the
// 1Hz rate-limiter reset, both described in spec.md §4.6.
func (d *Device) startPeriodicTimers() {
	d.pollr.registerPeriodic(250*time.Millisecond, func() {
		d.mu.RLock()
		peers := make([]*Peer, 0, len(d.peers))
		for _, p := range d.peers {
			peers = append(peers, p)
		}
		d.mu.RUnlock()

		now := time.Now()
		for _, peer := range peers {
			res := peer.tunn.updateTimers(now)
			if res.Kind != resultWriteToNetwork {
				continue
			}
			if sock := peer.connectedSocket(); sock != nil {
				_, _ = sock.Write(res.Packet)
				continue
			}
			addr, ok := peer.endpoint.get()
			if !ok {
				continue
			}
			bind := d.bind4
			if addr.Addr().Is6() {
				bind = d.bind6
			}
			if bind != nil {
				_, _ = bind.WriteToUDP(res.Packet, net.UDPAddrFromAddrPort(addr))
			}
		}
	})

	d.pollr.registerPeriodic(time.Second, func() {
		// Rate-limiter token bucket already refills continuously
		// (golang.org/x/time/rate); this tick exists to rotate the
		// cookie secret on schedule even under otherwise-idle load.
		d.cookies.maybeRotate()
	})
}

// Run wires and starts every worker described in spec.md §4.6: the TUN
// reader, the encrypt-worker pool, the TUN writer, the UDP handlers,
// and the periodic timers. It blocks until the exit notifier fires.
func (d *Device) Run(t tun.Device, bind4, bind6 *net.UDPConn) error {
	d.SetTUN(t)
	d.bind4 = bind4
	d.bind6 = bind6

	tunToUDP := make(chan tunPacket, d.cfg.ChannelCapacity)
	udpToTUN := make(chan udpPacket, d.cfg.ChannelCapacity)

	numWorkers := d.cfg.NumWorkers
	if numWorkers == 0 {
		numWorkers = runtime.NumCPU()
	}

	var g errgroup.Group
	g.Go(func() error { return d.runTUNReader(t, tunToUDP) })
	for i := 0; i < numWorkers; i++ {
		g.Go(func() error { d.runEncryptWorker(tunToUDP); return nil })
	}
	g.Go(func() error { d.runTUNWriter(udpToTUN); return nil })

	if bind4 != nil {
		d.pollr.registerReadable(func() bool {
			d.runUDPUnconnectedHandler(bind4, udpToTUN)
			select {
			case <-d.exit.wait():
				return true
			default:
				return false
			}
		})
	}
	if bind6 != nil {
		d.pollr.registerReadable(func() bool {
			d.runUDPUnconnectedHandler(bind6, udpToTUN)
			select {
			case <-d.exit.wait():
				return true
			default:
				return false
			}
		})
	}

	d.startPeriodicTimers()

	<-d.exit.wait()
	return g.Wait()
}
