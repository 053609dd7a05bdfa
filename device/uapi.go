package device

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// uapi errno values, returned on the wire as "errno=<N>\n\n" per
// spec.md §6. 0 means success.
const (
	errnoNone        = 0
	errnoInvalid     = int(syscall.EINVAL)
	errnoProtocol    = int(syscall.EPROTO)
	errnoAddrInUse   = int(syscall.EADDRINUSE)
	errnoIO          = int(syscall.EIO)
	errnoNotFound    = int(syscall.ENOENT)
)

// apiExec runs one UAPI connection's command to completion: reads
// exactly one "get=1" or "set=1" block and writes the response,
// including the trailing errno line.
func (d *Device) apiExec(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return nil
	}
	cmd := scanner.Text()
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	switch cmd {
	case "get=1":
		d.apiGet(bw)
		return nil
	case "set=1":
		errno := d.apiSet(scanner)
		fmt.Fprintf(bw, "errno=%d\n\n", errno)
		return nil
	default:
		fmt.Fprintf(bw, "errno=%d\n\n", errnoProtocol)
		return nil
	}
}

func (d *Device) apiGet(w *bufio.Writer) {
	if d.isClosed() {
		fmt.Fprintf(w, "errno=%d\n\n", errnoNotFound)
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	fmt.Fprintf(w, "private_key=%s\n", hex.EncodeToString(d.staticPriv[:]))
	fmt.Fprintf(w, "listen_port=%d\n", d.listenPort)
	if d.fwmark != 0 {
		fmt.Fprintf(w, "fwmark=%d\n", d.fwmark)
	}
	for _, peer := range d.peers {
		pub := peer.publicKey()
		fmt.Fprintf(w, "public_key=%s\n", hex.EncodeToString(pub[:]))
		psk := peer.presharedKey()
		if !isZero(psk[:]) {
			fmt.Fprintf(w, "preshared_key=%s\n", hex.EncodeToString(psk[:]))
		}
		if peer.tunn.tm.persistentKeepaliveInterval > 0 {
			fmt.Fprintf(w, "persistent_keepalive_interval=%d\n", int(peer.tunn.tm.persistentKeepaliveInterval/time.Second))
		}
		if addr, ok := peer.endpoint.get(); ok {
			fmt.Fprintf(w, "endpoint=%s\n", addr.String())
		}
		for _, prefix := range peer.allowedIPsSnapshot() {
			fmt.Fprintf(w, "allowed_ip=%s\n", prefix.String())
		}
		stats := peer.stats()
		if stats.LastHandshake != nil {
			fmt.Fprintf(w, "last_handshake_time_sec=%d\n", stats.LastHandshake.Unix())
			fmt.Fprintf(w, "last_handshake_time_nsec=%d\n", stats.LastHandshake.Nanosecond())
		}
		fmt.Fprintf(w, "rx_bytes=%d\n", stats.RxBytes)
		fmt.Fprintf(w, "tx_bytes=%d\n", stats.TxBytes)
	}
	fmt.Fprintf(w, "errno=%d\n\n", errnoNone)
}

// apiSet applies a set=1 block, returning the errno to report. It does
// not hold the device write lock for the whole block: the private-key
// change and each peer add/remove take it for that one operation, and
// listen_port, fwmark and per-peer settings are applied without it.
func (d *Device) apiSet(scanner *bufio.Scanner) int {
	if d.isClosed() {
		return errnoNotFound
	}

	var replacePeers bool
	var newFwmark *uint32
	var newListenPort *int
	var newPriv *noisePrivateKey

	type pendingPeer struct {
		pub                 noisePublicKey
		remove              bool
		updateOnly          bool
		preshared           *noisePresharedKey
		endpoint            *netip.AddrPort
		persistentKeepalive *time.Duration
		replaceAllowedIPs   bool
		allowedIPs          []netip.Prefix
	}
	var peers []pendingPeer
	var cur *pendingPeer

	errno := errnoNone
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return errnoProtocol
		}
		switch k {
		case "private_key":
			b, err := hex.DecodeString(v)
			if err != nil || len(b) != noisePrivateKeySize {
				return errnoInvalid
			}
			var priv noisePrivateKey
			copy(priv[:], b)
			newPriv = &priv
		case "listen_port":
			n, err := strconv.Atoi(v)
			if err != nil {
				return errnoInvalid
			}
			newListenPort = &n
		case "fwmark":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return errnoInvalid
			}
			m := uint32(n)
			newFwmark = &m
		case "replace_peers":
			replacePeers = v == "true"
		case "public_key":
			b, err := hex.DecodeString(v)
			if err != nil || len(b) != noisePublicKeySize {
				return errnoInvalid
			}
			peers = append(peers, pendingPeer{})
			cur = &peers[len(peers)-1]
			copy(cur.pub[:], b)
		case "update_only":
			if cur == nil {
				return errnoProtocol
			}
			cur.updateOnly = v == "true"
		case "remove":
			if cur == nil {
				return errnoProtocol
			}
			cur.remove = v == "true"
		case "preshared_key":
			if cur == nil {
				return errnoProtocol
			}
			b, err := hex.DecodeString(v)
			if err != nil || len(b) != noisePresharedKeySize {
				return errnoInvalid
			}
			var psk noisePresharedKey
			copy(psk[:], b)
			cur.preshared = &psk
		case "endpoint":
			if cur == nil {
				return errnoProtocol
			}
			ap, err := netip.ParseAddrPort(v)
			if err != nil {
				return errnoInvalid
			}
			cur.endpoint = &ap
		case "persistent_keepalive_interval":
			if cur == nil {
				return errnoProtocol
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return errnoInvalid
			}
			d := time.Duration(n) * time.Second
			cur.persistentKeepalive = &d
		case "replace_allowed_ips":
			if cur == nil {
				return errnoProtocol
			}
			cur.replaceAllowedIPs = v == "true"
		case "allowed_ip":
			if cur == nil {
				return errnoProtocol
			}
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return errnoInvalid
			}
			cur.allowedIPs = append(cur.allowedIPs, p)
		case "protocol_version":
			if v != "1" {
				return errnoInvalid
			}
		default:
			return errnoInvalid
		}
	}

	if newPriv != nil {
		for _, bad := range d.SetPrivateKey(*newPriv) {
			d.RemovePeer(bad)
		}
	}
	if newListenPort != nil {
		d.SetListenPort(*newListenPort)
	}
	if newFwmark != nil {
		d.SetFwmark(*newFwmark)
	}
	if replacePeers {
		d.mu.RLock()
		existing := make([]noisePublicKey, 0, len(d.peers))
		for k := range d.peers {
			existing = append(existing, k)
		}
		d.mu.RUnlock()
		for _, k := range existing {
			d.RemovePeer(k)
		}
	}

	for _, pp := range peers {
		peer, exists := d.peerByKey(pp.pub)
		if pp.remove {
			if exists {
				d.RemovePeer(pp.pub)
			}
			continue
		}
		if !exists {
			if pp.updateOnly {
				continue
			}
			var psk noisePresharedKey
			if pp.preshared != nil {
				psk = *pp.preshared
			}
			var ka time.Duration
			if pp.persistentKeepalive != nil {
				ka = *pp.persistentKeepalive
			}
			newPeer, err := d.AddPeer(pp.pub, psk, ka, pp.allowedIPs)
			if err != nil {
				errno = errnoInvalid
				continue
			}
			if pp.endpoint != nil {
				newPeer.setEndpoint(*pp.endpoint)
			}
			continue
		}
		if pp.preshared != nil {
			peer.setPresharedKey(*pp.preshared)
		}
		if pp.persistentKeepalive != nil {
			peer.setPersistentKeepalive(*pp.persistentKeepalive)
		}
		if pp.endpoint != nil {
			peer.setEndpoint(*pp.endpoint)
		}
		if pp.replaceAllowedIPs {
			peer.setAllowedIPs(pp.allowedIPs)
		} else {
			for _, a := range pp.allowedIPs {
				peer.addAllowedIP(a)
			}
		}
	}

	return errno
}
