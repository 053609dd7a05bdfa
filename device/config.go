package device

import (
	"io"
	"net"

	"wgtun/logging"
)

// FirewallFunc is an optional, device-level packet-inspection hook.
// Returning false drops the packet; for the outbound path the callback
// may itself write a rejection (e.g. an ICMP message) back through
// tunWriter before returning false. On the outbound path the address
// argument is the packet's destination; on the inbound path it is the
// decrypted packet's source.
type FirewallFunc func(dst net.IP, packet []byte, tunWriter io.Writer) bool

// ProtectFunc is the platform "make external" hook: called with the raw
// file descriptor of a newly-created per-peer connected socket, before
// it is connected, so the embedder can exclude it from the VPN's own
// routing (e.g. SO_MARK on Linux, or a bind-to-interface on Android)
// and avoid a routing loop. A nil ProtectFunc is a no-op.
type ProtectFunc func(fd uintptr) error

// Config holds the ambient, deployment-specific knobs a Device needs
// beyond the WireGuard protocol state itself: worker-pool sizing,
// channel backpressure, socket tuning, logging, and the optional
// firewall hooks. Zero-value fields fall back to the defaults applied
// by NewConfig.
type Config struct {
	// NumWorkers is the size of the encrypt-worker pool. Zero
	// means one worker per runtime.NumCPU().
	NumWorkers int

	// UseConnectedSocket enables the connect(2)-per-peer fast path for
	// outbound datagrams once a peer's endpoint is known.
	UseConnectedSocket bool

	// MultiQueue requests a multi-queue TUN device where the platform
	// binding supports it.
	MultiQueue bool

	// SocketBufferSize overrides the UDP socket's SO_RCVBUF/SO_SNDBUF.
	// Nil leaves the OS default in place.
	SocketBufferSize *int

	// ChannelCapacity bounds the TUN<->UDP handoff channels. Default
	// 500, per the backpressure model.
	ChannelCapacity int

	// BatchSize bounds how many packets a single pipeline stage drains
	// per iteration before yielding. Default 50.
	BatchSize int

	Logger logging.Logger

	// InboundFirewall/OutboundFirewall, if set, are consulted by the
	// TUN writer and the encrypt workers respectively before a packet is
	// delivered to the TUN device or to the network.
	InboundFirewall  FirewallFunc
	OutboundFirewall FirewallFunc

	// Protect, if set, is invoked on every per-peer connected socket
	// before it binds and connects, so an embedder can exclude VPN
	// traffic from itself. The device's own listen sockets are not
	// passed to it. Nil is a
	// no-op, matching platforms with nothing to protect against.
	Protect ProtectFunc
}

const (
	defaultChannelCapacity = 500
	defaultBatchSize       = 50
	maxDatagramsPerIter    = 100
)

// NewConfig returns a Config with every zero-value field replaced by its
// documented default.
func NewConfig() Config {
	return Config{
		ChannelCapacity: defaultChannelCapacity,
		BatchSize:       defaultBatchSize,
		Logger:          logging.NewDefault(),
	}
}

// withDefaults returns a copy of c with zero-value fields replaced, used
// by NewDevice so callers aren't required to call NewConfig themselves.
func (c Config) withDefaults() Config {
	if c.ChannelCapacity == 0 {
		c.ChannelCapacity = defaultChannelCapacity
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Logger == nil {
		c.Logger = logging.NewDefault()
	}
	return c
}
