package device

import "errors"

var (
	// ErrConnectionExpired is returned by Tunn.updateTimers when a
	// handshake has not completed within REKEY_ATTEMPT_TIME, or a
	// session has outlived 3*RejectAfterTime with no persistent
	// keepalive configured to resurrect it.
	ErrConnectionExpired = errors.New("device: connection expired")

	// ErrUnderLoad names the condition in which the rate limiter calls
	// for a cookie reply instead of a full handshake response. No
	// function in this package returns it; the unconnected UDP handler
	// sends the cookie reply directly.
	ErrUnderLoad = errors.New("device: under load, cookie required")

	// ErrInvalidMAC means MAC1 (or MAC2, when present) failed to verify.
	ErrInvalidMAC = errors.New("device: invalid packet MAC")

	// ErrDuplicateCounter means the data packet's counter fell at or
	// behind the replay window's trailing edge.
	ErrDuplicateCounter = errors.New("device: duplicate counter")

	// ErrUnknownPeer means a data or cookie-reply packet's receiver
	// index did not resolve to a live peer.
	ErrUnknownPeer = errors.New("device: unknown peer index")

	// ErrHandshakeNotReady is returned when a caller tries to encrypt
	// data traffic before any session has been established.
	ErrHandshakeNotReady = errors.New("device: no current session")

	// ErrWrongPacketType means the first byte of a wire packet did not
	// match any of the four known WireGuard message types.
	ErrWrongPacketType = errors.New("device: unrecognized packet type")

	// ErrPeerKeyMismatch is returned by consumeInitiation when the
	// initiator's static key is not the configured peer key, and wrapped
	// by setStaticPrivate when the static-static DH with a new private
	// key is rejected (an all-zero result).
	ErrPeerKeyMismatch = errors.New("device: static key does not match configured peer")

	// ErrEndpointNotSet is returned by connectEndpoint when the peer has
	// no address on record yet.
	ErrEndpointNotSet = errors.New("device: peer endpoint not set")

	// ErrEndpointAlreadyConnected is returned by connectEndpoint when a
	// connected socket already exists for this peer.
	ErrEndpointAlreadyConnected = errors.New("device: peer endpoint already connected")

	// ErrDeviceClosed is returned by the firewall callbacks' TUN writer
	// when no TUN device is installed.
	ErrDeviceClosed = errors.New("device: closed")
)
