package transport

// Handle identifies a remote endpoint for the lifetime of its connection.
// Handles are opaque to the replicator and may be reused after a peer leaves.
type Handle uint32

// Transport is the discovery and raw send/receive collaborator driven by the
// replicator once per tick. Every method must return without blocking.
type Transport interface {
	// Update pumps internal connection bookkeeping.
	Update()
	// PeerHandles appends the currently discoverable peers to dst.
	PeerHandles(dst []Handle) []Handle
	PeerGlobalID(h Handle) uint64
	PeerName(h Handle) string
	// PrimaryPeer reports the peer whose clock is authoritative, if any.
	PrimaryPeer() (Handle, bool)
	GlobalID() uint64
	// Send reports false when the message could not be handed off.
	Send(h Handle, msg []byte, reliable bool) bool
	// Receive copies one pending message into buf. n <= 0 means nothing is
	// pending.
	Receive(buf []byte) (n int, from Handle)
}
