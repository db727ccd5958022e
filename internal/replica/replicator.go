// Package replica keeps a set of peers in approximate agreement about each
// other's state. A Replicator is driven by one Update call per simulation
// tick and never blocks: all traffic goes through a transport.Transport that
// is polled, not waited on.
package replica

import (
	"math/rand"

	"ghostnet/internal/config"
	"ghostnet/internal/debuglog"
	"ghostnet/internal/eventcodec"
	"ghostnet/internal/metrics"
	"ghostnet/internal/peer"
	"ghostnet/internal/proto"
	"ghostnet/internal/state"
	"ghostnet/internal/transport"
)

// maxReceivePerTick bounds how much inbound traffic one Update drains.
const maxReceivePerTick = 4096

type Options struct {
	Config  config.Replication
	Codec   *eventcodec.Registry
	Metrics *metrics.Metrics
	// Seed drives the handshake jitter. Zero derives it from the local
	// global id.
	Seed int64
}

type Replicator struct {
	cfg     config.Replication
	tr      transport.Transport
	codec   *eventcodec.Registry
	metrics *metrics.Metrics
	rng     *rand.Rand

	peers     *peer.Registry
	listeners []Listener
	notes     []Notification
	pending   []peer.Event

	networkTime float64
	localTime   float64

	local     state.State
	template  state.Template
	origin    state.Vec3
	hasOrigin bool

	pingTimer float64
	pingLast  transport.Handle

	handles  []transport.Handle
	seen     map[transport.Handle]struct{}
	records  []proto.EventRecord
	sendBuf  [proto.MessageSize]byte
	envBuf   [proto.MessageSize]byte
	recvBuf  [proto.MessageSize]byte
	stateBuf [proto.MaxBodySize]byte

	destroyed bool
}

func New(tr transport.Transport, opts Options) *Replicator {
	cfg := opts.Config
	if cfg == (config.Replication{}) {
		cfg = config.DefaultReplication()
	} else if err := cfg.Validate(); err != nil {
		debuglog.Logf("replica: invalid config, using defaults err=%v", err)
		cfg = config.DefaultReplication()
	}
	codec := opts.Codec
	if codec == nil {
		codec = eventcodec.NewRegistry()
		_ = eventcodec.RegisterBuiltins(codec)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = int64(tr.GlobalID())
	}
	return &Replicator{
		cfg:     cfg,
		tr:      tr,
		codec:   codec,
		metrics: m,
		rng:     rand.New(rand.NewSource(seed)),
		peers:   peer.NewRegistry(),
		seen:    make(map[transport.Handle]struct{}),
	}
}

// Update advances network time by dt and runs one replication tick. now is
// the caller's monotonic clock and is only used for round-trip stamps.
func (r *Replicator) Update(now, dt float64) {
	if r.destroyed {
		return
	}
	r.localTime = now
	r.networkTime += dt
	r.tr.Update()
	r.refresh(dt)
	r.replicate(dt)
	r.flushEvents()
	r.ping(dt)
	r.receive()
	r.metrics.SetNetworkTime(r.networkTime)
	r.dispatch()
}

func (r *Replicator) NetworkTime() float64 { return r.networkTime }

func (r *Replicator) Metrics() *metrics.Metrics { return r.metrics }

func (r *Replicator) Codec() *eventcodec.Registry { return r.codec }

// AdjustTime shifts network time together with every ghost stamp and every
// queued event, so buffered history keeps its relation to the clock.
func (r *Replicator) AdjustTime(offset float64) {
	if offset == 0 {
		return
	}
	r.networkTime += offset
	r.peers.Each(func(p *peer.Peer) {
		if p.Ghost != nil {
			p.Ghost.Shift(offset)
		}
		for i := range p.Outbox {
			p.Outbox[i].Time += offset
		}
	})
	for i := range r.pending {
		r.pending[i].Time += offset
	}
}

// SetLocalState sets the state replicated to every peer. A nil template
// keeps the current one.
func (r *Replicator) SetLocalState(s state.State, tpl state.Template) {
	r.local = s
	if tpl == nil {
		return
	}
	r.template = tpl
	r.peers.Each(func(p *peer.Peer) {
		if p.Ghost != nil && p.Ghost.Template == nil {
			p.Ghost.Template = tpl
		}
	})
}

// SetOrigin overrides the local position used for send-rate decisions.
func (r *Replicator) SetOrigin(v state.Vec3) {
	r.origin = v
	r.hasOrigin = true
}

func (r *Replicator) localOrigin() (state.Vec3, bool) {
	if r.hasOrigin {
		return r.origin, true
	}
	if loc, ok := r.template.(state.Locator); ok && r.local != nil {
		return loc.Origin(r.local)
	}
	return state.Vec3{}, false
}

// GhostState estimates the state of peer h at the current network time.
func (r *Replicator) GhostState(h transport.Handle, current state.State) (state.State, bool) {
	p := r.peers.Get(h)
	if p == nil || p.Ghost == nil {
		return nil, false
	}
	return p.Ghost.Estimate(current, r.networkTime)
}

// Ghost exposes the ghost of h so the caller can attach an object to it.
func (r *Replicator) Ghost(h transport.Handle) *peer.Ghost {
	if p := r.peers.Get(h); p != nil {
		return p.Ghost
	}
	return nil
}

// PeerInfo is a read-only view of one peer.
type PeerInfo struct {
	Handle          transport.Handle
	GlobalID        uint64
	Name            string
	State           peer.State
	Relay           bool
	ErrorCount      int
	PendingPing     int
	PendingIAm      int
	LatencyMedian   float64
	LatencyMinimum  float64
	LatencyReversed float64
	PacketCount     uint64
	StateCount      uint64
	Outbox          int
	HasGhost        bool
}

func infoOf(p *peer.Peer) PeerInfo {
	return PeerInfo{
		Handle:          p.Handle,
		GlobalID:        p.GlobalID,
		Name:            p.Name,
		State:           p.State,
		Relay:           p.Relay,
		ErrorCount:      p.ErrorCount,
		PendingPing:     p.PendingPing,
		PendingIAm:      p.PendingIAm,
		LatencyMedian:   p.Latency.Median,
		LatencyMinimum:  p.Latency.Minimum,
		LatencyReversed: p.Latency.Reversed,
		PacketCount:     p.PacketCount,
		StateCount:      p.StateCount,
		Outbox:          len(p.Outbox),
		HasGhost:        p.Ghost != nil,
	}
}

func (r *Replicator) Peer(h transport.Handle) (PeerInfo, bool) {
	p := r.peers.Get(h)
	if p == nil {
		return PeerInfo{}, false
	}
	return infoOf(p), true
}

// Peers lists every known peer in handle order.
func (r *Replicator) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, r.peers.Len())
	r.peers.Each(func(p *peer.Peer) { out = append(out, infoOf(p)) })
	return out
}

// PendingEvents counts events not yet assigned to a peer outbox.
func (r *Replicator) PendingEvents() int { return len(r.pending) }

// Destroy says goodbye to every established peer, drains the transport once
// and releases all peers. The replicator is unusable afterwards.
func (r *Replicator) Destroy() {
	if r.destroyed {
		return
	}
	r.peers.Each(func(p *peer.Peer) {
		if p.State == peer.Established {
			r.sendBye(p)
		}
	})
	r.tr.Update()
	r.peers.Each(func(p *peer.Peer) {
		p.ReleaseGhost()
		p.Outbox = nil
	})
	r.peers.Clear()
	r.pending = nil
	r.notes = nil
	r.destroyed = true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
