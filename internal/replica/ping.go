package replica

import (
	"math"

	"ghostnet/internal/peer"
	"ghostnet/internal/proto"
)

// Ping stamps wrap so float32 keeps millisecond resolution on long runs.
const pingStampWrap = 1024.0

// ping sends one ping per slot to the next established peer in handle
// order. The slot shrinks as peers join so total ping traffic stays flat.
func (r *Replicator) ping(dt float64) {
	established := r.peers.CountState(peer.Established)
	if established == 0 {
		r.pingTimer = 0
		return
	}
	r.pingTimer -= dt
	if r.pingTimer > 0 {
		return
	}
	r.pingTimer = r.cfg.PingInterval / float64(max(1, established))
	var first, next *peer.Peer
	r.peers.Each(func(p *peer.Peer) {
		if p.State != peer.Established {
			return
		}
		if first == nil {
			first = p
		}
		if next == nil && p.Handle > r.pingLast {
			next = p
		}
	})
	if next == nil {
		next = first
	}
	r.pingLast = next.Handle
	r.sendPing(next)
}

func (r *Replicator) stamp() float32 {
	return float32(math.Mod(r.localTime, pingStampWrap))
}

func (r *Replicator) sendPing(p *peer.Peer) {
	p.PendingPing++
	r.metrics.IncPings()
	m := proto.Message{
		Type:    proto.TypePing,
		Time:    float32(r.networkTime),
		Stamp:   r.stamp(),
		Latency: float32(p.Latency.Median),
	}
	r.send(p, &m, false)
}

func (r *Replicator) handlePing(p *peer.Peer, m *proto.Message) {
	if p.State == peer.Disconnected {
		return
	}
	p.Latency.Reversed = float64(m.Latency)
	reply := proto.Message{
		Type:    proto.TypePong,
		Time:    float32(r.networkTime),
		Stamp:   m.Stamp,
		Latency: float32(p.Latency.Median),
	}
	r.send(p, &reply, false)
}

func (r *Replicator) handlePong(p *peer.Peer, m *proto.Message) {
	if p.State != peer.Established {
		return
	}
	rtt := math.Mod(float64(r.stamp())-float64(m.Stamp)+pingStampWrap, pingStampWrap)
	p.Latency.Add(rtt)
	p.Latency.Reversed = float64(m.Latency)
	p.PendingPing = 0
}
