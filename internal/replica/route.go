package replica

import (
	"time"

	"ghostnet/internal/debuglog"
	"ghostnet/internal/metrics"
	"ghostnet/internal/peer"
	"ghostnet/internal/proto"
)

// send encodes m and routes it to p, directly or through a relay.
func (r *Replicator) send(p *peer.Peer, m *proto.Message, reliable bool) bool {
	buf, err := proto.Encode(r.sendBuf[:0], m)
	if err != nil {
		debuglog.RateLimitedf("encode-"+m.Type.String(), 5*time.Second, "replica: encode failed type=%s err=%v", m.Type, err)
		return false
	}
	return r.route(p, buf, reliable)
}

func (r *Replicator) route(p *peer.Peer, msg []byte, reliable bool) bool {
	if p.Relay {
		if via := r.optimalRelay(p, nil); via != nil {
			env := proto.Message{
				Type:   proto.TypeRelay,
				Time:   float32(r.networkTime),
				From:   r.tr.GlobalID(),
				Target: p.GlobalID,
				Inner:  msg,
			}
			out, err := proto.Encode(r.envBuf[:0], &env)
			if err == nil {
				if r.tr.Send(via.Handle, out, reliable) {
					r.metrics.IncRelayed()
					return true
				}
				via.ErrorCount++
				return r.sendFailed(p)
			}
		}
	}
	if r.tr.Send(p.Handle, msg, reliable) {
		return true
	}
	return r.sendFailed(p)
}

func (r *Replicator) sendFailed(p *peer.Peer) bool {
	p.ErrorCount++
	r.metrics.IncSendErrors()
	return false
}

// optimalRelay picks the established, directly reachable peer with the
// lowest latency, preferring peers without send errors. dst and exclude are
// never chosen.
func (r *Replicator) optimalRelay(dst, exclude *peer.Peer) *peer.Peer {
	var best, fallback *peer.Peer
	r.peers.Each(func(c *peer.Peer) {
		if c == dst || c == exclude || c.State != peer.Established || c.Relay {
			return
		}
		if c.ErrorCount == 0 && (best == nil || c.Latency.Median < best.Latency.Median) {
			best = c
		}
		if fallback == nil || c.ErrorCount < fallback.ErrorCount ||
			(c.ErrorCount == fallback.ErrorCount && c.Latency.Median < fallback.Latency.Median) {
			fallback = c
		}
	})
	if best != nil {
		return best
	}
	return fallback
}

func (r *Replicator) receive() {
	for i := 0; i < maxReceivePerTick; i++ {
		n, h := r.tr.Receive(r.recvBuf[:])
		if n <= 0 {
			return
		}
		if n > len(r.recvBuf) {
			n = len(r.recvBuf)
		}
		p := r.peers.Get(h)
		if p == nil {
			r.metrics.IncDropByReason("unknown_handle")
			continue
		}
		p.Relay = false
		p.PacketCount++
		r.dispatchRaw(p, r.recvBuf[:n])
	}
}

func (r *Replicator) dispatchRaw(from *peer.Peer, b []byte) {
	m, err := proto.Decode(b)
	if err != nil {
		r.metrics.IncRouteDropDecode()
		debuglog.RateLimitedf("decode-"+from.Name, 5*time.Second, "replica: drop undecodable message peer=%s err=%v", from.Name, err)
		return
	}
	r.metrics.IncRecvByType(m.Type.String())
	switch m.Type {
	case proto.TypeRelay:
		r.handleRelay(from, &m)
	case proto.TypeMasquerade:
		origin := r.peers.ByGlobalID(m.From)
		if origin == nil {
			r.metrics.IncDropByReason("masquerade_unknown_origin")
			return
		}
		r.handleInner(origin, m.Inner)
	default:
		r.handleMessage(from, &m)
	}
}

func (r *Replicator) handleInner(origin *peer.Peer, inner []byte) {
	m, err := proto.Decode(inner)
	if err != nil || m.Type.IsEnvelope() {
		r.metrics.IncRouteDropDecode()
		return
	}
	r.metrics.IncRecvByType(m.Type.String())
	r.handleMessage(origin, &m)
}

// handleRelay delivers an envelope addressed to us or passes it on. A
// relayed target gets one more hop through another relay; otherwise the
// inner message goes straight to the target on behalf of the sender.
func (r *Replicator) handleRelay(via *peer.Peer, m *proto.Message) {
	if m.Target == r.tr.GlobalID() {
		origin := r.peers.ByGlobalID(m.From)
		if origin == nil {
			r.metrics.IncDropByReason("relay_unknown_origin")
			return
		}
		r.handleInner(origin, m.Inner)
		return
	}
	target := r.peers.ByGlobalID(m.Target)
	if target == nil || target.State != peer.Established {
		r.metrics.IncDropByReason("relay_unknown_target")
		return
	}
	reliable := proto.Type(m.Inner[0]).Reliable()
	if target.Relay && m.Hop < proto.MaxRelayHops {
		origin := r.peers.ByGlobalID(m.From)
		if next := r.optimalRelay(target, origin); next != nil && next != via {
			fwd := *m
			fwd.Hop++
			out, err := proto.Encode(r.envBuf[:0], &fwd)
			if err == nil && r.tr.Send(next.Handle, out, reliable) {
				r.metrics.IncForwarded()
				return
			}
			if err == nil {
				next.ErrorCount++
				r.metrics.IncSendErrors()
			}
		}
	}
	mq := proto.Message{
		Type:  proto.TypeMasquerade,
		Time:  m.Time,
		From:  m.From,
		Inner: m.Inner,
	}
	out, err := proto.Encode(r.envBuf[:0], &mq)
	if err != nil {
		r.metrics.IncRouteDropDecode()
		return
	}
	if r.tr.Send(target.Handle, out, reliable) {
		r.metrics.IncMasqueraded()
		return
	}
	r.sendFailed(target)
}

func (r *Replicator) handleMessage(p *peer.Peer, m *proto.Message) {
	switch {
	case m.Type == proto.TypeIAm:
		r.handleIAm(p, m)
	case m.Type == proto.TypePing:
		r.handlePing(p, m)
	case m.Type == proto.TypePong:
		r.handlePong(p, m)
	case m.Type == proto.TypeState || m.Type == proto.TypeDeltaState:
		r.handleState(p, m)
	case m.Type.IsEvent():
		r.handleEvents(p, m)
	case m.Type == proto.TypeBye:
		r.handleBye(p)
	}
}

func connEvent(p *peer.Peer, kind string) metrics.ConnEvent {
	return metrics.ConnEvent{
		At:       time.Now().UTC(),
		Peer:     p.Name,
		GlobalID: p.GlobalID,
		Kind:     kind,
	}
}
