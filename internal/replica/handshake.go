package replica

import (
	"ghostnet/internal/debuglog"
	"ghostnet/internal/peer"
	"ghostnet/internal/proto"
	"ghostnet/internal/transport"
)

// refresh reconciles the registry with discovery and advances the per-peer
// handshake and failure bookkeeping.
func (r *Replicator) refresh(dt float64) {
	r.handles = r.tr.PeerHandles(r.handles[:0])
	clear(r.seen)
	for _, h := range r.handles {
		r.seen[h] = struct{}{}
		id := r.tr.PeerGlobalID(h)
		p := r.peers.Get(h)
		if p != nil && p.GlobalID != 0 && id != 0 && p.GlobalID != id {
			// handle reused by a different node
			r.dropPeer(p)
			p = nil
		}
		if p == nil {
			p = peer.New(h, id, r.tr.PeerName(h))
			p.TimeUntilIAm = r.iamDelay()
			r.peers.Add(p)
			debuglog.Debugf("replica: peer discovered handle=%d id=%d name=%s", h, id, p.Name)
		}
	}
	for _, h := range r.peers.Handles() {
		if _, ok := r.seen[h]; !ok {
			r.dropPeer(r.peers.Get(h))
		}
	}
	r.peers.Each(func(p *peer.Peer) {
		switch p.State {
		case peer.Initial:
			p.TimeUntilIAm -= dt
			if p.TimeUntilIAm > 0 {
				return
			}
			p.TimeUntilIAm = r.iamDelay()
			p.PendingIAm++
			if p.PendingIAm > r.cfg.MaxPendingIAm {
				r.toggleRelay(p, "handshake")
			}
			p.Initiated = true
			r.sendIAm(p, 0)
		case peer.Established:
			if p.PendingPing > r.cfg.MaxPendingPing || p.ErrorCount >= r.cfg.MaxErrorCount {
				r.toggleRelay(p, "failures")
			}
		}
	})
}

// iamDelay spreads handshake attempts over [0.5, 1.5] x IAmInterval.
func (r *Replicator) iamDelay() float64 {
	return r.cfg.IAmInterval * (0.5 + r.rng.Float64())
}

// restartGrace covers the longest handshake retry delay.
func (r *Replicator) restartGrace() float64 {
	return 2 * r.cfg.IAmInterval
}

func (r *Replicator) toggleRelay(p *peer.Peer, reason string) {
	p.ToggleRelay()
	r.metrics.IncRelayToggles()
	debuglog.Debugf("replica: relay toggled peer=%s relay=%v reason=%s", p.Name, p.Relay, reason)
}

func (r *Replicator) dropPeer(p *peer.Peer) {
	if p == nil {
		return
	}
	if p.State == peer.Established {
		r.disconnect(p)
	}
	p.ReleaseGhost()
	r.metrics.AddEventDropUnsent(len(p.Outbox))
	p.Outbox = nil
	r.peers.Remove(p.Handle)
}

func (r *Replicator) disconnect(p *peer.Peer) {
	p.State = peer.Disconnected
	p.ReleaseGhost()
	r.metrics.IncDisconnects()
	r.metrics.Recent().Add(connEvent(p, "disconnected"))
	r.note(Notification{Time: r.networkTime, Kind: KindDisconnected, Peer: p.Handle})
	debuglog.Logf("replica: peer disconnected name=%s id=%d", p.Name, p.GlobalID)
}

func (r *Replicator) sendIAm(p *peer.Peer, seq uint8) {
	m := proto.Message{
		Type:     proto.TypeIAm,
		Time:     float32(r.networkTime),
		Seq:      seq,
		GlobalID: r.tr.GlobalID(),
	}
	r.send(p, &m, false)
}

func (r *Replicator) sendBye(p *peer.Peer) {
	m := proto.Message{Type: proto.TypeBye, Time: float32(r.networkTime)}
	r.send(p, &m, true)
}

func (r *Replicator) handleIAm(p *peer.Peer, m *proto.Message) {
	if p.GlobalID == 0 {
		p.GlobalID = m.GlobalID
	} else if m.GlobalID != p.GlobalID {
		r.metrics.IncDropByReason("iam_id_mismatch")
		return
	}
	switch m.Seq {
	case 0:
		if p.State == peer.Established && p.HasRemoteTime && r.networkTime-p.EstablishedAt > r.restartGrace() {
			// a restarted remote opens a new handshake on the same handle;
			// retries of the first handshake land inside the grace window and
			// come from a peer that never sent us state
			r.disconnect(p)
			r.metrics.AddEventDropUnsent(len(p.Outbox))
		}
		if p.State == peer.Disconnected {
			p.Reset()
			p.TimeUntilIAm = r.iamDelay()
		}
		p.Replied = true
		r.sendIAm(p, 1)
	case 1:
		if !p.Initiated {
			r.metrics.IncDropByReason("iam_unsolicited")
			return
		}
		r.snapForward(p, m)
		r.sendIAm(p, 2)
		r.establish(p)
	case 2:
		if !p.Replied {
			r.metrics.IncDropByReason("iam_unsolicited")
			return
		}
		r.snapForward(p, m)
		r.establish(p)
	default:
		r.metrics.IncDropByReason("iam_seq")
	}
}

// snapForward jumps the clock to a peer that is ahead of us on its first
// handshake reply.
func (r *Replicator) snapForward(p *peer.Peer, m *proto.Message) {
	if p.State == peer.Established {
		return
	}
	if remote := float64(m.Time); remote > r.networkTime {
		r.AdjustTime(remote - r.networkTime)
	}
}

func (r *Replicator) establish(p *peer.Peer) {
	if p.State == peer.Established {
		return
	}
	if p.Ghost == nil {
		p.Ghost = peer.NewGhost(r.template)
	}
	p.State = peer.Established
	p.EstablishedAt = r.networkTime
	p.PendingIAm = 0
	p.TimeUntilTx = 0
	r.metrics.IncHandshakes()
	r.metrics.Recent().Add(connEvent(p, "connected"))
	r.note(Notification{Time: r.networkTime, Kind: KindConnected, Peer: p.Handle})
	debuglog.Logf("replica: peer established name=%s id=%d relay=%v", p.Name, p.GlobalID, p.Relay)
	r.sendPing(p)
}

func (r *Replicator) handleBye(p *peer.Peer) {
	r.metrics.IncByes()
	if p.State == peer.Established {
		r.disconnect(p)
	}
	p.State = peer.Disconnected
	p.Outbox = nil
	p.Initiated = false
	p.Replied = false
}

// PrimaryHandle reports the transport's clock authority, if any.
func (r *Replicator) PrimaryHandle() (transport.Handle, bool) {
	return r.tr.PrimaryPeer()
}

func (r *Replicator) isPrimary(p *peer.Peer) bool {
	h, ok := r.tr.PrimaryPeer()
	return ok && h == p.Handle
}
