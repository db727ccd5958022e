package replica

import (
	"math"
	"time"

	"ghostnet/internal/debuglog"
	"ghostnet/internal/peer"
	"ghostnet/internal/proto"
	"ghostnet/internal/state"
)

func (r *Replicator) replicate(dt float64) {
	if r.local == nil || r.template == nil {
		return
	}
	origin, hasOrigin := r.localOrigin()
	r.peers.Each(func(p *peer.Peer) {
		if p.State != peer.Established || p.Ghost == nil {
			return
		}
		p.TimeUntilTx -= dt
		if p.TimeUntilTx > 0 {
			return
		}
		p.TimeUntilTx = r.txInterval(p, origin, hasOrigin)
		r.sendState(p, origin, hasOrigin)
	})
}

// txInterval blends from the near to the far send interval with the
// distance to the peer's ghost.
func (r *Replicator) txInterval(p *peer.Peer, origin state.Vec3, hasOrigin bool) float64 {
	if !hasOrigin || p.Ghost == nil || !p.Ghost.HasOrigin {
		return r.cfg.FarInterval
	}
	d := float64(state.Distance(origin, p.Ghost.Origin))
	t := clamp(d/r.cfg.FarDistance, 0, 1)
	return r.cfg.NearInterval + (r.cfg.FarInterval-r.cfg.NearInterval)*t
}

func (r *Replicator) sendState(p *peer.Peer, origin state.Vec3, hasOrigin bool) {
	now := float32(r.networkTime)
	m := proto.Message{
		Type:      proto.TypeState,
		Time:      now,
		HasOrigin: hasOrigin,
		Origin:    origin.Array(),
		Latency:   float32(p.Latency.Median),
	}
	n, delta := 0, false
	ref := r.local
	if dtpl, ok := r.template.(state.DeltaTemplate); ok && r.useDelta(p) {
		if k, err := dtpl.PackDelta(r.local, p.Iframe.State, r.stateBuf[:]); err == nil {
			// the next delta must build on what the receiver reconstructs,
			// not on the exact local state
			if rec, err := dtpl.UnpackDelta(r.stateBuf[:k], p.Iframe.State); err == nil {
				n, delta, ref = k, true, rec
				m.Type = proto.TypeDeltaState
				m.RefTime = p.Iframe.Time
			}
		}
	}
	if !delta {
		k, err := r.template.Pack(r.local, r.stateBuf[:])
		if err != nil {
			debuglog.RateLimitedf("pack", 5*time.Second, "replica: pack local state failed err=%v", err)
			return
		}
		n = k
	}
	m.Data = r.stateBuf[:n]
	if !r.send(p, &m, false) {
		p.Iframe.Clear()
		p.FramesSinceKey = 0
		return
	}
	p.ErrorCount = 0
	if delta {
		p.FramesSinceKey++
		r.metrics.IncStateDeltaSent()
	} else {
		p.FramesSinceKey = 0
	}
	p.Iframe.Set(ref, now)
	r.metrics.IncStateSent()
}

// useDelta reports whether the next frame to p may be delta coded. Every
// KeyframeEvery-th frame is sent in full so a receiver that lost the chain
// can resync.
func (r *Replicator) useDelta(p *peer.Peer) bool {
	return r.cfg.DeltaFrames && p.Iframe.Valid && p.FramesSinceKey+1 < r.cfg.KeyframeEvery
}

func (r *Replicator) handleState(p *peer.Peer, m *proto.Message) {
	if p.State != peer.Established || p.Ghost == nil {
		r.metrics.IncDropByReason("state_not_established")
		return
	}
	if r.template == nil {
		r.metrics.IncStateDropUnpack()
		return
	}
	s, ok := r.unpack(p, m)
	if !ok {
		return
	}
	remote := float64(m.Time)
	if !p.HasRemoteTime || m.Time > p.LastRemoteTime {
		offset := clamp(r.networkTime-p.Latency.Median-remote, 0, r.cfg.MaxTickOffset)
		p.Ghost.Push(s, remote+offset)
		switch {
		case m.HasOrigin:
			p.Ghost.Origin = state.FromArray(m.Origin)
			p.Ghost.HasOrigin = true
		default:
			if loc, ok := r.template.(state.Locator); ok {
				p.Ghost.Origin, p.Ghost.HasOrigin = loc.Origin(s)
			}
		}
		p.LastRemoteTime = m.Time
		p.HasRemoteTime = true
		p.RemoteIframe.Set(s, m.Time)
		r.metrics.IncStateReceived()
		if r.isPrimary(p) {
			r.syncClock(m)
		}
	} else {
		// Out of order: map onto local time with the offset of the newest
		// sample and slot it behind S0.
		_, t0, _ := p.Ghost.Latest()
		t := t0 - (float64(p.LastRemoteTime) - remote)
		if m.Time == p.LastRemoteTime || !p.Ghost.Insert(s, t) {
			r.metrics.IncStateDropStale()
			return
		}
		r.metrics.IncStateInserted()
	}
	p.StateCount++
	r.note(Notification{Time: remote, Kind: KindState, Peer: p.Handle, State: s})
}

func (r *Replicator) unpack(p *peer.Peer, m *proto.Message) (state.State, bool) {
	if m.Type == proto.TypeDeltaState {
		dtpl, ok := r.template.(state.DeltaTemplate)
		if !ok || !p.RemoteIframe.Valid || p.RemoteIframe.Time != m.RefTime {
			r.metrics.IncStateDropDelta()
			debuglog.RateLimitedf("delta-ref-"+p.Name, 2*time.Second, "replica: drop delta without reference peer=%s ref=%.3f", p.Name, m.RefTime)
			return nil, false
		}
		s, err := dtpl.UnpackDelta(m.Data, p.RemoteIframe.State)
		if err != nil {
			r.metrics.IncStateDropUnpack()
			return nil, false
		}
		return s, true
	}
	s, err := r.template.Unpack(m.Data)
	if err != nil {
		r.metrics.IncStateDropUnpack()
		debuglog.RateLimitedf("unpack-"+p.Name, 2*time.Second, "replica: unpack failed peer=%s err=%v", p.Name, err)
		return nil, false
	}
	return s, true
}

// syncClock nudges network time toward the primary's clock plus its one-way
// latency and the configured lead. Large errors correct faster, every step
// is bounded by MaxTimeAdjust.
func (r *Replicator) syncClock(m *proto.Message) {
	target := float64(m.Time) + float64(m.Latency) + r.cfg.InitialTimeOffset
	diff := target - r.networkTime
	gain := clamp(math.Abs(diff)/r.cfg.SyncWindow, r.cfg.MinSyncGain, 1)
	adjust := clamp(diff*gain, -r.cfg.MaxTimeAdjust, r.cfg.MaxTimeAdjust)
	if adjust == 0 {
		return
	}
	r.AdjustTime(adjust)
	r.metrics.IncClockAdjust()
}
