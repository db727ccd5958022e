package replica

import (
	"math"
	"testing"

	"ghostnet/internal/config"
	"ghostnet/internal/proto"
	"ghostnet/internal/transport"
)

const pingDT = 1.0 / 30

func TestPingRoundRobinAndLatency(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.DefaultReplication()
	a := newNode(t, hub, 1, "a", cfg)
	b := newNode(t, hub, 2, "b", cfg)
	c := newNode(t, hub, 3, "c", cfg)
	nodes := []node{a, b, c}
	now := 0.0
	for i := 0; i < 300; i++ {
		now = run(nodes, now, 1, pingDT)
		if established(a, b.ep.Handle()) && established(a, c.ep.Handle()) &&
			established(b, c.ep.Handle()) && established(b, a.ep.Handle()) &&
			established(c, a.ep.Handle()) && established(c, b.ep.Handle()) {
			break
		}
	}
	if !established(a, b.ep.Handle()) || !established(c, b.ep.Handle()) {
		t.Fatalf("expected a full mesh")
	}

	// with two established peers each gets one slot per interval
	before := map[transport.Handle]int{}
	for _, h := range []transport.Handle{b.ep.Handle(), c.ep.Handle()} {
		before[h] = a.r.peers.Get(h).Latency.Samples()
	}
	now = run(nodes, now, int(cfg.PingInterval/pingDT)+2, pingDT)
	for h, n := range before {
		if got := a.r.peers.Get(h).Latency.Samples(); got <= n {
			t.Fatalf("expected peer %d pinged within one interval, samples %d -> %d", h, n, got)
		}
	}

	// let a few more rounds settle the medians, then compare both ends
	run(nodes, now, 120, pingDT)
	pairs := []struct{ from, to node }{{a, b}, {a, c}, {b, c}, {c, a}}
	for _, pr := range pairs {
		mine := pr.from.r.peers.Get(pr.to.ep.Handle()).Latency
		theirs := pr.to.r.peers.Get(pr.from.ep.Handle()).Latency
		if mine.Median < 0 || mine.Median > 2*pingDT {
			t.Fatalf("unexpected median %v on a one-tick hub", mine.Median)
		}
		if math.Abs(mine.Reversed-theirs.Median) > 1e-4 {
			t.Fatalf("expected reversed latency %v to match the remote median %v", mine.Reversed, theirs.Median)
		}
	}
}

func TestPingReplyAndStampWrap(t *testing.T) {
	hub := transport.NewHub()
	n := newNode(t, hub, 1, "n", config.DefaultReplication())
	raw := hub.Join(2, "raw")
	rawHandshake(t, n, raw)

	raw.Send(n.ep.Handle(), encodeMsg(t, proto.Message{Type: proto.TypePing, Stamp: 17.5, Latency: 0.25}), false)
	n.r.Update(0, 0)
	pongs := ofType(drain(t, raw), proto.TypePong)
	if len(pongs) != 1 || pongs[0].Stamp != 17.5 {
		t.Fatalf("expected one pong echoing the stamp, got %+v", pongs)
	}
	if info, _ := n.r.Peer(raw.Handle()); info.LatencyReversed != 0.25 {
		t.Fatalf("expected reversed latency from the ping, got %v", info.LatencyReversed)
	}

	// the pong crosses the stamp wrap: sent at 1023.99, answered at 1024.01
	n.r.peers.Get(raw.Handle()).PendingPing = 2
	raw.Send(n.ep.Handle(), encodeMsg(t, proto.Message{Type: proto.TypePong, Stamp: 1023.99, Latency: 0.5}), false)
	n.r.Update(1024.01, 0)
	info, _ := n.r.Peer(raw.Handle())
	if math.Abs(info.LatencyMedian-0.01) > 1e-3 {
		t.Fatalf("expected a 10ms one-way latency across the wrap, got %v", info.LatencyMedian)
	}
	if info.PendingPing != 0 || info.LatencyReversed != 0.5 {
		t.Fatalf("expected pong to clear pending pings and carry the peer median, got %+v", info)
	}
}

func TestUnansweredPingsToggleRelay(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.DefaultReplication()
	a := newNode(t, hub, 1, "a", cfg)
	b := newNode(t, hub, 2, "b", cfg)
	nodes := []node{a, b}
	now := 0.0
	for i := 0; i < 300 && !(established(a, b.ep.Handle()) && established(b, a.ep.Handle())); i++ {
		now = run(nodes, now, 1, pingDT)
	}
	if !established(a, b.ep.Handle()) {
		t.Fatalf("expected a and b established")
	}

	// pongs from b never reach a
	hub.SetLink(2, 1, transport.LinkDrop)
	maxPending := 0
	ticks := int(float64(cfg.MaxPendingPing+3) * cfg.PingInterval / pingDT)
	for i := 0; i < ticks; i++ {
		now = run(nodes, now, 1, pingDT)
		info, _ := a.r.Peer(b.ep.Handle())
		if info.Relay {
			break
		}
		maxPending = max(maxPending, info.PendingPing)
	}
	info, _ := a.r.Peer(b.ep.Handle())
	if !info.Relay {
		t.Fatalf("expected unanswered pings to toggle relay, got %+v", info)
	}
	if maxPending != cfg.MaxPendingPing+1 {
		t.Fatalf("expected the toggle once pending pings passed %d, peaked at %d", cfg.MaxPendingPing, maxPending)
	}
	if info.PendingPing != 0 || a.r.Metrics().Snapshot().Route.RelayToggles != 1 {
		t.Fatalf("expected cleared ping counter and one toggle, got %+v", info)
	}
}
