package replica

import (
	"errors"
	"testing"

	"ghostnet/internal/config"
	"ghostnet/internal/eventcodec"
	"ghostnet/internal/proto"
	"ghostnet/internal/transport"
)

func TestSendErrorsToggleRelay(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.DefaultReplication()
	n := newNode(t, hub, 1, "n", cfg)
	raw := hub.Join(2, "raw")
	rawHandshake(t, n, raw)
	// arm the ping timer so dt=0 ticks send nothing but the outbox
	n.r.Update(0, 0)
	drain(t, raw)

	hub.SetLink(1, 2, transport.LinkFail)
	if err := n.r.SendEvent(raw.Handle(), 1, &eventcodec.Text{Body: "stuck"}); err != nil {
		t.Fatalf("send event: %v", err)
	}
	for i := 1; i <= cfg.MaxErrorCount; i++ {
		n.r.Update(0, 0)
		info, _ := n.r.Peer(raw.Handle())
		if info.ErrorCount != i || info.Relay {
			t.Fatalf("tick %d: expected %d errors on a direct route, got %+v", i, i, info)
		}
	}

	hub.SetLink(1, 2, transport.LinkOK)
	n.r.Update(0, 0)
	info, _ := n.r.Peer(raw.Handle())
	if !info.Relay || info.ErrorCount != 0 || info.PendingPing != 0 {
		t.Fatalf("expected relay routing with cleared counters, got %+v", info)
	}
	if info.Outbox != 0 {
		t.Fatalf("expected the event to go out once the link recovered")
	}
	if got := n.r.Metrics().Snapshot().Route.RelayToggles; got != 1 {
		t.Fatalf("expected one relay toggle, got %d", got)
	}
	if len(ofType(drain(t, raw), proto.TypeEvent1)) != 1 {
		t.Fatalf("expected the retained event to arrive")
	}
}

func TestRelayAroundBrokenLink(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.DefaultReplication()
	a := newNode(t, hub, 1, "a", cfg)
	b := newNode(t, hub, 2, "b", cfg)
	c := newNode(t, hub, 3, "c", cfg)
	nodes := []node{a, b, c}
	now := run(nodes, 0, 100, 0.05)
	for _, n := range nodes {
		if len(n.r.Peers()) != 2 {
			t.Fatalf("expected full mesh")
		}
	}

	hub.SetLinkBoth(1, 2, transport.LinkFail)
	relayed := func() bool {
		ab, _ := a.r.Peer(b.ep.Handle())
		ba, _ := b.r.Peer(a.ep.Handle())
		return ab.Relay && ba.Relay
	}
	for i := 0; i < 400 && !relayed(); i++ {
		now = run(nodes, now, 1, 0.05)
	}
	if !relayed() {
		t.Fatalf("expected both ends of the broken link to switch to relay")
	}

	if err := a.r.SendEvent(b.ep.Handle(), 9, &eventcodec.Text{Body: "around"}); err != nil {
		t.Fatalf("send event: %v", err)
	}
	run(nodes, now, 2, 0.05)
	i := b.rec.first(KindEvent, a.ep.Handle())
	if i < 0 {
		t.Fatalf("expected relayed event to arrive from a")
	}
	if txt := b.rec.notes[i].Object.(*eventcodec.Text); txt.Body != "around" {
		t.Fatalf("unexpected body %q", txt.Body)
	}
	if a.r.Metrics().Snapshot().Route.Relayed == 0 {
		t.Fatalf("expected a to count relayed sends")
	}
	if c.r.Metrics().Snapshot().Route.Masqueraded == 0 {
		t.Fatalf("expected c to masquerade for a")
	}
	if !established(a, b.ep.Handle()) || !established(b, a.ep.Handle()) {
		t.Fatalf("expected peers to stay established through the relay")
	}
}

func TestRelayForwardsOneExtraHop(t *testing.T) {
	hub := transport.NewHub()
	c := newNode(t, hub, 1, "c", config.DefaultReplication())
	a := hub.Join(2, "a")
	target := hub.Join(3, "t")
	d := hub.Join(4, "d")
	for _, raw := range []*transport.Endpoint{a, target, d} {
		rawHandshake(t, c, raw)
	}
	c.r.peers.Get(target.Handle()).Relay = true

	inner := encodeMsg(t, proto.Message{Type: proto.TypePing, Stamp: 1})
	env := proto.Message{Type: proto.TypeRelay, From: a.GlobalID(), Target: target.GlobalID(), Inner: inner}
	a.Send(c.ep.Handle(), encodeMsg(t, env), false)
	c.r.Update(0, 0)
	var fwd []proto.Message
	for _, m := range ofType(drain(t, d), proto.TypeRelay) {
		if m.From == a.GlobalID() {
			fwd = append(fwd, m)
		}
	}
	if len(fwd) != 1 || fwd[0].Hop != 1 || fwd[0].Target != target.GlobalID() {
		t.Fatalf("expected one forwarded envelope with hop 1, got %+v", fwd)
	}
	if c.r.Metrics().Snapshot().Route.Forwarded != 1 {
		t.Fatalf("expected forward to be counted")
	}

	env.Hop = proto.MaxRelayHops
	a.Send(c.ep.Handle(), encodeMsg(t, env), false)
	c.r.Update(0, 0)
	mq := ofType(drain(t, target), proto.TypeMasquerade)
	if len(mq) != 1 || mq[0].From != a.GlobalID() {
		t.Fatalf("expected hop-limited envelope to be masqueraded to the target, got %+v", mq)
	}
	in, err := proto.Decode(mq[0].Inner)
	if err != nil || in.Type != proto.TypePing {
		t.Fatalf("expected inner ping, got %+v err=%v", in, err)
	}
}

func TestRelayedByeStaysReliable(t *testing.T) {
	hub := transport.NewHub()
	c := newNode(t, hub, 1, "c", config.DefaultReplication())
	a := hub.Join(2, "a")
	target := hub.Join(3, "t")
	rawHandshake(t, c, a)
	rawHandshake(t, c, target)

	cases := []struct {
		inner    proto.Type
		reliable int
	}{
		{proto.TypePing, 0},
		{proto.TypeBye, 1},
	}
	for _, tc := range cases {
		inner := encodeMsg(t, proto.Message{Type: tc.inner})
		env := proto.Message{Type: proto.TypeRelay, From: a.GlobalID(), Target: target.GlobalID(), Inner: inner}
		a.Send(c.ep.Handle(), encodeMsg(t, env), false)
		before := c.ep.SentReliable()
		c.r.Update(0, 0)
		if got := c.ep.SentReliable() - before; got != tc.reliable {
			t.Fatalf("expected %d reliable sends masquerading %s, got %d", tc.reliable, tc.inner, got)
		}
		if len(ofType(drain(t, target), proto.TypeMasquerade)) != 1 {
			t.Fatalf("expected %s masqueraded to the target", tc.inner)
		}
	}
}

func TestRelayAddressedToSelf(t *testing.T) {
	hub := transport.NewHub()
	n := newNode(t, hub, 1, "n", config.DefaultReplication())
	via := hub.Join(2, "via")
	origin := hub.Join(3, "origin")
	rawHandshake(t, n, via)
	rawHandshake(t, n, origin)

	obj, err := n.r.Codec().Append(nil, &eventcodec.Text{Body: "hi"}, 0)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	inner := encodeMsg(t, proto.Message{Type: proto.TypeEvent1, Events: []proto.EventRecord{{ID: 4, Object: obj}}})
	env := proto.Message{Type: proto.TypeRelay, From: origin.GlobalID(), Target: n.ep.GlobalID(), Inner: inner}
	via.Send(n.ep.Handle(), encodeMsg(t, env), true)
	n.r.Update(0, 0)
	if n.rec.first(KindEvent, origin.Handle()) < 0 {
		t.Fatalf("expected relayed event attributed to its origin")
	}
	if n.rec.first(KindEvent, via.Handle()) >= 0 {
		t.Fatalf("expected no event attributed to the relay")
	}
}

func TestUndecodableMessagesDropped(t *testing.T) {
	hub := transport.NewHub()
	n := newNode(t, hub, 1, "n", config.DefaultReplication())
	raw := hub.Join(2, "raw")
	rawHandshake(t, n, raw)

	raw.Send(n.ep.Handle(), []byte{0xff, 0, 0, 0, 0, 1}, false)
	raw.Send(n.ep.Handle(), []byte{byte(proto.TypeIAm), 0}, false)
	n.r.Update(0, 0)
	if got := n.r.Metrics().Snapshot().Route.DropDecode; got != 2 {
		t.Fatalf("expected 2 decode drops, got %d", got)
	}
	if !established(n, raw.Handle()) {
		t.Fatalf("expected garbage not to affect the session")
	}
}

func TestDestroySaysGoodbye(t *testing.T) {
	hub := transport.NewHub()
	n := newNode(t, hub, 1, "n", config.DefaultReplication())
	raw := hub.Join(2, "raw")
	rawHandshake(t, n, raw)

	n.r.Destroy()
	if len(ofType(drain(t, raw), proto.TypeBye)) != 1 {
		t.Fatalf("expected one bye")
	}
	if err := n.r.BroadcastEvent(1, &eventcodec.Text{Body: "late"}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected events to be rejected after destroy")
	}
	n.r.Update(1, 1)
	if n.r.NetworkTime() != 0 || len(n.r.Peers()) != 0 {
		t.Fatalf("expected destroyed replicator to stay idle")
	}
	n.r.Destroy()
}
