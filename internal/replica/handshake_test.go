package replica

import (
	"testing"

	"ghostnet/internal/config"
	"ghostnet/internal/eventcodec"
	"ghostnet/internal/peer"
	"ghostnet/internal/proto"
	"ghostnet/internal/state"
	"ghostnet/internal/transport"
)

func TestHandshakeEstablishesBeforeEvents(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.DefaultReplication()
	a := newNode(t, hub, 1, "a", cfg)
	b := newNode(t, hub, 2, "b", cfg)
	nodes := []node{a, b}

	now := run(nodes, 0, 1, 0.05)
	if info, ok := a.r.Peer(b.ep.Handle()); !ok || info.State != peer.Initial {
		t.Fatalf("expected b to be discovered as initial, got %+v", info)
	}
	if err := a.r.SendEvent(b.ep.Handle(), 7, &eventcodec.Text{Body: "early"}); err != nil {
		t.Fatalf("send event: %v", err)
	}

	var seen []peer.State
	for i := 0; i < 100; i++ {
		now = run(nodes, now, 1, 0.05)
		info, _ := a.r.Peer(b.ep.Handle())
		if len(seen) == 0 || seen[len(seen)-1] != info.State {
			seen = append(seen, info.State)
		}
	}
	if len(seen) != 2 || seen[0] != peer.Initial || seen[1] != peer.Established {
		t.Fatalf("expected initial -> established, got %v", seen)
	}
	if !established(b, a.ep.Handle()) {
		t.Fatalf("expected a to be established at b")
	}
	if a.rec.count(KindConnected, b.ep.Handle()) != 1 || b.rec.count(KindConnected, a.ep.Handle()) != 1 {
		t.Fatalf("expected exactly one connect notification per side")
	}
	connected := b.rec.first(KindConnected, a.ep.Handle())
	ev := b.rec.first(KindEvent, a.ep.Handle())
	if ev < 0 {
		t.Fatalf("expected queued event to be delivered after the handshake")
	}
	if ev < connected {
		t.Fatalf("expected event after connect, got event=%d connect=%d", ev, connected)
	}
	note := b.rec.notes[ev]
	if txt, ok := note.Object.(*eventcodec.Text); !ok || txt.Body != "early" || note.EventID != 7 || note.Broadcast {
		t.Fatalf("unexpected event notification %+v", note)
	}
}

func TestHandshakeRejectsUnsolicitedReplies(t *testing.T) {
	hub := transport.NewHub()
	n := newNode(t, hub, 1, "n", config.DefaultReplication())
	raw := hub.Join(2, "raw")
	n.r.Update(0, 0)
	raw.Send(n.ep.Handle(), encodeMsg(t, proto.Message{Type: proto.TypeIAm, Seq: 2, GlobalID: 2}), false)
	raw.Send(n.ep.Handle(), encodeMsg(t, proto.Message{Type: proto.TypeIAm, Seq: 1, GlobalID: 2}), false)
	n.r.Update(0, 0)
	if established(n, raw.Handle()) {
		t.Fatalf("expected unsolicited IAm(1)/IAm(2) to be ignored")
	}
	if len(n.rec.notes) != 0 {
		t.Fatalf("expected no notifications, got %+v", n.rec.notes)
	}
}

func TestHandshakeSnapsForward(t *testing.T) {
	hub := transport.NewHub()
	n := newNode(t, hub, 1, "n", config.DefaultReplication())
	raw := hub.Join(2, "raw")
	n.r.Update(0, 0)
	raw.Send(n.ep.Handle(), encodeMsg(t, proto.Message{Type: proto.TypeIAm, Seq: 0, GlobalID: 2}), false)
	n.r.Update(0, 0)
	drain(t, raw)
	raw.Send(n.ep.Handle(), encodeMsg(t, proto.Message{Type: proto.TypeIAm, Time: 42, Seq: 2, GlobalID: 2}), false)
	n.r.Update(0, 0)
	if got := n.r.NetworkTime(); got != 42 {
		t.Fatalf("expected clock to snap to 42, got %v", got)
	}
}

func TestHandshakeTimeoutTogglesRelay(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.DefaultReplication()
	n := newNode(t, hub, 1, "n", cfg)
	raw := hub.Join(2, "silent")

	attempts := 0
	now := 0.0
	for i := 0; i < 400 && attempts <= cfg.MaxPendingIAm; i++ {
		now = run([]node{n}, now, 1, 0.1)
		for _, m := range ofType(drain(t, raw), proto.TypeIAm) {
			if m.Seq == 0 {
				attempts++
			}
		}
		info, _ := n.r.Peer(raw.Handle())
		if attempts == cfg.MaxPendingIAm && (info.Relay || info.PendingIAm != cfg.MaxPendingIAm) {
			t.Fatalf("expected direct routing after %d attempts, got %+v", attempts, info)
		}
	}
	info, _ := n.r.Peer(raw.Handle())
	if attempts != cfg.MaxPendingIAm+1 {
		t.Fatalf("expected %d attempts, got %d", cfg.MaxPendingIAm+1, attempts)
	}
	if !info.Relay || info.PendingIAm != 0 {
		t.Fatalf("expected relay after unanswered handshakes, got %+v", info)
	}
}

func TestByeDisconnectsImmediately(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.DefaultReplication()
	a := newNode(t, hub, 1, "a", cfg)
	b := newNode(t, hub, 2, "b", cfg)
	nodes := []node{a, b}
	run(nodes, 0, 100, 0.05)
	if !established(a, b.ep.Handle()) {
		t.Fatalf("expected handshake to complete")
	}

	b.r.Destroy()
	if len(b.r.Peers()) != 0 {
		t.Fatalf("expected destroy to clear the registry")
	}
	a.r.Update(10, 0)
	info, ok := a.r.Peer(b.ep.Handle())
	if !ok || info.State != peer.Disconnected || info.HasGhost {
		t.Fatalf("expected b to be disconnected without ghost, got %+v", info)
	}
	if a.rec.count(KindDisconnected, b.ep.Handle()) != 1 {
		t.Fatalf("expected one disconnect notification")
	}

	hub.Leave(2)
	a.r.Update(10, 0)
	if _, ok := a.r.Peer(b.ep.Handle()); ok {
		t.Fatalf("expected departed peer to be dropped")
	}
	if a.rec.count(KindDisconnected, b.ep.Handle()) != 1 {
		t.Fatalf("expected no second disconnect notification")
	}
}

func TestDiscoveryLossDisconnects(t *testing.T) {
	hub := transport.NewHub()
	cfg := config.DefaultReplication()
	a := newNode(t, hub, 1, "a", cfg)
	b := newNode(t, hub, 2, "b", cfg)
	run([]node{a, b}, 0, 100, 0.05)

	hub.Leave(2)
	a.r.Update(10, 0.05)
	if _, ok := a.r.Peer(b.ep.Handle()); ok {
		t.Fatalf("expected peer to be removed")
	}
	if a.rec.count(KindDisconnected, b.ep.Handle()) != 1 {
		t.Fatalf("expected disconnect notification on discovery loss")
	}
	if a.r.Ghost(b.ep.Handle()) != nil {
		t.Fatalf("expected ghost to be released")
	}
}

func TestDisconnectedPeerCanReconnect(t *testing.T) {
	hub := transport.NewHub()
	n := newNode(t, hub, 1, "n", config.DefaultReplication())
	raw := hub.Join(2, "raw")
	rawHandshake(t, n, raw)
	raw.Send(n.ep.Handle(), encodeMsg(t, proto.Message{Type: proto.TypeBye}), true)
	n.r.Update(0, 0)
	if info, _ := n.r.Peer(raw.Handle()); info.State != peer.Disconnected {
		t.Fatalf("expected disconnected after bye, got %v", info.State)
	}
	rawHandshake(t, n, raw)
	if n.rec.count(KindConnected, raw.Handle()) != 2 {
		t.Fatalf("expected a second connect notification")
	}
}

func TestRestartedPeerReestablishes(t *testing.T) {
	hub := transport.NewHub()
	n := newNode(t, hub, 1, "n", config.DefaultReplication())
	n.r.SetLocalState(state.Pose{}, state.PoseTemplate{})
	raw := hub.Join(2, "raw")
	rawHandshake(t, n, raw)
	raw.Send(n.ep.Handle(), stateMsg(t, 5, state.Pose{Pos: state.Vec3{X: 1}}), false)
	n.r.Update(0, 0)
	if info, _ := n.r.Peer(raw.Handle()); info.StateCount != 1 {
		t.Fatalf("expected one state before restart, got %+v", info)
	}

	// an IAm(0) racing our own handshake is answered without a reset
	raw.Send(n.ep.Handle(), encodeMsg(t, proto.Message{Type: proto.TypeIAm, Seq: 0, GlobalID: raw.GlobalID()}), false)
	n.r.Update(0, 0)
	drain(t, raw)
	if n.rec.count(KindDisconnected, raw.Handle()) != 0 || !established(n, raw.Handle()) {
		t.Fatalf("expected early IAm(0) to keep the peer established")
	}

	// a restarted remote starts over at IAm(0) with its clock reset
	n.r.Update(0, 3*n.r.cfg.IAmInterval)
	drain(t, raw)
	rawHandshake(t, n, raw)
	if n.rec.count(KindDisconnected, raw.Handle()) != 1 || n.rec.count(KindConnected, raw.Handle()) != 2 {
		t.Fatalf("expected disconnect then reconnect notifications, got %+v", n.rec.notes)
	}
	var kinds []Kind
	for _, note := range n.rec.notes {
		if note.Peer == raw.Handle() && (note.Kind == KindConnected || note.Kind == KindDisconnected) {
			kinds = append(kinds, note.Kind)
		}
	}
	if len(kinds) != 3 || kinds[1] != KindDisconnected {
		t.Fatalf("expected connected, disconnected, connected; got %v", kinds)
	}
	info, _ := n.r.Peer(raw.Handle())
	if info.StateCount != 0 || !info.HasGhost {
		t.Fatalf("expected a fresh ghost after restart, got %+v", info)
	}
	raw.Send(n.ep.Handle(), stateMsg(t, 1, state.Pose{Pos: state.Vec3{X: 2}}), false)
	n.r.Update(0, 0)
	if info, _ := n.r.Peer(raw.Handle()); info.StateCount != 1 {
		t.Fatalf("expected an older remote clock to be accepted after restart, got %+v", info)
	}
}
