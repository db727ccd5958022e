package replica

import (
	"testing"

	"ghostnet/internal/config"
	"ghostnet/internal/peer"
	"ghostnet/internal/proto"
	"ghostnet/internal/state"
	"ghostnet/internal/transport"
)

type recorder struct {
	notes []Notification
}

func (c *recorder) Notify(_ *Replicator, n Notification) {
	c.notes = append(c.notes, n)
}

func (c *recorder) count(kind Kind, from transport.Handle) int {
	n := 0
	for _, note := range c.notes {
		if note.Kind == kind && note.Peer == from {
			n++
		}
	}
	return n
}

func (c *recorder) first(kind Kind, from transport.Handle) int {
	for i, note := range c.notes {
		if note.Kind == kind && note.Peer == from {
			return i
		}
	}
	return -1
}

type node struct {
	r   *Replicator
	ep  *transport.Endpoint
	rec *recorder
}

func newNode(t *testing.T, hub *transport.Hub, id uint64, name string, cfg config.Replication) node {
	t.Helper()
	ep := hub.Join(id, name)
	r := New(ep, Options{Config: cfg})
	rec := &recorder{}
	r.AddListener(rec)
	return node{r: r, ep: ep, rec: rec}
}

func encodeMsg(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Encode(nil, &m)
	if err != nil {
		t.Fatalf("encode %s: %v", m.Type, err)
	}
	return b
}

func poseBytes(t *testing.T, p state.Pose) []byte {
	t.Helper()
	buf := make([]byte, 64)
	n, err := state.PoseTemplate{}.Pack(p, buf)
	if err != nil {
		t.Fatalf("pack pose: %v", err)
	}
	return buf[:n]
}

// drain returns every message queued for raw.
func drain(t *testing.T, raw *transport.Endpoint) []proto.Message {
	t.Helper()
	var out []proto.Message
	for {
		buf := make([]byte, proto.MessageSize)
		n, _ := raw.Receive(buf)
		if n <= 0 {
			return out
		}
		m, err := proto.Decode(buf[:n])
		if err != nil {
			t.Fatalf("decode queued message: %v", err)
		}
		out = append(out, m)
	}
}

func ofType(msgs []proto.Message, typ proto.Type) []proto.Message {
	var out []proto.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// rawHandshake completes the three-way handshake between n and a bare hub
// endpoint that plays the remote side by hand.
func rawHandshake(t *testing.T, n node, raw *transport.Endpoint) {
	t.Helper()
	raw.Send(n.ep.Handle(), encodeMsg(t, proto.Message{Type: proto.TypeIAm, Seq: 0, GlobalID: raw.GlobalID()}), false)
	n.r.Update(0, 0)
	replies := ofType(drain(t, raw), proto.TypeIAm)
	if len(replies) != 1 || replies[0].Seq != 1 || replies[0].GlobalID != n.ep.GlobalID() {
		t.Fatalf("expected one IAm(1) reply, got %+v", replies)
	}
	raw.Send(n.ep.Handle(), encodeMsg(t, proto.Message{Type: proto.TypeIAm, Seq: 2, GlobalID: raw.GlobalID()}), false)
	n.r.Update(0, 0)
	info, ok := n.r.Peer(raw.Handle())
	if !ok || info.State != peer.Established {
		t.Fatalf("expected raw peer to be established, got %+v", info)
	}
	drain(t, raw)
}

// run ticks every node in order for the given number of steps.
func run(nodes []node, start float64, steps int, dt float64) float64 {
	now := start
	for i := 0; i < steps; i++ {
		now += dt
		for _, n := range nodes {
			n.r.Update(now, dt)
		}
	}
	return now
}

func established(n node, h transport.Handle) bool {
	info, ok := n.r.Peer(h)
	return ok && info.State == peer.Established
}
