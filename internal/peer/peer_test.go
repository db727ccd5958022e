package peer

import (
	"testing"
	"time"

	"ghostnet/internal/transport"
)

func TestGhostOrdering(t *testing.T) {
	g := NewGhost(nil)
	if _, ok := g.Estimate(nil, 0); ok {
		t.Fatalf("expected empty ghost to have no estimate")
	}
	g.Push("a", 1)
	h := g.History()
	if h.T0 != 1 || h.Tn1 != 1 || h.Tn2 != 1 || g.Samples() != 1 {
		t.Fatalf("expected single sample in every slot, got %+v", h)
	}
	g.Push("b", 2)
	g.Push("c", 3)
	if got := g.Push("d", 2.5); got != 3 {
		t.Fatalf("expected stamp clamped to 3, got %v", got)
	}
	h = g.History()
	if h.S0 != "d" || h.Sn1 != "c" || h.Sn2 != "b" {
		t.Fatalf("unexpected rotation %+v", h)
	}
	checkOrder(t, g)
}

func TestGhostInsert(t *testing.T) {
	g := NewGhost(nil)
	g.Push("s2", 2)
	if !g.Insert("s1", 1) {
		t.Fatalf("expected insert into second sample")
	}
	if !g.Insert("s15", 1.5) {
		t.Fatalf("expected insert between samples")
	}
	h := g.History()
	if h.Sn1 != "s15" || h.Sn2 != "s1" || h.S0 != "s2" {
		t.Fatalf("unexpected history %+v", h)
	}
	if g.Insert("old", 0.5) {
		t.Fatalf("expected sample older than Tn2 to be dropped")
	}
	if g.Insert("dup", 1.5) {
		t.Fatalf("expected duplicate stamp to be dropped")
	}
	if g.Insert("new", 2) {
		t.Fatalf("expected insert at T0 to be rejected")
	}
	if !g.Insert("s17", 1.75) {
		t.Fatalf("expected insert above Tn1")
	}
	h = g.History()
	if h.Sn1 != "s17" || h.Sn2 != "s15" {
		t.Fatalf("unexpected history after shift-in %+v", h)
	}
	checkOrder(t, g)
}

func TestGhostShift(t *testing.T) {
	g := NewGhost(nil)
	g.Push(1, 0.5)
	g.Push(2, 1)
	g.Push(3, 1.5)
	g.Shift(0.25)
	g.Shift(-0.25)
	h := g.History()
	if h.Tn2 != 0.5 || h.Tn1 != 1 || h.T0 != 1.5 {
		t.Fatalf("expected shift round trip, got %+v", h)
	}
	if s, ok := g.Estimate(nil, 9); !ok || s != 3 {
		t.Fatalf("expected raw S0 without template, got %v", s)
	}
}

func checkOrder(t *testing.T, g *Ghost) {
	t.Helper()
	h := g.History()
	if !(h.T0 >= h.Tn1 && h.Tn1 >= h.Tn2) {
		t.Fatalf("expected T0 >= Tn1 >= Tn2, got %+v", h)
	}
}

func TestLatencyRing(t *testing.T) {
	var l Latency
	l.Add(0.5)
	if l.Median != 0.25 || l.Minimum != 0.25 {
		t.Fatalf("expected half round trip, got %+v", l)
	}
	l.Add(1.5)
	if l.Median != 0.5 || l.Minimum != 0.25 {
		t.Fatalf("expected even median 0.5, got %+v", l)
	}
	for i := 0; i < LatencySamples; i++ {
		l.Add(1)
	}
	if l.Samples() != LatencySamples {
		t.Fatalf("expected ring to cap at %d, got %d", LatencySamples, l.Samples())
	}
	if l.Minimum != 0.5 || l.Median != 0.5 {
		t.Fatalf("expected old samples to be overwritten, got %+v", l)
	}
}

func TestRegistryOrder(t *testing.T) {
	r := NewRegistry()
	r.Add(New(3, 30, "c"))
	r.Add(New(1, 10, "a"))
	r.Add(New(2, 20, "b"))
	var seen []transport.Handle
	r.Each(func(p *Peer) { seen = append(seen, p.Handle) })
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("expected ascending handles, got %v", seen)
	}
	if p := r.ByGlobalID(20); p == nil || p.Name != "b" {
		t.Fatalf("expected lookup by global id")
	}
	if r.Remove(2) == nil || r.Get(2) != nil || r.Len() != 2 {
		t.Fatalf("expected removal")
	}
	r.Get(1).State = Established
	if r.CountState(Established) != 1 {
		t.Fatalf("expected one established peer")
	}
	r.Clear()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestToggleRelayResetsCounters(t *testing.T) {
	p := New(1, 1, "p")
	p.ErrorCount = 4
	p.PendingPing = 9
	p.ToggleRelay()
	if !p.Relay || p.ErrorCount != 0 || p.PendingPing != 0 {
		t.Fatalf("unexpected peer after toggle %+v", p)
	}
	p.Ghost = NewGhost(nil)
	p.State = Disconnected
	p.Reset()
	if p.State != Initial || p.Ghost != nil || p.Relay || p.GlobalID != 1 {
		t.Fatalf("unexpected peer after reset %+v", p)
	}
}

func TestAddrBook(t *testing.T) {
	b := NewAddrBook(2, time.Minute)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	b.Pin("10.0.0.1:4000")
	b.Learn("10.0.0.2:4000")
	b.Learn("10.0.0.3:4000")
	if !b.Has("10.0.0.1:4000") {
		t.Fatalf("expected pinned entry to survive eviction")
	}
	if b.Has("10.0.0.2:4000") {
		t.Fatalf("expected oldest learned entry to be evicted")
	}
	now = now.Add(2 * time.Minute)
	got := b.List()
	if len(got) != 1 || got[0] != "10.0.0.1:4000" {
		t.Fatalf("expected only pinned entry after ttl, got %v", got)
	}
	b.Forget("10.0.0.1:4000")
	if len(b.List()) != 0 {
		t.Fatalf("expected forget to remove pinned entry")
	}
}
