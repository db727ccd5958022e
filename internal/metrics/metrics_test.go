package metrics

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecentRing(t *testing.T) {
	r := NewRecent(2)
	r.Add(ConnEvent{Peer: "a", Kind: "connected"})
	r.Add(ConnEvent{Peer: "b", Kind: "connected"})
	r.Add(ConnEvent{Peer: "a", Kind: "disconnected"})
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	if list[0].Peer != "b" || list[1].Kind != "disconnected" {
		t.Fatalf("unexpected order %+v", list)
	}
}

func TestSnapshotCounters(t *testing.T) {
	m := New()
	m.IncStateSent()
	m.IncStateSent()
	m.AddEventSent(3)
	m.IncRelayToggles()
	m.IncHandshakes()
	m.SetNetworkTime(12.5)
	m.SetPeers([]PeerGauge{{Name: "z", GlobalID: 9}, {Name: "a", GlobalID: 2}})
	snap := m.Snapshot()
	if snap.State.Sent != 2 || snap.Event.Sent != 3 || snap.Route.RelayToggles != 1 || snap.Session.Handshakes != 1 {
		t.Fatalf("unexpected counters %+v", snap)
	}
	if snap.NetworkTime != 12.5 {
		t.Fatalf("expected network time 12.5, got %v", snap.NetworkTime)
	}
	if len(snap.Peers) != 2 || snap.Peers[0].GlobalID != 2 {
		t.Fatalf("expected peers sorted by global id, got %+v", snap.Peers)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.Recent().Add(ConnEvent{At: time.Unix(5, 0).UTC(), Peer: "p", GlobalID: 7, Kind: "connected"})
	m.IncMasqueraded()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Route.Masqueraded != 1 || len(snap.Recent) != 1 || snap.Recent[0].GlobalID != 7 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("expected empty path to be a no-op, got %v", err)
	}
}

func TestMetricsByTypeAndGauges(t *testing.T) {
	m := New()
	m.IncRecvByType("state")
	m.IncRecvByType("state")
	m.IncDropByReason("rate")
	m.SetCurrentConns(3)
	m.SetCurrentStreams(7)
	snap := m.Snapshot()
	if snap.RecvByType["state"] != 2 {
		t.Fatalf("expected recv_by_type state=2, got %d", snap.RecvByType["state"])
	}
	if snap.DropByReason["rate"] != 1 {
		t.Fatalf("expected drop_by_reason rate=1, got %d", snap.DropByReason["rate"])
	}
	if snap.CurrentConns != 3 || snap.CurrentStreams != 7 {
		t.Fatalf("expected conns/streams 3/7, got %d/%d", snap.CurrentConns, snap.CurrentStreams)
	}
}
