package transport

import "testing"

func TestHubDeliversInOrder(t *testing.T) {
	hub := NewHub()
	a := hub.Join(10, "a")
	b := hub.Join(20, "b")
	if !a.Send(b.Handle(), []byte("one"), false) || !a.Send(b.Handle(), []byte("two"), true) {
		t.Fatalf("expected sends to succeed")
	}
	buf := make([]byte, 16)
	for _, want := range []string{"one", "two"} {
		n, from := b.Receive(buf)
		if string(buf[:n]) != want || from != a.Handle() {
			t.Fatalf("expected %q from %d, got %q from %d", want, a.Handle(), buf[:n], from)
		}
	}
	if n, _ := b.Receive(buf); n != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestHubDiscovery(t *testing.T) {
	hub := NewHub()
	a := hub.Join(10, "a")
	b := hub.Join(20, "b")
	c := hub.Join(30, "c")
	got := a.PeerHandles(nil)
	if len(got) != 2 || got[0] != b.Handle() || got[1] != c.Handle() {
		t.Fatalf("unexpected handles %v", got)
	}
	if a.PeerGlobalID(c.Handle()) != 30 || a.PeerName(b.Handle()) != "b" {
		t.Fatalf("unexpected peer identity")
	}
	hub.Hide(10, 20, true)
	if got := a.PeerHandles(nil); len(got) != 1 || got[0] != c.Handle() {
		t.Fatalf("expected b hidden, got %v", got)
	}
	hub.Hide(10, 20, false)
	hub.Leave(30)
	if got := a.PeerHandles(nil); len(got) != 1 || got[0] != b.Handle() {
		t.Fatalf("expected c gone, got %v", got)
	}
	if c.Send(a.Handle(), []byte("x"), false) {
		t.Fatalf("expected departed endpoint to fail sends")
	}
	hub.Rejoin(30)
	if got := a.PeerHandles(nil); len(got) != 2 {
		t.Fatalf("expected c back, got %v", got)
	}
}

func TestHubLinkModes(t *testing.T) {
	hub := NewHub()
	a := hub.Join(1, "a")
	b := hub.Join(2, "b")
	hub.SetLink(1, 2, LinkDrop)
	if !a.Send(b.Handle(), []byte("lost"), false) {
		t.Fatalf("expected dropped send to report success")
	}
	if hub.Pending(2) != 0 || a.Sent() != 1 {
		t.Fatalf("expected nothing queued and one counted send")
	}
	hub.SetLink(1, 2, LinkFail)
	if a.Send(b.Handle(), []byte("x"), false) {
		t.Fatalf("expected failed link to reject")
	}
	if !b.Send(a.Handle(), []byte("back"), false) {
		t.Fatalf("expected reverse direction to stay open")
	}
	hub.SetLink(1, 2, LinkOK)
	a.Send(b.Handle(), []byte("ok"), false)
	if hub.Pending(2) != 1 {
		t.Fatalf("expected delivery after reset")
	}
}

func TestHubPrimary(t *testing.T) {
	hub := NewHub()
	a := hub.Join(1, "a")
	b := hub.Join(2, "b")
	if _, ok := a.PrimaryPeer(); ok {
		t.Fatalf("expected no primary")
	}
	hub.SetPrimary(2)
	if h, ok := a.PrimaryPeer(); !ok || h != b.Handle() {
		t.Fatalf("expected b as primary")
	}
	if _, ok := b.PrimaryPeer(); ok {
		t.Fatalf("expected primary not to see itself")
	}
}
