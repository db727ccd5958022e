package peer

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultAddrCap = 256
	DefaultAddrTTL = 10 * time.Minute
)

// AddrBook tracks dial targets. Pinned entries (bootstrap addresses) never
// expire; learned ones age out after the TTL and are evicted oldest first.
type AddrBook struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[string]*list.Element
	order *list.List
}

type addrEntry struct {
	addr      string
	pinned    bool
	expiresAt time.Time
}

func NewAddrBook(capacity int, ttl time.Duration) *AddrBook {
	if capacity <= 0 {
		capacity = DefaultAddrCap
	}
	if ttl <= 0 {
		ttl = DefaultAddrTTL
	}
	return &AddrBook{
		cap:   capacity,
		ttl:   ttl,
		now:   time.Now,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

func (b *AddrBook) Pin(addr string) { b.add(addr, true) }

// Learn records an address advertised by a connected peer.
func (b *AddrBook) Learn(addr string) { b.add(addr, false) }

func (b *AddrBook) add(addr string, pinned bool) {
	if addr == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	if el, ok := b.hot[addr]; ok {
		ent := el.Value.(*addrEntry)
		ent.pinned = ent.pinned || pinned
		ent.expiresAt = b.now().Add(b.ttl)
		b.order.MoveToFront(el)
		return
	}
	if len(b.hot) >= b.cap {
		b.evictLocked(len(b.hot) - b.cap + 1)
	}
	ent := &addrEntry{addr: addr, pinned: pinned, expiresAt: b.now().Add(b.ttl)}
	b.hot[addr] = b.order.PushFront(ent)
}

func (b *AddrBook) Forget(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.hot[addr]; ok {
		delete(b.hot, addr)
		b.order.Remove(el)
	}
}

func (b *AddrBook) Has(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	_, ok := b.hot[addr]
	return ok
}

// List returns addresses most recently seen first.
func (b *AddrBook) List() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	out := make([]string, 0, len(b.hot))
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*addrEntry).addr)
	}
	return out
}

func (b *AddrBook) pruneLocked() {
	now := b.now()
	for el := b.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*addrEntry)
		if !ent.pinned && !ent.expiresAt.After(now) {
			delete(b.hot, ent.addr)
			b.order.Remove(el)
		}
		el = prev
	}
}

// evictLocked removes the n oldest learned entries. Pinned entries are only
// evicted when nothing else is left.
func (b *AddrBook) evictLocked(n int) {
	for pass := 0; pass < 2 && n > 0; pass++ {
		for el := b.order.Back(); el != nil && n > 0; {
			prev := el.Prev()
			ent := el.Value.(*addrEntry)
			if pass == 1 || !ent.pinned {
				delete(b.hot, ent.addr)
				b.order.Remove(el)
				n--
			}
			el = prev
		}
	}
}
