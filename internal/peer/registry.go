package peer

import (
	"sort"

	"ghostnet/internal/transport"
)

// Registry owns every known peer keyed by transport handle. Iteration is in
// ascending handle order so ticks are deterministic.
type Registry struct {
	peers map[transport.Handle]*Peer
	order []transport.Handle
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[transport.Handle]*Peer)}
}

func (r *Registry) Len() int { return len(r.order) }

func (r *Registry) Get(h transport.Handle) *Peer { return r.peers[h] }

// Add inserts p, replacing any peer with the same handle.
func (r *Registry) Add(p *Peer) {
	if _, ok := r.peers[p.Handle]; !ok {
		i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= p.Handle })
		r.order = append(r.order, 0)
		copy(r.order[i+1:], r.order[i:])
		r.order[i] = p.Handle
	}
	r.peers[p.Handle] = p
}

func (r *Registry) Remove(h transport.Handle) *Peer {
	p, ok := r.peers[h]
	if !ok {
		return nil
	}
	delete(r.peers, h)
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= h })
	if i < len(r.order) && r.order[i] == h {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
	return p
}

// Handles returns a snapshot of the registered handles in order.
func (r *Registry) Handles() []transport.Handle {
	out := make([]transport.Handle, len(r.order))
	copy(out, r.order)
	return out
}

// Each visits peers in handle order. fn must not add or remove peers.
func (r *Registry) Each(fn func(*Peer)) {
	for _, h := range r.order {
		fn(r.peers[h])
	}
}

func (r *Registry) ByGlobalID(id uint64) *Peer {
	if id == 0 {
		return nil
	}
	for _, h := range r.order {
		if p := r.peers[h]; p.GlobalID == id {
			return p
		}
	}
	return nil
}

func (r *Registry) CountState(s State) int {
	n := 0
	for _, h := range r.order {
		if r.peers[h].State == s {
			n++
		}
	}
	return n
}

func (r *Registry) Clear() {
	r.peers = make(map[transport.Handle]*Peer)
	r.order = nil
}
