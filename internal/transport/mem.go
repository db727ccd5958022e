package transport

import (
	"sort"
	"sync"
)

// LinkMode controls how the Hub treats traffic on one directed link.
type LinkMode int

const (
	LinkOK LinkMode = iota
	// LinkDrop accepts the send but never delivers it.
	LinkDrop
	// LinkFail rejects the send.
	LinkFail
)

type link struct {
	from, to uint64
}

type packet struct {
	from uint64
	data []byte
}

// Hub is an in-process network of endpoints. Delivery is immediate and in
// order unless a link mode says otherwise.
type Hub struct {
	mu        sync.Mutex
	endpoints map[uint64]*Endpoint
	order     []uint64
	links     map[link]LinkMode
	hidden    map[link]bool
	primary   uint64
}

func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[uint64]*Endpoint),
		links:     make(map[link]LinkMode),
		hidden:    make(map[link]bool),
	}
}

// Endpoint is one member of a Hub and implements Transport.
type Endpoint struct {
	hub    *Hub
	id     uint64
	name   string
	handle Handle
	queue  []packet
	sent   int
	// reliable counts sends made on the reliable channel.
	reliable int
	left     bool
}

// Join adds an endpoint with the given global id.
func (h *Hub) Join(id uint64, name string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep := &Endpoint{hub: h, id: id, name: name, handle: Handle(len(h.order) + 1)}
	h.endpoints[id] = ep
	h.order = append(h.order, id)
	return ep
}

// Leave removes an endpoint from every other endpoint's discovery list.
func (h *Hub) Leave(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[id]; ok {
		ep.left = true
		ep.queue = nil
	}
}

// Rejoin makes a departed endpoint discoverable again under its old handle.
func (h *Hub) Rejoin(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[id]; ok {
		ep.left = false
	}
}

// SetLink sets the mode of the directed link from -> to.
func (h *Hub) SetLink(from, to uint64, mode LinkMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mode == LinkOK {
		delete(h.links, link{from, to})
		return
	}
	h.links[link{from, to}] = mode
}

// SetLinkBoth applies mode in both directions.
func (h *Hub) SetLinkBoth(a, b uint64, mode LinkMode) {
	h.SetLink(a, b, mode)
	h.SetLink(b, a, mode)
}

// Hide removes target from viewer's discovery list without affecting traffic.
func (h *Hub) Hide(viewer, target uint64, hidden bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hidden {
		h.hidden[link{viewer, target}] = true
		return
	}
	delete(h.hidden, link{viewer, target})
}

func (h *Hub) SetPrimary(id uint64) {
	h.mu.Lock()
	h.primary = id
	h.mu.Unlock()
}

// Pending returns the number of queued packets for id.
func (h *Hub) Pending(id uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[id]; ok {
		return len(ep.queue)
	}
	return 0
}

func (h *Hub) byHandleLocked(handle Handle) *Endpoint {
	idx := int(handle) - 1
	if idx < 0 || idx >= len(h.order) {
		return nil
	}
	return h.endpoints[h.order[idx]]
}

func (e *Endpoint) Update() {}

func (e *Endpoint) PeerHandles(dst []Handle) []Handle {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.left {
		return dst
	}
	for _, id := range h.order {
		other := h.endpoints[id]
		if other == e || other.left || h.hidden[link{e.id, id}] {
			continue
		}
		dst = append(dst, other.handle)
	}
	sort.Slice(dst, func(i, j int) bool { return dst[i] < dst[j] })
	return dst
}

func (e *Endpoint) PeerGlobalID(handle Handle) uint64 {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if other := e.hub.byHandleLocked(handle); other != nil {
		return other.id
	}
	return 0
}

func (e *Endpoint) PeerName(handle Handle) string {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if other := e.hub.byHandleLocked(handle); other != nil {
		return other.name
	}
	return ""
}

func (e *Endpoint) PrimaryPeer() (Handle, bool) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.primary == 0 || h.primary == e.id {
		return 0, false
	}
	other, ok := h.endpoints[h.primary]
	if !ok || other.left {
		return 0, false
	}
	return other.handle, true
}

func (e *Endpoint) GlobalID() uint64 { return e.id }

// Handle is the handle other endpoints use to address e.
func (e *Endpoint) Handle() Handle { return e.handle }

// Sent counts messages handed to the hub, including dropped ones.
func (e *Endpoint) Sent() int {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	return e.sent
}

// SentReliable counts the subset of Sent handed off as reliable.
func (e *Endpoint) SentReliable() int {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	return e.reliable
}

func (e *Endpoint) Send(handle Handle, msg []byte, reliable bool) bool {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	other := h.byHandleLocked(handle)
	if other == nil || other.left || e.left {
		return false
	}
	if h.links[link{e.id, other.id}] == LinkFail {
		return false
	}
	e.sent++
	if reliable {
		e.reliable++
	}
	if h.links[link{e.id, other.id}] == LinkDrop {
		return true
	}
	data := make([]byte, len(msg))
	copy(data, msg)
	other.queue = append(other.queue, packet{from: e.id, data: data})
	return true
}

func (e *Endpoint) Receive(buf []byte) (int, Handle) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(e.queue) > 0 {
		p := e.queue[0]
		e.queue = e.queue[1:]
		from, ok := h.endpoints[p.from]
		if !ok || from.left {
			continue
		}
		n := copy(buf, p.data)
		return n, from.handle
	}
	return 0, 0
}
