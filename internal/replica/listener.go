package replica

import (
	"ghostnet/internal/eventcodec"
	"ghostnet/internal/state"
	"ghostnet/internal/transport"
)

type Kind uint8

const (
	KindConnected Kind = iota + 1
	KindDisconnected
	KindEvent
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindEvent:
		return "event"
	case KindState:
		return "state"
	}
	return "unknown"
}

// Notification is delivered to listeners at the end of the tick that
// produced it. Object is set for KindEvent, State for KindState.
type Notification struct {
	Time      float64
	Kind      Kind
	Peer      transport.Handle
	EventID   uint16
	Broadcast bool
	Object    eventcodec.Object
	State     state.State
}

type Listener interface {
	Notify(r *Replicator, n Notification)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(r *Replicator, n Notification)

func (f ListenerFunc) Notify(r *Replicator, n Notification) { f(r, n) }

func (r *Replicator) AddListener(l Listener) {
	if l != nil {
		r.listeners = append(r.listeners, l)
	}
}

func (r *Replicator) note(n Notification) {
	r.notes = append(r.notes, n)
}

func (r *Replicator) dispatch() {
	if len(r.notes) == 0 {
		return
	}
	notes := r.notes
	r.notes = nil
	for _, n := range notes {
		for _, l := range r.listeners {
			l.Notify(r, n)
		}
	}
}
