// Package peer holds the per-connection bookkeeping owned by the replicator:
// handshake state, failure counters, the latency ring and the ghost that
// mirrors the remote peer's recent states.
package peer

import (
	"ghostnet/internal/eventcodec"
	"ghostnet/internal/state"
	"ghostnet/internal/transport"
)

type State uint8

const (
	Initial State = iota
	Established
	Disconnected
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case Established:
		return "established"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is a discrete application event waiting to be sent. Target is
// ignored when Broadcast is set. Data is the codec encoding of Object.
type Event struct {
	Time      float64
	ID        uint16
	Target    transport.Handle
	Broadcast bool
	Object    eventcodec.Object
	Data      []byte
}

// Iframe is a state used as the reference for delta frames. Time is the wire
// time the reference was sent with so both sides compare it exactly.
type Iframe struct {
	State state.State
	Time  float32
	Valid bool
}

func (f *Iframe) Set(s state.State, t float32) {
	f.State = s
	f.Time = t
	f.Valid = true
}

func (f *Iframe) Clear() { *f = Iframe{} }

type Peer struct {
	Handle   transport.Handle
	GlobalID uint64
	Name     string
	State    State
	Relay    bool

	TimeUntilTx  float64
	TimeUntilIAm float64

	PendingPing int
	PendingIAm  int
	ErrorCount  int
	RelayFlips  int

	PacketCount uint64
	StateCount  uint64

	Latency Latency
	Ghost   *Ghost

	Iframe         Iframe
	RemoteIframe   Iframe
	FramesSinceKey int

	LastRemoteTime float32
	HasRemoteTime  bool
	// EstablishedAt is the network time of the last completed handshake.
	EstablishedAt float64

	Outbox []Event

	// Initiated is set once we sent IAm(0); Replied once we answered one.
	Initiated bool
	Replied   bool
}

func New(h transport.Handle, globalID uint64, name string) *Peer {
	return &Peer{Handle: h, GlobalID: globalID, Name: name, State: Initial}
}

// ToggleRelay flips the routing mode and clears the failure counters that
// led to it.
func (p *Peer) ToggleRelay() {
	p.Relay = !p.Relay
	p.RelayFlips++
	p.PendingPing = 0
	p.PendingIAm = 0
	p.ErrorCount = 0
}

// Reset returns a disconnected peer to a fresh Initial state under the same
// handle. The ghost and queued traffic are dropped.
func (p *Peer) Reset() {
	*p = Peer{
		Handle:       p.Handle,
		GlobalID:     p.GlobalID,
		Name:         p.Name,
		State:        Initial,
		TimeUntilIAm: p.TimeUntilIAm,
	}
}

// ReleaseGhost drops the ghost and the delta references that depend on it.
func (p *Peer) ReleaseGhost() {
	p.Ghost = nil
	p.Iframe.Clear()
	p.RemoteIframe.Clear()
	p.HasRemoteTime = false
	p.LastRemoteTime = 0
}
