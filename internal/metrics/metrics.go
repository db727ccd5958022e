package metrics

import (
	"encoding/json"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ConnEvent records one peer connecting or disconnecting.
type ConnEvent struct {
	At       time.Time `json:"at"`
	Peer     string    `json:"peer"`
	GlobalID uint64    `json:"global_id"`
	Kind     string    `json:"kind"`
}

// PeerGauge is the daemon's view of one peer at snapshot time.
type PeerGauge struct {
	Name          string  `json:"name"`
	GlobalID      uint64  `json:"global_id"`
	State         string  `json:"state"`
	Relay         bool    `json:"relay"`
	LatencyMillis float64 `json:"latency_ms"`
	Errors        int     `json:"errors"`
	Outbox        int     `json:"outbox"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	NetworkTime    float64           `json:"network_time"`
	State          StateMetrics      `json:"state"`
	Event          EventMetrics      `json:"event"`
	Route          RouteMetrics      `json:"route"`
	Session        SessionMetrics    `json:"session"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentConns   int64             `json:"current_conns"`
	CurrentStreams int64             `json:"current_streams"`
	Peers          []PeerGauge       `json:"peers"`
	Recent         []ConnEvent       `json:"recent"`
}

type StateMetrics struct {
	Sent        uint64 `json:"sent"`
	DeltaSent   uint64 `json:"delta_sent"`
	Received    uint64 `json:"received"`
	Inserted    uint64 `json:"inserted"`
	DropStale   uint64 `json:"drop_stale"`
	DropDelta   uint64 `json:"drop_delta"`
	DropUnpack  uint64 `json:"drop_unpack"`
	ClockAdjust uint64 `json:"clock_adjust"`
}

type EventMetrics struct {
	Sent       uint64 `json:"sent"`
	Messages   uint64 `json:"messages"`
	Received   uint64 `json:"received"`
	Retained   uint64 `json:"retained"`
	DropUnsent uint64 `json:"drop_unsent"`
	DropDecode uint64 `json:"drop_decode"`
}

type RouteMetrics struct {
	SendErrors   uint64 `json:"send_errors"`
	RelayToggles uint64 `json:"relay_toggles"`
	Relayed      uint64 `json:"relayed"`
	Forwarded    uint64 `json:"forwarded"`
	Masqueraded  uint64 `json:"masqueraded"`
	DropDecode   uint64 `json:"drop_decode"`
}

type SessionMetrics struct {
	Handshakes  uint64 `json:"handshakes"`
	Disconnects uint64 `json:"disconnects"`
	Byes        uint64 `json:"byes"`
	Pings       uint64 `json:"pings"`
}

type Metrics struct {
	stateSent       atomic.Uint64
	stateDeltaSent  atomic.Uint64
	stateReceived   atomic.Uint64
	stateInserted   atomic.Uint64
	stateDropStale  atomic.Uint64
	stateDropDelta  atomic.Uint64
	stateDropUnpack atomic.Uint64
	clockAdjust     atomic.Uint64
	eventSent       atomic.Uint64
	eventMessages   atomic.Uint64
	eventReceived   atomic.Uint64
	eventRetained   atomic.Uint64
	eventDropUnsent atomic.Uint64
	eventDropDecode atomic.Uint64
	sendErrors      atomic.Uint64
	relayToggles    atomic.Uint64
	relayed         atomic.Uint64
	forwarded       atomic.Uint64
	masqueraded     atomic.Uint64
	routeDropDecode atomic.Uint64
	handshakes      atomic.Uint64
	disconnects     atomic.Uint64
	byes            atomic.Uint64
	pings           atomic.Uint64
	networkTimeBits atomic.Uint64
	peersMu         sync.Mutex
	peers           []PeerGauge
	recent          *Recent
	recvMu          sync.Mutex
	recvByType      map[string]uint64
	dropByReason    map[string]uint64
	currentConns    atomic.Int64
	currentStreams  atomic.Int64
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(64),
	}
}

func (m *Metrics) Recent() *Recent { return m.recent }

func (m *Metrics) IncStateSent() { m.stateSent.Add(1) }
func (m *Metrics) IncStateDeltaSent() { m.stateDeltaSent.Add(1) }
func (m *Metrics) IncStateReceived() { m.stateReceived.Add(1) }
func (m *Metrics) IncStateInserted() { m.stateInserted.Add(1) }
func (m *Metrics) IncStateDropStale() { m.stateDropStale.Add(1) }
func (m *Metrics) IncStateDropDelta() { m.stateDropDelta.Add(1) }
func (m *Metrics) IncStateDropUnpack() { m.stateDropUnpack.Add(1) }
func (m *Metrics) IncClockAdjust() { m.clockAdjust.Add(1) }

func (m *Metrics) AddEventSent(n int) { m.eventSent.Add(uint64(n)) }
func (m *Metrics) IncEventMessages() { m.eventMessages.Add(1) }
func (m *Metrics) IncEventReceived() { m.eventReceived.Add(1) }
func (m *Metrics) AddEventRetained(n int) { m.eventRetained.Add(uint64(n)) }
func (m *Metrics) AddEventDropUnsent(n int) { m.eventDropUnsent.Add(uint64(n)) }
func (m *Metrics) IncEventDropDecode() { m.eventDropDecode.Add(1) }

func (m *Metrics) IncSendErrors() { m.sendErrors.Add(1) }
func (m *Metrics) IncRelayToggles() { m.relayToggles.Add(1) }
func (m *Metrics) IncRelayed() { m.relayed.Add(1) }
func (m *Metrics) IncForwarded() { m.forwarded.Add(1) }
func (m *Metrics) IncMasqueraded() { m.masqueraded.Add(1) }
func (m *Metrics) IncRouteDropDecode() { m.routeDropDecode.Add(1) }

func (m *Metrics) IncHandshakes() { m.handshakes.Add(1) }
func (m *Metrics) IncDisconnects() { m.disconnects.Add(1) }
func (m *Metrics) IncByes() { m.byes.Add(1) }
func (m *Metrics) IncPings() { m.pings.Add(1) }

// IncRecvByType counts inbound messages by wire type name.
func (m *Metrics) IncRecvByType(typ string) {
	m.recvMu.Lock()
	m.recvByType[typ]++
	m.recvMu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	m.recvMu.Lock()
	m.dropByReason[reason]++
	m.recvMu.Unlock()
}

func (m *Metrics) SetCurrentConns(n int) { m.currentConns.Store(int64(n)) }
func (m *Metrics) SetCurrentStreams(n int) { m.currentStreams.Store(int64(n)) }

// SetNetworkTime records the replicator clock for the next snapshot. It is
// stored as float bits so the tick loop never takes a lock.
func (m *Metrics) SetNetworkTime(t float64) {
	m.networkTimeBits.Store(math.Float64bits(t))
}

// SetPeers replaces the per-peer gauges.
func (m *Metrics) SetPeers(peers []PeerGauge) {
	cp := make([]PeerGauge, len(peers))
	copy(cp, peers)
	sort.Slice(cp, func(i, j int) bool { return cp[i].GlobalID < cp[j].GlobalID })
	m.peersMu.Lock()
	m.peers = cp
	m.peersMu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []ConnEvent{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.peersMu.Lock()
	peers := make([]PeerGauge, len(m.peers))
	copy(peers, m.peers)
	m.peersMu.Unlock()
	m.recvMu.Lock()
	recvByType := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recvByType[k] = v
	}
	dropByReason := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		dropByReason[k] = v
	}
	m.recvMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		NetworkTime: math.Float64frombits(m.networkTimeBits.Load()),
		State: StateMetrics{
			Sent:        m.stateSent.Load(),
			DeltaSent:   m.stateDeltaSent.Load(),
			Received:    m.stateReceived.Load(),
			Inserted:    m.stateInserted.Load(),
			DropStale:   m.stateDropStale.Load(),
			DropDelta:   m.stateDropDelta.Load(),
			DropUnpack:  m.stateDropUnpack.Load(),
			ClockAdjust: m.clockAdjust.Load(),
		},
		Event: EventMetrics{
			Sent:       m.eventSent.Load(),
			Messages:   m.eventMessages.Load(),
			Received:   m.eventReceived.Load(),
			Retained:   m.eventRetained.Load(),
			DropUnsent: m.eventDropUnsent.Load(),
			DropDecode: m.eventDropDecode.Load(),
		},
		Route: RouteMetrics{
			SendErrors:   m.sendErrors.Load(),
			RelayToggles: m.relayToggles.Load(),
			Relayed:      m.relayed.Load(),
			Forwarded:    m.forwarded.Load(),
			Masqueraded:  m.masqueraded.Load(),
			DropDecode:   m.routeDropDecode.Load(),
		},
		Session: SessionMetrics{
			Handshakes:  m.handshakes.Load(),
			Disconnects: m.disconnects.Load(),
			Byes:        m.byes.Load(),
			Pings:       m.pings.Load(),
		},
		RecvByType:     recvByType,
		DropByReason:   dropByReason,
		CurrentConns:   m.currentConns.Load(),
		CurrentStreams: m.currentStreams.Load(),
		Peers:          peers,
		Recent:         recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}

// Recent is a bounded ring of connection events, oldest first.
type Recent struct {
	mu   sync.Mutex
	cap  int
	list []ConnEvent
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(ev ConnEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = ev
		return
	}
	r.list = append(r.list, ev)
}

func (r *Recent) List() []ConnEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnEvent, len(r.list))
	copy(out, r.list)
	return out
}
