// Package daemon wires a ghostnet node together: identity, QUIC transport,
// the replicator, the scene queue and the metrics snapshot writer, driven by
// one ticker loop.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ghostnet/internal/config"
	"ghostnet/internal/debuglog"
	"ghostnet/internal/eventcodec"
	"ghostnet/internal/metrics"
	"ghostnet/internal/network"
	"ghostnet/internal/node"
	"ghostnet/internal/peer"
	"ghostnet/internal/pprofutil"
	"ghostnet/internal/replica"
	"ghostnet/internal/scene"
	"ghostnet/internal/state"
	"ghostnet/internal/store"
	"ghostnet/internal/transport"
)

const (
	// patrolSpeed is the angular speed of the demo patrol, rad/s.
	patrolSpeed = 0.5
	// sceneEventID tags scene announcements on the event channel.
	sceneEventID = 1
)

type Runner struct {
	Root    string
	Cfg     config.Node
	Repl    config.Replication
	Self    *node.Node
	Store   *store.Store
	Metrics *metrics.Metrics
	Queue   *scene.Queue

	tr       transport.Transport
	quic     *network.Transport
	rep      *replica.Replicator
	book     *peer.AddrBook
	snapPath string
	stopSnap chan struct{}
	snapOnce sync.Once

	primary transport.Handle
	pose    state.Pose
	scenes  map[transport.Handle]eventcodec.Scene
	// known remembers who a handle was, for logging after it is gone.
	known map[transport.Handle]replica.PeerInfo
	last  scene.Outcome
	start time.Time
}

type Options struct {
	Metrics *metrics.Metrics
	// Transport replaces the QUIC transport, for tests.
	Transport transport.Transport
	SnapPath  string
}

func NewRunner(cfg config.Node, repl config.Replication, opts Options) (*Runner, error) {
	root := cfg.Home
	if root == "" {
		return nil, fmt.Errorf("missing home")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	self, err := node.NewNode(root, node.Options{Name: cfg.Name})
	if err != nil {
		return nil, err
	}
	st, err := store.New(root)
	if err != nil {
		return nil, err
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	snapPath := opts.SnapPath
	if snapPath == "" {
		snapPath = cfg.MetricsPath
	}
	if snapPath == "" {
		snapPath = filepath.Join(root, "metrics.json")
	}
	return &Runner{
		Root:     root,
		Cfg:      cfg,
		Repl:     repl,
		Self:     self,
		Store:    st,
		Metrics:  m,
		Queue:    scene.NewQueue(),
		tr:       opts.Transport,
		snapPath: snapPath,
		stopSnap: make(chan struct{}),
		scenes:   make(map[transport.Handle]eventcodec.Scene),
		known:    make(map[transport.Handle]replica.PeerInfo),
	}, nil
}

// Replicator is nil until Start has run.
func (r *Runner) Replicator() *replica.Replicator { return r.rep }

// Start opens the transport and builds the replicator. It returns the
// address peers should dial, empty for an injected transport.
func (r *Runner) Start() (string, error) {
	if r.rep != nil {
		return "", fmt.Errorf("runner already started")
	}
	addr := ""
	if r.tr == nil {
		r.book = peer.NewAddrBook(0, 0)
		saved, err := r.Store.LoadAddrs()
		if err != nil {
			debuglog.Logf("daemon: load addrs failed err=%v", err)
		}
		for _, a := range saved {
			r.book.Learn(a)
		}
		qt, err := network.Listen(network.Options{
			Node:            r.Self,
			Listen:          r.Cfg.Listen,
			Peers:           r.Cfg.Peers,
			Book:            r.book,
			PrimaryID:       r.Cfg.PrimaryID,
			MaxConnsPerIP:   r.Cfg.MaxConnsPerIP,
			MaxStreamsPerIP: r.Cfg.MaxStreamsPerIP,
			InboundRate:     r.Cfg.InboundRate,
			InboundBurst:    r.Cfg.InboundBurst,
			DialBackoff:     r.Cfg.DialBackoff,
			CAPath:          r.Cfg.CAPath,
			Metrics:         r.Metrics,
		})
		if err != nil {
			return "", err
		}
		r.quic, r.tr = qt, qt
		addr = qt.Addr()
	}
	r.rep = replica.New(r.tr, replica.Options{Config: r.Repl, Metrics: r.Metrics})
	r.rep.AddListener(replica.ListenerFunc(r.notify))
	r.rep.SetLocalState(r.pose, state.PoseTemplate{})
	r.start = time.Now()
	debuglog.Logf("daemon: started name=%s id=%d listen=%s", r.Self.Name, r.Self.GlobalID, addr)
	return addr, nil
}

// RunWithContext runs the tick loop until ctx is done, then says goodbye to
// every peer and persists what it learned. ready receives the listen
// address once the transport is up.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	addr, err := r.Start()
	if err != nil {
		return err
	}
	if pp, err := pprofutil.Start(r.Cfg, os.Stderr); err != nil {
		debuglog.Logf("daemon: pprof disabled err=%v", err)
	} else if pp != "" {
		debuglog.Logf("daemon: pprof listening on %s", pp)
	}
	r.StartSnapshotWriter(r.Cfg.MetricsInterval)
	defer r.StopSnapshotWriter()
	if ready != nil {
		select {
		case ready <- addr:
		default:
		}
	}

	interval := r.Cfg.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			r.Shutdown()
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now
			// a stalled process must not fast-forward the simulation
			dt = min(dt, 4*interval.Seconds())
			r.Tick(now.Sub(r.start).Seconds(), dt)
		}
	}
}

// Tick runs one scene checkpoint and one replication update.
func (r *Runner) Tick(now, dt float64) {
	r.ensurePatrol()
	if out, ok := r.Queue.Step(dt); ok {
		r.last = out
		debuglog.Debugf("daemon: scene task done scene=%d cancelled=%v steps=%d", out.SceneID, out.Cancelled, out.Steps)
	}
	r.rep.SetLocalState(r.pose, nil)
	r.rep.Update(now, dt)
	if h, ok := r.rep.PrimaryHandle(); ok {
		r.primary = h
	} else {
		r.primary = 0
	}
	r.Metrics.SetPeers(r.gauges())
}

// ensurePatrol keeps one patrol running for the configured scene while its
// host is reachable: the primary when it is established, or this node when
// it has no primary.
func (r *Runner) ensurePatrol() {
	sceneID := r.Cfg.SceneID
	if sceneID == 0 || r.Queue.Has(sceneID) {
		return
	}
	if h, ok := r.rep.PrimaryHandle(); ok {
		if info, ok := r.rep.Peer(h); !ok || info.State != peer.Established {
			return
		}
		if sc, ok := r.scenes[h]; ok && sc.ID == sceneID && !sc.Active {
			return
		}
	}
	r.Queue.Enqueue(sceneID, &scene.Patrol{
		Radius: r.Cfg.PatrolRadius,
		Speed:  patrolSpeed,
		Set:    func(p state.Pose) { r.pose = p },
	})
}

func (r *Runner) notify(rep *replica.Replicator, n replica.Notification) {
	switch n.Kind {
	case replica.KindConnected:
		info, _ := rep.Peer(n.Peer)
		r.known[n.Peer] = info
		r.logConn(info, "connected")
		if _, isPrimary := rep.PrimaryHandle(); !isPrimary {
			r.announceScene(n.Peer, true)
		}
	case replica.KindDisconnected:
		info, ok := r.known[n.Peer]
		if !ok {
			info, _ = rep.Peer(n.Peer)
		}
		r.logConn(info, "disconnected")
		delete(r.known, n.Peer)
		delete(r.scenes, n.Peer)
		if n.Peer != 0 && n.Peer == r.primary {
			r.cancelScene("primary disconnected")
		}
	case replica.KindEvent:
		sc, ok := n.Object.(*eventcodec.Scene)
		if !ok {
			return
		}
		r.scenes[n.Peer] = *sc
		if !sc.Active && sc.ID == r.Cfg.SceneID && n.Peer == r.primary {
			r.cancelScene("scene closed by primary")
		}
	}
}

func (r *Runner) announceScene(h transport.Handle, active bool) {
	if r.Cfg.SceneID == 0 {
		return
	}
	sc := &eventcodec.Scene{ID: r.Cfg.SceneID, Active: active, Label: r.Self.Name}
	if err := r.rep.SendEvent(h, sceneEventID, sc); err != nil {
		debuglog.Logf("daemon: scene announce failed err=%v", err)
	}
}

func (r *Runner) cancelScene(reason string) {
	removed := r.Queue.Cancel(r.Cfg.SceneID)
	debuglog.Logf("daemon: scene cancelled scene=%d queued=%d reason=%s", r.Cfg.SceneID, removed, reason)
}

func (r *Runner) logConn(info replica.PeerInfo, kind string) {
	ev := metrics.ConnEvent{At: time.Now().UTC(), Peer: info.Name, GlobalID: info.GlobalID, Kind: kind}
	if err := r.Store.AppendConnEvent(ev); err != nil {
		debuglog.RateLimitedf("conn-log", 10*time.Second, "daemon: conn log write failed err=%v", err)
	}
}

// LastOutcome is the most recently finished scene task.
func (r *Runner) LastOutcome() scene.Outcome { return r.last }

// Scenes returns the latest scene announcement per peer.
func (r *Runner) Scenes() map[transport.Handle]eventcodec.Scene {
	out := make(map[transport.Handle]eventcodec.Scene, len(r.scenes))
	for h, sc := range r.scenes {
		out[h] = sc
	}
	return out
}

func (r *Runner) gauges() []metrics.PeerGauge {
	peers := r.rep.Peers()
	out := make([]metrics.PeerGauge, 0, len(peers))
	for _, p := range peers {
		out = append(out, metrics.PeerGauge{
			Name:          p.Name,
			GlobalID:      p.GlobalID,
			State:         p.State.String(),
			Relay:         p.Relay,
			LatencyMillis: p.LatencyMedian * 1000,
			Errors:        p.ErrorCount,
			Outbox:        p.Outbox,
		})
	}
	return out
}

// Shutdown closes this node's scene for its peers, sends Bye, and stores
// the address book and a final metrics snapshot.
func (r *Runner) Shutdown() {
	if r.rep == nil {
		return
	}
	if _, hasPrimary := r.rep.PrimaryHandle(); !hasPrimary && r.Cfg.SceneID != 0 {
		sc := &eventcodec.Scene{ID: r.Cfg.SceneID, Active: false, Label: r.Self.Name}
		if err := r.rep.BroadcastEvent(sceneEventID, sc); err == nil {
			r.rep.Update(time.Since(r.start).Seconds(), 0)
		}
	}
	r.rep.Destroy()
	if r.book != nil {
		if err := r.Store.SaveAddrs(r.book.List()); err != nil {
			debuglog.Logf("daemon: save addrs failed err=%v", err)
		}
	}
	if r.quic != nil {
		// let the writers flush the byes
		time.Sleep(50 * time.Millisecond)
		_ = r.quic.Close()
	}
	if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
		debuglog.Logf("daemon: snapshot write failed err=%v", err)
	}
	debuglog.Logf("daemon: stopped name=%s", r.Self.Name)
}

func (r *Runner) StartSnapshotWriter(interval time.Duration) {
	if r.snapPath == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
					debuglog.RateLimitedf("snapshot", time.Minute, "daemon: snapshot write failed err=%v", err)
				}
			case <-r.stopSnap:
				return
			}
		}
	}()
}

func (r *Runner) StopSnapshotWriter() {
	r.snapOnce.Do(func() { close(r.stopSnap) })
}

func (r *Runner) SnapshotPath() string { return r.snapPath }
