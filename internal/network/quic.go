// Package network implements transport.Transport over QUIC. Unreliable
// replication traffic rides on datagrams; reliable messages are framed on
// one control stream per connection, which also carries the hello.
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"ghostnet/internal/debuglog"
	"ghostnet/internal/metrics"
	"ghostnet/internal/node"
	"ghostnet/internal/peer"
	"ghostnet/internal/proto"
	"ghostnet/internal/transport"
)

const (
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 5 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	helloTimeout         = 5 * time.Second

	inboundQueue  = 4096
	outboundQueue = 256
)

type Options struct {
	Node   *node.Node
	Listen string
	// Peers are pinned bootstrap addresses.
	Peers []string
	Book  *peer.AddrBook
	// PrimaryID names the clock authority. Zero picks the lowest global id.
	PrimaryID uint64

	MaxConnsPerIP   int
	MaxStreamsPerIP int
	InboundRate     float64
	InboundBurst    int
	DialBackoff     time.Duration

	Insecure bool
	CAPath   string
	Metrics  *metrics.Metrics
}

type packet struct {
	from transport.Handle
	data []byte
}

type outMsg struct {
	data     []byte
	reliable bool
}

type conn struct {
	handle   transport.Handle
	qc       *quic.Conn
	ctrl     *quic.Stream
	id       uint64
	name     string
	addr     string
	ip       string
	inbound  bool
	out      chan outMsg
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc
	closeOne sync.Once
}

// Transport is safe for concurrent use. The replicator drives it from its
// tick goroutine; accept, dial and read loops run in the background.
type Transport struct {
	opts      Options
	self      *node.Node
	listener  *quic.Listener
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config
	admit     *admission
	dials     *dialPlan
	book      *peer.AddrBook
	metrics   *metrics.Metrics
	inbound   chan packet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	conns      map[transport.Handle]*conn
	byID       map[uint64]transport.Handle
	nextHandle transport.Handle
	closed     bool
}

// Listen starts a QUIC listener on opts.Listen and returns the transport.
func Listen(opts Options) (*Transport, error) {
	if opts.Node == nil {
		return nil, fmt.Errorf("missing node identity")
	}
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	clientTLS, err := clientTLSConfig(opts.Insecure, opts.CAPath)
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
		EnableDatagrams:      true,
	}
	listener, err := quic.ListenAddr(opts.Listen, serverTLS, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", opts.Listen, err)
	}
	book := opts.Book
	if book == nil {
		book = peer.NewAddrBook(0, 0)
	}
	for _, addr := range opts.Peers {
		book.Pin(addr)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		opts:      opts,
		self:      opts.Node,
		listener:  listener,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf:  quicConf,
		admit:     newAdmission(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		dials:     newDialPlan(opts.DialBackoff),
		book:      book,
		metrics:   m,
		inbound:   make(chan packet, inboundQueue),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[transport.Handle]*conn),
		byID:      make(map[uint64]transport.Handle),
	}
	debuglog.Logf("quic listen ready: %s id=%d", t.Addr(), t.self.GlobalID)
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr is the bound listen address.
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

func (t *Transport) Book() *peer.AddrBook { return t.book }

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	t.cancel()
	err := t.listener.Close()
	for _, c := range conns {
		t.closeConn(c, "shutdown")
	}
	t.wg.Wait()
	return err
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		qc, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				debuglog.Logf("quic accept error: %v", err)
			}
			return
		}
		ip := hostOf(qc.RemoteAddr())
		if !t.admit.acquireConn(ip) {
			t.metrics.IncDropByReason("conn_cap")
			_ = qc.CloseWithError(1, "too many connections")
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.serveInbound(qc, ip); err != nil {
				t.admit.releaseConn(ip)
				debuglog.RateLimitedf("inbound-"+ip, 5*time.Second, "quic inbound rejected ip=%s err=%v", ip, err)
				_ = qc.CloseWithError(1, "hello failed")
			}
		}()
	}
}

func (t *Transport) serveInbound(qc *quic.Conn, ip string) error {
	ctx, cancel := context.WithTimeout(t.ctx, helloTimeout)
	defer cancel()
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		return err
	}
	if !t.admit.acquireStream(ip) {
		t.metrics.IncDropByReason("stream_cap")
		return fmt.Errorf("stream cap")
	}
	hello, err := t.exchangeHello(stream, false)
	if err != nil {
		t.admit.releaseStream(ip)
		return err
	}
	addr := advertised(hello.ListenAddr, ip)
	t.register(qc, stream, hello, addr, ip, true)
	return nil
}

func (t *Transport) dial(addr string) {
	defer t.wg.Done()
	err := t.dialOnce(addr)
	if n := t.dials.finish(addr, err); err != nil {
		debuglog.RateLimitedf("dial-"+addr, 10*time.Second, "quic dial failed addr=%s failures=%d err=%v", addr, n, err)
	}
}

func (t *Transport) dialOnce(addr string) error {
	ctx, cancel := context.WithTimeout(t.ctx, dialTimeout)
	defer cancel()
	qc, err := quic.DialAddr(ctx, addr, t.clientTLS, t.quicConf)
	if err != nil {
		return err
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "open stream")
		return err
	}
	hello, err := t.exchangeHello(stream, true)
	if err != nil {
		_ = qc.CloseWithError(1, "hello failed")
		return err
	}
	t.register(qc, stream, hello, addr, hostOf(qc.RemoteAddr()), false)
	return nil
}

// exchangeHello runs the greeting on a fresh control stream. The dialer
// speaks first.
func (t *Transport) exchangeHello(stream *quic.Stream, dialer bool) (proto.HelloMsg, error) {
	_ = stream.SetDeadline(time.Now().Add(helloTimeout))
	defer stream.SetDeadline(time.Time{})
	mine, err := proto.EncodeHelloMsg(t.hello())
	if err != nil {
		return proto.HelloMsg{}, err
	}
	if dialer {
		if err := proto.WriteFrame(stream, mine); err != nil {
			return proto.HelloMsg{}, err
		}
	}
	data, err := proto.ReadFrame(stream)
	if err != nil {
		return proto.HelloMsg{}, fmt.Errorf("read hello: %w", err)
	}
	theirs, err := proto.DecodeHelloMsg(data)
	if err != nil {
		return proto.HelloMsg{}, err
	}
	if err := t.self.VerifyHello(theirs); err != nil {
		return proto.HelloMsg{}, err
	}
	if !dialer {
		if err := proto.WriteFrame(stream, mine); err != nil {
			return proto.HelloMsg{}, err
		}
	}
	return theirs, nil
}

func (t *Transport) hello() proto.HelloMsg {
	m := t.self.Hello(t.Addr())
	t.mu.Lock()
	for _, c := range t.conns {
		if len(m.Known) >= proto.MaxKnownAddrs {
			break
		}
		if c.addr != "" {
			m.Known = append(m.Known, c.addr)
		}
	}
	t.mu.Unlock()
	sort.Strings(m.Known)
	return m
}

// register installs a connection that finished its hello. When both sides
// dial each other at once, the connection opened by the lower global id
// wins on both ends; the survivor takes over the existing handle.
func (t *Transport) register(qc *quic.Conn, stream *quic.Stream, hello proto.HelloMsg, addr, ip string, inbound bool) {
	ctx, cancel := context.WithCancel(t.ctx)
	c := &conn{
		qc:      qc,
		ctrl:    stream,
		id:      hello.GlobalID,
		name:    hello.Name,
		addr:    addr,
		ip:      ip,
		inbound: inbound,
		out:     make(chan outMsg, outboundQueue),
		limiter: newPacketLimiter(t.opts.InboundRate, t.opts.InboundBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.closeConn(c, "shutdown")
		return
	}
	var loser *conn
	if h, ok := t.byID[c.id]; ok {
		old := t.conns[h]
		if !t.prefer(c, old) {
			t.mu.Unlock()
			t.closeConn(c, "duplicate")
			return
		}
		c.handle = h
		loser = old
		if c.addr == "" {
			c.addr = old.addr
		}
	} else {
		t.nextHandle++
		c.handle = t.nextHandle
	}
	t.conns[c.handle] = c
	t.byID[c.id] = c.handle
	t.mu.Unlock()
	if loser != nil {
		t.closeConn(loser, "duplicate")
	}

	if addr != "" {
		t.book.Learn(addr)
	}
	for _, known := range hello.Known {
		if known != t.Addr() {
			t.book.Learn(known)
		}
	}
	t.metrics.Recent().Add(metrics.ConnEvent{At: time.Now().UTC(), Peer: c.name, GlobalID: c.id, Kind: "quic_up"})
	debuglog.Logf("quic peer up name=%s id=%d addr=%s inbound=%v handle=%d", c.name, c.id, c.addr, inbound, c.handle)

	t.wg.Add(3)
	go t.writeLoop(c)
	go t.readStream(c)
	go t.readDatagrams(c)
}

// prefer reports whether fresh should replace old. A connection dialed by
// the lower id outranks one dialed by the higher id; on a tie the newer one
// wins, which covers a peer that restarted before its old connection timed
// out.
func (t *Transport) prefer(fresh, old *conn) bool {
	if old == nil || old.ctx.Err() != nil {
		return true
	}
	dialedByLower := func(c *conn) bool {
		if c.inbound {
			return c.id < t.self.GlobalID
		}
		return t.self.GlobalID < c.id
	}
	return dialedByLower(fresh) || !dialedByLower(old)
}

func (t *Transport) closeConn(c *conn, reason string) {
	c.closeOne.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		t.mu.Lock()
		if c.handle != 0 && t.conns[c.handle] == c {
			delete(t.conns, c.handle)
			if t.byID[c.id] == c.handle {
				delete(t.byID, c.id)
			}
		}
		t.mu.Unlock()
		if c.inbound {
			t.admit.releaseConn(c.ip)
			t.admit.releaseStream(c.ip)
		}
		_ = c.qc.CloseWithError(0, reason)
		if c.id != 0 && reason != "duplicate" {
			t.metrics.Recent().Add(metrics.ConnEvent{At: time.Now().UTC(), Peer: c.name, GlobalID: c.id, Kind: "quic_down"})
			debuglog.Logf("quic peer down name=%s id=%d reason=%s", c.name, c.id, reason)
		}
	})
}

func (t *Transport) writeLoop(c *conn) {
	defer t.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.out:
			var err error
			if m.reliable {
				err = proto.WriteFrame(c.ctrl, m.data)
			} else {
				err = c.qc.SendDatagram(m.data)
			}
			if err == nil {
				continue
			}
			var tooLarge *quic.DatagramTooLargeError
			if errors.As(err, &tooLarge) {
				t.metrics.IncDropByReason("datagram_too_large")
				continue
			}
			t.closeConn(c, "write failed")
			return
		}
	}
}

func (t *Transport) readStream(c *conn) {
	defer t.wg.Done()
	for {
		data, err := proto.ReadFrame(c.ctrl)
		if err != nil {
			t.closeConn(c, "stream closed")
			return
		}
		t.deliver(c, data)
	}
}

func (t *Transport) readDatagrams(c *conn) {
	defer t.wg.Done()
	for {
		data, err := c.qc.ReceiveDatagram(c.ctx)
		if err != nil {
			t.closeConn(c, "datagrams closed")
			return
		}
		t.deliver(c, data)
	}
}

func (t *Transport) deliver(c *conn, data []byte) {
	if len(data) > proto.MessageSize {
		t.metrics.IncDropByReason("oversize")
		return
	}
	if !c.limiter.Allow() {
		t.metrics.IncDropByReason("rate_limited")
		return
	}
	select {
	case t.inbound <- packet{from: c.handle, data: data}:
	default:
		t.metrics.IncDropByReason("inbound_full")
	}
}

// Update starts dials to known addresses that have no live connection and
// refreshes the connection gauges. It never waits on the network.
func (t *Transport) Update() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	connected := make(map[string]bool, len(t.conns))
	for _, c := range t.conns {
		connected[c.addr] = true
	}
	n := len(t.conns)
	t.mu.Unlock()
	_, streams := t.admit.totals()
	t.metrics.SetCurrentConns(n)
	t.metrics.SetCurrentStreams(n + streams)

	self := t.Addr()
	for _, addr := range t.book.List() {
		if addr == self || connected[addr] || !t.dials.begin(addr) {
			continue
		}
		t.wg.Add(1)
		go t.dial(addr)
	}
}

func (t *Transport) PeerHandles(dst []transport.Handle) []transport.Handle {
	t.mu.Lock()
	start := len(dst)
	for h := range t.conns {
		dst = append(dst, h)
	}
	t.mu.Unlock()
	tail := dst[start:]
	sort.Slice(tail, func(i, j int) bool { return tail[i] < tail[j] })
	return dst
}

func (t *Transport) PeerGlobalID(h transport.Handle) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[h]; ok {
		return c.id
	}
	return 0
}

func (t *Transport) PeerName(h transport.Handle) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[h]; ok {
		return c.name
	}
	return ""
}

// PrimaryPeer reports the configured primary, or the connected peer with the
// lowest global id when that id is below ours.
func (t *Transport) PrimaryPeer() (transport.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id := t.opts.PrimaryID; id != 0 {
		if id == t.self.GlobalID {
			return 0, false
		}
		h, ok := t.byID[id]
		return h, ok
	}
	best, bestID := transport.Handle(0), t.self.GlobalID
	for id, h := range t.byID {
		if id < bestID {
			best, bestID = h, id
		}
	}
	return best, best != 0
}

func (t *Transport) GlobalID() uint64 { return t.self.GlobalID }

// Send queues msg for the writer of h. A full queue or a dead connection
// reports false.
func (t *Transport) Send(h transport.Handle, msg []byte, reliable bool) bool {
	t.mu.Lock()
	c, ok := t.conns[h]
	t.mu.Unlock()
	if !ok || c.ctx.Err() != nil {
		return false
	}
	data := make([]byte, len(msg))
	copy(data, msg)
	select {
	case c.out <- outMsg{data: data, reliable: reliable}:
		return true
	default:
		t.metrics.IncDropByReason("outbound_full")
		return false
	}
}

func (t *Transport) Receive(buf []byte) (int, transport.Handle) {
	for {
		select {
		case p := <-t.inbound:
			if !t.live(p.from) {
				continue
			}
			return copy(buf, p.data), p.from
		default:
			return 0, 0
		}
	}
}

func (t *Transport) live(h transport.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[h]
	return ok
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// advertised turns a peer's listen address into one we can dial, filling in
// the observed IP when it listens on a wildcard.
func advertised(listen, ip string) string {
	if listen == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ""
	}
	if host == "" || net.ParseIP(host).IsUnspecified() {
		host = ip
	}
	return net.JoinHostPort(host, port)
}

var _ transport.Transport = (*Transport)(nil)
