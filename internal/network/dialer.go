package network

import (
	"sync"
	"time"
)

const (
	dialBackoffDefault = 2 * time.Second
	dialBackoffMax     = 60 * time.Second
	dialTimeout        = 5 * time.Second
)

type addrFailure struct {
	count int
	next  time.Time
}

// dialPlan decides which addresses may be dialed now. Each address has at
// most one dial in flight and backs off exponentially after failures.
type dialPlan struct {
	mu       sync.Mutex
	base     time.Duration
	now      func() time.Time
	inflight map[string]bool
	failures map[string]*addrFailure
}

func newDialPlan(base time.Duration) *dialPlan {
	if base <= 0 {
		base = dialBackoffDefault
	}
	return &dialPlan{
		base:     base,
		now:      time.Now,
		inflight: make(map[string]bool),
		failures: make(map[string]*addrFailure),
	}
}

// begin claims addr for dialing. It reports false while a dial is running or
// the address is backing off.
func (d *dialPlan) begin(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr == "" || d.inflight[addr] {
		return false
	}
	if f := d.failures[addr]; f != nil && d.now().Before(f.next) {
		return false
	}
	d.inflight[addr] = true
	return true
}

// finish releases addr and records the outcome. The returned count is the
// number of consecutive failures.
func (d *dialPlan) finish(addr string, err error) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, addr)
	if err == nil {
		delete(d.failures, addr)
		return 0
	}
	f := d.failures[addr]
	if f == nil {
		f = &addrFailure{}
		d.failures[addr] = f
	}
	f.count++
	f.next = d.now().Add(d.backoff(f.count))
	return f.count
}

func (d *dialPlan) backoff(failures int) time.Duration {
	wait := d.base
	for i := 1; i < failures && wait < dialBackoffMax; i++ {
		wait *= 2
	}
	return min(wait, dialBackoffMax)
}
