package network

import (
	"sync"

	"golang.org/x/time/rate"
)

// admission caps concurrent connections and streams per remote IP.
type admission struct {
	mu         sync.Mutex
	maxConns   int
	maxStreams int
	conns      map[string]int
	streams    map[string]int
}

func newAdmission(maxConns, maxStreams int) *admission {
	return &admission{
		maxConns:   maxConns,
		maxStreams: maxStreams,
		conns:      make(map[string]int),
		streams:    make(map[string]int),
	}
}

func acquire(counts map[string]int, limit int, ip string) bool {
	if limit > 0 && counts[ip] >= limit {
		return false
	}
	counts[ip]++
	return true
}

func release(counts map[string]int, ip string) {
	if counts[ip] <= 1 {
		delete(counts, ip)
		return
	}
	counts[ip]--
}

func (a *admission) acquireConn(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return acquire(a.conns, a.maxConns, ip)
}

func (a *admission) releaseConn(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	release(a.conns, ip)
}

func (a *admission) acquireStream(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return acquire(a.streams, a.maxStreams, ip)
}

func (a *admission) releaseStream(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	release(a.streams, ip)
}

func (a *admission) totals() (conns, streams int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.conns {
		conns += n
	}
	for _, n := range a.streams {
		streams += n
	}
	return conns, streams
}

// newPacketLimiter bounds inbound messages per connection. A non-positive
// rate disables the limit.
func newPacketLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = int(perSecond)
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(1, burst))
}
