package peer

import "sort"

const LatencySamples = 16

// Latency keeps the last round-trip samples. Median and Minimum are one-way
// estimates (half round trip); Reversed is what the peer reports for us.
type Latency struct {
	rtt  [LatencySamples]float64
	n    int
	next int

	Median   float64
	Minimum  float64
	Reversed float64
}

func (l *Latency) Add(rtt float64) {
	if rtt < 0 {
		rtt = 0
	}
	l.rtt[l.next] = rtt
	l.next = (l.next + 1) % LatencySamples
	if l.n < LatencySamples {
		l.n++
	}
	var buf [LatencySamples]float64
	s := buf[:l.n]
	copy(s, l.rtt[:l.n])
	sort.Float64s(s)
	l.Minimum = s[0] / 2
	if l.n%2 == 1 {
		l.Median = s[l.n/2] / 2
	} else {
		l.Median = (s[l.n/2-1] + s[l.n/2]) / 4
	}
}

func (l *Latency) Samples() int { return l.n }
