package peer

import "ghostnet/internal/state"

// Ghost is the local mirror of a remote peer built from its three most
// recent samples. Stamps are local network time and never decrease from
// S0 toward Sn2.
type Ghost struct {
	Origin    state.Vec3
	HasOrigin bool
	// Object is attached by the application and is not owned by the ghost.
	Object   any
	Template state.Template

	h state.History
	n int
}

func NewGhost(tpl state.Template) *Ghost {
	return &Ghost{Template: tpl}
}

// Samples reports how many distinct samples the history holds, up to three.
func (g *Ghost) Samples() int { return g.n }

func (g *Ghost) History() state.History { return g.h }

// Latest returns S0 and T0.
func (g *Ghost) Latest() (state.State, float64, bool) {
	if g.n == 0 {
		return nil, 0, false
	}
	return g.h.S0, g.h.T0, true
}

// Push installs a sample newer than every held one. t is raised to T0 when
// it would break ordering; the applied stamp is returned.
func (g *Ghost) Push(s state.State, t float64) float64 {
	if g.n == 0 {
		g.h = state.History{Sn2: s, Tn2: t, Sn1: s, Tn1: t, S0: s, T0: t}
		g.n = 1
		return t
	}
	if t < g.h.T0 {
		t = g.h.T0
	}
	g.h.Sn2, g.h.Tn2 = g.h.Sn1, g.h.Tn1
	g.h.Sn1, g.h.Tn1 = g.h.S0, g.h.T0
	g.h.S0, g.h.T0 = s, t
	if g.n < 3 {
		g.n++
	}
	return t
}

// Insert places an out of order sample into the older slots. Samples that
// are not strictly between existing stamps, or older than Tn2 once the
// history is full, are rejected.
func (g *Ghost) Insert(s state.State, t float64) bool {
	if g.n == 0 {
		g.Push(s, t)
		return true
	}
	if t >= g.h.T0 {
		return false
	}
	switch g.n {
	case 1:
		g.h.Sn1, g.h.Tn1 = s, t
		g.h.Sn2, g.h.Tn2 = s, t
		g.n = 2
		return true
	case 2:
		switch {
		case t > g.h.Tn1:
			g.h.Sn2, g.h.Tn2 = g.h.Sn1, g.h.Tn1
			g.h.Sn1, g.h.Tn1 = s, t
		case t < g.h.Tn1:
			g.h.Sn2, g.h.Tn2 = s, t
		default:
			return false
		}
		g.n = 3
		return true
	}
	switch {
	case t > g.h.Tn1:
		g.h.Sn2, g.h.Tn2 = g.h.Sn1, g.h.Tn1
		g.h.Sn1, g.h.Tn1 = s, t
	case t < g.h.Tn1 && t > g.h.Tn2:
		g.h.Sn2, g.h.Tn2 = s, t
	default:
		return false
	}
	return true
}

// Shift moves every stamp by offset.
func (g *Ghost) Shift(offset float64) {
	if g.n == 0 {
		return
	}
	g.h.T0 += offset
	g.h.Tn1 += offset
	g.h.Tn2 += offset
}

// Estimate returns the ghost's best guess at network time now. Without a
// template the latest raw sample is returned.
func (g *Ghost) Estimate(current state.State, now float64) (state.State, bool) {
	if g.n == 0 {
		return nil, false
	}
	if g.Template == nil {
		return g.h.S0, true
	}
	return g.Template.Extrapolate(g.h, current, now), true
}
