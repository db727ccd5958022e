package scene

import (
	"math"

	"ghostnet/internal/state"
)

// Patrol walks a circle around Center and reports each pose through Set.
// It runs until cancelled, then parks at its last position.
type Patrol struct {
	Center state.Vec3
	Radius float64
	// Speed is the angular speed in radians per second.
	Speed float64
	Set   func(state.Pose)

	angle float64
	last  state.Pose
}

func (p *Patrol) Step(cp *Checkpoint) bool {
	if cp.Cancelled() {
		p.last.Vel = state.Vec3{}
		p.emit()
		return true
	}
	p.angle = math.Mod(p.angle+p.Speed*cp.DT, 2*math.Pi)
	sin, cos := math.Sincos(p.angle)
	r := p.Radius
	p.last = state.Pose{
		Pos: p.Center.Add(state.Vec3{X: float32(r * cos), Z: float32(r * sin)}),
		Vel: state.Vec3{X: float32(-r * p.Speed * sin), Z: float32(r * p.Speed * cos)},
	}
	p.emit()
	return false
}

func (p *Patrol) Pose() state.Pose { return p.last }

func (p *Patrol) emit() {
	if p.Set != nil {
		p.Set(p.last)
	}
}
