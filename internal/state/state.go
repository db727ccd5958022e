// Package state defines the opaque application state collaborators used by
// the replicator and a small pose template used by the node binary.
package state

import (
	"errors"
	"math"
)

// State is an immutable snapshot of application state. The replicator never
// looks inside one.
type State any

// History holds the three most recent samples of a remote peer, oldest first.
// T0 >= Tn1 >= Tn2.
type History struct {
	Sn2 State
	Tn2 float64
	Sn1 State
	Tn1 float64
	S0  State
	T0  float64
}

// Template packs, unpacks and extrapolates one kind of State.
type Template interface {
	Pack(s State, buf []byte) (int, error)
	Unpack(buf []byte) (State, error)
	// Extrapolate estimates the remote state at network time now. current is
	// the caller's own state and may be nil.
	Extrapolate(h History, current State, now float64) State
}

// DeltaTemplate is implemented by templates that can code a state against a
// previously transmitted reference.
type DeltaTemplate interface {
	Template
	PackDelta(s, ref State, buf []byte) (int, error)
	UnpackDelta(buf []byte, ref State) (State, error)
}

// Locator extracts a world position from a state for transmission-rate
// decisions.
type Locator interface {
	Origin(s State) (Vec3, bool)
}

var (
	ErrBufferTooSmall = errors.New("state buffer too small")
	ErrWrongState     = errors.New("state type not handled by template")
	ErrDeltaRange     = errors.New("delta out of range")
)

type Vec3 struct {
	X, Y, Z float32
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) Scale(s float32) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

func (v Vec3) Len() float32 {
	return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
}

func Distance(a, b Vec3) float32 { return a.Sub(b).Len() }

// Lerp blends a toward b by t without clamping.
func Lerp(a, b Vec3, t float32) Vec3 {
	return a.Add(b.Sub(a).Scale(t))
}

func (v Vec3) Array() [3]float32 { return [3]float32{v.X, v.Y, v.Z} }

func FromArray(a [3]float32) Vec3 { return Vec3{a[0], a[1], a[2]} }
