package state

import (
	"encoding/binary"
	"math"
)

// Pose is a position and velocity. It is the state carried by ghost-node.
type Pose struct {
	Pos Vec3
	Vel Vec3
}

const (
	poseSize      = 24
	poseDeltaSize = 12
	// deltaQuantum is the position resolution of delta frames.
	deltaQuantum = 1.0 / 1000
	// MaxExtrapolation caps how far past the newest sample a pose is
	// projected.
	MaxExtrapolation = 0.5
)

// PoseTemplate codes Pose values. Delta frames carry the position change
// against the reference in millimetres and the velocity in centimetres per
// second.
type PoseTemplate struct{}

var (
	_ DeltaTemplate = PoseTemplate{}
	_ Locator       = PoseTemplate{}
)

func asPose(s State) (Pose, bool) {
	switch p := s.(type) {
	case Pose:
		return p, true
	case *Pose:
		if p != nil {
			return *p, true
		}
	}
	return Pose{}, false
}

func (PoseTemplate) Pack(s State, buf []byte) (int, error) {
	p, ok := asPose(s)
	if !ok {
		return 0, ErrWrongState
	}
	if len(buf) < poseSize {
		return 0, ErrBufferTooSmall
	}
	putVec(buf[0:12], p.Pos)
	putVec(buf[12:24], p.Vel)
	return poseSize, nil
}

func (PoseTemplate) Unpack(buf []byte) (State, error) {
	if len(buf) < poseSize {
		return nil, ErrBufferTooSmall
	}
	return Pose{Pos: getVec(buf[0:12]), Vel: getVec(buf[12:24])}, nil
}

func (PoseTemplate) PackDelta(s, ref State, buf []byte) (int, error) {
	p, ok := asPose(s)
	if !ok {
		return 0, ErrWrongState
	}
	r, ok := asPose(ref)
	if !ok {
		return 0, ErrWrongState
	}
	if len(buf) < poseDeltaSize {
		return 0, ErrBufferTooSmall
	}
	d := p.Pos.Sub(r.Pos)
	for i, v := range d.Array() {
		q := math.Round(float64(v) / deltaQuantum)
		if q > math.MaxInt16 || q < math.MinInt16 {
			return 0, ErrDeltaRange
		}
		binary.BigEndian.PutUint16(buf[i*2:], uint16(int16(q)))
	}
	putVec16(buf[6:12], p.Vel)
	return poseDeltaSize, nil
}

func (PoseTemplate) UnpackDelta(buf []byte, ref State) (State, error) {
	r, ok := asPose(ref)
	if !ok {
		return nil, ErrWrongState
	}
	if len(buf) < poseDeltaSize {
		return nil, ErrBufferTooSmall
	}
	var d [3]float32
	for i := range d {
		d[i] = float32(int16(binary.BigEndian.Uint16(buf[i*2:]))) * deltaQuantum
	}
	return Pose{Pos: r.Pos.Add(FromArray(d)), Vel: getVec16(buf[6:12])}, nil
}

func (PoseTemplate) Origin(s State) (Vec3, bool) {
	p, ok := asPose(s)
	return p.Pos, ok
}

// Extrapolate interpolates inside the history and projects past T0 using the
// velocity implied by the two newest samples, blended with the reported one.
func (PoseTemplate) Extrapolate(h History, _ State, now float64) State {
	s0, ok := asPose(h.S0)
	if !ok {
		return h.S0
	}
	s1, ok1 := asPose(h.Sn1)
	s2, ok2 := asPose(h.Sn2)
	switch {
	case ok1 && now < h.T0 && now >= h.Tn1 && h.T0 > h.Tn1:
		t := float32((now - h.Tn1) / (h.T0 - h.Tn1))
		return Pose{Pos: Lerp(s1.Pos, s0.Pos, t), Vel: Lerp(s1.Vel, s0.Vel, t)}
	case ok1 && ok2 && now < h.Tn1 && h.Tn1 > h.Tn2:
		t := float32((now - h.Tn2) / (h.Tn1 - h.Tn2))
		if t < 0 {
			t = 0
		}
		return Pose{Pos: Lerp(s2.Pos, s1.Pos, t), Vel: Lerp(s2.Vel, s1.Vel, t)}
	}
	vel := s0.Vel
	if ok1 && h.T0 > h.Tn1 {
		observed := s0.Pos.Sub(s1.Pos).Scale(float32(1 / (h.T0 - h.Tn1)))
		vel = Lerp(vel, observed, 0.5)
	}
	dt := now - h.T0
	if dt < 0 {
		dt = 0
	}
	if dt > MaxExtrapolation {
		dt = MaxExtrapolation
	}
	return Pose{Pos: s0.Pos.Add(vel.Scale(float32(dt))), Vel: vel}
}

func putVec(b []byte, v Vec3) {
	for i, f := range v.Array() {
		binary.BigEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
}

func getVec(b []byte) Vec3 {
	var a [3]float32
	for i := range a {
		a[i] = math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
	}
	return FromArray(a)
}

func putVec16(b []byte, v Vec3) {
	for i, f := range v.Array() {
		q := math.Round(float64(f) * 100)
		q = math.Max(math.MinInt16, math.Min(math.MaxInt16, q))
		binary.BigEndian.PutUint16(b[i*2:], uint16(int16(q)))
	}
}

func getVec16(b []byte) Vec3 {
	var a [3]float32
	for i := range a {
		a[i] = float32(int16(binary.BigEndian.Uint16(b[i*2:]))) / 100
	}
	return FromArray(a)
}
