package scene

import (
	"math"
	"testing"

	"ghostnet/internal/state"
)

func TestPatrolStaysOnCircle(t *testing.T) {
	var got []state.Pose
	p := &Patrol{Radius: 10, Speed: 1, Set: func(s state.Pose) { got = append(got, s) }}
	q := NewQueue()
	q.Enqueue(1, p)
	for i := 0; i < 20; i++ {
		if _, done := q.Step(0.1); done {
			t.Fatalf("expected patrol to run until cancelled")
		}
	}
	if len(got) != 20 {
		t.Fatalf("expected one pose per step, got %d", len(got))
	}
	for _, s := range got {
		if r := float64(s.Pos.Len()); math.Abs(r-10) > 1e-3 {
			t.Fatalf("expected radius 10, got %v", r)
		}
		if v := float64(s.Vel.Len()); math.Abs(v-10) > 1e-3 {
			t.Fatalf("expected speed 10, got %v", v)
		}
	}
}

func TestPatrolParksOnCancel(t *testing.T) {
	p := &Patrol{Radius: 5, Speed: 2}
	q := NewQueue()
	q.Enqueue(4, p)
	q.Step(0.1)
	before := p.Pose()
	q.Cancel(4)
	out, done := q.Step(0.1)
	if !done || !out.Cancelled {
		t.Fatalf("expected cancelled patrol to finish")
	}
	if p.Pose().Pos != before.Pos || p.Pose().Vel != (state.Vec3{}) {
		t.Fatalf("expected patrol to park at its last position, got %+v", p.Pose())
	}
}
