// Package scene runs scene-scoped tasks one checkpoint per tick.
//
// Tasks are queued per scene and run one at a time in FIFO order. Cancel is
// cooperative: queued tasks of the scene are removed at once, while the
// active task only sees the request at the start of its next checkpoint.
package scene

import "ghostnet/internal/debuglog"

// Checkpoint is what a task sees at the start of one step.
type Checkpoint struct {
	SceneID uint64
	DT      float64
	// Step counts the checkpoints this task has run, starting at 0.
	Step      int
	cancelled bool
}

// Cancelled reports whether the task was cancelled since its last
// checkpoint. A cancelled task gets this one final step to clean up.
func (c *Checkpoint) Cancelled() bool { return c.cancelled }

type Task interface {
	// Step runs one checkpoint and reports whether the task is finished.
	Step(c *Checkpoint) bool
}

type TaskFunc func(c *Checkpoint) bool

func (f TaskFunc) Step(c *Checkpoint) bool { return f(c) }

// Outcome describes a task that left the queue.
type Outcome struct {
	SceneID   uint64
	Cancelled bool
	Steps     int
}

type entry struct {
	scene     uint64
	task      Task
	steps     int
	cancelled bool
}

type Queue struct {
	active  *entry
	pending []entry
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Enqueue(sceneID uint64, t Task) {
	if t == nil {
		return
	}
	q.pending = append(q.pending, entry{scene: sceneID, task: t})
}

// Len counts the active task and everything queued behind it.
func (q *Queue) Len() int {
	n := len(q.pending)
	if q.active != nil {
		n++
	}
	return n
}

// Active reports the scene of the running task.
func (q *Queue) Active() (uint64, bool) {
	if q.active == nil {
		return 0, false
	}
	return q.active.scene, true
}

// Has reports whether any task of sceneID is active or queued and not
// cancelled.
func (q *Queue) Has(sceneID uint64) bool {
	if q.active != nil && q.active.scene == sceneID && !q.active.cancelled {
		return true
	}
	for _, e := range q.pending {
		if e.scene == sceneID {
			return true
		}
	}
	return false
}

// Cancel drops queued tasks of sceneID and flags the active task if it
// belongs to that scene. It returns how many queued tasks were removed.
func (q *Queue) Cancel(sceneID uint64) int {
	keep := q.pending[:0]
	for _, e := range q.pending {
		if e.scene != sceneID {
			keep = append(keep, e)
		}
	}
	removed := len(q.pending) - len(keep)
	clear(q.pending[len(keep):])
	q.pending = keep
	if q.active != nil && q.active.scene == sceneID {
		q.active.cancelled = true
	}
	if removed > 0 {
		debuglog.Debugf("scene: cancelled scene=%d queued=%d", sceneID, removed)
	}
	return removed
}

// Step runs one checkpoint of the active task, promoting the next queued
// task first when idle. It returns the outcome when the task finished.
func (q *Queue) Step(dt float64) (Outcome, bool) {
	if q.active == nil {
		if len(q.pending) == 0 {
			return Outcome{}, false
		}
		next := q.pending[0]
		q.pending[0] = entry{}
		q.pending = q.pending[1:]
		q.active = &next
	}
	e := q.active
	cp := Checkpoint{SceneID: e.scene, DT: dt, Step: e.steps, cancelled: e.cancelled}
	observed := e.cancelled
	done := e.task.Step(&cp)
	e.steps++
	if !done && !observed {
		return Outcome{}, false
	}
	q.active = nil
	return Outcome{SceneID: e.scene, Cancelled: observed, Steps: e.steps}, true
}
