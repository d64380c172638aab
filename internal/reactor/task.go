package reactor

import (
	"container/heap"
	"time"
)

// Task is a callback fired by the reactor. A returned error is reported to
// the task's context the same way a panic is.
type Task func() error

// ContextID tags tasks and sockets belonging to one transfer so they can be
// cancelled together and so their failures are attributed to it.
type ContextID uint64

// NoContext marks tasks that belong to no transfer. They are never cancelled
// by RemoveContext and their failures are only logged.
const NoContext ContextID = 0

type task struct {
	at  time.Time
	seq uint64
	fn  Task
	ctx ContextID

	index int // position in the heap, -1 once popped
}

// taskQueue is a min-heap ordered by fire time, then by insertion sequence so
// tasks due at the same instant fire in the order they were added.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// scheduler owns the task heap and the context -> pending tasks index used
// for bulk cancellation.
type scheduler struct {
	queue     taskQueue
	seq       uint64
	byContext map[ContextID]map[uint64]*task
}

func newScheduler() *scheduler {
	return &scheduler{byContext: make(map[ContextID]map[uint64]*task)}
}

func (s *scheduler) add(fn Task, at time.Time, ctx ContextID) *task {
	s.seq++
	t := &task{at: at, seq: s.seq, fn: fn, ctx: ctx}
	heap.Push(&s.queue, t)
	if ctx != NoContext {
		pending, ok := s.byContext[ctx]
		if !ok {
			pending = make(map[uint64]*task)
			s.byContext[ctx] = pending
		}
		pending[t.seq] = t
	}
	return t
}

// next returns the fire time of the earliest task.
func (s *scheduler) next() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].at, true
}

// popDue removes and returns the earliest task if it is due at now.
func (s *scheduler) popDue(now time.Time) *task {
	if len(s.queue) == 0 || s.queue[0].at.After(now) {
		return nil
	}
	t := heap.Pop(&s.queue).(*task)
	s.unindex(t)
	return t
}

// cancel drops every pending task of ctx and returns how many were dropped.
func (s *scheduler) cancel(ctx ContextID) int {
	pending := s.byContext[ctx]
	delete(s.byContext, ctx)
	for _, t := range pending {
		if t.index >= 0 {
			heap.Remove(&s.queue, t.index)
		}
	}
	return len(pending)
}

func (s *scheduler) unindex(t *task) {
	if t.ctx == NoContext {
		return
	}
	if pending, ok := s.byContext[t.ctx]; ok {
		delete(pending, t.seq)
		if len(pending) == 0 {
			delete(s.byContext, t.ctx)
		}
	}
}

func (s *scheduler) len() int {
	return len(s.queue)
}
