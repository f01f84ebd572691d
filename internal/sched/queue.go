package sched

import "corekernel/internal/ksync"

// TaskQueue is a doubly linked list of tasks owned by exactly one CPU
// (spec.md §3's "Task queue"), guarded by a spinlock acquired with
// IRQs and preemption off during Schedule (spec.md §5's "Shared-
// resource policy": "each task queue: spinlock; acquired with IRQs off
// and preempt off during schedule()"). Grounded on the teacher's
// page.go freelist discipline — list links threaded through the
// descriptor itself rather than a separate container — generalized
// from a singly linked freelist to a doubly linked run queue that
// supports mid-list removal.
type TaskQueue struct {
	lock  ksync.SpinLock
	head  *Task
	tail  *Task
	count int
}

// Lock/Unlock expose the queue's own spinlock to Schedule, which must
// hold it across the whole pick-next-and-switch sequence rather than
// just around a single Insert/Remove call.
func (q *TaskQueue) Lock() ksync.IRQState     { return q.lock.Lock() }
func (q *TaskQueue) Unlock(st ksync.IRQState) { q.lock.Unlock(st) }

// Insert adds t at the tail and claims ownership of it. t must not
// already belong to a queue.
func (q *TaskQueue) Insert(t *Task) {
	st := q.lock.Lock()
	defer q.lock.Unlock(st)
	q.insertLocked(t)
}

func (q *TaskQueue) insertLocked(t *Task) {
	t.queue = q
	t.prev = q.tail
	t.next = nil
	if q.tail != nil {
		q.tail.next = t
	} else {
		q.head = t
	}
	q.tail = t
	q.count++
}

// Remove unlinks t. t must currently belong to this queue.
func (q *TaskQueue) Remove(t *Task) {
	st := q.lock.Lock()
	defer q.lock.Unlock(st)
	q.removeLocked(t)
}

func (q *TaskQueue) removeLocked(t *Task) {
	if t.prev != nil {
		t.prev.next = t.next
	} else if q.head == t {
		q.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else if q.tail == t {
		q.tail = t.prev
	}
	t.next, t.prev, t.queue = nil, nil, nil
	q.count--
}

// moveToTailLocked re-links t to the end of the queue without
// disturbing any other task (scheduler step 2: "move current to tail
// ... to give others a turn"). Caller must hold q.lock.
func (q *TaskQueue) moveToTailLocked(t *Task) {
	if q.tail == t {
		return
	}
	q.removeLocked(t)
	q.insertLocked(t)
}

// headLocked returns the first task without removing it, or nil if
// empty. Caller must hold q.lock.
func (q *TaskQueue) headLocked() *Task {
	return q.head
}

// Len returns the number of queued tasks. Affinity-based CPU selection
// (SelectCPU) ranks CPUs by their switch counters, not by Len.
func (q *TaskQueue) Len() int {
	st := q.lock.Lock()
	defer q.lock.Unlock(st)
	return q.count
}

// Tasks returns every queued task head-to-tail, for diagnostics and
// tests; it takes its own lock, so it must not be called while the
// caller already holds q's lock.
func (q *TaskQueue) Tasks() []*Task {
	st := q.lock.Lock()
	defer q.lock.Unlock(st)
	out := make([]*Task, 0, q.count)
	for t := q.head; t != nil; t = t.next {
		out = append(out, t)
	}
	return out
}
