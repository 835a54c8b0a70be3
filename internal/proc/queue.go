package proc

// Queue is a FIFO collection of blocked processes. Per spec.md §9, it is intrusive: a process is
// linked into at most one queue (the ready queue or a single wait queue) at a time, using the qNext/
// qPrev fields on its own Process record, so enqueuing on the sleep path never allocates.
type Queue struct {
	head, tail PID
}

// Empty reports whether the queue holds no processes.
func (q *Queue) Empty() bool { return q.head == 0 }

// pushBack links pid onto the tail of q. The caller must hold the table lock.
func (t *Table) pushBack(q *Queue, pid PID) {
	p := &t.procs[pid]
	p.qNext, p.qPrev = 0, 0

	if q.tail == 0 {
		q.head, q.tail = pid, pid
	} else {
		t.procs[q.tail].qNext = pid
		p.qPrev = q.tail
		q.tail = pid
	}

	p.queue = q
}

// popFront unlinks and returns the head of q, or 0 if q is empty. The caller must hold the table
// lock.
func (t *Table) popFront(q *Queue) PID {
	pid := q.head
	if pid == 0 {
		return 0
	}

	t.unlink(q, pid)

	return pid
}

// unlink removes pid from q, wherever in the list it sits. The caller must hold the table lock.
func (t *Table) unlink(q *Queue, pid PID) {
	p := &t.procs[pid]

	if p.qPrev != 0 {
		t.procs[p.qPrev].qNext = p.qNext
	} else {
		q.head = p.qNext
	}

	if p.qNext != 0 {
		t.procs[p.qNext].qPrev = p.qPrev
	} else {
		q.tail = p.qPrev
	}

	p.qNext, p.qPrev, p.queue = 0, 0, nil
}

// Remove unlinks pid from q if it is currently linked there. It reports whether pid was found.
func (t *Table) Remove(q *Queue, pid PID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.procs[pid].queue != q {
		return false
	}

	t.unlink(q, pid)

	return true
}

// SleepOn is the suspension point: it atomically transitions the calling task from RUNNING to
// BLOCKED, links it onto q, and yields the CPU. It must be called from the task's own goroutine via
// its *Task handle.
func (tk *Task) SleepOn(q *Queue) {
	t := tk.table

	t.mu.Lock()
	p := &t.procs[tk.pid]
	p.State = StateBlocked
	t.pushBack(q, tk.pid)
	t.mu.Unlock()

	t.cede(tk.pid, evBlock)
	<-p.wakeCh
	tk.checkKilled()
}

// WakeOne wakes the head of q, if any, transitioning it BLOCKED -> READY and moving it onto the ready
// queue. It reports whether a process was woken. Waking an already-ready process is a no-op (it
// cannot be linked in q while READY), making the operation idempotent as spec.md §4.4 requires.
func (t *Table) WakeOne(q *Queue) bool {
	t.mu.Lock()
	pid := t.popFront(q)

	if pid == 0 {
		t.mu.Unlock()
		return false
	}

	t.procs[pid].State = StateReady
	t.pushBack(&t.ready, pid)
	t.mu.Unlock()

	t.readySignal()

	return true
}

// WakeAll wakes every waiter on q.
func (t *Table) WakeAll(q *Queue) {
	for t.WakeOne(q) {
	}
}
