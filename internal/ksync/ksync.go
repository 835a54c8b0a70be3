// Package ksync provides the kernel's blocking synchronization primitives: a mutex, a counting
// semaphore, a condition variable and a reader/writer lock. Each is built directly on a proc.Queue
// and the proc.Table a task blocks and wakes through, rather than on goroutine-level OS primitives,
// per spec.md §4.4 ("mutex/semaphore/condvar/rwlock built on wait queues"). The shape of the API
// mirrors the standard library's sync package, which is the nearest idiomatic Go precedent for this
// exact set of primitives; there is no prior concurrency-primitive layer in this tree to generalize
// from, since nothing upstream of the scheduler ever needed one for a single-threaded machine.
//
// Every primitive here relies on a property specific to this kernel's scheduler (internal/proc): only
// one task goroutine ever holds the CPU token at a time, so a sequence of plain field reads and writes
// between two SleepOn/WakeOne calls is already atomic with respect to every other task. None of these
// types needs — or takes — a sync.Mutex of its own.
package ksync

import "github.com/smoynes/kerncore/internal/proc"

// Mutex is a non-reentrant lock. Unlock panics if called by a task that does not hold the lock,
// matching sync.Mutex's own misuse behavior.
type Mutex struct {
	table *proc.Table
	q     proc.Queue
	owner proc.PID
}

// NewMutex creates an unlocked mutex whose waiters block and wake through table.
func NewMutex(table *proc.Table) *Mutex {
	return &Mutex{table: table}
}

// Lock acquires the mutex, blocking the calling task if another task holds it. Waiters are woken in
// the FIFO order they blocked in, since proc.Queue is FIFO; a woken waiter re-checks the lock, and a
// task that was not waiting can take it first, in which case the waiter blocks again at the tail.
func (m *Mutex) Lock(tk *proc.Task) {
	for m.owner != 0 {
		tk.SleepOn(&m.q)
	}

	m.owner = tk.PID()
}

// Unlock releases the mutex and wakes the longest-waiting blocked task, if any.
func (m *Mutex) Unlock(tk *proc.Task) {
	if m.owner != tk.PID() {
		panic("ksync: unlock of unlocked or unowned mutex")
	}

	m.owner = 0
	m.table.WakeOne(&m.q)
}

// TryLock acquires the mutex without blocking, reporting whether it succeeded.
func (m *Mutex) TryLock(tk *proc.Task) bool {
	if m.owner != 0 {
		return false
	}

	m.owner = tk.PID()

	return true
}

// Semaphore is a counting semaphore.
type Semaphore struct {
	table *proc.Table
	q     proc.Queue
	count int
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(table *proc.Table, initial int) *Semaphore {
	return &Semaphore{table: table, count: initial}
}

// Wait decrements the count, blocking while it is zero.
func (s *Semaphore) Wait(tk *proc.Task) {
	for s.count == 0 {
		tk.SleepOn(&s.q)
	}

	s.count--
}

// Signal increments the count and wakes one waiter, if any are blocked.
func (s *Semaphore) Signal() {
	s.count++
	s.table.WakeOne(&s.q)
}

// CondVar is a condition variable, used in conjunction with a Mutex the caller already holds.
type CondVar struct {
	table *proc.Table
	q     proc.Queue
}

// NewCondVar creates a condition variable whose waiters block and wake through table.
func NewCondVar(table *proc.Table) *CondVar {
	return &CondVar{table: table}
}

// Wait atomically releases m and blocks the calling task, then reacquires m before returning. The
// caller must hold m. Atomicity holds because the calling task still owns the CPU token for the
// entire Unlock-then-block sequence; nothing else can run in between.
func (c *CondVar) Wait(tk *proc.Task, m *Mutex) {
	m.Unlock(tk)
	tk.SleepOn(&c.q)
	m.Lock(tk)
}

// Signal wakes one waiter, if any are blocked.
func (c *CondVar) Signal() { c.table.WakeOne(&c.q) }

// Broadcast wakes every waiter.
func (c *CondVar) Broadcast() { c.table.WakeAll(&c.q) }

// RWLock is a reader/writer lock. New readers block only while a writer holds the lock; a waiting
// writer does not hold off new readers, so a steady stream of readers can keep a writer waiting.
type RWLock struct {
	table    *proc.Table
	readersQ proc.Queue
	writersQ proc.Queue
	readers  int
	writer   bool
}

// NewRWLock creates an unlocked reader/writer lock whose waiters block and wake through table.
func NewRWLock(table *proc.Table) *RWLock {
	return &RWLock{table: table}
}

// RLock acquires a read lock, blocking only while a writer holds the lock.
func (l *RWLock) RLock(tk *proc.Task) {
	for l.writer {
		tk.SleepOn(&l.readersQ)
	}

	l.readers++
}

// RUnlock releases a read lock, waking a waiting writer if this was the last reader.
func (l *RWLock) RUnlock(tk *proc.Task) {
	l.readers--

	if l.readers == 0 {
		l.table.WakeOne(&l.writersQ)
	}
}

// Lock acquires the write lock, blocking while any reader or writer holds the lock.
func (l *RWLock) Lock(tk *proc.Task) {
	for l.writer || l.readers > 0 {
		tk.SleepOn(&l.writersQ)
	}

	l.writer = true
}

// Unlock releases the write lock, preferring to wake a waiting writer and otherwise waking every
// waiting reader.
func (l *RWLock) Unlock(tk *proc.Task) {
	l.writer = false

	if !l.table.WakeOne(&l.writersQ) {
		l.table.WakeAll(&l.readersQ)
	}
}
