package proc

// Task is a handle a running task's own goroutine uses to talk back to its Table: yield the CPU,
// block on a queue, or exit. It is the only thing a task body receives; it never sees a *Process
// directly.
type Task struct {
	table *Table
	pid   PID

	ticks int
}

// PID returns the task's own process ID.
func (tk *Task) PID() PID { return tk.pid }

// exitPanic unwinds a task's goroutine immediately, simulating EXIT's "never returns" contract
// (spec.md §4.5) without requiring every call frame in a task body to check an error return.
type exitPanic struct {
	status int32
}

// Exit terminates the calling task with the given status and never returns to its caller.
func (tk *Task) Exit(status int32) {
	panic(exitPanic{status: status})
}

// Kill is the proc_kill primitive (spec.md §4.3), callable against any task, including the caller
// itself. Killing self never returns, exactly like Exit; killing another task returns once that
// task's state has been updated, without waiting for its goroutine to notice.
func (tk *Task) Kill(target PID) error {
	if err := tk.table.Kill(target); err != nil {
		return err
	}

	if target == tk.pid {
		panic(exitPanic{status: -1})
	}

	return nil
}

// Yield gives up the CPU voluntarily, re-entering the ready queue at the tail, and blocks until the
// scheduler grants the CPU back to this task.
func (tk *Task) Yield() {
	t := tk.table

	t.mu.Lock()
	p := &t.procs[tk.pid]
	p.State = StateReady
	t.pushBack(&t.ready, tk.pid)
	t.mu.Unlock()

	t.cede(tk.pid, evYield)
	<-p.wakeCh
	tk.checkKilled()
}

// Tick accounts one unit of execution against the task's scheduling quantum, forcing a Yield once
// the quantum is exhausted. Task bodies call it from loops that would otherwise run uninterrupted,
// standing in for the timer interrupt spec.md assumes a real CPU delivers.
func (tk *Task) Tick() {
	tk.ticks++

	if tk.ticks >= tk.table.quantum {
		tk.ticks = 0
		tk.Yield()
	}
}

// checkKilled panics out of the task's goroutine if, by the time it was woken, something else had
// already transitioned it to ZOMBIE (a forced proc_kill delivered while it sat BLOCKED or READY).
// Without this check a killed-while-sleeping task would wake up and keep running its body as though
// nothing happened. It then runs the same signal checkpoint Dispatch applies after every syscall, so a
// SIGTERM delivered while a task sits blocked inside Wait or a wait-queue primitive is observed as soon
// as the wake-up brings it back onto a goroutine, not only the next time it happens to trap — the
// mechanism spec.md §8's "signal wakes blocked waitpid" scenario depends on.
func (tk *Task) checkKilled() {
	t := tk.table

	t.mu.Lock()
	status := t.procs[tk.pid].ExitStatus
	killed := t.procs[tk.pid].State == StateZombie
	t.mu.Unlock()

	if killed {
		panic(exitPanic{status: status})
	}

	tk.CheckSignals()
}
