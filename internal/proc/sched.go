package proc

import (
	"context"
)

// cede hands control of the CPU back to the scheduler. It is called from a task's own goroutine,
// after it has already updated its own state (READY, BLOCKED, or ZOMBIE) and linked itself onto the
// appropriate queue; Run is waiting on the other end to dispatch the next ready task.
func (t *Table) cede(pid PID, kind evKind) {
	t.schedCh <- schedEvent{pid: pid, kind: kind}
}

// readySignal wakes Run from an idle wait, if it is waiting. It is a non-blocking send: Run drains
// readyCh every time it loops, so a pending signal is never lost, and a signal arriving while Run is
// busy dispatching is simply coalesced with the next one.
func (t *Table) readySignal() {
	select {
	case t.readyCh <- struct{}{}:
	default:
	}
}

// Run is the scheduler's dispatch loop: the single logical CPU. It repeatedly picks the head of the
// ready queue, hands it the CPU token (by starting its goroutine, on first dispatch, or unparking it
// from a prior Yield/SleepOn), and waits for it to cede control before picking the next task. Only
// one task goroutine ever holds the token at a time, reifying the single-CPU, no-SMP assumption
// spec.md §1 states as a Non-goal of supporting. Run returns when ctx is cancelled.
//
// The dispatch-and-wait-for-the-next-event shape follows a classic fetch-execute loop, with "decode
// one instruction" replaced by "run one task until it yields, blocks, or exits."
func (t *Table) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.mu.Lock()
		pid := t.popFront(&t.ready)

		if pid == 0 {
			t.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.readyCh:
			}

			continue
		}

		p := &t.procs[pid]

		// A ZOMBIE entry on the ready queue is a task killed while BLOCKED or READY, given one more
		// dispatch so its own goroutine can run checkKilled and unwind; State must stay ZOMBIE through
		// that dispatch; overwriting it to RUNNING would hide the kill from the task that needs to see
		// it.
		if p.State != StateZombie {
			p.State = StateRunning
		}

		t.current = pid

		if !p.started {
			p.started = true
			go t.launch(p)
		}

		t.mu.Unlock()

		p.wakeCh <- struct{}{}

		var ev schedEvent

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev = <-t.schedCh:
		}

		// ev.kind (evYield, evBlock, or evExit) is only useful for tracing: by the time a task
		// cedes, it has already updated its own State and queue linkage, so there is nothing left
		// to reconcile here.
		t.log.Debug("scheduler: task ceded", "pid", ev.pid, "kind", ev.kind)

		t.mu.Lock()
		t.current = 0
		t.mu.Unlock()
	}
}

// launch is the body every task goroutine runs. It blocks for its first CPU grant, runs the task's
// entry function to completion (or until it calls Task.Exit/Kill, which unwind via exitPanic), and
// then performs termination exactly once, regardless of how the task stopped running.
func (t *Table) launch(p *Process) {
	<-p.wakeCh

	task := &Task{table: t, pid: p.PID}
	status := int32(0)

	func() {
		defer func() {
			if r := recover(); r != nil {
				if ep, ok := r.(exitPanic); ok {
					status = ep.status
				} else {
					panic(r)
				}
			}
		}()

		p.entry(task)
	}()

	if t.closeFiles != nil {
		t.closeFiles(p.PID)
	}

	_ = t.terminate(p.PID, status)
	t.cede(p.PID, evExit)
}
