package proc

import (
	"errors"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/vmem"
)

var ErrNoChildren = errors.New("proc: no children")

// terminate is the single path every route to a task's death funnels through: voluntary exit,
// proc_kill against self or another task, and SIGKILL delivery. It is idempotent; terminating an
// already-ZOMBIE process is a silent no-op, so launch's unconditional call after a task body returns
// never double-frees a task killed from elsewhere while it slept.
func (t *Table) terminate(pid PID, status int32) error {
	t.mu.Lock()

	if pid == 0 || int(pid) >= len(t.procs) {
		t.mu.Unlock()
		return ErrNoProcess
	}

	p := &t.procs[pid]

	if p.State == StateFree {
		t.mu.Unlock()
		return ErrNoProcess
	}

	if p.State == StateZombie {
		t.mu.Unlock()
		return nil
	}

	// A task parked on its wakeCh (BLOCKED, or READY-but-not-yet-dispatched) must be given one more
	// trip through the scheduler's dispatch loop so its goroutine can observe ZOMBIE and unwind,
	// rather than leak forever waiting for a CPU grant that will never come now that it has been
	// pulled off every other queue. Routing it onto the ready queue, instead of sending on its wakeCh
	// directly, keeps Run the only thing that ever hands out the CPU token.
	needsWake := p.started && p.State != StateRunning

	if p.queue != nil {
		t.unlink(p.queue, pid)
	}

	as := p.AddrSpace
	p.AddrSpace = nil
	p.VMAs = vmem.VMASet{}
	p.ExitStatus = status
	p.State = StateZombie
	parent := p.PPID

	if needsWake {
		t.pushBack(&t.ready, pid)
	}

	t.mu.Unlock()

	if as != nil {
		t.vm.Destroy(as)
	}

	if needsWake {
		t.readySignal()
	}

	if parent != 0 {
		t.mu.Lock()
		parentLive := t.procs[parent].State != StateFree
		t.mu.Unlock()

		if parentLive {
			t.WakeAll(&t.procs[parent].WaitChildren)
		}
	}

	return nil
}

// Kill is the proc_kill primitive, callable against any task from outside its own goroutine (e.g. the
// kernel's boot sequence tearing down a stuck task). A task killing itself should go through
// Task.Kill instead, which additionally unwinds the caller via Exit's panic.
func (t *Table) Kill(pid PID) error {
	if t.closeFiles != nil {
		t.closeFiles(pid)
	}

	return t.terminate(pid, -1)
}

// Signal delivers sig to pid. SIGKILL is unmaskable and immediate, terminating the target exactly as
// Kill does. Every other signal is recorded in the target's pending mask and, if it was BLOCKED,
// wakes it so it can observe the signal at its next checkpoint, per spec.md §4.4's "signal wakes
// blocked waitpid" scenario.
func (t *Table) Signal(pid PID, sig Signal) error {
	if sig == SIGKILL {
		return t.Kill(pid)
	}

	t.mu.Lock()

	if pid == 0 || int(pid) >= len(t.procs) || t.procs[pid].State == StateFree {
		t.mu.Unlock()
		return ErrNoProcess
	}

	p := &t.procs[pid]
	p.Pending |= sig.bit()
	blocked := p.State == StateBlocked

	if blocked {
		t.unlink(p.queue, pid)
		p.State = StateReady
		t.pushBack(&t.ready, pid)
	}

	t.mu.Unlock()

	if blocked {
		t.readySignal()
	}

	return nil
}

// CheckSignals applies the default disposition for every pending signal that carries one (SIGTERM and
// SIGPIPE both terminate; there is no handler-registration mechanism) and clears the rest. Task bodies
// call it at points spec.md treats as signal checkpoints (syscall return, Tick). It never returns if a
// terminating signal was pending and delivered.
func (tk *Task) CheckSignals() {
	t := tk.table

	t.mu.Lock()
	pending := t.procs[tk.pid].Pending
	t.procs[tk.pid].Pending = 0
	t.mu.Unlock()

	if pending&(SIGTERM.bit()|SIGPIPE.bit()) != 0 {
		tk.Kill(tk.pid)
	}
}

func (t *Table) spawn(ppid PID, priv abi.Privilege, priority abi.Priority, as *vmem.AddressSpace, entry func(*Task)) (PID, error) {
	pid, err := t.allocSlot()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()

	p := &t.procs[pid]
	*p = Process{
		PID:       pid,
		PPID:      ppid,
		State:     StateReady,
		Priority:  priority,
		Privilege: priv,
		AddrSpace: as,
		Cwd:       RootInodeID,
		entry:     entry,
		wakeCh:    make(chan struct{}, 1),
	}

	for i := range p.Files {
		p.Files[i] = -1
	}

	t.pushBack(&t.ready, pid)
	t.mu.Unlock()

	t.readySignal()

	return pid, nil
}

// SpawnKernelThread creates a privileged task sharing the kernel's address space (AddrSpace is nil;
// every page table walk for it falls through to the kernel's own mappings).
func (t *Table) SpawnKernelThread(ppid PID, priority abi.Priority, entry func(*Task)) (PID, error) {
	return t.spawn(ppid, abi.PrivilegeSystem, priority, nil, entry)
}

// SpawnUserProcess creates an unprivileged task running against the given address space, as built by
// a loader (spec.md §6's ELF-loader collaborator contract) or by duplicating a parent's.
func (t *Table) SpawnUserProcess(ppid PID, as *vmem.AddressSpace, entry func(*Task)) (PID, error) {
	return t.spawn(ppid, abi.PrivilegeUser, abi.PriorityNormal, as, entry)
}

func (t *Table) reapZombieChild(parent, want PID) (PID, int32, bool) {
	for i := 1; i < len(t.procs); i++ {
		p := &t.procs[i]
		if p.State == StateZombie && p.PPID == parent && (want == 0 || PID(i) == want) {
			status := p.ExitStatus
			*p = Process{}
			p.wakeCh = make(chan struct{}, 1)

			return PID(i), status, true
		}
	}

	return 0, 0, false
}

func (t *Table) hasChildren(parent, want PID) bool {
	for i := 1; i < len(t.procs); i++ {
		p := &t.procs[i]
		if p.State != StateFree && p.PPID == parent && (want == 0 || PID(i) == want) {
			return true
		}
	}

	return false
}

// Wait is waitpid: it blocks the caller until a matching child (want == 0 for any child, else an
// exact PID) becomes a zombie, then reaps it, returning its PID and exit status. It returns
// ErrNoChildren immediately if the caller has no matching live or zombie child to wait for.
func (tk *Task) Wait(want PID) (PID, int32, error) {
	t := tk.table

	for {
		t.mu.Lock()

		if pid, status, ok := t.reapZombieChild(tk.pid, want); ok {
			t.mu.Unlock()
			return pid, status, nil
		}

		if !t.hasChildren(tk.pid, want) {
			t.mu.Unlock()
			return 0, 0, ErrNoChildren
		}

		t.mu.Unlock()

		tk.SleepOn(&t.procs[tk.pid].WaitChildren)
	}
}
