package syscall

import (
	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/proc"
)

// sysExit is SYS_EXIT: args[0] is the exit status. Task.Exit never returns; the trailing return
// satisfies the compiler and is never reached.
func sysExit(_ *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	tk.Exit(int32(args[0]))
	return 0, nil
}

// sysGetpid is SYS_GETPID: no arguments, returns the caller's own PID.
func sysGetpid(_ *Dispatcher, tk *proc.Task, _ [4]abi.Word) (abi.Word, error) {
	return abi.Word(tk.PID()), nil
}

// sysSleep is SYS_SLEEP: args[0] is a tick count. This simulation has no real timer interrupt, so
// sleeping for n ticks is n cooperative yields, the same mechanism Task.Tick uses to stand in for
// preemption elsewhere in this kernel.
func sysSleep(_ *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	for i := abi.Word(0); i < args[0]; i++ {
		tk.Yield()
	}

	return 0, nil
}

// sysSpawn is SYS_SPAWN: args[0]/args[1] are a pointer/length pair naming an ELF image path in the
// caller's own address space. It routes straight to the elfload collaborator; spec.md treats ELF
// parsing itself as a thin external boundary, so this handler's only job is validating the path
// argument and reporting the new PID.
func sysSpawn(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	path, err := d.readUserString(p, args[0], args[1])
	if err != nil {
		return ErrReturn, err
	}

	child, err := d.loader.ELFSpawn(tk.PID(), path)
	if err != nil {
		return ErrReturn, err
	}

	return abi.Word(child.PID), nil
}

// anyChildPID is the wire value SYS_WAITPID's caller passes in args[0] to wait for any child (the
// userspace waitpid(-1) convention), mapped here to the internal any-child sentinel Task.Wait expects.
const anyChildPID = abi.Word(0xffff_ffff)

// sysWaitpid is SYS_WAITPID: args[0] is the PID to wait for, or anyChildPID for any child, args[1] an
// optional pointer to write the reaped child's exit status into.
func sysWaitpid(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	want := proc.PID(args[0])
	if args[0] == anyChildPID {
		want = 0
	}

	pid, status, err := tk.Wait(want)
	if err != nil {
		return ErrReturn, err
	}

	if args[1] != 0 {
		p := d.procs.Get(tk.PID())
		if err := ValidatePointer(args[1], 4); err != nil {
			return ErrReturn, err
		}

		var buf [4]byte

		buf[0] = byte(status)
		buf[1] = byte(status >> 8)
		buf[2] = byte(status >> 16)
		buf[3] = byte(status >> 24)

		if err := d.vm.WriteBytes(p.AddrSpace, args[1], buf[:]); err != nil {
			return ErrReturn, err
		}
	}

	return abi.Word(pid), nil
}

// sysKill is SYS_KILL: args[0] is the target PID, args[1] the signal number.
func sysKill(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	target := proc.PID(args[0])
	sig := proc.Signal(args[1])

	if sig >= proc.NumSignals {
		return ErrReturn, ErrNotFound
	}

	if sig == proc.SIGKILL && target == tk.PID() {
		// Targeting self with SIGKILL goes through Task.Kill, not Table.Signal, so the caller
		// unwinds immediately via Exit's panic instead of running on until its next checkpoint.
		if err := tk.Kill(target); err != nil {
			return ErrReturn, err
		}

		return 0, nil
	}

	if err := d.procs.Signal(target, sig); err != nil {
		return ErrReturn, err
	}

	return 0, nil
}
