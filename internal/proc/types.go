// Package proc implements the process table and scheduler: task records, the ready queue, round-
// robin dispatch, and the intrusive wait queues processes block on. The scheduler's dispatch loop
// follows the shape of a fetch/decode/execute/service-interrupts instruction cycle — pick-next-
// ready/dispatch/service-signals here — and spec.md §9's resolution of the original source's
// process↔wait-queue pointer cycle: processes are referenced by PID everywhere outside this package,
// and wait queues are intrusive linked lists threaded through fields on the process record rather
// than owning slices of pointers.
package proc

import "fmt"

// PID identifies a process. Zero is never a valid PID; slot 0 of the table is reserved, matching
// spec.md §3 ("A unique non-zero identifier (PID)") and §4.3 ("slot 0 is reserved").
type PID uint32

func (p PID) String() string { return fmt.Sprintf("pid:%d", uint32(p)) }

// State is a process's lifecycle state.
type State uint8

const (
	// StateFree marks a table slot as never-allocated; it is the "never-allocated sentinel" from
	// spec.md §3, not one of the five lifecycle states.
	StateFree State = iota
	StateNew
	StateReady
	StateRunning
	StateBlocked
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateNew:
		return "NEW"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "INVALID"
	}
}

// Signal identifies one of the fixed, small set of signals the kernel understands.
type Signal uint8

// Signal numbers and their corresponding pending-mask bit positions.
const (
	SIGTERM Signal = iota
	SIGKILL
	SIGCHLD
	SIGUSR1
	SIGPIPE

	NumSignals
)

func (s Signal) bit() uint32 { return 1 << uint32(s) }

func (s Signal) String() string {
	switch s {
	case SIGTERM:
		return "SIGTERM"
	case SIGKILL:
		return "SIGKILL"
	case SIGCHLD:
		return "SIGCHLD"
	case SIGUSR1:
		return "SIGUSR1"
	case SIGPIPE:
		return "SIGPIPE"
	default:
		return "SIGINVALID"
	}
}

// MaxOpenFiles is the fixed capacity of a process's file-handle vector (spec.md §6).
const MaxOpenFiles = 32

// KernelStackSize is the fixed size, in bytes, of a process's kernel stack (spec.md §3).
const KernelStackSize = 8192

// NumArgRegs is the number of general-purpose registers the saved register file records across a
// context switch, enough to hold syscall arguments per spec.md §6.
const NumArgRegs = 8

// RootInodeID is the root directory's inode number, internal/vfs.RootInode's value. It is
// duplicated here, rather than imported, so this package never depends on internal/vfs: a process
// record's working directory is just a number to the scheduler.
const RootInodeID uint64 = 1
