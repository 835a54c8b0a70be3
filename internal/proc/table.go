package proc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/frame"
	"github.com/smoynes/kerncore/internal/log"
	"github.com/smoynes/kerncore/internal/vmem"
)

// Process is one task's record. Exactly one of Process.queue or the ready queue ever holds its PID
// while it is BLOCKED or READY, per spec.md §8's invariant; it is never in both, nor in a wait queue
// while RUNNING or ZOMBIE.
type Process struct {
	PID       PID
	PPID      PID
	State     State
	Priority  abi.Priority
	Privilege abi.Privilege

	// KStack is the process's kernel stack. This simulation runs task bodies as Go goroutines,
	// which own their own real stacks; KStack exists so the record carries spec.md's "kernel
	// stack (fixed size, owned exclusively)" field and its size is accounted for.
	KStack [KernelStackSize]byte

	// SavedRegs and SavedPC record the task's register file across a context switch. Real value
	// only for introspection here: the actual suspension/resumption of a task's control flow is
	// done by parking/unparking its goroutine (see Task.Yield), not by restoring these fields.
	SavedRegs [NumArgRegs]abi.Word
	SavedPC   abi.Word

	AddrSpace *vmem.AddressSpace // nil: kernel thread, shares the kernel's address space.
	Break     abi.Word
	VMAs      vmem.VMASet

	Files [MaxOpenFiles]int32 // -1: unused; else an index into a process-wide open-file table.
	Cwd   uint64              // Current working directory, an internal/vfs.InodeID.

	ExitStatus   int32
	WaitChildren Queue
	Pending      uint32 // Signal bitmask.

	queue      *Queue // Wait (or ready) queue this process is currently linked into, or nil.
	qNext      PID
	qPrev      PID
	wakeCh     chan struct{}
	started    bool
	entry      func(*Task)
}

func (p *Process) comm() string { return fmt.Sprintf("task%d", uint32(p.PID)) }

// StatLine renders a one-line, /proc/pid/stat-shaped summary of p, in the field order of
// guillermo/go.procstat's Stat struct (pid, comm, state, ppid, ...), for debugging only: it is never
// parsed back in.
func (p *Process) StatLine() string {
	return fmt.Sprintf("%d (%s) %s %d vmas=%d files=%d brk=%s pending=%#04x",
		p.PID, p.comm(), p.State, p.PPID, p.VMAs.Len(), p.openFileCount(), p.Break, p.Pending)
}

func (p *Process) openFileCount() int {
	n := 0

	for _, fd := range p.Files {
		if fd != -1 {
			n++
		}
	}

	return n
}

// Table is the fixed-size process table and scheduler. Slot 0 is reserved and never assigned to a
// process.
type Table struct {
	mu      sync.Mutex
	procs   []Process
	ready   Queue
	current PID

	schedCh chan schedEvent
	readyCh chan struct{}

	quantum int

	frames *frame.Allocator
	vm     *vmem.Manager

	closeFiles func(PID)

	log *log.Logger
}

type evKind uint8

const (
	evYield evKind = iota
	evBlock
	evExit
)

type schedEvent struct {
	pid  PID
	kind evKind
}

// MaxProcesses is the default compile-time process-table size (spec.md §6).
const MaxProcesses = 64

// DefaultQuantum is the default number of Task.Tick calls a task may make before it is preempted.
const DefaultQuantum = 8

// Option configures a Table at construction.
type Option func(*Table)

// WithCapacity overrides the process table's compile-time size.
func WithCapacity(n int) Option {
	return func(t *Table) { t.procs = make([]Process, n) }
}

// WithQuantum overrides the number of ticks a task runs before round-robin preemption.
func WithQuantum(n int) Option {
	return func(t *Table) { t.quantum = n }
}

// New creates a process table and scheduler backed by the given frame allocator and address-space
// manager, used to free a task's frames on exit.
func New(frames *frame.Allocator, vm *vmem.Manager, opts ...Option) *Table {
	t := &Table{
		procs:   make([]Process, MaxProcesses),
		schedCh: make(chan schedEvent),
		readyCh: make(chan struct{}, 1),
		quantum: DefaultQuantum,
		frames:  frames,
		vm:      vm,
		log:     log.DefaultLogger(),
	}

	for _, opt := range opts {
		opt(t)
	}

	for i := range t.procs {
		t.procs[i].wakeCh = make(chan struct{}, 1)
	}

	return t
}

// OnExit registers a callback invoked with a process's PID as the first step of termination, before
// its address space is destroyed, so the caller (normally the kernel's open-file table) can close its
// file handles per spec.md §4.3's termination ordering.
func (t *Table) OnExit(fn func(PID)) { t.closeFiles = fn }

var (
	ErrNoProcess   = errors.New("proc: no such process")
	ErrTableFull   = errors.New("proc: table full")
	ErrNoAddrSpace = errors.New("proc: no address space")
)

// Get returns a pointer to the process record for pid, or nil if the slot is unallocated. Callers
// that only read a stable snapshot of fields should hold no expectation of safety against concurrent
// mutation; Table's own operations are the source of truth.
func (t *Table) Get(pid PID) *Process {
	if pid == 0 || int(pid) >= len(t.procs) {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.procs[pid].State == StateFree {
		return nil
	}

	return &t.procs[pid]
}

// Current returns the PID of the currently RUNNING process, or 0 if none (the scheduler is idle).
func (t *Table) Current() PID {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.current
}

func (t *Table) allocSlot() (PID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 1; i < len(t.procs); i++ {
		if t.procs[i].State == StateFree {
			return PID(i), nil
		}
	}

	return 0, ErrTableFull
}
