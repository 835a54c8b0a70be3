// Package kernel assembles the frame allocator, address-space manager, process table and scheduler,
// filesystem, socket table, ELF loader and syscall dispatcher into one runnable system: one
// constructor that wires memory, devices and drivers together and hands back a single handle the
// rest of the program drives.
package kernel

import (
	"context"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/elfload"
	"github.com/smoynes/kerncore/internal/frame"
	"github.com/smoynes/kerncore/internal/log"
	"github.com/smoynes/kerncore/internal/proc"
	"github.com/smoynes/kerncore/internal/syscall"
	"github.com/smoynes/kerncore/internal/udpsock"
	"github.com/smoynes/kerncore/internal/vfs"
	"github.com/smoynes/kerncore/internal/vmem"
)

// DefaultFrameCount is the number of 4 KiB frames the kernel manages when no WithFrameCount option
// overrides it: 16384 frames is 64 MiB, enough headroom for the seed scenario suite (spec.md §8)
// without forcing every test to size a frame pool by hand.
const DefaultFrameCount = abi.Word(16 * 1024)

// Kernel is every subsystem spec.md names, wired together. Fields are exported so a caller (a test, or
// internal/climon) can reach a subsystem directly — a real kernel doesn't re-export its internals
// through a facade, it just is its internals.
type Kernel struct {
	Frames  *frame.Allocator
	VM      *vmem.Manager
	Procs   *proc.Table
	FS      *vfs.FS
	Files   *vfs.OpenFileTable
	Sockets *udpsock.Table
	Loader  *elfload.Loader
	Syscall *syscall.Dispatcher

	log *log.Logger
}

type config struct {
	frameCount abi.Word
	procOpts   []proc.Option
	log        *log.Logger
}

// Option configures a Kernel at construction.
type Option func(*config)

// WithFrameCount overrides the number of physical frames the kernel manages.
func WithFrameCount(n abi.Word) Option {
	return func(c *config) { c.frameCount = n }
}

// WithProcessCapacity overrides the process table's compile-time size.
func WithProcessCapacity(n int) Option {
	return func(c *config) { c.procOpts = append(c.procOpts, proc.WithCapacity(n)) }
}

// WithQuantum overrides the number of ticks a task runs before round-robin preemption.
func WithQuantum(n int) Option {
	return func(c *config) { c.procOpts = append(c.procOpts, proc.WithQuantum(n)) }
}

// WithLogger overrides the kernel's logger.
func WithLogger(l *log.Logger) Option {
	return func(c *config) { c.log = l }
}

// New assembles a kernel. Construction order matters: each subsystem is built only once its own
// dependencies exist, the same bottom-up assembly internal/vm.New does for memory before devices
// before drivers.
func New(opts ...Option) *Kernel {
	cfg := config{frameCount: DefaultFrameCount, log: log.DefaultLogger()}

	for _, opt := range opts {
		opt(&cfg)
	}

	frames := frame.New(cfg.frameCount)
	vm := vmem.NewManager(frames)
	procs := proc.New(frames, vm, cfg.procOpts...)
	fsys := vfs.New()
	files := vfs.NewOpenFileTable(fsys)
	sockets := udpsock.New(procs)
	loader := elfload.NewLoader(procs, vm, frames)
	dispatcher := syscall.New(procs, vm, frames, fsys, files, sockets, loader)

	return &Kernel{
		Frames:  frames,
		VM:      vm,
		Procs:   procs,
		FS:      fsys,
		Files:   files,
		Sockets: sockets,
		Loader:  loader,
		Syscall: dispatcher,
		log:     cfg.log,
	}
}

// Run starts the scheduler. It blocks until ctx is cancelled and then returns ctx's error.
func (k *Kernel) Run(ctx context.Context) error {
	k.log.Info("kernel: starting scheduler")
	return k.Procs.Run(ctx)
}

// SpawnKernelThread starts a task with no address space of its own, sharing the kernel's. Used for
// in-kernel worker bodies that never trap through the syscall dispatcher directly (they call into
// k.Syscall or the collaborators as plain function calls instead).
func (k *Kernel) SpawnKernelThread(ppid proc.PID, priority abi.Priority, entry func(*proc.Task)) (proc.PID, error) {
	return k.Procs.SpawnKernelThread(ppid, priority, entry)
}

// SpawnUserProcess starts a task backed by its own address space, the shape every syscall handler
// expects its caller to have.
func (k *Kernel) SpawnUserProcess(ppid proc.PID, as *vmem.AddressSpace, entry func(*proc.Task)) (proc.PID, error) {
	return k.Procs.SpawnUserProcess(ppid, as, entry)
}

// SpawnELF loads the ELF32 image at path into a fresh address space and spawns a user process for it.
func (k *Kernel) SpawnELF(ppid proc.PID, path string) (*proc.Process, error) {
	return k.Loader.ELFSpawn(ppid, path)
}
