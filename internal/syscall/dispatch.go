// Package syscall dispatches validated syscalls from user tasks to the kernel's collaborators
// (process table, address-space manager, frame allocator, filesystem, sockets, and the ELF loader).
// See types.go for the grounding note on the vector-table shape this design borrows.
package syscall

import (
	"sync"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/elfload"
	"github.com/smoynes/kerncore/internal/frame"
	"github.com/smoynes/kerncore/internal/log"
	"github.com/smoynes/kerncore/internal/proc"
	"github.com/smoynes/kerncore/internal/udpsock"
	"github.com/smoynes/kerncore/internal/vfs"
	"github.com/smoynes/kerncore/internal/vmem"
)

// Handler services one syscall number, given the calling task and its trap-frame arguments. It
// returns the value to leave in the return-value register and an error Dispatch translates to
// ErrReturn; a handler that wants to report success with some other value returns it directly
// alongside a nil error.
type Handler func(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error)

// Dispatcher is the fixed syscall vector table and the collaborators every handler routes to: one
// table, indexed by a small integer, built once at construction, rather than a type switch or a map
// grown on demand.
type Dispatcher struct {
	procs   *proc.Table
	vm      *vmem.Manager
	frames  *frame.Allocator
	fsys    *vfs.FS
	files   *vfs.OpenFileTable
	sockets *udpsock.Table
	loader  *elfload.Loader

	table [NumSyscalls]Handler

	// pending tracks SYS_SOCKET descriptors that have not yet been bound: a per-process set of fd
	// numbers whose Process.Files slot holds socketPendingFD, awaiting a SYS_BIND call to promote
	// them to a real udpsock descriptor. Process.Files has no room for this transient state itself
	// (it is a flat array of resource-table indices), so the dispatcher tracks it alongside.
	pendingMu sync.Mutex
	pending   map[proc.PID]map[int32]bool

	log *log.Logger
}

// New creates a dispatcher wired to every collaborator a syscall might need, and builds the fixed
// dispatch table once.
func New(
	procs *proc.Table,
	vm *vmem.Manager,
	frames *frame.Allocator,
	fsys *vfs.FS,
	files *vfs.OpenFileTable,
	sockets *udpsock.Table,
	loader *elfload.Loader,
) *Dispatcher {
	d := &Dispatcher{
		procs:   procs,
		vm:      vm,
		frames:  frames,
		fsys:    fsys,
		files:   files,
		sockets: sockets,
		loader:  loader,
		pending: make(map[proc.PID]map[int32]bool),
		log:     log.DefaultLogger(),
	}

	d.table = [NumSyscalls]Handler{
		SysExit:          sysExit,
		SysRead:          sysRead,
		SysWrite:         sysWrite,
		SysOpen:          sysOpen,
		SysClose:         sysClose,
		SysSeek:          sysSeek,
		SysStat:          sysStat,
		SysGetpid:        sysGetpid,
		SysSleep:         sysSleep,
		SysBrk:           sysBrk,
		SysSpawn:         sysSpawn,
		SysWaitpid:       sysWaitpid,
		SysMkdir:         sysMkdir,
		SysUnlink:        sysUnlink,
		SysChdir:         sysChdir,
		SysGetcwd:        sysGetcwd,
		SysPipe:          sysPipe,
		SysDup:           sysDup,
		SysKill:          sysKill,
		SysMmap:          sysMmap,
		SysMunmap:        sysMunmap,
		SysSocket:        sysSocket,
		SysBind:          sysBind,
		SysSendto:        sysSendTo,
		SysRecvfrom:      sysRecvFrom,
		SysClosesock:     sysClosesock,
		SysGPUCreateCtx:  sysGPUUnsupported,
		SysGPUSubmit:     sysGPUUnsupported,
		SysGPUDestroyCtx: sysGPUUnsupported,
	}

	procs.OnExit(d.CloseAllFiles)

	return d
}

// Dispatch services one trapped syscall: look up its handler, run it, and apply the post-handler
// signal checkpoint spec.md §4.5 requires of every syscall return. An out-of-range or unassigned
// number is itself a reported error rather than a panic, exactly like an unmapped teacher ISR vector
// (internal/vm/intr.go) logging and continuing instead of crashing the simulated CPU.
func (d *Dispatcher) Dispatch(tk *proc.Task, frame TrapFrame) abi.Word {
	var result abi.Word

	if int(frame.Number) >= len(d.table) || d.table[frame.Number] == nil {
		d.log.Warn("syscall: unknown number", "pid", tk.PID(), "num", uint32(frame.Number))

		result = ErrReturn
	} else {
		var err error

		result, err = d.table[frame.Number](d, tk, frame.Args)
		if err != nil {
			d.log.Debug("syscall: handler error", "pid", tk.PID(), "num", uint32(frame.Number), "err", err)

			result = ErrReturn
		}
	}

	tk.CheckSignals()

	return result
}
