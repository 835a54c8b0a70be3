// Package syscall implements the dispatch boundary between user tasks and the kernel core: a fixed
// table of handlers indexed by syscall number, user-pointer validation, and the post-handler signal
// check. The shape is a classic vector table — a fixed array of handlers addressed by a small
// integer, the same construction an interrupt/trap vector or an exception-service-routine table
// uses — and validation failures use plain %w-wrapped sentinel errors rather than a bespoke Is/As
// error hierarchy, consistent with the rest of this module.
package syscall

import "github.com/smoynes/kerncore/internal/abi"

// Number identifies a syscall in the fixed dispatch table.
type Number uint32

const (
	SysExit Number = iota
	SysRead
	SysWrite
	SysOpen
	SysClose
	SysSeek
	SysStat
	SysGetpid
	SysSleep
	SysBrk
	SysSpawn
	SysWaitpid
	SysMkdir
	SysUnlink
	SysChdir
	SysGetcwd
	SysPipe
	SysDup
	SysKill
	SysMmap
	SysMunmap
	SysSocket
	SysBind
	SysSendto
	SysRecvfrom
	SysClosesock
	SysGPUCreateCtx
	SysGPUSubmit
	SysGPUDestroyCtx

	NumSyscalls
)

// TrapFrame is the dispatcher's view of the CPU-defined snapshot captured at kernel entry: the
// syscall number and up to four register-passed arguments. The full register/PC/SP/flags snapshot
// spec.md §3 describes lives on proc.Process (SavedRegs/SavedPC); TrapFrame carries only what a
// syscall needs to route and service the call.
type TrapFrame struct {
	Number Number
	Args   [4]abi.Word
}

// ErrReturn is the single register value every syscall error condition maps to, per spec.md §7's
// "every error returns -1" convention, reinterpreted as all-ones since Word is unsigned.
const ErrReturn abi.Word = ^abi.Word(0)
