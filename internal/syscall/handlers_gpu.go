package syscall

import (
	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/proc"
)

// sysGPUUnsupported backs GPU_CREATE_CTX, GPU_SUBMIT, and GPU_DESTROY_CTX. VirtIO-GPU is an explicit
// out-of-scope external collaborator (spec.md §1); rather than leave three holes in the dispatch
// table, each number routes here and reports ErrNoCollaborator, the same shape an unmapped teacher
// ISR vector reports for a vector nobody installed a driver for (internal/vm/intr.go).
func sysGPUUnsupported(_ *Dispatcher, _ *proc.Task, _ [4]abi.Word) (abi.Word, error) {
	return ErrReturn, ErrNoCollaborator
}
