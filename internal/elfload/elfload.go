// Package elfload implements the ELFSpawn collaborator: a Loader struct wrapping the table and
// memory manager it loads into, with a single entry point that maps segments and returns the spawned
// process or a wrapped sentinel error. It parses a real 32-bit ELF binary far enough to find the entry point and
// PT_LOAD segments, maps each through vmem using the standard library's real ELF32 reader, and builds
// the initial user stack. Executing the mapped image byte-for-byte is out of scope — the instruction-
// level interpreter this core hands off to is a thin external collaborator — so ELFSpawn's loaded
// task immediately exits; what ELFSpawn proves is that the entry point, segment mappings, and stack
// were built correctly, inspected afterward through the returned process's SavedPC, VMAs and Break
// fields.
package elfload

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/frame"
	"github.com/smoynes/kerncore/internal/log"
	"github.com/smoynes/kerncore/internal/proc"
	"github.com/smoynes/kerncore/internal/vmem"
)

var (
	ErrLoader      = errors.New("elfload: loader error")
	ErrOutOfMemory = fmt.Errorf("%w: out of frames", ErrLoader)
)

// UserStackSize is the fixed size of the stack region built for a loaded image.
const UserStackSize = 64 * 1024

// Loader loads ELF32 binaries into fresh address spaces and spawns user processes to run them.
type Loader struct {
	procs  *proc.Table
	vm     *vmem.Manager
	frames *frame.Allocator
	log    *log.Logger
}

// NewLoader creates an ELF loader that spawns processes through procs, mapping pages through vm and
// allocating frames from frames.
func NewLoader(procs *proc.Table, vm *vmem.Manager, frames *frame.Allocator) *Loader {
	return &Loader{procs: procs, vm: vm, frames: frames, log: log.DefaultLogger()}
}

// ELFSpawn parses the ELF32 binary at path, maps its PT_LOAD segments and an initial stack into a
// fresh address space, and spawns a user process for it with ppid as parent.
func (l *Loader) ELFSpawn(ppid proc.PID, path string) (*proc.Process, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoader, err)
	}
	defer f.Close()

	img, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoader, err)
	}
	defer img.Close()

	if img.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("%w: not a 32-bit image", ErrLoader)
	}

	as := l.vm.Create()
	if as == nil {
		return nil, fmt.Errorf("%w: %w", ErrLoader, vmem.ErrNoMemory)
	}

	var vmas []vmem.VMA

	var brk abi.Word

	for _, prog := range img.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		vma, err := l.mapSegment(as, prog)
		if err != nil {
			l.vm.Destroy(as)
			return nil, err
		}

		vmas = append(vmas, vma)

		if vma.End() > brk {
			brk = vma.End()
		}
	}

	stackVMA, stackTop, err := l.buildStack(as)
	if err != nil {
		l.vm.Destroy(as)
		return nil, err
	}

	vmas = append(vmas, stackVMA)

	entry := abi.Word(img.Entry)

	pid, err := l.procs.SpawnUserProcess(ppid, as, func(tk *proc.Task) {
		tk.Exit(0)
	})
	if err != nil {
		l.vm.Destroy(as)
		return nil, fmt.Errorf("%w: %w", ErrLoader, err)
	}

	p := l.procs.Get(pid)
	p.SavedPC = entry
	p.SavedRegs[0] = stackTop

	for _, vma := range vmas {
		if err := p.VMAs.Add(vma); err != nil {
			l.log.Debug("elfload: dropping vma, set full", "base", vma.Base)
		}
	}

	// brk starts just past the last PT_LOAD segment, never the stack VMA appended above it: the stack
	// lives at the top of the address space, well above userCeiling, and would otherwise put the
	// break beyond the region brk growth is allowed to claim.
	p.Break = brk

	return p, nil
}

// mapSegment allocates frames and maps one PT_LOAD segment, zero-filling the gap between the
// segment's file size and its in-memory size (e.g. .bss), mirroring how a growing brk region
// zero-fills newly claimed pages.
func (l *Loader) mapSegment(as *vmem.AddressSpace, prog *elf.Prog) (vmem.VMA, error) {
	base := abi.Word(prog.Vaddr) &^ (abi.PageSize - 1)
	end := abi.PageAlign(abi.Word(prog.Vaddr) + abi.Word(prog.Memsz))

	prot := abi.PTEUser
	if prog.Flags&elf.PF_W != 0 {
		prot |= abi.PTEWritable
	}

	data := make([]byte, prog.Filesz)
	if _, err := prog.ReadAt(data, 0); err != nil {
		return vmem.VMA{}, fmt.Errorf("%w: %w", ErrLoader, err)
	}

	fileOff := abi.Word(prog.Vaddr) - base

	for vaddr := base; vaddr < end; vaddr += abi.PageSize {
		fr := l.frames.AllocFrame()
		if fr == abi.NoFrame {
			return vmem.VMA{}, ErrOutOfMemory
		}

		if err := l.vm.ZeroFrame(fr); err != nil {
			return vmem.VMA{}, fmt.Errorf("%w: %w", ErrLoader, err)
		}

		if err := l.vm.MapUserPage(as, vaddr, fr, prot); err != nil {
			return vmem.VMA{}, fmt.Errorf("%w: %w", ErrLoader, err)
		}

		pageStart := vaddr
		pageEnd := vaddr + abi.PageSize

		segStart := base + fileOff
		segEnd := segStart + abi.Word(len(data))

		if pageEnd > segStart && pageStart < segEnd {
			lo := maxWord(pageStart, segStart)
			hi := minWord(pageEnd, segEnd)

			chunk := data[lo-segStart : hi-segStart]
			if err := l.vm.WriteBytes(as, lo, chunk); err != nil {
				return vmem.VMA{}, fmt.Errorf("%w: %w", ErrLoader, err)
			}
		}
	}

	return vmem.VMA{Base: base, Len: end - base, Prot: prot, Flags: 0}, nil
}

// buildStack maps UserStackSize bytes just below abi.UserStackTop and returns the VMA and the initial
// stack pointer (the top of the region, per the standard "stack grows down from the top" convention).
func (l *Loader) buildStack(as *vmem.AddressSpace) (vmem.VMA, abi.Word, error) {
	base := abi.UserStackTop - UserStackSize

	for vaddr := base; vaddr < abi.UserStackTop; vaddr += abi.PageSize {
		fr := l.frames.AllocFrame()
		if fr == abi.NoFrame {
			return vmem.VMA{}, 0, ErrOutOfMemory
		}

		if err := l.vm.ZeroFrame(fr); err != nil {
			return vmem.VMA{}, 0, fmt.Errorf("%w: %w", ErrLoader, err)
		}

		if err := l.vm.MapUserPage(as, vaddr, fr, abi.PTEUser|abi.PTEWritable); err != nil {
			return vmem.VMA{}, 0, fmt.Errorf("%w: %w", ErrLoader, err)
		}
	}

	vma := vmem.VMA{Base: base, Len: UserStackSize, Prot: abi.PTEUser | abi.PTEWritable}

	return vma, abi.UserStackTop, nil
}

func maxWord(a, b abi.Word) abi.Word {
	if a > b {
		return a
	}

	return b
}

func minWord(a, b abi.Word) abi.Word {
	if a < b {
		return a
	}

	return b
}
