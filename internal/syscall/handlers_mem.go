package syscall

import (
	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/elfload"
	"github.com/smoynes/kerncore/internal/proc"
	"github.com/smoynes/kerncore/internal/vmem"
)

// userCeiling bounds how far a process's heap may grow: past it lies the per-process stack region
// elfload reserves (UserStackTop - elfload.UserStackSize upward). A process spawned without an
// elfload stack (a bare kernel-thread-style user process) still gets this same ceiling; it is a
// property of the address-space layout, not of any one loaded image.
var userCeiling = abi.UserStackTop - elfload.UserStackSize

// sysBrk is SYS_BRK: args[0] == 0 queries the current break; any other value requests a new absolute
// break address. Growing maps zero-filled frames over the newly claimed range (mirroring how a
// growing ELF segment's .bss gap is zero-filled); shrinking unmaps and frees the frames it gives up,
// per the resolved open question on brk shrinking.
func sysBrk(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	if p.AddrSpace == nil {
		return ErrReturn, proc.ErrNoAddrSpace
	}

	if args[0] == 0 {
		return p.Break, nil
	}

	target := args[0]

	if target < abi.UserVA || target > userCeiling {
		return ErrReturn, ErrBadPointer
	}

	cur := p.Break
	if cur == 0 {
		cur = abi.UserVA
	}

	curBoundary := abi.PageAlign(cur)

	var targetBoundary abi.Word
	if target > abi.UserVA {
		targetBoundary = abi.PageAlign(target)
	} else {
		targetBoundary = abi.UserVA
	}

	switch {
	case targetBoundary > curBoundary:
		mapped := abi.Word(0)

		for vaddr := curBoundary; vaddr < targetBoundary; vaddr += abi.PageSize {
			fr := d.frames.AllocFrame()
			if fr == abi.NoFrame {
				rollback(d, p, curBoundary, mapped)
				return ErrReturn, ErrNoResource
			}

			if err := d.vm.ZeroFrame(fr); err != nil {
				d.frames.FreeFrame(fr)
				rollback(d, p, curBoundary, mapped)

				return ErrReturn, err
			}

			if err := d.vm.MapUserPage(p.AddrSpace, vaddr, fr, abi.PTEUser|abi.PTEWritable); err != nil {
				d.frames.FreeFrame(fr)
				rollback(d, p, curBoundary, mapped)

				return ErrReturn, err
			}

			mapped += abi.PageSize
		}
	case targetBoundary < curBoundary:
		for vaddr := targetBoundary; vaddr < curBoundary; vaddr += abi.PageSize {
			if f, ok := d.vm.UnmapUserPage(p.AddrSpace, vaddr); ok {
				d.frames.FreeFrame(f)
				d.vm.Invalidate(vaddr)
			}
		}
	}

	p.Break = target

	return p.Break, nil
}

// MapFixed is the mmap flag bit requesting a fixed placement rather than kernel-chosen placement.
const MapFixed abi.Word = 1

const maxPlacementAttempts = 4096

// sysMmap is SYS_MMAP: args[0] is the requested address (0 for kernel-chosen), args[1] the length,
// args[2] protection bits (abi.PTEWritable, ORed with abi.PTEUser automatically), args[3] flags
// (MapFixed). Placement walks up from abi.MMapBase looking for a gap of the right size below the
// stack region; a failure partway through mapping pages rolls back every page this call already
// mapped, per spec.md §4.1's "map pages one at a time; a mid-request failure rolls back every page
// this call mapped" requirement.
func sysMmap(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	if p.AddrSpace == nil {
		return ErrReturn, proc.ErrNoAddrSpace
	}

	length := abi.PageAlign(args[1])
	if length == 0 {
		return ErrReturn, ErrBadPointer
	}

	prot := abi.PTEUser
	if args[2]&abi.Word(abi.PTEWritable) != 0 {
		prot |= abi.PTEWritable
	}

	fixed := args[3]&MapFixed != 0

	var base abi.Word

	if fixed {
		base = args[0]

		if base%abi.PageSize != 0 {
			return ErrReturn, ErrBadPointer
		}

		if base < abi.MMapBase || base+length > userCeiling {
			return ErrReturn, ErrBadPointer
		}

		if p.VMAs.Overlaps(vmem.VMA{Base: base, Len: length}) {
			return ErrReturn, ErrExists
		}
	} else {
		candidate := abi.MMapBase
		found := false

		for i := 0; i < maxPlacementAttempts; i++ {
			if candidate+length > userCeiling {
				break
			}

			if !p.VMAs.Overlaps(vmem.VMA{Base: candidate, Len: length}) {
				found = true
				break
			}

			candidate += abi.PageSize
		}

		if !found {
			return ErrReturn, ErrNoResource
		}

		base = candidate
	}

	mapped := abi.Word(0)

	for vaddr := base; vaddr < base+length; vaddr += abi.PageSize {
		fr := d.frames.AllocFrame()
		if fr == abi.NoFrame {
			rollback(d, p, base, mapped)
			return ErrReturn, ErrNoResource
		}

		if err := d.vm.ZeroFrame(fr); err != nil {
			d.frames.FreeFrame(fr)
			rollback(d, p, base, mapped)

			return ErrReturn, err
		}

		if err := d.vm.MapUserPage(p.AddrSpace, vaddr, fr, prot); err != nil {
			d.frames.FreeFrame(fr)
			rollback(d, p, base, mapped)

			return ErrReturn, err
		}

		mapped += abi.PageSize
	}

	vma := vmem.VMA{Base: base, Len: length, Prot: prot, Flags: vmem.VMAAnonymous}
	if fixed {
		vma.Flags |= vmem.VMAFixed
	}

	if err := p.VMAs.Add(vma); err != nil {
		rollback(d, p, base, mapped)
		return ErrReturn, ErrNoResource
	}

	return base, nil
}

// rollback unmaps and frees every page mapped in [base, base+mapped) of p's address space, for mmap's
// mid-request failure path.
func rollback(d *Dispatcher, p *proc.Process, base, mapped abi.Word) {
	for vaddr := base; vaddr < base+mapped; vaddr += abi.PageSize {
		if f, ok := d.vm.UnmapUserPage(p.AddrSpace, vaddr); ok {
			d.frames.FreeFrame(f)
		}
	}
}

// sysMunmap is SYS_MUNMAP: args[0] is the base address, args[1] the length. It requires an exact
// (base, length) match against a recorded VMA; a partial-range unmap is rejected rather than split,
// since VMASet has no split operation.
func sysMunmap(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	if p.AddrSpace == nil {
		return ErrReturn, proc.ErrNoAddrSpace
	}

	base := args[0]
	length := abi.PageAlign(args[1])

	if !p.VMAs.Remove(base, length) {
		return ErrReturn, ErrNotFound
	}

	for vaddr := base; vaddr < base+length; vaddr += abi.PageSize {
		if f, ok := d.vm.UnmapUserPage(p.AddrSpace, vaddr); ok {
			d.frames.FreeFrame(f)
			d.vm.Invalidate(vaddr)
		}
	}

	return 0, nil
}
