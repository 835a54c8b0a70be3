// Package vmem implements the address-space manager: per-process two-level page directories, the
// shared kernel high half, temporary kernel mappings, and VMA bookkeeping. It is grounded on
// biscuit's vm/as.go (index-based directory walk that frees only user-range leaves, never recursing
// a pointer graph — spec.md §9's strategy for "per-process page directory destruction") and on
// gopher-os's kernel/mem/vmm/vmm.go (Map/flag-bit idiom: FlagPresent|FlagRW|FlagNoExecute becomes our
// PTEPresent|PTEWritable|PTEUser|PTECacheDisable). All memory access is mediated through explicit
// address/data parameters rather than ambient pointers, generalized here to per-address-space
// translation instead of a single flat array.
package vmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/frame"
	"github.com/smoynes/kerncore/internal/log"
)

const (
	dirBits   = 10
	leafBits  = 10
	dirSize   = 1 << dirBits  // 1024 directory entries.
	leafSize  = 1 << leafBits // 1024 leaf entries per table.
	leafSpan  = abi.Word(leafSize) * abi.PageSize
	kernelDir = int(abi.KernelVA / leafSpan) // First directory index belonging to the high half.
)

type pte struct {
	frame   abi.Frame
	flags   abi.PTEFlags
	present bool
}

type leafTable [leafSize]pte

// AddressSpace is a two-level page directory: dirSize entries, each either nil (unmapped) or a
// pointer to a leafTable. Entries at or above kernelDir are always shared pointers into the single
// kernel AddressSpace so that any edit to kernel memory is instantly visible to every process.
type AddressSpace struct {
	dir [dirSize]*leafTable
}

func indices(vaddr abi.Word) (dirIdx, leafIdx int) {
	return int(vaddr / leafSpan), int((vaddr / abi.PageSize) % leafSize)
}

var (
	ErrNoMemory       = errors.New("vmem: out of memory")
	ErrBadAddress     = errors.New("vmem: bad address")
	ErrNotMapped      = errors.New("vmem: not mapped")
	ErrKernelRange    = errors.New("vmem: kernel range")
	ErrTempInUse      = errors.New("vmem: temp window already mapped")
	ErrTempNotMapped  = errors.New("vmem: temp window not mapped")
)

// Manager owns the kernel's shared high half, the simulated physical memory backing every frame, and
// the single reserved temporary-mapping window.
type Manager struct {
	mu     sync.Mutex
	frames *frame.Allocator
	phys   []byte // Simulated physical memory, one PageSize-aligned slot per frame.
	kernel *AddressSpace

	temp struct {
		mapped bool
		frame  abi.Frame
	}

	log *log.Logger
}

// NewManager creates an address-space manager backed by the given frame allocator. The kernel
// address space is created immediately with every high-half leaf table allocated and empty, ready
// for map_kernel_page calls during boot, so address spaces created before a kernel mapping still
// share the table it lands in.
func NewManager(frames *frame.Allocator) *Manager {
	m := &Manager{
		frames: frames,
		phys:   make([]byte, uint64(frames.Count())*uint64(abi.PageSize)),
		kernel: &AddressSpace{},
		log:    log.DefaultLogger(),
	}

	for i := kernelDir; i < dirSize; i++ {
		m.kernel.dir[i] = &leafTable{}
	}

	return m
}

// KernelSpace returns the distinguished kernel address space used by the idle/bootstrap context and
// by kernel threads (spec.md §3: "address-space root (zero means kernel thread sharing the kernel's)").
func (m *Manager) KernelSpace() *AddressSpace { return m.kernel }

// Create allocates a new address space whose high half shares the kernel's leaf-table pointers.
// Directories and leaf tables are not drawn from the frame pool, so Create never returns nil.
func (m *Manager) Create() *AddressSpace {
	as := &AddressSpace{}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := kernelDir; i < dirSize; i++ {
		as.dir[i] = m.kernel.dir[i]
	}

	return as
}

// Destroy walks every low-half leaf table, frees each mapped user frame, and drops the leaf tables.
// Kernel leaf tables, though visible through the shared pointers, are never touched.
func (m *Manager) Destroy(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < kernelDir; i++ {
		leaf := as.dir[i]
		if leaf == nil {
			continue
		}

		for _, p := range leaf {
			if p.present {
				m.frames.FreeFrame(p.frame)
			}
		}

		as.dir[i] = nil
	}
}

// MapUserPage installs a leaf entry mapping vaddr to frame in the low half of as, allocating the leaf
// table if one is not already present. It is an error to map into the shared high half this way; use
// MapKernelPage instead.
func (m *Manager) MapUserPage(as *AddressSpace, vaddr abi.Word, f abi.Frame, flags abi.PTEFlags) error {
	dirIdx, leafIdx := indices(vaddr)
	if dirIdx >= kernelDir {
		return fmt.Errorf("%w: %s", ErrKernelRange, abi.Word(vaddr))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if as.dir[dirIdx] == nil {
		as.dir[dirIdx] = &leafTable{}
	}

	as.dir[dirIdx][leafIdx] = pte{frame: f, flags: flags | abi.PTEPresent, present: true}

	return nil
}

// UnmapUserPage clears a leaf entry and returns the frame that was mapped there, if any.
func (m *Manager) UnmapUserPage(as *AddressSpace, vaddr abi.Word) (abi.Frame, bool) {
	dirIdx, leafIdx := indices(vaddr)
	if dirIdx >= kernelDir || as.dir[dirIdx] == nil {
		return abi.NoFrame, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := as.dir[dirIdx][leafIdx]
	if !p.present {
		return abi.NoFrame, false
	}

	as.dir[dirIdx][leafIdx] = pte{}

	return p.frame, true
}

// MapKernelPage edits the shared high half. Because every address space holds the same leaf-table
// pointers, the change is visible everywhere without broadcasting, per spec.md §4.2's rationale.
func (m *Manager) MapKernelPage(vaddr abi.Word, f abi.Frame, flags abi.PTEFlags) error {
	dirIdx, leafIdx := indices(vaddr)
	if dirIdx < kernelDir {
		return fmt.Errorf("%w: %s", ErrBadAddress, abi.Word(vaddr))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel.dir[dirIdx] == nil {
		m.kernel.dir[dirIdx] = &leafTable{}
	}

	m.kernel.dir[dirIdx][leafIdx] = pte{frame: f, flags: flags | abi.PTEPresent, present: true}

	return nil
}

// TempMap scopes a single frame into the reserved kernel window and returns the virtual address to
// access it at. Non-reentrant: callers must pair it with TempUnmap before mapping another frame.
func (m *Manager) TempMap(f abi.Frame) (abi.Word, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.temp.mapped {
		return 0, ErrTempInUse
	}

	m.temp.mapped = true
	m.temp.frame = f

	return TempWindowVA, nil
}

// TempUnmap releases the reserved kernel window.
func (m *Manager) TempUnmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.temp.mapped {
		return ErrTempNotMapped
	}

	m.temp.mapped = false

	return nil
}

// TempWindowVA is the fixed kernel virtual address the reserved temporary-mapping slot is accessed
// through: the last page of the 32-bit address space.
const TempWindowVA abi.Word = 0xffff_f000

// VirtToPhys translates vaddr using as, returning (physical address, true) if mapped, or (0, false)
// if not.
func (m *Manager) VirtToPhys(as *AddressSpace, vaddr abi.Word) (abi.Word, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.virtToPhysLocked(as, vaddr)
}

func (m *Manager) virtToPhysLocked(as *AddressSpace, vaddr abi.Word) (abi.Word, bool) {
	if vaddr == TempWindowVA {
		if !m.temp.mapped {
			return 0, false
		}

		return m.temp.frame.Addr(), true
	}

	dirIdx, leafIdx := indices(vaddr)

	leaf := as.dir[dirIdx]
	if leaf == nil {
		return 0, false
	}

	p := leaf[leafIdx]
	if !p.present {
		return 0, false
	}

	return p.frame.Addr() + (vaddr & (abi.PageSize - 1)), true
}

// ReadBytes copies len(buf) bytes from vaddr (translated through as) into buf. A buffer spanning more
// than one page is not necessarily backed by physically contiguous frames, so each page is translated
// separately rather than trusting the start address's translation for the whole run.
func (m *Manager) ReadBytes(as *AddressSpace, vaddr abi.Word, buf []byte) error {
	for done := 0; done < len(buf); {
		phys, ok := m.VirtToPhys(as, vaddr+abi.Word(done))
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotMapped, vaddr+abi.Word(done))
		}

		n := pageRunLen(vaddr+abi.Word(done), len(buf)-done)

		m.mu.Lock()
		copy(buf[done:done+n], m.phys[phys:uint64(phys)+uint64(n)])
		m.mu.Unlock()

		done += n
	}

	return nil
}

// WriteBytes copies buf into physical memory at vaddr (translated through as), re-translating at every
// page boundary for the same reason ReadBytes does.
func (m *Manager) WriteBytes(as *AddressSpace, vaddr abi.Word, buf []byte) error {
	for done := 0; done < len(buf); {
		phys, ok := m.VirtToPhys(as, vaddr+abi.Word(done))
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotMapped, vaddr+abi.Word(done))
		}

		n := pageRunLen(vaddr+abi.Word(done), len(buf)-done)

		m.mu.Lock()
		copy(m.phys[phys:uint64(phys)+uint64(n)], buf[done:done+n])
		m.mu.Unlock()

		done += n
	}

	return nil
}

// pageRunLen returns how many of the remaining bytes can be copied before vaddr crosses into the next
// page, capped at remaining.
func pageRunLen(vaddr abi.Word, remaining int) int {
	toBoundary := int(abi.PageSize - (vaddr & (abi.PageSize - 1)))
	if toBoundary < remaining {
		return toBoundary
	}

	return remaining
}

// ZeroFrame fills an entire frame with zero bytes by writing simulated physical memory directly,
// without going through the temporary mapping window; it is how callers "zero-fill on demand" per
// spec.md §4.1.
func (m *Manager) ZeroFrame(f abi.Frame) error {
	base := f.Addr()

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := uint64(0); i < uint64(abi.PageSize); i++ {
		m.phys[uint64(base)+i] = 0
	}

	return nil
}

// Invalidate is a no-op placeholder for flushing a processor's translation cache after a PTE edit. In
// this simulation translations are never cached, so there is nothing to flush; the method exists so
// callers can follow spec.md §4.2's protocol (map/unmap, then invalidate) uniformly.
func (m *Manager) Invalidate(_ abi.Word) {}
