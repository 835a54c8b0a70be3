// Package frame implements the physical frame allocator: a bitmap tracking ownership of a fixed pool
// of simulated 4 KiB frames, grounded on the bitmap frame allocators found in gopher-os
// (kernel/mem/pmm/allocator/bitmap_allocator.go) and goos-e (kernal/mm/pmm/bitmap_allocator.go): a
// []uint64 of free/used bits, scanned word-at-a-time, with first-fit contiguous-run search for
// aligned multi-frame requests. Unlike those freestanding kernels, this allocator owns a fixed,
// Option-sized simulated pool and never touches real physical memory or firmware memory maps.
package frame

import (
	"sync"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/log"
)

// Allocator tracks ownership of a fixed pool of frames with a bitmap. The zero value is not usable;
// construct with New.
type Allocator struct {
	mu     sync.Mutex
	bitmap []uint64 // One bit per frame; 1 means allocated.
	count  Word
	free   Word

	log *log.Logger
}

type Word = abi.Word

// New creates an allocator managing exactly count frames, numbered [0, count).
func New(count Word) *Allocator {
	words := (count + 63) / 64

	return &Allocator{
		bitmap: make([]uint64, words),
		count:  count,
		free:   count,
		log:    log.DefaultLogger(),
	}
}

// Count returns the total number of frames the allocator manages.
func (a *Allocator) Count() Word { return a.count }

// Free returns the number of currently unallocated frames.
func (a *Allocator) Free() Word {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.free
}

func (a *Allocator) bit(f abi.Frame) (word, mask int) {
	return int(f / 64), 1 << uint(f%64)
}

func (a *Allocator) test(f abi.Frame) bool {
	w, m := a.bit(f)
	return a.bitmap[w]&uint64(m) != 0
}

func (a *Allocator) set(f abi.Frame) {
	w, m := a.bit(f)
	a.bitmap[w] |= uint64(m)
}

func (a *Allocator) clear(f abi.Frame) {
	w, m := a.bit(f)
	a.bitmap[w] &^= uint64(m)
}

// AllocFrame returns any one free frame, or abi.NoFrame if the pool is exhausted. Allocation is
// never zero-filled; callers that need zeroed memory must do it themselves through a temporary
// mapping, per spec.md §4.1.
func (a *Allocator) AllocFrame() abi.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()

	for f := abi.Frame(0); f < abi.Frame(a.count); f++ {
		if !a.test(f) {
			a.set(f)
			a.free--

			return f
		}
	}

	return abi.NoFrame
}

// AllocContiguous returns the base frame of a run of n frames whose base frame number is a multiple
// of alignPages, or abi.NoFrame if no such run is free. All bits in the run are set atomically with
// respect to other callers (the allocator's mutex stands in for spec.md's "atomic with respect to
// interrupts").
func (a *Allocator) AllocContiguous(n, alignPages Word) abi.Frame {
	if n == 0 {
		return abi.NoFrame
	}

	if alignPages == 0 {
		alignPages = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for base := abi.Frame(0); uint64(base)+uint64(n) <= uint64(a.count); {
		if uint32(base)%uint32(alignPages) != 0 {
			base += abi.Frame(uint32(alignPages) - uint32(base)%uint32(alignPages))
			continue
		}

		run := Word(0)
		for run < n && !a.test(base+abi.Frame(run)) {
			run++
		}

		if run == n {
			for i := Word(0); i < n; i++ {
				a.set(base + abi.Frame(i))
			}

			a.free -= n

			return base
		}

		// Skip past the frame that broke the run (free or not, it cannot start a shorter
		// run that still satisfies alignment) and resume scanning from there.
		base += abi.Frame(run + 1)
	}

	return abi.NoFrame
}

// FreeFrame returns a single frame to the pool. Freeing an already-free frame is a caller bug;
// spec.md §4.1 requires it never corrupt the bitmap, so it is logged as a warning and otherwise
// ignored, not a panic.
func (a *Allocator) FreeFrame(f abi.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint32(f) >= uint32(a.count) {
		return
	}

	if !a.test(f) {
		a.log.Warn("double free", "frame", f)
		return
	}

	a.clear(f)
	a.free++
}

// FreeContiguous returns a run of n frames starting at base to the pool.
func (a *Allocator) FreeContiguous(base abi.Frame, n Word) {
	for i := Word(0); i < n; i++ {
		a.FreeFrame(base + abi.Frame(i))
	}
}
