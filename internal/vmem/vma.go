package vmem

import (
	"errors"

	"github.com/smoynes/kerncore/internal/abi"
)

// MaxVMAs is the fixed capacity of a process's VMA vector (spec.md §3: "a process carries a small
// fixed-capacity vector of VMAs").
const MaxVMAs = 16

// VMAFlags enumerate mapping-wide flags, independent of the page permission bits in abi.PTEFlags.
type VMAFlags uint8

const (
	VMAAnonymous VMAFlags = 1 << iota
	VMAFixed
)

// VMA describes one contiguous anonymous mapping within a process's low half.
type VMA struct {
	Base  abi.Word
	Len   abi.Word // Always a page multiple.
	Prot  abi.PTEFlags
	Flags VMAFlags
}

// End returns the address one past the end of the mapping.
func (v VMA) End() abi.Word { return v.Base + v.Len }

// Overlaps reports whether v and other share any address.
func (v VMA) Overlaps(other VMA) bool {
	return v.Base < other.End() && other.Base < v.End()
}

// VMASet is a process's fixed-capacity, non-overlapping collection of VMAs.
type VMASet struct {
	entries [MaxVMAs]VMA
	used    [MaxVMAs]bool
}

var (
	// ErrVMAFull is returned when a VMA set has no free slot.
	ErrVMAFull = errors.New("vmem: vma set full")

	// ErrVMAOverlap is returned when a candidate VMA overlaps one already in the set.
	ErrVMAOverlap = errors.New("vmem: vma overlap")
)

// Overlaps reports whether candidate overlaps any VMA already in the set.
func (s *VMASet) Overlaps(candidate VMA) bool {
	for i, used := range s.used {
		if used && s.entries[i].Overlaps(candidate) {
			return true
		}
	}

	return false
}

// Add inserts a VMA, failing if the set is full or the VMA overlaps an existing one.
func (s *VMASet) Add(v VMA) error {
	if s.Overlaps(v) {
		return ErrVMAOverlap
	}

	for i := range s.entries {
		if !s.used[i] {
			s.entries[i] = v
			s.used[i] = true

			return nil
		}
	}

	return ErrVMAFull
}

// Remove deletes the VMA with an exact (base, length) match, returning true if one was found.
func (s *VMASet) Remove(base, length abi.Word) bool {
	for i, used := range s.used {
		if used && s.entries[i].Base == base && s.entries[i].Len == length {
			s.used[i] = false
			s.entries[i] = VMA{}

			return true
		}
	}

	return false
}

// Find returns the VMA containing addr, if any.
func (s *VMASet) Find(addr abi.Word) (VMA, bool) {
	for i, used := range s.used {
		if used && s.entries[i].Base <= addr && addr < s.entries[i].End() {
			return s.entries[i], true
		}
	}

	return VMA{}, false
}

// Len returns the number of VMAs currently recorded.
func (s *VMASet) Len() int {
	n := 0

	for _, used := range s.used {
		if used {
			n++
		}
	}

	return n
}

// All returns a copy of every recorded VMA, for iteration (e.g. during mmap placement search).
func (s *VMASet) All() []VMA {
	out := make([]VMA, 0, s.Len())

	for i, used := range s.used {
		if used {
			out = append(out, s.entries[i])
		}
	}

	return out
}
