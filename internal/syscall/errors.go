package syscall

import "errors"

// Sentinel errors every handler reports through; wrapped with fmt.Errorf("%w: ...") where a
// collaborator's own error doesn't already say enough. Plain %w wrapping already gets a caller
// everything errors.Is needs, without a bespoke Is/As error hierarchy.
var (
	// ErrBadPointer is returned when a user-supplied address fails validation: null, at or past the
	// kernel boundary, or overflowing when added to a length.
	ErrBadPointer = errors.New("syscall: invalid user pointer")

	// ErrNoResource covers exhaustion: no free frame, no free VMA slot, no placement found for an
	// unconstrained mmap, a full fd table.
	ErrNoResource = errors.New("syscall: resource exhausted")

	// ErrNotFound covers lookups that come up empty: an fd or socket handle, a mapping to unmap, a
	// signal number outside the known set.
	ErrNotFound = errors.New("syscall: not found")

	// ErrExists covers a create-style call colliding with something already there.
	ErrExists = errors.New("syscall: already exists")

	// ErrNoCollaborator is returned by the three GPU_* syscalls: this core never implements a
	// VirtIO-GPU collaborator (spec.md's explicit out-of-scope boundary), so the dispatch table
	// carries real entries for them that always fail this way rather than leaving a gap.
	ErrNoCollaborator = errors.New("syscall: no collaborator configured for this call")
)
