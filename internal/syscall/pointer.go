package syscall

import (
	"bytes"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/proc"
)

// MaxPathLen bounds how many bytes a path- or buffer-length argument may claim for a single string
// read, standing in for the kind of fixed PATH_MAX a real kernel enforces.
const MaxPathLen = 256

// ValidatePointer checks a user-supplied (address, length) pair against the three failure modes
// spec.md's syscall boundary names: a null pointer, an address at or past the kernel/user split, and
// a length that would carry the range past that boundary (including wrapping past the top of the
// address space). It validates the start address and declared length only; whether the range is
// actually backed by a mapped page is each handler's own problem, discovered when it calls ReadBytes
// or WriteBytes.
func ValidatePointer(addr, length abi.Word) error {
	if addr == 0 {
		return ErrBadPointer
	}

	if addr >= abi.KernelVA {
		return ErrBadPointer
	}

	end := addr + length
	if end < addr { // overflow
		return ErrBadPointer
	}

	if end > abi.KernelVA {
		return ErrBadPointer
	}

	return nil
}

// readUserString validates and reads a NUL-terminated (or maxLen-bounded) string out of p's address
// space at addr, trimming at the first NUL byte.
func (d *Dispatcher) readUserString(p *proc.Process, addr, maxLen abi.Word) (string, error) {
	if maxLen == 0 || maxLen > MaxPathLen {
		maxLen = MaxPathLen
	}

	if err := ValidatePointer(addr, maxLen); err != nil {
		return "", err
	}

	buf := make([]byte, maxLen)
	if err := d.vm.ReadBytes(p.AddrSpace, addr, buf); err != nil {
		return "", err
	}

	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}

	return string(buf), nil
}
