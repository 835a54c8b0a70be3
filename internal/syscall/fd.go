package syscall

import "github.com/smoynes/kerncore/internal/proc"

// socketFDBase distinguishes a socket descriptor from a vfs.OpenFileTable index within the single
// flat proc.Process.Files array: values at or above it are udpsock.Table descriptors (offset by this
// constant), values below it are vfs.OpenFileTable indices. A real kernel unifies these through a
// common vnode-like interface; this one settles for a cheaper partition of one shared fd namespace,
// since files and sockets are the only two fd-backed resources spec.md's syscall table names.
const socketFDBase int32 = 1 << 16

// socketPendingFD marks an fd slot allocated by SYS_SOCKET that has not yet been promoted to a real
// descriptor by SYS_BIND.
const socketPendingFD int32 = -2

// allocFD finds a free slot in p.Files and records value there, reporting false if the table is full.
func allocFD(p *proc.Process, value int32) (int32, bool) {
	for i := range p.Files {
		if p.Files[i] == -1 {
			p.Files[i] = value
			return int32(i), true
		}
	}

	return 0, false
}

// lookupFD returns the value recorded at fd in p.Files, reporting false if fd is out of range or
// unused.
func lookupFD(p *proc.Process, fd int32) (int32, bool) {
	if fd < 0 || int(fd) >= len(p.Files) {
		return 0, false
	}

	v := p.Files[fd]
	if v == -1 {
		return 0, false
	}

	return v, true
}

func freeFD(p *proc.Process, fd int32) {
	if fd >= 0 && int(fd) < len(p.Files) {
		p.Files[fd] = -1
	}
}

// CloseAllFiles closes every fd a process holds, files and sockets alike. It is registered with
// proc.Table.OnExit so it runs as the first step of termination, before the address space is torn
// down, per spec.md §4.3's close-then-destroy ordering.
func (d *Dispatcher) CloseAllFiles(pid proc.PID) {
	p := d.procs.Get(pid)
	if p == nil {
		return
	}

	for i, v := range p.Files {
		switch {
		case v == -1:
			continue
		case v == socketPendingFD:
			// never bound; nothing to release
		case v >= socketFDBase:
			d.sockets.Unbind(v - socketFDBase)
		default:
			d.files.Close(v)
		}

		p.Files[i] = -1
	}

	d.pendingMu.Lock()
	delete(d.pending, pid)
	d.pendingMu.Unlock()
}
