package vfs

import "github.com/smoynes/kerncore/internal/proc"

// PipeCapacity is the fixed size, in bytes, of a pipe's internal buffer.
const PipeCapacity = 4096

// Pipe is an anonymous, in-memory byte pipe connecting a reader task to a writer task, the
// collaborator backing the kernel's PIPE syscall. It is built directly on proc.Queue/proc.Table,
// the same way internal/ksync's primitives are, for exactly the same reason: a pipe is a rendezvous
// point tasks block on, and this kernel core has no OS-level pipe to delegate to.
type Pipe struct {
	table *proc.Table

	buf []byte

	readers int
	writers int

	readQ  proc.Queue // readers waiting for data
	writeQ proc.Queue // writers waiting for space
}

// NewPipe creates a pipe with one open reader end and one open writer end.
func NewPipe(table *proc.Table) *Pipe {
	return &Pipe{table: table, readers: 1, writers: 1}
}

func (p *Pipe) closeEnd(mode OpenMode) {
	switch mode {
	case ModeRead:
		p.readers--

		if p.readers == 0 {
			p.table.WakeAll(&p.writeQ) // wake writers so they observe a broken pipe
		}
	case ModeWrite:
		p.writers--

		if p.writers == 0 {
			p.table.WakeAll(&p.readQ) // wake readers so they observe end-of-file
		}
	}
}

// Read blocks while the buffer is empty and at least one writer end is still open, then copies out
// whatever is available (not necessarily all of buf). It returns (0, nil) once every writer end has
// closed and the buffer has drained, signaling end-of-file exactly as a closed Unix pipe does.
func (p *Pipe) Read(tk *proc.Task, buf []byte) (int, error) {
	for len(p.buf) == 0 && p.writers > 0 {
		tk.SleepOn(&p.readQ)
	}

	if len(p.buf) == 0 {
		return 0, nil
	}

	n := copy(buf, p.buf)
	p.buf = p.buf[n:]

	p.table.WakeOne(&p.writeQ)

	return n, nil
}

// Write blocks while the buffer is full and at least one reader end is still open, then appends as
// much of data as fits (not necessarily all of it). It returns ErrBrokenPipe if every reader end has
// already closed, after delivering SIGPIPE to the writing task exactly as a closed Unix pipe does.
func (p *Pipe) Write(tk *proc.Task, data []byte) (int, error) {
	for len(p.buf) >= PipeCapacity && p.readers > 0 {
		tk.SleepOn(&p.writeQ)
	}

	if p.readers == 0 {
		p.table.Signal(tk.PID(), proc.SIGPIPE)
		return 0, ErrBrokenPipe
	}

	room := PipeCapacity - len(p.buf)

	n := len(data)
	if n > room {
		n = room
	}

	p.buf = append(p.buf, data[:n]...)

	p.table.WakeOne(&p.readQ)

	return n, nil
}
