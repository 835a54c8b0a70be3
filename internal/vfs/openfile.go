package vfs

import (
	"errors"
	"io"
	"sync"

	"github.com/smoynes/kerncore/internal/proc"
)

// OpenMode is the access mode a descriptor was opened with.
type OpenMode uint8

const (
	ModeRead OpenMode = iota
	ModeWrite
	ModeReadWrite
)

// Whence values for Seek, matching io.Seeker's convention.
const (
	SeekSet = io.SeekStart
	SeekCur = io.SeekCurrent
	SeekEnd = io.SeekEnd
)

var (
	ErrBadDescriptor = errors.New("vfs: bad file descriptor")
	ErrBrokenPipe    = errors.New("vfs: broken pipe")
)

// openFile is one entry in the system-wide open-file-description table: the state shared by every
// process-level descriptor that refers to it (e.g. after dup or fork), per the classic Unix split
// between a process's fd array and the descriptions those fds reference.
type openFile struct {
	inode    InodeID
	pipe     *Pipe // non-nil: this description is a pipe end, inode is unused
	offset   int64
	mode     OpenMode
	refCount int
}

// OpenFileTable is the kernel's system-wide open-file-description table. A process's own
// proc.Process.Files array holds indices into it.
type OpenFileTable struct {
	mu      sync.Mutex
	fs      *FS
	entries []openFile
	used    []bool
}

// NewOpenFileTable creates an open-file table backed by fs.
func NewOpenFileTable(fs *FS) *OpenFileTable {
	return &OpenFileTable{fs: fs}
}

func (t *OpenFileTable) alloc() int32 {
	for i, used := range t.used {
		if !used {
			t.used[i] = true
			return int32(i)
		}
	}

	t.entries = append(t.entries, openFile{})
	t.used = append(t.used, true)

	return int32(len(t.entries) - 1)
}

// Open creates a new open-file description against inode and returns its table index.
func (t *OpenFileTable) Open(inode InodeID, mode OpenMode) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.alloc()
	t.entries[idx] = openFile{inode: inode, mode: mode, refCount: 1}

	return idx
}

// OpenPipe creates a new open-file description backed by a pipe end and returns its table index.
func (t *OpenFileTable) OpenPipe(p *Pipe, mode OpenMode) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.alloc()
	t.entries[idx] = openFile{pipe: p, mode: mode, refCount: 1}

	return idx
}

func (t *OpenFileTable) get(idx int32) (*openFile, error) {
	if idx < 0 || int(idx) >= len(t.entries) || !t.used[idx] {
		return nil, ErrBadDescriptor
	}

	return &t.entries[idx], nil
}

// IncRef records an additional process-level fd referencing idx's description (dup, or a fork
// sharing its parent's table).
func (t *OpenFileTable) IncRef(idx int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.get(idx)
	if err != nil {
		return err
	}

	e.refCount++

	return nil
}

// Close drops one reference to idx's description, freeing it once the last reference is gone.
func (t *OpenFileTable) Close(idx int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.get(idx)
	if err != nil {
		return err
	}

	e.refCount--

	if e.refCount <= 0 {
		if e.pipe != nil {
			e.pipe.closeEnd(e.mode)
		}

		t.used[idx] = false
		t.entries[idx] = openFile{}
	}

	return nil
}

// Read reads from idx's description at its current offset, advancing it. A pipe read blocks the
// calling task, so the table lock is released around that call but held for the plain-file path,
// where fs.Read never blocks.
func (t *OpenFileTable) Read(tk *proc.Task, idx int32, buf []byte) (int, error) {
	t.mu.Lock()

	e, err := t.get(idx)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}

	if e.pipe != nil {
		p := e.pipe
		t.mu.Unlock()

		return p.Read(tk, buf)
	}

	n, err := t.fs.Read(e.inode, e.offset, buf)
	e.offset += int64(n)

	t.mu.Unlock()

	return n, err
}

// Write writes to idx's description at its current offset, advancing it. See Read for why a pipe
// write releases the table lock first.
func (t *OpenFileTable) Write(tk *proc.Task, idx int32, data []byte) (int, error) {
	t.mu.Lock()

	e, err := t.get(idx)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}

	if e.pipe != nil {
		p := e.pipe
		t.mu.Unlock()

		return p.Write(tk, data)
	}

	n, err := t.fs.Write(e.inode, e.offset, data)
	e.offset += int64(n)

	t.mu.Unlock()

	return n, err
}

// Seek repositions idx's offset and returns the resulting absolute offset.
func (t *OpenFileTable) Seek(idx int32, offset int64, whence int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.get(idx)
	if err != nil {
		return 0, err
	}

	if e.pipe != nil {
		return 0, ErrBadDescriptor
	}

	var base int64

	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = e.offset
	case SeekEnd:
		size, err := t.fs.Size(e.inode)
		if err != nil {
			return 0, err
		}

		base = size
	default:
		return 0, ErrBadDescriptor
	}

	e.offset = base + offset

	return e.offset, nil
}

// Stat returns the inode backing idx's description. It returns ErrBadDescriptor for a pipe end.
func (t *OpenFileTable) Stat(idx int32) (*Inode, error) {
	t.mu.Lock()
	e, err := t.get(idx)
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if e.pipe != nil {
		return nil, ErrBadDescriptor
	}

	return t.fs.GetInode(e.inode)
}
