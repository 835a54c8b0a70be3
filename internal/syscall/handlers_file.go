package syscall

import (
	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/proc"
	"github.com/smoynes/kerncore/internal/vfs"
)

// Open-flag bits for SYS_OPEN's args[2], independent of vfs.OpenMode: a syscall-facing vocabulary the
// dispatcher translates into the vfs package's own mode enum.
const (
	OpenRead = 1 << iota
	OpenWrite
	OpenCreate
)

func openMode(flags abi.Word) vfs.OpenMode {
	switch {
	case flags&OpenRead != 0 && flags&OpenWrite != 0:
		return vfs.ModeReadWrite
	case flags&OpenWrite != 0:
		return vfs.ModeWrite
	default:
		return vfs.ModeRead
	}
}

// sysOpen is SYS_OPEN: args[0]/args[1] a path pointer/length, args[2] open flags.
func sysOpen(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	path, err := d.readUserString(p, args[0], args[1])
	if err != nil {
		return ErrReturn, err
	}

	var inode vfs.InodeID

	if args[2]&OpenCreate != 0 {
		inode, err = d.fsys.CreateFile(vfs.InodeID(p.Cwd), path)
	} else {
		inode, err = d.fsys.Resolve(vfs.InodeID(p.Cwd), path)
	}

	if err != nil {
		return ErrReturn, err
	}

	idx := d.files.Open(inode, openMode(args[2]))

	fd, ok := allocFD(p, idx)
	if !ok {
		d.files.Close(idx)
		return ErrReturn, ErrNoResource
	}

	return abi.Word(fd), nil
}

// sysClose is SYS_CLOSE: args[0] is the fd.
func sysClose(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	fd := int32(args[0])

	idx, ok := lookupFD(p, fd)
	if !ok {
		return ErrReturn, ErrNotFound
	}

	switch {
	case idx == socketPendingFD:
		// never bound; nothing to release
	case idx >= socketFDBase:
		if err := d.sockets.Unbind(idx - socketFDBase); err != nil {
			return ErrReturn, err
		}
	default:
		if err := d.files.Close(idx); err != nil {
			return ErrReturn, err
		}
	}

	freeFD(p, fd)

	return 0, nil
}

// sysRead is SYS_READ: args[0] fd, args[1] buffer pointer, args[2] length.
func sysRead(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	fd := int32(args[0])

	idx, ok := lookupFD(p, fd)
	if !ok || idx >= socketFDBase {
		return ErrReturn, ErrNotFound
	}

	if err := ValidatePointer(args[1], args[2]); err != nil {
		return ErrReturn, err
	}

	buf := make([]byte, args[2])

	n, err := d.files.Read(tk, idx, buf)
	if err != nil {
		return ErrReturn, err
	}

	if err := d.vm.WriteBytes(p.AddrSpace, args[1], buf[:n]); err != nil {
		return ErrReturn, err
	}

	return abi.Word(n), nil
}

// sysWrite is SYS_WRITE: args[0] fd, args[1] buffer pointer, args[2] length.
func sysWrite(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	fd := int32(args[0])

	idx, ok := lookupFD(p, fd)
	if !ok || idx >= socketFDBase {
		return ErrReturn, ErrNotFound
	}

	if err := ValidatePointer(args[1], args[2]); err != nil {
		return ErrReturn, err
	}

	buf := make([]byte, args[2])
	if err := d.vm.ReadBytes(p.AddrSpace, args[1], buf); err != nil {
		return ErrReturn, err
	}

	n, err := d.files.Write(tk, idx, buf)
	if err != nil {
		return ErrReturn, err
	}

	return abi.Word(n), nil
}

// sysSeek is SYS_SEEK: args[0] fd, args[1] offset (as a signed word), args[2] whence.
func sysSeek(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	idx, ok := lookupFD(p, int32(args[0]))
	if !ok || idx >= socketFDBase {
		return ErrReturn, ErrNotFound
	}

	off, err := d.files.Seek(idx, int64(int32(args[1])), int(args[2]))
	if err != nil {
		return ErrReturn, err
	}

	return abi.Word(off), nil
}

// statBufSize is the size of the fixed wire layout SYS_STAT writes into the caller's buffer: inode number, file type,
// and size, each a little-endian field at a fixed offset.
const statBufSize = 8 + 1 + 8

// sysStat is SYS_STAT: args[0] fd, args[1] a pointer to a statBufSize-byte output buffer.
func sysStat(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	idx, ok := lookupFD(p, int32(args[0]))
	if !ok || idx >= socketFDBase {
		return ErrReturn, ErrNotFound
	}

	in, err := d.files.Stat(idx)
	if err != nil {
		return ErrReturn, err
	}

	if err := ValidatePointer(args[1], statBufSize); err != nil {
		return ErrReturn, err
	}

	var buf [statBufSize]byte

	putWord64(buf[0:8], uint64(in.ID))
	buf[8] = byte(in.Type)
	putWord64(buf[9:17], uint64(len(in.Data)))

	if err := d.vm.WriteBytes(p.AddrSpace, args[1], buf[:]); err != nil {
		return ErrReturn, err
	}

	return 0, nil
}

func putWord64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// sysMkdir is SYS_MKDIR: args[0]/args[1] a path pointer/length, relative to the caller's cwd. Returns
// the new inode number on success, per the resolved open question on sys_mkdir's return value.
func sysMkdir(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	path, err := d.readUserString(p, args[0], args[1])
	if err != nil {
		return ErrReturn, err
	}

	id, err := d.fsys.Mkdir(vfs.InodeID(p.Cwd), path)
	if err != nil {
		return ErrReturn, err
	}

	return abi.Word(id), nil
}

// sysUnlink is SYS_UNLINK: removes a file or empty directory. Matching POSIX unlink, it never
// recurses into a non-empty directory.
func sysUnlink(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	path, err := d.readUserString(p, args[0], args[1])
	if err != nil {
		return ErrReturn, err
	}

	if err := d.fsys.Remove(vfs.InodeID(p.Cwd), path); err != nil {
		return ErrReturn, err
	}

	return 0, nil
}

// sysChdir is SYS_CHDIR: resolves path relative to the caller's cwd and, if it names a directory,
// updates p.Cwd.
func sysChdir(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	path, err := d.readUserString(p, args[0], args[1])
	if err != nil {
		return ErrReturn, err
	}

	id, err := d.fsys.Resolve(vfs.InodeID(p.Cwd), path)
	if err != nil {
		return ErrReturn, err
	}

	in, err := d.fsys.GetInode(id)
	if err != nil {
		return ErrReturn, err
	}

	if in.Type != vfs.TypeDirectory {
		return ErrReturn, vfs.ErrNotDirectory
	}

	p.Cwd = uint64(id)

	return 0, nil
}

// sysGetcwd is SYS_GETCWD: args[0]/args[1] an output buffer pointer/length. Returns ErrNoResource if
// the rendered path does not fit, matching POSIX getcwd's ERANGE.
func sysGetcwd(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	path, err := d.fsys.GetCwdPath(vfs.InodeID(p.Cwd))
	if err != nil {
		return ErrReturn, err
	}

	if abi.Word(len(path)) >= args[1] {
		return ErrReturn, ErrNoResource
	}

	if err := ValidatePointer(args[0], args[1]); err != nil {
		return ErrReturn, err
	}

	buf := make([]byte, len(path)+1) // NUL-terminated, like the C getcwd this mirrors.
	copy(buf, path)

	if err := d.vm.WriteBytes(p.AddrSpace, args[0], buf); err != nil {
		return ErrReturn, err
	}

	return abi.Word(len(path)), nil
}

// sysPipe is SYS_PIPE: args[0] is a pointer to a 2-word output buffer; on success it holds the read
// end's fd followed by the write end's fd, in that order, matching POSIX pipe(2)'s fds[2] convention.
func sysPipe(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	if err := ValidatePointer(args[0], 8); err != nil {
		return ErrReturn, err
	}

	pipe := vfs.NewPipe(d.procs)

	readIdx := d.files.OpenPipe(pipe, vfs.ModeRead)
	writeIdx := d.files.OpenPipe(pipe, vfs.ModeWrite)

	readFD, ok := allocFD(p, readIdx)
	if !ok {
		d.files.Close(readIdx)
		d.files.Close(writeIdx)

		return ErrReturn, ErrNoResource
	}

	writeFD, ok := allocFD(p, writeIdx)
	if !ok {
		d.files.Close(readIdx)
		d.files.Close(writeIdx)
		freeFD(p, readFD)

		return ErrReturn, ErrNoResource
	}

	var buf [8]byte

	putWord32(buf[0:4], uint32(readFD))
	putWord32(buf[4:8], uint32(writeFD))

	if err := d.vm.WriteBytes(p.AddrSpace, args[0], buf[:]); err != nil {
		return ErrReturn, err
	}

	return 0, nil
}

func putWord32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

// sysDup is SYS_DUP: args[0] is the fd to duplicate. The new fd shares the same open-file
// description (offset and all), per the classic dup contract.
func sysDup(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	idx, ok := lookupFD(p, int32(args[0]))
	if !ok {
		return ErrReturn, ErrNotFound
	}

	if idx < socketFDBase {
		if err := d.files.IncRef(idx); err != nil {
			return ErrReturn, err
		}
	}

	newFD, ok := allocFD(p, idx)
	if !ok {
		if idx < socketFDBase {
			d.files.Close(idx)
		}

		return ErrReturn, ErrNoResource
	}

	return abi.Word(newFD), nil
}
