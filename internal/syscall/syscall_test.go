package syscall_test

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/elfload"
	"github.com/smoynes/kerncore/internal/frame"
	"github.com/smoynes/kerncore/internal/proc"
	sc "github.com/smoynes/kerncore/internal/syscall"
	"github.com/smoynes/kerncore/internal/udpsock"
	"github.com/smoynes/kerncore/internal/vfs"
	"github.com/smoynes/kerncore/internal/vmem"
)

type kernel struct {
	table   *proc.Table
	vm      *vmem.Manager
	frames  *frame.Allocator
	fsys    *vfs.FS
	files   *vfs.OpenFileTable
	sockets *udpsock.Table
	loader  *elfload.Loader
	disp    *sc.Dispatcher
}

func newKernel(t *testing.T) *kernel {
	t.Helper()

	frames := frame.New(4096)
	vm := vmem.NewManager(frames)
	table := proc.New(frames, vm, proc.WithCapacity(32))
	fsys := vfs.New()
	files := vfs.NewOpenFileTable(fsys)
	sockets := udpsock.New(table)
	loader := elfload.NewLoader(table, vm, frames)
	disp := sc.New(table, vm, frames, fsys, files, sockets, loader)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		table.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("scheduler did not stop")
		}
	})

	return &kernel{table: table, vm: vm, frames: frames, fsys: fsys, files: files, sockets: sockets, loader: loader, disp: disp}
}

// newUserProcess builds a fresh address space with one mapped, writable page at abi.UserVA for
// syscall argument buffers, and spawns a user process for it. The caller supplies the entry body.
func (k *kernel) newUserProcess(t *testing.T, entry func(tk *proc.Task)) proc.PID {
	t.Helper()

	as := k.vm.Create()
	if as == nil {
		t.Fatal("vm.Create: out of memory")
	}

	fr := k.frames.AllocFrame()
	if fr == abi.NoFrame {
		t.Fatal("out of frames")
	}

	if err := k.vm.ZeroFrame(fr); err != nil {
		t.Fatalf("ZeroFrame: %v", err)
	}

	if err := k.vm.MapUserPage(as, abi.UserVA, fr, abi.PTEUser|abi.PTEWritable); err != nil {
		t.Fatalf("MapUserPage: %v", err)
	}

	pid, err := k.table.SpawnUserProcess(0, as, entry)
	if err != nil {
		t.Fatalf("SpawnUserProcess: %v", err)
	}

	return pid
}

func TestDispatchUnknownNumberReturnsErrReturn(t *testing.T) {
	k := newKernel(t)

	result := make(chan abi.Word, 1)

	k.newUserProcess(t, func(tk *proc.Task) {
		result <- k.disp.Dispatch(tk, sc.TrapFrame{Number: sc.NumSyscalls + 1})
		tk.Exit(0)
	})

	if got := <-result; got != sc.ErrReturn {
		t.Fatalf("Dispatch(unknown) = %#x, want ErrReturn", uint32(got))
	}
}

func TestSysGetpidReturnsCallerPID(t *testing.T) {
	k := newKernel(t)

	result := make(chan abi.Word, 1)

	pid := k.newUserProcess(t, func(tk *proc.Task) {
		result <- k.disp.Dispatch(tk, sc.TrapFrame{Number: sc.SysGetpid})
		tk.Exit(0)
	})

	if got := <-result; got != abi.Word(pid) {
		t.Fatalf("SYS_GETPID = %d, want %d", got, pid)
	}
}

func TestSysBrkGrowQueryShrinkZeroFills(t *testing.T) {
	k := newKernel(t)

	type out struct {
		grown, queried, shrunk abi.Word
		regrownByte            byte
	}

	result := make(chan out, 1)

	k.newUserProcess(t, func(tk *proc.Task) {
		var o out

		target := abi.UserVA + abi.PageSize
		o.grown = k.disp.Dispatch(tk, sc.TrapFrame{Number: sc.SysBrk, Args: [4]abi.Word{target, 0, 0, 0}})

		o.queried = k.disp.Dispatch(tk, sc.TrapFrame{Number: sc.SysBrk})

		p := proc_table_get(k, tk)

		// Dirty the newly claimed page before giving it back.
		var one [1]byte
		one[0] = 0xff

		if err := k.vm.WriteBytes(p.AddrSpace, abi.UserVA, one[:]); err != nil {
			t.Errorf("WriteBytes: %v", err)
		}

		o.shrunk = k.disp.Dispatch(tk, sc.TrapFrame{Number: sc.SysBrk, Args: [4]abi.Word{abi.UserVA, 0, 0, 0}})

		// Regrow over the same range; it must come back zero-filled even though the dirtied
		// frame was returned to the allocator.
		k.disp.Dispatch(tk, sc.TrapFrame{Number: sc.SysBrk, Args: [4]abi.Word{target, 0, 0, 0}})

		var buf [1]byte
		if err := k.vm.ReadBytes(p.AddrSpace, abi.UserVA, buf[:]); err != nil {
			t.Errorf("ReadBytes: %v", err)
		}

		o.regrownByte = buf[0]

		result <- o

		tk.Exit(0)
	})

	o := <-result

	target := abi.UserVA + abi.PageSize
	if o.grown != target {
		t.Fatalf("grow returned %v, want %v", o.grown, target)
	}

	if o.queried != target {
		t.Fatalf("query returned %v, want %v", o.queried, target)
	}

	if o.shrunk != abi.UserVA {
		t.Fatalf("shrink returned %v, want %v", o.shrunk, abi.UserVA)
	}

	if o.regrownByte != 0 {
		t.Fatalf("regrown byte = %#x, want 0 (zero-filled)", o.regrownByte)
	}
}

// proc_table_get is a small indirection so the test body above reads naturally; it just forwards to
// the process table.
func proc_table_get(k *kernel, tk *proc.Task) *proc.Process { //nolint:revive
	return k.table.Get(tk.PID())
}

func TestSysMmapPlacementThenMunmapUnmaps(t *testing.T) {
	k := newKernel(t)

	type out struct {
		base      abi.Word
		readback  byte
		unmapErr  bool
		stillMapd bool
	}

	result := make(chan out, 1)

	k.newUserProcess(t, func(tk *proc.Task) {
		var o out

		ret := k.disp.Dispatch(tk, sc.TrapFrame{
			Number: sc.SysMmap,
			Args:   [4]abi.Word{0, abi.PageSize, abi.Word(abi.PTEWritable), 0},
		})
		o.base = ret

		p := k.table.Get(tk.PID())

		var buf [4]byte
		buf[0] = 0xab

		if err := k.vm.WriteBytes(p.AddrSpace, ret, buf[:]); err != nil {
			t.Errorf("WriteBytes into mmap region: %v", err)
		}

		var readBuf [4]byte
		if err := k.vm.ReadBytes(p.AddrSpace, ret, readBuf[:]); err != nil {
			t.Errorf("ReadBytes: %v", err)
		}

		o.readback = readBuf[0]

		unmapRet := k.disp.Dispatch(tk, sc.TrapFrame{
			Number: sc.SysMunmap,
			Args:   [4]abi.Word{ret, abi.PageSize, 0, 0},
		})
		o.unmapErr = unmapRet == sc.ErrReturn

		_, o.stillMapd = p.VMAs.Find(ret)

		result <- o

		tk.Exit(0)
	})

	o := <-result

	if o.base < abi.MMapBase {
		t.Fatalf("mmap base %v below MMapBase %v", o.base, abi.MMapBase)
	}

	if o.readback != 0xab {
		t.Fatalf("readback = %#x, want 0xab", o.readback)
	}

	if o.unmapErr {
		t.Fatal("munmap reported an error")
	}

	if o.stillMapd {
		t.Fatal("VMA still present after munmap")
	}
}

func TestSysMmapFixedRejectsOverlap(t *testing.T) {
	k := newKernel(t)

	result := make(chan bool, 1)

	k.newUserProcess(t, func(tk *proc.Task) {
		first := k.disp.Dispatch(tk, sc.TrapFrame{
			Number: sc.SysMmap,
			Args:   [4]abi.Word{abi.MMapBase, abi.PageSize, abi.Word(abi.PTEWritable), sc.MapFixed},
		})

		second := k.disp.Dispatch(tk, sc.TrapFrame{
			Number: sc.SysMmap,
			Args:   [4]abi.Word{abi.MMapBase, abi.PageSize, abi.Word(abi.PTEWritable), sc.MapFixed},
		})

		result <- first != sc.ErrReturn && second == sc.ErrReturn

		tk.Exit(0)
	})

	if !<-result {
		t.Fatal("expected first fixed mmap to succeed and the overlapping second to fail")
	}
}

func TestSysPipeReadWriteRoundTrip(t *testing.T) {
	k := newKernel(t)

	result := make(chan string, 1)

	k.newUserProcess(t, func(tk *proc.Task) {
		p := k.table.Get(tk.PID())

		pipeRet := k.disp.Dispatch(tk, sc.TrapFrame{Number: sc.SysPipe, Args: [4]abi.Word{abi.UserVA, 0, 0, 0}})
		if pipeRet == sc.ErrReturn {
			result <- "pipe failed"
			tk.Exit(1)
		}

		var fds [8]byte
		if err := k.vm.ReadBytes(p.AddrSpace, abi.UserVA, fds[:]); err != nil {
			result <- "readbytes failed: " + err.Error()
			tk.Exit(1)
		}

		readFD := abi.Word(fds[0]) | abi.Word(fds[1])<<8 | abi.Word(fds[2])<<16 | abi.Word(fds[3])<<24
		writeFD := abi.Word(fds[4]) | abi.Word(fds[5])<<8 | abi.Word(fds[6])<<16 | abi.Word(fds[7])<<24

		payload := []byte("hello")
		if err := k.vm.WriteBytes(p.AddrSpace, abi.UserVA+64, payload); err != nil {
			result <- "write payload failed: " + err.Error()
			tk.Exit(1)
		}

		writeRet := k.disp.Dispatch(tk, sc.TrapFrame{
			Number: sc.SysWrite,
			Args:   [4]abi.Word{writeFD, abi.UserVA + 64, abi.Word(len(payload)), 0},
		})
		if writeRet != abi.Word(len(payload)) {
			result <- "write returned wrong count"
			tk.Exit(1)
		}

		readRet := k.disp.Dispatch(tk, sc.TrapFrame{
			Number: sc.SysRead,
			Args:   [4]abi.Word{readFD, abi.UserVA + 256, abi.Word(len(payload)), 0},
		})
		if readRet != abi.Word(len(payload)) {
			result <- "read returned wrong count"
			tk.Exit(1)
		}

		var readBuf [5]byte
		if err := k.vm.ReadBytes(p.AddrSpace, abi.UserVA+256, readBuf[:]); err != nil {
			result <- "readback failed: " + err.Error()
			tk.Exit(1)
		}

		result <- string(readBuf[:])

		tk.Exit(0)
	})

	if got := <-result; got != "hello" {
		t.Fatalf("pipe round trip = %q, want %q", got, "hello")
	}
}

func TestSysGPUCallsReportNoCollaborator(t *testing.T) {
	k := newKernel(t)

	result := make(chan abi.Word, 1)

	k.newUserProcess(t, func(tk *proc.Task) {
		result <- k.disp.Dispatch(tk, sc.TrapFrame{Number: sc.SysGPUCreateCtx})
		tk.Exit(0)
	})

	if got := <-result; got != sc.ErrReturn {
		t.Fatalf("GPU_CREATE_CTX = %#x, want ErrReturn", uint32(got))
	}
}

// buildELF32 assembles a minimal valid little-endian ELF32 executable with one PT_LOAD segment.
func buildELF32(t *testing.T, vaddr uint32, code []byte) string {
	t.Helper()

	const (
		ehsize = 52
		phsize = 32
	)

	var buf bytes.Buffer

	ident := [elf.EI_NIDENT]byte{}
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	hdr := elf.Header32{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_386),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     vaddr,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     1,
	}

	prog := elf.Prog32{
		Type:   uint32(elf.PT_LOAD),
		Off:    ehsize + phsize,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint32(len(code)),
		Memsz:  uint32(len(code)),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Align:  0x1000,
	}

	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}

	if err := binary.Write(&buf, binary.LittleEndian, prog); err != nil {
		t.Fatalf("write program header: %v", err)
	}

	buf.Write(code)

	path := filepath.Join(t.TempDir(), "image.elf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	return path
}

func TestSysSpawnAndWaitpidReapsChild(t *testing.T) {
	k := newKernel(t)

	path := buildELF32(t, 0x0040_1000, []byte{0x90, 0x90, 0x90, 0x90})

	result := make(chan struct {
		childPID abi.Word
		reaped   abi.Word
	}, 1)

	k.newUserProcess(t, func(tk *proc.Task) {
		p := k.table.Get(tk.PID())

		if err := k.vm.WriteBytes(p.AddrSpace, abi.UserVA, append([]byte(path), 0)); err != nil {
			t.Errorf("WriteBytes path: %v", err)
		}

		childPID := k.disp.Dispatch(tk, sc.TrapFrame{
			Number: sc.SysSpawn,
			Args:   [4]abi.Word{abi.UserVA, abi.Word(len(path)), 0, 0},
		})

		reaped := k.disp.Dispatch(tk, sc.TrapFrame{
			Number: sc.SysWaitpid,
			Args:   [4]abi.Word{childPID, 0, 0, 0},
		})

		result <- struct {
			childPID abi.Word
			reaped   abi.Word
		}{childPID, reaped}

		tk.Exit(0)
	})

	got := <-result

	if got.childPID == sc.ErrReturn {
		t.Fatal("SYS_SPAWN failed")
	}

	if got.reaped != got.childPID {
		t.Fatalf("SYS_WAITPID reaped %v, want %v", got.reaped, got.childPID)
	}
}
