package vfs_test

import (
	"context"
	"testing"
	"time"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/frame"
	"github.com/smoynes/kerncore/internal/proc"
	"github.com/smoynes/kerncore/internal/vfs"
	"github.com/smoynes/kerncore/internal/vmem"
)

func TestMkdirAndResolve(t *testing.T) {
	fs := vfs.New()

	dir, err := fs.Mkdir(vfs.RootInode, "/bin")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := fs.Resolve(vfs.RootInode, "/bin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if got != dir {
		t.Fatalf("resolve = %v, want %v", got, dir)
	}
}

func TestCreateFileReadWrite(t *testing.T) {
	fs := vfs.New()

	id, err := fs.CreateFile(vfs.RootInode, "/hello.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := fs.Write(id, 0, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 5)

	n, err := fs.Read(id, 0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(buf[:n]) != "hello" {
		t.Fatalf("read = %q, want hello", buf[:n])
	}
}

func TestWriteZeroFillsGap(t *testing.T) {
	fs := vfs.New()

	id, err := fs.CreateFile(vfs.RootInode, "/sparse")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := fs.Write(id, 4, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 5)

	n, err := fs.Read(id, 0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	want := []byte{0, 0, 0, 0, 'x'}
	for i := 0; i < n; i++ {
		if buf[i] != want[i] {
			t.Fatalf("buf = %v, want %v", buf[:n], want)
		}
	}
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	fs := vfs.New()

	dir, err := fs.Mkdir(vfs.RootInode, "/etc")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if _, err := fs.CreateFile(dir, "passwd"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fs.Remove(vfs.RootInode, "/etc"); err != vfs.ErrNotEmpty {
		t.Fatalf("remove = %v, want ErrNotEmpty", err)
	}

	if err := fs.RemoveRecursive(vfs.RootInode, "/etc"); err != nil {
		t.Fatalf("remove recursive: %v", err)
	}

	if _, err := fs.Resolve(vfs.RootInode, "/etc"); err != vfs.ErrNotFound {
		t.Fatalf("resolve after remove = %v, want ErrNotFound", err)
	}
}

func TestRenameMovesEntry(t *testing.T) {
	fs := vfs.New()

	id, err := fs.CreateFile(vfs.RootInode, "/a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := fs.Rename(vfs.RootInode, "/a", "/b"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if _, err := fs.Resolve(vfs.RootInode, "/a"); err != vfs.ErrNotFound {
		t.Fatalf("resolve /a after rename = %v, want ErrNotFound", err)
	}

	got, err := fs.Resolve(vfs.RootInode, "/b")
	if err != nil {
		t.Fatalf("resolve /b: %v", err)
	}

	if got != id {
		t.Fatalf("resolve /b = %v, want %v", got, id)
	}
}

func TestGetCwdPath(t *testing.T) {
	fs := vfs.New()

	a, err := fs.Mkdir(vfs.RootInode, "/a")
	if err != nil {
		t.Fatalf("mkdir /a: %v", err)
	}

	b, err := fs.Mkdir(a, "b")
	if err != nil {
		t.Fatalf("mkdir b: %v", err)
	}

	got, err := fs.GetCwdPath(b)
	if err != nil {
		t.Fatalf("get cwd path: %v", err)
	}

	if got != "/a/b" {
		t.Fatalf("cwd path = %q, want /a/b", got)
	}
}

func TestCopyDuplicatesContents(t *testing.T) {
	fs := vfs.New()

	src, err := fs.CreateFile(vfs.RootInode, "/src")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := fs.Write(src, 0, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := fs.Copy(vfs.RootInode, "/src", "/dst"); err != nil {
		t.Fatalf("copy: %v", err)
	}

	dst, err := fs.Resolve(vfs.RootInode, "/dst")
	if err != nil {
		t.Fatalf("resolve /dst: %v", err)
	}

	buf := make([]byte, 7)
	if _, err := fs.Read(dst, 0, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(buf) != "payload" {
		t.Fatalf("dst contents = %q, want payload", buf)
	}
}

func newScheduledTable(t *testing.T) *proc.Table {
	t.Helper()

	frames := frame.New(64)
	vm := vmem.NewManager(frames)
	table := proc.New(frames, vm, proc.WithCapacity(16))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		table.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("scheduler did not stop")
		}
	})

	return table
}

func TestPipeRendezvous(t *testing.T) {
	table := newScheduledTable(t)

	pipe := vfs.NewPipe(table)
	files := vfs.NewOpenFileTable(vfs.New())

	readFD := files.OpenPipe(pipe, vfs.ModeRead)
	writeFD := files.OpenPipe(pipe, vfs.ModeWrite)

	readBack := make(chan string, 1)

	_, err := table.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		buf := make([]byte, 16)

		n, err := files.Read(tk, readFD, buf)
		if err != nil {
			t.Errorf("pipe read: %v", err)
			return
		}

		readBack <- string(buf[:n])
	})
	if err != nil {
		t.Fatalf("spawn reader: %v", err)
	}

	_, err = table.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		if _, err := files.Write(tk, writeFD, []byte("ping")); err != nil {
			t.Errorf("pipe write: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("spawn writer: %v", err)
	}

	select {
	case got := <-readBack:
		if got != "ping" {
			t.Fatalf("read = %q, want ping", got)
		}
	case <-time.After(time.Second):
		t.Fatal("reader never received the write")
	}
}

func TestPipeReadReturnsEOFAfterWriterCloses(t *testing.T) {
	table := newScheduledTable(t)

	pipe := vfs.NewPipe(table)
	files := vfs.NewOpenFileTable(vfs.New())

	readFD := files.OpenPipe(pipe, vfs.ModeRead)
	writeFD := files.OpenPipe(pipe, vfs.ModeWrite)

	if err := files.Close(writeFD); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	done := make(chan int, 1)

	_, err := table.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		buf := make([]byte, 16)

		n, err := files.Read(tk, readFD, buf)
		if err != nil {
			t.Errorf("pipe read: %v", err)
			return
		}

		done <- n
	})
	if err != nil {
		t.Fatalf("spawn reader: %v", err)
	}

	select {
	case n := <-done:
		if n != 0 {
			t.Fatalf("read returned %d bytes, want 0 (EOF)", n)
		}
	case <-time.After(time.Second):
		t.Fatal("reader never observed EOF")
	}
}
