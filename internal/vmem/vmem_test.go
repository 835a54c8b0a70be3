package vmem_test

import (
	"testing"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/frame"
	"github.com/smoynes/kerncore/internal/vmem"
)

func TestCreateSharesHighHalf(t *testing.T) {
	frames := frame.New(64)
	mgr := vmem.NewManager(frames)

	kf := frames.AllocFrame()
	if err := mgr.MapKernelPage(abi.KernelVA, kf, abi.PTEPresent|abi.PTEWritable); err != nil {
		t.Fatalf("map kernel page: %v", err)
	}

	as1 := mgr.Create()
	as2 := mgr.Create()

	for _, as := range []*vmem.AddressSpace{as1, as2} {
		phys, ok := mgr.VirtToPhys(as, abi.KernelVA)
		if !ok {
			t.Fatal("expected kernel mapping visible in new address space")
		}

		if phys != kf.Addr() {
			t.Fatalf("phys = %v, want %v", phys, kf.Addr())
		}
	}
}

func TestMapUserPageRejectsKernelRange(t *testing.T) {
	frames := frame.New(8)
	mgr := vmem.NewManager(frames)
	as := mgr.Create()

	if err := mgr.MapUserPage(as, abi.KernelVA, 0, abi.PTEPresent); err == nil {
		t.Fatal("expected error mapping user page into kernel range")
	}
}

func TestDestroyFreesUserFrames(t *testing.T) {
	frames := frame.New(8)
	mgr := vmem.NewManager(frames)
	as := mgr.Create()

	before := frames.Free()

	f := frames.AllocFrame()
	if err := mgr.MapUserPage(as, abi.UserVA, f, abi.PTEPresent|abi.PTEWritable|abi.PTEUser); err != nil {
		t.Fatalf("map: %v", err)
	}

	mgr.Destroy(as)

	if got := frames.Free(); got != before {
		t.Fatalf("free = %d, want %d after destroy", got, before)
	}
}

func TestReadWriteBytesRoundTrip(t *testing.T) {
	frames := frame.New(8)
	mgr := vmem.NewManager(frames)
	as := mgr.Create()

	f := frames.AllocFrame()
	if err := mgr.MapUserPage(as, abi.UserVA, f, abi.PTEPresent|abi.PTEWritable|abi.PTEUser); err != nil {
		t.Fatalf("map: %v", err)
	}

	want := []byte("hello, kernel")
	if err := mgr.WriteBytes(as, abi.UserVA, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(want))
	if err := mgr.ReadBytes(as, abi.UserVA, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTempMapNonReentrant(t *testing.T) {
	frames := frame.New(4)
	mgr := vmem.NewManager(frames)

	f := frames.AllocFrame()

	if _, err := mgr.TempMap(f); err != nil {
		t.Fatalf("temp map: %v", err)
	}

	if _, err := mgr.TempMap(f); err == nil {
		t.Fatal("expected error re-entering temp map")
	}

	if err := mgr.TempUnmap(); err != nil {
		t.Fatalf("temp unmap: %v", err)
	}

	if err := mgr.TempUnmap(); err == nil {
		t.Fatal("expected error unmapping twice")
	}
}

func TestZeroFrame(t *testing.T) {
	frames := frame.New(4)
	mgr := vmem.NewManager(frames)
	as := mgr.Create()

	f := frames.AllocFrame()
	if err := mgr.MapUserPage(as, abi.UserVA, f, abi.PTEPresent|abi.PTEWritable|abi.PTEUser); err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := mgr.WriteBytes(as, abi.UserVA, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := mgr.ZeroFrame(f); err != nil {
		t.Fatalf("zero: %v", err)
	}

	got := make([]byte, 4)
	if err := mgr.ReadBytes(as, abi.UserVA, got); err != nil {
		t.Fatalf("read: %v", err)
	}

	for _, b := range got {
		if b != 0 {
			t.Fatalf("expected zeroed frame, got %v", got)
		}
	}
}
