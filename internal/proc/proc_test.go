package proc_test

import (
	"context"
	"testing"
	"time"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/frame"
	"github.com/smoynes/kerncore/internal/proc"
	"github.com/smoynes/kerncore/internal/vmem"
)

func newTable(t *testing.T) (*proc.Table, context.CancelFunc) {
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

	return table, cancel
}

func TestSpawnRunsToCompletion(t *testing.T) {
	table, _ := newTable(t)

	ran := make(chan struct{})

	_, err := table.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		close(ran)
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestTaskExitNeverReturns(t *testing.T) {
	table, _ := newTable(t)

	reachedAfterExit := false
	done := make(chan struct{})

	pid, err := table.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		defer close(done)
		tk.Exit(7)
		reachedAfterExit = true
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never exited")
	}

	if reachedAfterExit {
		t.Fatal("code after Exit ran")
	}

	time.Sleep(10 * time.Millisecond)

	p := table.Get(pid)
	if p == nil {
		t.Fatal("expected zombie process to still be in the table")
	}

	if p.State != proc.StateZombie {
		t.Fatalf("state = %v, want ZOMBIE", p.State)
	}

	if p.ExitStatus != 7 {
		t.Fatalf("exit status = %d, want 7", p.ExitStatus)
	}
}

func TestWaitReapsZombieChild(t *testing.T) {
	table, _ := newTable(t)

	reaped := make(chan int32, 1)

	_, err := table.SpawnKernelThread(0, abi.PriorityNormal, func(parent *proc.Task) {
		childPID, err := table.SpawnKernelThread(parent.PID(), abi.PriorityNormal, func(child *proc.Task) {
			child.Exit(42)
		})
		if err != nil {
			t.Errorf("spawn child: %v", err)
			return
		}

		_, status, err := parent.Wait(childPID)
		if err != nil {
			t.Errorf("wait: %v", err)
			return
		}

		reaped <- status
	})
	if err != nil {
		t.Fatalf("spawn parent: %v", err)
	}

	select {
	case status := <-reaped:
		if status != 42 {
			t.Fatalf("reaped status = %d, want 42", status)
		}
	case <-time.After(time.Second):
		t.Fatal("parent never reaped child")
	}
}

func TestWaitNoChildrenReturnsError(t *testing.T) {
	table, _ := newTable(t)

	errCh := make(chan error, 1)

	_, err := table.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		_, _, err := tk.Wait(0)
		errCh <- err
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case err := <-errCh:
		if err != proc.ErrNoChildren {
			t.Fatalf("err = %v, want ErrNoChildren", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task never returned from Wait")
	}
}

func TestWakeOneWakesBlockedWaiter(t *testing.T) {
	table, _ := newTable(t)

	woke := make(chan struct{})

	var q proc.Queue

	pid, err := table.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		tk.SleepOn(&q)
		close(woke)
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if !table.WakeOne(&q) {
		t.Fatal("expected a waiter to wake")
	}

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("sleeper never woke")
	}

	_ = pid
}

func TestKillBlockedTaskUnwindsIt(t *testing.T) {
	table, _ := newTable(t)

	done := make(chan struct{})

	var q proc.Queue

	pid, err := table.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		defer close(done)
		tk.SleepOn(&q)
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if err := table.Kill(pid); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("killed task never unwound")
	}

	p := table.Get(pid)
	if p.State != proc.StateZombie {
		t.Fatalf("state = %v, want ZOMBIE", p.State)
	}
}

func TestYieldResumesEachTask(t *testing.T) {
	table, _ := newTable(t)

	order := make(chan int, 4)

	for i := 0; i < 2; i++ {
		i := i

		_, err := table.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
			order <- i
			tk.Yield()
			order <- i
		})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}

	got := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		select {
		case v := <-order:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatalf("only got %d of 4 events: %v", i, got)
		}
	}

	if len(got) != 4 {
		t.Fatalf("got %v, want 4 events", got)
	}
}
