package udpsock_test

import (
	"context"
	"testing"
	"time"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/frame"
	"github.com/smoynes/kerncore/internal/proc"
	"github.com/smoynes/kerncore/internal/udpsock"
	"github.com/smoynes/kerncore/internal/vmem"
)

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

func TestSendToAndRecvRoundTrip(t *testing.T) {
	procTable := newScheduledTable(t)
	sockets := udpsock.New(procTable)

	serverFD, err := sockets.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind server: %v", err)
	}

	clientFD, err := sockets.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind client: %v", err)
	}

	serverAddr, err := sockets.LocalAddr(serverFD)
	if err != nil {
		t.Fatalf("local addr: %v", err)
	}

	received := make(chan string, 1)

	_, err = procTable.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		d, err := sockets.Recv(tk, serverFD)
		if err != nil {
			t.Errorf("recv: %v", err)
			return
		}

		received <- string(d.Data)
	})
	if err != nil {
		t.Fatalf("spawn receiver: %v", err)
	}

	if _, err := sockets.SendTo(clientFD, serverAddr.String(), []byte("ping")); err != nil {
		t.Fatalf("sendto: %v", err)
	}

	select {
	case got := <-received:
		if got != "ping" {
			t.Fatalf("received = %q, want ping", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never observed the datagram")
	}
}

func TestRecvAfterUnbindReturnsErrClosed(t *testing.T) {
	procTable := newScheduledTable(t)
	sockets := udpsock.New(procTable)

	fd, err := sockets.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	done := make(chan error, 1)

	_, err = procTable.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		_, err := sockets.Recv(tk, fd)
		done <- err
	})
	if err != nil {
		t.Fatalf("spawn receiver: %v", err)
	}

	// Give the receiver time to block in Recv before the socket is closed under it.
	time.Sleep(10 * time.Millisecond)

	if err := sockets.Unbind(fd); err != nil {
		t.Fatalf("unbind: %v", err)
	}

	select {
	case err := <-done:
		if err != udpsock.ErrClosed {
			t.Fatalf("recv error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never unblocked after unbind")
	}
}

func TestRecvOnBadDescriptorFails(t *testing.T) {
	procTable := newScheduledTable(t)
	sockets := udpsock.New(procTable)

	done := make(chan error, 1)

	_, err := procTable.SpawnKernelThread(0, abi.PriorityNormal, func(tk *proc.Task) {
		_, err := sockets.Recv(tk, 42)
		done <- err
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case err := <-done:
		if err != udpsock.ErrBadSocket {
			t.Fatalf("recv error = %v, want ErrBadSocket", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task never returned")
	}
}
