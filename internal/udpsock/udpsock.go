// Package udpsock is the SOCKET/BIND/SENDTO/RECVFROM/CLOSESOCK collaborator. Unlike internal/vfs's
// in-memory tree, this package really does reach the host's UDP stack through net.ListenUDP: a
// datagram contract is one of the few kernel facilities a pure simulation cannot meaningfully fake,
// since the whole point of exercising SENDTO/RECVFROM is proving bytes cross a real socket. A blocked
// RECVFROM parks the calling task on a proc.Queue exactly as internal/vfs's pipes do; a background
// goroutine reading the real *net.UDPConn is what wakes it.
package udpsock

import (
	"errors"
	"net"
	"sync"

	"github.com/smoynes/kerncore/internal/log"
	"github.com/smoynes/kerncore/internal/proc"
)

var (
	ErrBadSocket = errors.New("udpsock: bad socket descriptor")
	ErrClosed    = errors.New("udpsock: socket closed")
)

// Datagram is one received packet and the address it arrived from.
type Datagram struct {
	Addr net.Addr
	Data []byte
}

// socket is one bound UDP endpoint's state.
type socket struct {
	conn *net.UDPConn

	mu     sync.Mutex
	inbox  []Datagram
	recvQ  proc.Queue
	closed bool
}

// Table is the kernel's socket descriptor table, analogous to internal/vfs's OpenFileTable but for
// datagram endpoints rather than files.
type Table struct {
	table *proc.Table

	mu      sync.Mutex
	sockets []*socket
	used    []bool

	log *log.Logger
}

// New creates an empty socket table. Sleeping RECVFROM calls park tasks through procTable.
func New(procTable *proc.Table) *Table {
	return &Table{table: procTable, log: log.DefaultLogger()}
}

func (t *Table) alloc(s *socket) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, used := range t.used {
		if !used {
			t.used[i] = true
			t.sockets[i] = s

			return int32(i)
		}
	}

	t.sockets = append(t.sockets, s)
	t.used = append(t.used, true)

	return int32(len(t.sockets) - 1)
}

func (t *Table) get(fd int32) (*socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || int(fd) >= len(t.sockets) || !t.used[fd] {
		return nil, ErrBadSocket
	}

	return t.sockets[fd], nil
}

// Bind opens a UDP socket on addr (host:port, empty host for any interface, ":0" for an ephemeral
// port) and returns its descriptor. A background goroutine reads the real connection and queues
// arriving datagrams for Recv.
func (t *Table) Bind(addr string) (int32, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return 0, err
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return 0, err
	}

	s := &socket{conn: conn}
	fd := t.alloc(s)

	go t.pump(fd, s)

	return fd, nil
}

func (t *Table) pump(fd int32, s *socket) {
	buf := make([]byte, 65535)

	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return // conn closed by Unbind
		}

		data := append([]byte(nil), buf[:n]...)

		s.mu.Lock()
		s.inbox = append(s.inbox, Datagram{Addr: addr, Data: data})
		s.mu.Unlock()

		t.table.WakeOne(&s.recvQ)
	}
}

// SendTo writes data to addr over fd's socket.
func (t *Table) SendTo(fd int32, addr string, data []byte) (int, error) {
	s, err := t.get(fd)
	if err != nil {
		return 0, err
	}

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return 0, err
	}

	return s.conn.WriteToUDP(data, raddr)
}

// Recv blocks the calling task until a datagram arrives on fd, or the socket is closed, then returns
// it.
func (t *Table) Recv(tk *proc.Task, fd int32) (Datagram, error) {
	s, err := t.get(fd)
	if err != nil {
		return Datagram{}, err
	}

	for {
		s.mu.Lock()

		if len(s.inbox) > 0 {
			d := s.inbox[0]
			s.inbox = s.inbox[1:]
			s.mu.Unlock()

			return d, nil
		}

		if s.closed {
			s.mu.Unlock()
			return Datagram{}, ErrClosed
		}

		s.mu.Unlock()

		tk.SleepOn(&s.recvQ)
	}
}

// Unbind closes fd's socket and wakes anyone blocked in Recv on it so they observe ErrClosed.
func (t *Table) Unbind(fd int32) error {
	s, err := t.get(fd)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err = s.conn.Close()

	t.table.WakeAll(&s.recvQ)

	t.mu.Lock()
	t.used[fd] = false
	t.sockets[fd] = nil
	t.mu.Unlock()

	return err
}

// LocalAddr returns the address fd is bound to, for GETSOCKNAME-style introspection.
func (t *Table) LocalAddr(fd int32) (net.Addr, error) {
	s, err := t.get(fd)
	if err != nil {
		return nil, err
	}

	return s.conn.LocalAddr(), nil
}
