package syscall

import (
	"fmt"
	"net"

	"github.com/smoynes/kerncore/internal/abi"
	"github.com/smoynes/kerncore/internal/proc"
)

// sockAddrSize is the fixed wire layout SENDTO/RECVFROM exchange addresses in: a big-endian IPv4
// address followed by a little-endian port, 8 bytes total. A real kernel's sockaddr_in carries a
// family tag and padding too; this collaborator only ever speaks IPv4 over UDP; per spec.md §6.
const sockAddrSize = 8

func encodeSockAddr(buf []byte, addr *net.UDPAddr) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}

	copy(buf[0:4], ip4)
	putWord32(buf[4:8], uint32(addr.Port))
}

func decodeSockAddr(buf []byte) string {
	ip := net.IPv4(buf[0], buf[1], buf[2], buf[3])
	port := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24

	return fmt.Sprintf("%s:%d", ip.String(), port)
}

// sysSocket is SYS_SOCKET: it reserves an fd slot without binding it to any host address yet. The
// slot is promoted to a real udpsock descriptor by a subsequent SYS_BIND.
func sysSocket(d *Dispatcher, tk *proc.Task, _ [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	fd, ok := allocFD(p, socketPendingFD)
	if !ok {
		return ErrReturn, ErrNoResource
	}

	d.pendingMu.Lock()

	if d.pending[tk.PID()] == nil {
		d.pending[tk.PID()] = make(map[int32]bool)
	}

	d.pending[tk.PID()][fd] = true

	d.pendingMu.Unlock()

	return abi.Word(fd), nil
}

// sysBind is SYS_BIND: args[0] is a pending socket fd from SYS_SOCKET, args[1] the local port to bind
// to (any interface). It promotes the fd to a real udpsock descriptor.
func sysBind(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	fd := int32(args[0])

	d.pendingMu.Lock()
	isPending := d.pending[tk.PID()] != nil && d.pending[tk.PID()][fd]
	d.pendingMu.Unlock()

	if !isPending {
		return ErrReturn, ErrNotFound
	}

	sockFD, err := d.sockets.Bind(fmt.Sprintf(":%d", args[1]))
	if err != nil {
		return ErrReturn, err
	}

	p.Files[fd] = socketFDBase + sockFD

	d.pendingMu.Lock()
	delete(d.pending[tk.PID()], fd)
	d.pendingMu.Unlock()

	return 0, nil
}

// sysSendTo is SYS_SENDTO: args[0] fd, args[1] pointer to an 8-byte destination sockaddr
// (encodeSockAddr's layout), args[2] pointer to the payload, args[3] payload length.
func sysSendTo(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	idx, ok := lookupFD(p, int32(args[0]))
	if !ok || idx < socketFDBase {
		return ErrReturn, ErrNotFound
	}

	if err := ValidatePointer(args[1], sockAddrSize); err != nil {
		return ErrReturn, err
	}

	var addrBuf [sockAddrSize]byte
	if err := d.vm.ReadBytes(p.AddrSpace, args[1], addrBuf[:]); err != nil {
		return ErrReturn, err
	}

	if err := ValidatePointer(args[2], args[3]); err != nil {
		return ErrReturn, err
	}

	data := make([]byte, args[3])
	if err := d.vm.ReadBytes(p.AddrSpace, args[2], data); err != nil {
		return ErrReturn, err
	}

	n, err := d.sockets.SendTo(idx-socketFDBase, decodeSockAddr(addrBuf[:]), data)
	if err != nil {
		return ErrReturn, err
	}

	return abi.Word(n), nil
}

// sysRecvFrom is SYS_RECVFROM: args[0] fd, args[1] buffer pointer, args[2] buffer length, args[3]
// optional pointer to an 8-byte output sockaddr receiving the sender's address. It blocks the calling
// task until a datagram arrives or the socket is closed.
func sysRecvFrom(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	idx, ok := lookupFD(p, int32(args[0]))
	if !ok || idx < socketFDBase {
		return ErrReturn, ErrNotFound
	}

	if err := ValidatePointer(args[1], args[2]); err != nil {
		return ErrReturn, err
	}

	dg, err := d.sockets.Recv(tk, idx-socketFDBase)
	if err != nil {
		return ErrReturn, err
	}

	n := len(dg.Data)
	if abi.Word(n) > args[2] {
		n = int(args[2])
	}

	if err := d.vm.WriteBytes(p.AddrSpace, args[1], dg.Data[:n]); err != nil {
		return ErrReturn, err
	}

	if args[3] != 0 {
		if err := ValidatePointer(args[3], sockAddrSize); err != nil {
			return ErrReturn, err
		}

		if udpAddr, ok := dg.Addr.(*net.UDPAddr); ok {
			var addrBuf [sockAddrSize]byte

			encodeSockAddr(addrBuf[:], udpAddr)

			if err := d.vm.WriteBytes(p.AddrSpace, args[3], addrBuf[:]); err != nil {
				return ErrReturn, err
			}
		}
	}

	return abi.Word(n), nil
}

// sysClosesock is SYS_CLOSESOCK: args[0] is the fd. It is the same release path as SYS_CLOSE takes
// for a socket fd, exposed as its own call because spec.md's syscall table lists it distinctly from
// the file-oriented CLOSE.
func sysClosesock(d *Dispatcher, tk *proc.Task, args [4]abi.Word) (abi.Word, error) {
	p := d.procs.Get(tk.PID())
	if p == nil {
		return ErrReturn, proc.ErrNoProcess
	}

	fd := int32(args[0])

	idx, ok := lookupFD(p, fd)
	if !ok || idx < socketFDBase {
		return ErrReturn, ErrNotFound
	}

	if err := d.sockets.Unbind(idx - socketFDBase); err != nil {
		return ErrReturn, err
	}

	freeFD(p, fd)

	return 0, nil
}
