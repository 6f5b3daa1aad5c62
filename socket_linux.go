//go:build linux

package proactor

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"syscall"

	"code.hybscloud.com/iox"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Socket is a non-blocking socket descriptor. Every transfer primitive makes
// a single system call and returns iox.ErrWouldBlock instead of waiting.
type Socket struct {
	fd     int
	family int
	sotype int
	closed *atomic.Bool
}

// NewStreamSocket opens an unconnected TCP socket. family is unix.AF_INET or
// unix.AF_INET6.
func NewStreamSocket(family int) (*Socket, error) {
	return openSocket(family, unix.SOCK_STREAM)
}

// NewDatagramSocket opens an unbound UDP socket.
func NewDatagramSocket(family int) (*Socket, error) {
	return openSocket(family, unix.SOCK_DGRAM)
}

func openSocket(family, sotype int) (*Socket, error) {
	fd, err := unix.Socket(family, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	return newSocket(fd, family, sotype), nil
}

func newSocket(fd, family, sotype int) *Socket {
	return &Socket{
		fd:     fd,
		family: family,
		sotype: sotype,
		closed: atomic.NewBool(false),
	}
}

// DialStream connects to address using the standard dialer and hands back a
// non-blocking duplicate of the connected descriptor.
func DialStream(ctx context.Context, network, address string) (*Socket, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return FromConn(conn)
}

// FromConn duplicates the descriptor behind conn. The returned socket is
// independent of conn: closing one leaves the other usable.
func FromConn(conn net.Conn) (*Socket, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errors.New("proactor: connection does not expose a descriptor")
	}
	return fromSyscallConn(sc)
}

// FromPacketConn is FromConn for datagram connections.
func FromPacketConn(conn net.PacketConn) (*Socket, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errors.New("proactor: packet connection does not expose a descriptor")
	}
	return fromSyscallConn(sc)
}

func fromSyscallConn(sc syscall.Conn) (*Socket, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var fd int
	var dupErr error
	err = raw.Control(func(orig uintptr) {
		fd, dupErr = unix.FcntlInt(orig, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, os.NewSyscallError("fcntl", dupErr)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setnonblock", err)
	}
	family, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("getsockopt", err)
	}
	sotype, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("getsockopt", err)
	}
	return newSocket(fd, family, sotype), nil
}

func (s *Socket) Fd() int {
	return s.fd
}

// Stream reports whether this is a connection-oriented socket.
func (s *Socket) Stream() bool {
	return s.sotype == unix.SOCK_STREAM
}

func (s *Socket) Closed() bool {
	return s.closed.Load()
}

// valid reports whether the descriptor still refers to an open socket.
func (s *Socket) valid() bool {
	_, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_TYPE)
	return err == nil
}

func (s *Socket) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(s.fd))
}

func (s *Socket) Bind(addr netip.AddrPort) error {
	sa, err := s.sockaddr(addr)
	if err != nil {
		return err
	}
	return os.NewSyscallError("bind", unix.Bind(s.fd, sa))
}

// ConnectNB starts a connect without waiting for it. A connect still in
// progress is not an error; its outcome is later visible through
// PendingError or the first transfer.
func (s *Socket) ConnectNB(addr netip.AddrPort) error {
	sa, err := s.sockaddr(addr)
	if err != nil {
		return err
	}
	err = unix.Connect(s.fd, sa)
	if err == nil || err == unix.EINPROGRESS || err == unix.EALREADY {
		return nil
	}
	return os.NewSyscallError("connect", err)
}

func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return addrFromSockaddr(sa), nil
}

// PendingError reads and clears SO_ERROR.
func (s *Socket) PendingError() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return syscall.Errno(v)
	}
	return nil
}

func (s *Socket) Send(p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		return transferResult(n, err)
	}
}

func (s *Socket) Receive(p []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(s.fd, p, 0)
		if err == unix.EINTR {
			continue
		}
		return transferResult(n, err)
	}
}

func (s *Socket) SendTo(p []byte, to netip.AddrPort) (int, error) {
	sa, err := s.sockaddr(to)
	if err != nil {
		return 0, err
	}
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, sa, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		return transferResult(n, err)
	}
}

func (s *Socket) ReceiveFrom(p []byte) (int, netip.AddrPort, error) {
	for {
		n, sa, err := unix.Recvfrom(s.fd, p, 0)
		if err == unix.EINTR {
			continue
		}
		n, err = transferResult(n, err)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		var from netip.AddrPort
		if sa != nil {
			from = addrFromSockaddr(sa)
		}
		return n, from, nil
	}
}

func transferResult(n int, err error) (int, error) {
	if err == nil {
		return n, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, iox.ErrWouldBlock
	}
	return 0, err
}

// accepts reports whether addr can be a peer or local address of s. An IPv6
// socket also accepts IPv4 addresses in their mapped form.
func (s *Socket) accepts(addr netip.AddrPort) bool {
	ip := addr.Addr()
	if !ip.IsValid() {
		return false
	}
	if s.family == unix.AF_INET6 {
		return true
	}
	return ip.Unmap().Is4()
}

func (s *Socket) sockaddr(addr netip.AddrPort) (unix.Sockaddr, error) {
	if !addr.Addr().IsValid() {
		return nil, ErrInvalidAddress
	}
	if !s.accepts(addr) {
		return nil, unix.EAFNOSUPPORT
	}
	if s.family == unix.AF_INET6 {
		return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}, nil
	}
	return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().Unmap().As4()}, nil
}

func addrFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
