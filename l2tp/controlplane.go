package l2tp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const defaultRecvBufferSize = 4096

type controlPlane struct {
	local, remote unix.Sockaddr
	fd            int
	file          *os.File
	rc            syscall.RawConn
}

func (cp *controlPlane) recv(p []byte) (n int, err error) {
	cerr := cp.rc.Read(func(fd uintptr) bool {
		n, _, err = unix.Recvfrom(int(fd), p, 0)
		return err != unix.EAGAIN && err != unix.EWOULDBLOCK
	})
	if cerr != nil {
		return 0, cerr
	}
	return n, err
}

func (cp *controlPlane) write(b []byte) (n int, err error) {
	return cp.file.Write(b)
}

func (cp *controlPlane) close() error {
	return cp.file.Close()
}

func (cp *controlPlane) connect() error {
	return unix.Connect(cp.fd, cp.remote)
}

func (cp *controlPlane) bind() error {
	return unix.Bind(cp.fd, cp.local)
}

func tunnelSocket(family, protocol int) (fd int, err error) {

	fd, err = unix.Socket(family, unix.SOCK_DGRAM, protocol)
	if err != nil {
		return -1, fmt.Errorf("socket: %v", err)
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to set socket nonblocking: %v", err)
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fcntl(F_GETFD): %v", err)
	}

	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fcntl(F_SETFD, FD_CLOEXEC): %v", err)
	}

	return fd, nil
}

func newL2tpControlPlane(localAddr, remoteAddr unix.Sockaddr) (*controlPlane, error) {

	var family int

	switch remoteAddr.(type) {
	case *unix.SockaddrInet4:
		family = unix.AF_INET
	case *unix.SockaddrInet6:
		family = unix.AF_INET6
	default:
		return nil, fmt.Errorf("unexpected address type %T", remoteAddr)
	}

	if localAddr != nil && sockaddrFamily(localAddr) != family {
		return nil, errors.New("local and peer addresses must be of the same address family")
	}

	fd, err := tunnelSocket(family, unix.IPPROTO_UDP)
	if err != nil {
		return nil, err
	}

	file := os.NewFile(uintptr(fd), "l2tp")
	sc, err := file.SyscallConn()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &controlPlane{
		local:  localAddr,
		remote: remoteAddr,
		fd:     fd,
		file:   file,
		rc:     sc,
	}, nil
}

// TransportConfig configures a UDPTransport.
type TransportConfig struct {
	// RecvTimeout bounds each call to Recv.  If zero, Recv blocks until
	// a datagram arrives or the transport is closed.
	RecvTimeout time.Duration
	// RecvBufferSize is the largest datagram Recv will return.
	// Defaults to 4096 bytes.
	RecvBufferSize int
}

// UDPTransport is a connected UDP socket carrying L2TP control messages
// to a single peer.  It implements Transport.
//
// The underlying socket may be handed to the kernel data plane once the
// control connection is established: see FD.
type UDPTransport struct {
	cp  *controlPlane
	cfg TransportConfig
}

// NewUDPTransport creates a UDP socket connected to peer.
//
// If local is empty the kernel picks the local address and port when
// the socket connects.
func NewUDPTransport(local, peer string, cfg TransportConfig) (*UDPTransport, error) {
	var sal unix.Sockaddr

	sap, err := newUDPTunnelAddress(peer)
	if err != nil {
		return nil, err
	}

	if local != "" {
		sal, err = newUDPTunnelAddress(local)
		if err != nil {
			return nil, err
		}
	}

	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = defaultRecvBufferSize
	}

	cp, err := newL2tpControlPlane(sal, sap)
	if err != nil {
		return nil, err
	}

	if sal != nil {
		if err = cp.bind(); err != nil {
			cp.close()
			return nil, fmt.Errorf("bind %v: %w", local, err)
		}
	}

	if err = cp.connect(); err != nil {
		cp.close()
		return nil, fmt.Errorf("connect %v: %w", peer, err)
	}

	return &UDPTransport{cp: cp, cfg: cfg}, nil
}

// Send transmits b to the peer as a single datagram.
func (t *UDPTransport) Send(b []byte) (int, error) {
	return t.cp.write(b)
}

// Recv returns the next datagram received from the peer.
func (t *UDPTransport) Recv() ([]byte, error) {
	if t.cfg.RecvTimeout > 0 {
		if err := t.cp.file.SetReadDeadline(time.Now().Add(t.cfg.RecvTimeout)); err != nil {
			return nil, err
		}
	}

	b := make([]byte, t.cfg.RecvBufferSize)
	n, err := t.cp.recv(b)
	if err != nil {
		return nil, err
	}
	return b[:n], nil
}

// Close closes the socket.  A blocked Recv returns an error.
func (t *UDPTransport) Close() error {
	return t.cp.close()
}

// FD returns the socket file descriptor.  The descriptor remains owned
// by the transport.
func (t *UDPTransport) FD() int {
	return t.cp.fd
}

// LocalAddr returns the address the socket is bound to.
func (t *UDPTransport) LocalAddr() (*net.UDPAddr, error) {
	sa, err := unix.Getsockname(t.cp.fd)
	if err != nil {
		return nil, err
	}
	return unixToNetAddr(sa)
}

// PeerAddr returns the address the socket is connected to.
func (t *UDPTransport) PeerAddr() (*net.UDPAddr, error) {
	return unixToNetAddr(t.cp.remote)
}
