package network

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// writeWait bounds how long Write waits for room in the send buffer.
const writeWait = time.Second

// NewTCPSocket opens a non-blocking IPv4 stream socket with send and receive
// timeouts set to timeout.
func NewTCPSocket(timeout time.Duration) (int, error) {
	fd, err := NewSocket(unix.AF_INET, unix.SOCK_STREAM)
	if err != nil {
		return -1, err
	}
	if timeout > 0 {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		for _, opt := range []int{unix.SO_RCVTIMEO, unix.SO_SNDTIMEO} {
			if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv); err != nil {
				unix.Close(fd)
				return -1, fmt.Errorf("setsockopt: %w", err)
			}
		}
	}
	return fd, nil
}

// NewSocket opens a non-blocking socket of the given family and type.
func NewSocket(family, typ int) (int, error) {
	fd, err := unix.Socket(family, typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}

// Family returns the socket family matching addr.
func Family(addr netip.Addr) int {
	if addr.Unmap().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func Sockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

// Connect starts or continues a non-blocking connect. It reports true once
// the socket is connected and false while the attempt is still in flight.
func Connect(fd int, sa unix.Sockaddr) (bool, error) {
	// Ошибка прошлой попытки приходит через SO_ERROR
	if err := SocketError(fd); err != nil {
		return false, err
	}
	err := unix.Connect(fd, sa)
	switch {
	case err == nil, errors.Is(err, unix.EISCONN):
		return true, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EALREADY), errors.Is(err, unix.EINTR):
		return false, nil
	default:
		return false, err
	}
}

// Read reads whatever is available. It returns 0 and no error when nothing
// has arrived yet and io.EOF once the peer has closed the stream.
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, err
		case n == 0 && len(buf) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Recv reads one datagram, or returns 0 when none is queued.
func Recv(fd int, buf []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

// Write writes all of b. The handshake messages are small, so a full send
// buffer is waited out with poll(2) rather than queued.
func Write(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := waitWritable(fd); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}
		b = b[n:]
	}
	return nil
}

func waitWritable(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, int(writeWait.Milliseconds()))
	if err != nil && !errors.Is(err, unix.EINTR) {
		return err
	}
	if n == 0 && err == nil {
		return unix.ETIMEDOUT
	}
	return nil
}

// SocketError returns the pending error of fd, if any.
func SocketError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

func Close(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
