//go:build linux

package link

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"slacd/internal/wire"
)

// RawLink is a non-blocking AF_PACKET raw socket bound to a single
// interface, filtered at the kernel with a classic BPF program that accepts
// only frames whose Ether type is wire.EtherTypeHomePlug (spec §4.2).
type RawLink struct {
	ifaceName string
	ifindex   int

	mu     sync.Mutex
	fd     int
	closed bool
}

// Open binds a new RawLink to the named interface.
func Open(ifaceName string) (*RawLink, error) {
	l := &RawLink{ifaceName: ifaceName, fd: -1}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *RawLink) open() error {
	ifi, err := net.InterfaceByName(l.ifaceName)
	if err != nil {
		return fmt.Errorf("%w: interface %s: %v", ErrDown, l.ifaceName, err)
	}
	l.ifindex = ifi.Index

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK, int(htons(wire.EtherTypeHomePlug)))
	if err != nil {
		return fmt.Errorf("%w: socket: %v (requires CAP_NET_RAW)", ErrDown, err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(wire.EtherTypeHomePlug),
		Ifindex:  l.ifindex,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: bind %s: %v", ErrDown, l.ifaceName, err)
	}

	if err := attachHomePlugFilter(fd); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: attach filter: %v", ErrDown, err)
	}

	l.mu.Lock()
	l.fd = fd
	l.closed = false
	l.mu.Unlock()
	return nil
}

// Send pads frame to wire.MinFrameSize and writes it to the socket.
func (l *RawLink) Send(frame []byte) error {
	l.mu.Lock()
	fd := l.fd
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	buf := frame
	if len(buf) < wire.MinFrameSize {
		buf = make([]byte, wire.MinFrameSize)
		copy(buf, frame)
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(wire.EtherTypeHomePlug),
		Ifindex:  l.ifindex,
	}
	if err := unix.Sendto(fd, buf, 0, addr); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

// Recv waits up to timeout for a matching frame. It honors a zero or
// negative timeout as "return immediately".
func (l *RawLink) Recv(timeout time.Duration) ([]byte, error) {
	l.mu.Lock()
	fd := l.fd
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return nil, fmt.Errorf("%w: set recv timeout: %v", ErrDown, err)
	}

	buf := make([]byte, MaxReceiveSize)
	deadline := time.Now().Add(timeout)
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					return nil, ErrTimeout
				}
				// The socket is non-blocking, so wait for it to become
				// readable (bounded by the deadline) before retrying.
				fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
				waitMs := int((remaining + time.Millisecond - 1) / time.Millisecond)
				if _, perr := unix.Poll(fds, waitMs); perr != nil && perr != unix.EINTR {
					return nil, fmt.Errorf("poll: %w", perr)
				}
				continue
			}
			return nil, fmt.Errorf("recvfrom: %w", err)
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
}

// Close releases the socket. It is safe to call concurrently with Recv: the
// in-flight Recv returns ErrTimeout or an unwrap-able syscall error rather
// than blocking forever.
func (l *RawLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	fd := l.fd
	l.fd = -1
	if fd < 0 {
		return nil
	}
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	return unix.Close(fd)
}

// Reset closes and reopens the socket to recover from a wedged chip.
func (l *RawLink) Reset() error {
	_ = l.Close()
	return l.open()
}

// htons converts a uint16 from host to network byte order.
func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}
