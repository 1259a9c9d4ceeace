//go:build linux

package netsock

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// Socket Factory (component C): every socket the connector/listener
// engines use is created here, with SO_REUSEADDR and SO_LINGER{1,0}
// applied up front so that a later Close() sends RST instead of parking
// the port in TIME_WAIT — exactly the pairing gobfd's
// internal/netio.setSenderSockOpts/applySockOptsCommon applies for its
// own reasons (SO_REUSEADDR for rebindable listeners), generalized here
// to cover the RST-on-close behaviour plain netcat relies on.

// Sentinel errors for socket-factory failures. Each wraps the
// originating syscall.Errno via %w so callers can both match on the
// sentinel and log/report the errno.
var (
	ErrSocketCreate = errors.New("socket creation failed")
	ErrSetsockopt   = errors.New("setsockopt failed")
	ErrBind         = errors.New("bind failed")
	ErrNonBlock     = errors.New("set non-blocking failed")
	ErrConnect      = errors.New("connect failed")
	ErrListen       = errors.New("listen failed")

	// ErrConnectPending is returned internally by connectRaw when the
	// non-blocking connect has not yet completed (EINPROGRESS); it is
	// not a failure.
	ErrConnectPending = errors.New("connect in progress")

	// ErrInterrupted is returned by pollOnce when a signal interrupted
	// the wait (EINTR). Connector and listener handle this differently
	// per spec: the connector's wait is fatal, the listener's accept
	// loop treats it as "poll signal flags and continue".
	ErrInterrupted = errors.New("interrupted by signal")

	// ErrPollTimedOut is returned by pollOnce when the timeout elapsed
	// with no readiness.
	ErrPollTimedOut = errors.New("timed-out")
)

func sockType(proto Proto) int {
	if proto == ProtoUDP {
		return unix.SOCK_DGRAM
	}
	return unix.SOCK_STREAM
}

// newRawSocket creates an AF_INET socket of the given protocol and
// applies SO_REUSEADDR plus SO_LINGER{Onoff: 1, Linger: 0}.
func newRawSocket(proto Proto) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, sockType(proto), 0)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrSocketCreate, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("%w: SO_REUSEADDR: %w", ErrSetsockopt, err)
	}

	linger := unix.Linger{Onoff: 1, Linger: 0}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &linger); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("%w: SO_LINGER: %w", ErrSetsockopt, err)
	}

	return fd, nil
}

// setNonBlocking switches fd to non-blocking mode.
func setNonBlocking(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("%w: %w", ErrNonBlock, err)
	}
	return nil
}

// bindRaw binds fd to addr. A zero addr (invalid or port 0 with the
// unspecified address) binds to the wildcard address with an
// ephemeral port, same as leaving local host/port unset.
func bindRaw(fd int, addr netip.AddrPort) error {
	sa := sockaddrFromAddrPort(addr)
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("%w: %w", ErrBind, err)
	}
	return nil
}

// connectRaw issues a non-blocking connect. Returns ErrConnectPending
// (wrapping EINPROGRESS) when the connect has not yet completed — the
// normal case for a non-blocking socket — or ErrConnect on any other
// failure.
func connectRaw(fd int, addr netip.AddrPort) error {
	sa := sockaddrFromAddrPort(addr)
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EINPROGRESS) {
		return ErrConnectPending
	}
	return fmt.Errorf("%w: %w", ErrConnect, err)
}

// socketError reads and clears SO_ERROR on fd. A nil return means the
// pending connect succeeded.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if errno == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnect, unix.Errno(errno))
}

// listenRaw marks fd as listening with a small backlog.
func listenRaw(fd int, backlog int) error {
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("%w: %w", ErrListen, err)
	}
	return nil
}

// localAddrOf reads back the address fd is bound to (used after
// binding to port 0 so the kernel-assigned port can be reported).
func localAddrOf(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return addrPortFromSockaddr(sa)
}

// peerAddrOf reads the address fd's peer is at (used after accept).
func peerAddrOf(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getpeername: %w", err)
	}
	return addrPortFromSockaddr(sa)
}

func sockaddrFromAddrPort(addr netip.AddrPort) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(addr.Port())}
	if addr.Addr().Is4() {
		sa.Addr = addr.Addr().As4()
	}
	return sa
}

func addrPortFromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
	addr := netip.AddrFrom4(sa4.Addr)
	return netip.AddrPortFrom(addr, uint16(sa4.Port)), nil
}

// pollOnce waits up to timeout for fd to become ready for the given
// poll events (unix.POLLIN / unix.POLLOUT). A zero timeout waits
// forever. Returns ErrPollTimedOut on expiry and ErrInterrupted on
// EINTR so callers can apply spec-mandated, component-specific
// handling of each.
func pollOnce(fd int, events int16, timeout time.Duration) error {
	ms := -1
	if timeout > 0 {
		ms = int(timeout.Milliseconds())
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, ms)
	switch {
	case errors.Is(err, unix.EINTR):
		return ErrInterrupted
	case err != nil:
		return fmt.Errorf("poll: %w", err)
	case n == 0:
		return ErrPollTimedOut
	default:
		return nil
	}
}
