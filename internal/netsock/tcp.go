//go:build linux

package netsock

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gonetcat/internal/portset"
)

// acceptBacklog is the listen() backlog depth. A small constant fits a
// single-peer relay tool; there is no fan-out of concurrent clients to
// absorb.
const acceptBacklog = 8

// ErrTimedOut is returned by Connect and Accept when their configured
// timeout elapses before the operation completes.
var ErrTimedOut = errors.New("timed-out")

// ConnectTCP performs a non-blocking TCP connect to remote, optionally
// binding to local first, honoring timeout (0 = wait forever).
//
// The socket is put in non-blocking mode before connect() is issued,
// EINPROGRESS is treated as success-pending, and completion is
// detected by polling for writability and then reading back SO_ERROR —
// zero means connected; a non-zero value, or a failure of getsockopt
// itself, shuts down and closes the socket and is returned as the
// error. The two cases carry no separate sentinel, so a caller cannot
// tell a getsockopt failure from a refused connect. A poll timeout shuts
// down and closes the socket before returning ErrTimedOut.
func ConnectTCP(local, remote netip.AddrPort, timeout time.Duration) (*Sock, error) {
	fd, err := newRawSocket(ProtoTCP)
	if err != nil {
		return nil, err
	}

	if local.Port() != 0 || local.Addr().IsValid() && !local.Addr().IsUnspecified() {
		if err := bindRaw(fd, local); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}

	if err := setNonBlocking(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	connErr := connectRaw(fd, remote)
	if connErr != nil && !errors.Is(connErr, ErrConnectPending) {
		_ = unix.Close(fd)
		return nil, connErr
	}

	if connErr == nil {
		return finishConnect(fd, remote)
	}

	if err := pollOnce(fd, unix.POLLOUT, timeout); err != nil {
		shutdownAndCloseRaw(fd)
		if errors.Is(err, ErrInterrupted) {
			// Signals during the connect wait terminate the process;
			// the caller (main) is expected to treat this as fatal.
			return nil, fmt.Errorf("connect wait: %w", err)
		}
		return nil, fmt.Errorf("connect to %s: %w", remote, ErrTimedOut)
	}

	if err := socketError(fd); err != nil {
		shutdownAndCloseRaw(fd)
		return nil, err
	}

	return finishConnect(fd, remote)
}

func finishConnect(fd int, remote netip.AddrPort) (*Sock, error) {
	local, err := localAddrOf(fd)
	if err != nil {
		shutdownAndCloseRaw(fd)
		return nil, err
	}

	conn, err := fdToConn(fd, "tcp-conn")
	if err != nil {
		shutdownAndCloseRaw(fd)
		return nil, err
	}

	return &Sock{
		Domain:    DomainInet4,
		Proto:     ProtoTCP,
		Conn:      conn,
		LocalAddr: local,
		Addr:      remote,
	}, nil
}

// TCPListener is the accept-loop engine of component D.
type TCPListener struct {
	fd        int
	localAddr netip.AddrPort
}

// ListenTCP binds and listens on local (port 0 picks an ephemeral port,
// read back via LocalAddr).
func ListenTCP(local netip.AddrPort) (*TCPListener, error) {
	fd, err := newRawSocket(ProtoTCP)
	if err != nil {
		return nil, err
	}

	if err := bindRaw(fd, local); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	if err := listenRaw(fd, acceptBacklog); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	bound, err := localAddrOf(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	if err := setNonBlocking(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &TCPListener{fd: fd, localAddr: bound}, nil
}

// LocalAddr returns the address the listener is bound to, with the
// kernel-assigned port filled in if 0 was requested.
func (l *TCPListener) LocalAddr() netip.AddrPort {
	return l.localAddr
}

// Close closes the listening socket without accepting.
func (l *TCPListener) Close() error {
	return unix.Close(l.fd)
}

// AcceptOptions governs the peer-whitelist and refusal policy applied
// while accepting.
type AcceptOptions struct {
	// AllowHost restricts acceptance to this single peer address, when
	// valid.
	AllowHost netip.Addr
	// AllowPorts restricts acceptance to peers whose source port is a
	// member of this set, when non-nil and non-empty.
	AllowPorts *portset.Set
	// ZeroIO means every connection is refused; Accept only returns
	// once timeout elapses.
	ZeroIO bool
}

// Accept blocks until a peer connects or timeout elapses (0 meaning
// wait forever), filtering out refused peers without resetting the
// clock: the deadline is computed once, up front, from timeout. The
// listener stays open and may be used for further Accept calls.
func (l *TCPListener) Accept(timeout time.Duration, opts AcceptOptions) (*Sock, error) {
	deadline := deadlineFrom(timeout)

	for {
		remaining := remainingUntil(deadline, timeout)
		if timeout > 0 && remaining == 0 {
			// Deadline already passed; pollOnce would read 0 as "forever".
			return nil, fmt.Errorf("accept on %s: %w", l.localAddr, ErrTimedOut)
		}
		if err := pollOnce(l.fd, unix.POLLIN, remaining); err != nil {
			if errors.Is(err, ErrInterrupted) {
				continue
			}
			return nil, fmt.Errorf("accept on %s: %w", l.localAddr, ErrTimedOut)
		}

		connFD, peerSA, err := unix.Accept(l.fd)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				continue
			}
			return nil, fmt.Errorf("accept: %w", err)
		}

		peer, err := addrPortFromSockaddr(peerSA)
		if err != nil {
			_ = unix.Close(connFD)
			continue
		}

		if !peerAllowed(peer, opts) || opts.ZeroIO {
			shutdownAndCloseRaw(connFD)
			continue
		}

		_ = unix.SetNonblock(connFD, false)
		conn, err := fdToConn(connFD, "tcp-conn")
		if err != nil {
			shutdownAndCloseRaw(connFD)
			return nil, err
		}

		return &Sock{
			Domain:    DomainInet4,
			Proto:     ProtoTCP,
			Conn:      conn,
			LocalAddr: l.localAddr,
			Addr:      peer,
		}, nil
	}
}

func peerAllowed(peer netip.AddrPort, opts AcceptOptions) bool {
	if opts.AllowHost.IsValid() && peer.Addr() != opts.AllowHost {
		return false
	}
	if opts.AllowPorts != nil && opts.AllowPorts.Count() > 0 && !opts.AllowPorts.Get(peer.Port()) {
		return false
	}
	return true
}

func deadlineFrom(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// remainingUntil returns the time left until deadline, or the original
// timeout unmodified when timeout is 0 (wait forever).
func remainingUntil(deadline time.Time, timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	left := time.Until(deadline)
	if left < 0 {
		return 0
	}
	return left
}

func shutdownAndCloseRaw(fd int) {
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	_ = unix.Close(fd)
}

// fdToConn hands fd off to the runtime netpoller by wrapping it as an
// *os.File and converting that to a net.Conn. net.FileConn dup()s the
// descriptor internally; fd itself is closed here, through the
// *os.File, whether or not the conversion succeeds. The returned Conn
// owns the dup.
func fdToConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap fd as conn: %w", err)
	}
	return conn, nil
}
