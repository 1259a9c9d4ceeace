//go:build linux

package netsock

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// errUDPListenTimeout is returned by both UdpListener implementations
// when no qualifying datagram arrives before the deadline.
var errUDPListenTimeout = fmt.Errorf("udp listen: %w", ErrTimedOut)

// ConnectUDP creates a datagram socket, binds it to local when
// configured, and connects it to remote. The connected socket filters
// inbound datagrams by source address — the kernel enforces this once
// connect() has been called on a SOCK_DGRAM socket.
func ConnectUDP(local, remote netip.AddrPort) (*Sock, error) {
	fd, err := newRawSocket(ProtoUDP)
	if err != nil {
		return nil, err
	}

	if local.Port() != 0 || (local.Addr().IsValid() && !local.Addr().IsUnspecified()) {
		if err := bindRaw(fd, local); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
	}

	if err := connectRaw(fd, remote); err != nil && !errors.Is(err, ErrConnectPending) {
		_ = unix.Close(fd)
		return nil, err
	}

	boundLocal, err := localAddrOf(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	conn, err := fdToConn(fd, "udp-conn")
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &Sock{
		Domain:    DomainInet4,
		Proto:     ProtoUDP,
		Conn:      conn,
		LocalAddr: boundLocal,
		Addr:      remote,
	}, nil
}

// UDPListenResult is what a UdpListener capability produces once a peer
// has been identified: a freshly connected pseudo-socket ready for
// relay, preloaded with the first datagram's payload.
type UDPListenResult struct {
	Sock    *Sock
	Pending []byte
}

// UdpListener is the capability described in the design notes: both the
// ancillary-destination-capture strategy and the per-interface fan-out
// strategy implement it identically from the caller's point of view —
// listen(timeout) -> (sock, remote, local, pending payload).
//
// In zero-I/O mode, Listen never returns a result: every datagram's
// payload is written to stdout and the wait continues until timeout.
type UdpListener interface {
	Listen(local netip.AddrPort, timeout time.Duration, zeroIO bool, stdout io.Writer) (*UDPListenResult, error)
}

// maxDatagramCapture caps the payload size preserved from the
// first-datagram capture path. Larger datagrams are truncated — this is
// an open question carried over from the original design rather than
// silently lifted; see DESIGN.md.
const maxDatagramCapture = 1024

// NewUDPListener selects the ancillary-capture strategy when the
// platform exposes destination ancillary data (true on Linux — see
// udp_ancillary_linux.go) and falls back to the per-interface fan-out
// strategy otherwise.
func NewUDPListener() UdpListener {
	if ancillaryCaptureAvailable {
		return ancillaryUDPListener{}
	}
	return fanoutUDPListener{}
}

