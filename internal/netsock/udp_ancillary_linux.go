//go:build linux

package netsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ancillaryCaptureAvailable is true on Linux, where IP_PKTINFO lets a
// wildcard-bound UDP socket report the destination address of each
// received datagram. Ground truth for the oob-parsing approach below is
// gobfd's internal/netio/rawsock_linux.go (parseMeta /
// parsePktInfoMessage), generalized from BFD's fixed ports to an
// arbitrary listen port.
const ancillaryCaptureAvailable = true

// oobSize bounds the ancillary-data buffer; IP_PKTINFO on IPv4 fits
// comfortably within 64 bytes of control-message overhead.
const oobSize = 64

// ancillaryUDPListener implements UdpListener via IP_PKTINFO ancillary
// destination capture.
type ancillaryUDPListener struct{}

func (ancillaryUDPListener) Listen(
	local netip.AddrPort, timeout time.Duration, zeroIO bool, stdout io.Writer,
) (*UDPListenResult, error) {
	conn, err := listenPktinfoUDP(local)
	if err != nil {
		return nil, err
	}
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	deadline := deadlineFrom(timeout)
	buf := make([]byte, maxDatagramCapture)
	oob := make([]byte, oobSize)

	for {
		remaining := remainingUntil(deadline, timeout)
		if remaining > 0 || timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(remaining))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}

		n, oobn, _, srcAddr, err := conn.ReadMsgUDP(buf, oob)
		if err != nil {
			if isTimeoutErr(err) {
				return nil, errUDPListenTimeout
			}
			return nil, fmt.Errorf("udp ancillary recv: %w", err)
		}

		payload := append([]byte(nil), buf[:n]...)

		if zeroIO {
			if stdout != nil {
				_, _ = stdout.Write(payload)
			}
			continue
		}

		dst, ok := parsePktInfoDst(oob[:oobn])
		if !ok {
			// No destination info available for this datagram (e.g. it
			// predates the socket option taking effect); fall back to
			// the bind address itself.
			dst = local.Addr()
		}

		remote := netip.AddrPortFrom(addrFromUDP(srcAddr), uint16(srcAddr.Port))
		captured := conn
		conn = nil // ownership moves into the new connected socket below

		sock, err := connectCapturedUDP(captured, dst, local.Port(), remote)
		if err != nil {
			return nil, err
		}

		return &UDPListenResult{Sock: sock, Pending: payload}, nil
	}
}

// connectCapturedUDP closes the wildcard listener and opens a fresh
// socket bound to the captured local address and connected to the
// captured remote address.
func connectCapturedUDP(listener *net.UDPConn, local netip.Addr, port uint16, remote netip.AddrPort) (*Sock, error) {
	_ = listener.Close()

	sock, err := ConnectUDP(netip.AddrPortFrom(local, port), remote)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

func listenPktinfoUDP(local netip.AddrPort) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setPktinfoOpts(int(fd))
			})
			if err != nil {
				return fmt.Errorf("raw conn control: %w", err)
			}
			return sockErr
		},
	}

	addr := local
	if !addr.Addr().IsValid() {
		addr = netip.AddrPortFrom(netip.IPv4Unspecified(), addr.Port())
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("listen udp %s: unexpected conn type %T", addr, pc)
	}

	return conn, nil
}

func setPktinfoOpts(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
		return fmt.Errorf("set IP_PKTINFO: %w", err)
	}
	return nil
}

// parsePktInfoDst extracts the destination address from an IP_PKTINFO
// control message, mirroring gobfd's parsePktInfoMessage byte layout
// (struct in_pktinfo: ifindex, spec_dst, addr).
func parsePktInfoDst(oob []byte) (netip.Addr, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return netip.Addr{}, false
	}

	for i := range msgs {
		if msgs[i].Header.Level != unix.IPPROTO_IP || msgs[i].Header.Type != unix.IP_PKTINFO {
			continue
		}
		const pktInfoSize = 12
		data := msgs[i].Data
		if len(data) < pktInfoSize {
			continue
		}
		var ip4 [4]byte
		copy(ip4[:], data[8:12])
		return netip.AddrFrom4(ip4), true
	}
	return netip.Addr{}, false
}

func addrFromUDP(addr *net.UDPAddr) netip.Addr {
	if addr == nil {
		return netip.Addr{}
	}
	a, ok := netip.AddrFromSlice(addr.IP.To4())
	if !ok {
		return netip.Addr{}
	}
	return a
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
