//go:build linux

package netsock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"
)

// fanoutUDPListener implements UdpListener via per-interface socket
// fan-out: used when the platform does not expose destination
// ancillary data. One datagram socket is opened
// per IFF_UP AF_INET interface address, all bound to the same port;
// whichever socket first becomes readable tells us, by construction of
// its own bind address, the local address the peer reached.
type fanoutUDPListener struct{}

type fanoutResult struct {
	n    int
	addr *net.UDPAddr
	err  error
}

func (fanoutUDPListener) Listen(
	local netip.AddrPort, timeout time.Duration, zeroIO bool, stdout io.Writer,
) (*UDPListenResult, error) {
	addrs, err := interfaceIPv4Addrs()
	if err != nil {
		return nil, err
	}
	if local.Addr().IsValid() && !local.Addr().IsUnspecified() {
		addrs = []netip.Addr{local.Addr()}
	}
	if len(addrs) == 0 {
		return nil, errors.New("udp fan-out: no IFF_UP IPv4 interfaces found")
	}

	conns := make([]*net.UDPConn, 0, len(addrs))
	port := local.Port()

	defer func() {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
	}()

	for _, addr := range addrs {
		conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, port)))
		if err != nil {
			continue // interface may no longer be usable; skip it
		}
		if port == 0 {
			port = uint16(conn.LocalAddr().(*net.UDPAddr).Port) //nolint:forcetypeassert
		}
		conns = append(conns, conn)
	}
	if len(conns) == 0 {
		return nil, errors.New("udp fan-out: failed to bind any interface socket")
	}

	deadline := deadlineFrom(timeout)

	for {
		remaining := remainingUntil(deadline, timeout)
		winner, n, srcAddr, err := raceRead(conns, remaining, timeout)
		if err != nil {
			return nil, err
		}

		payload := make([]byte, n)
		copy(payload, winner.buf[:n])

		if zeroIO {
			if stdout != nil {
				_, _ = stdout.Write(payload)
			}
			continue
		}

		localAddr, ok := netip.AddrFromSlice(winner.conn.LocalAddr().(*net.UDPAddr).IP.To4()) //nolint:forcetypeassert
		if !ok {
			continue
		}

		remote := netip.AddrPortFrom(addrFromUDP(srcAddr), uint16(srcAddr.Port))

		sock, err := connectCapturedUDP(winner.conn, localAddr, port, remote)
		if err != nil {
			return nil, err
		}
		winner.conn = nil // ownership moved

		for _, c := range conns {
			if c != nil && c != winner.origConn {
				_ = c.Close()
			}
		}

		return &UDPListenResult{Sock: sock, Pending: payload}, nil
	}
}

type fanoutCandidate struct {
	conn     *net.UDPConn
	origConn *net.UDPConn
	buf      []byte
}

// raceRead reads from whichever of conns becomes ready first, within
// remaining (0 = wait forever relative to the overall deadline, but
// each individual read still honors timeout as an overall budget).
func raceRead(conns []*net.UDPConn, remaining, timeout time.Duration) (*fanoutCandidate, int, *net.UDPAddr, error) {
	type result struct {
		idx  int
		n    int
		addr *net.UDPAddr
		err  error
		buf  []byte
	}

	results := make(chan result, len(conns))
	stop := make(chan struct{})
	defer close(stop)

	started := 0
	for i, c := range conns {
		if c == nil {
			continue
		}
		started++
		go func(i int, c *net.UDPConn) {
			if remaining > 0 || timeout > 0 {
				_ = c.SetReadDeadline(time.Now().Add(remaining))
			}
			buf := make([]byte, maxDatagramCapture)
			n, addr, err := c.ReadFromUDP(buf)
			select {
			case results <- result{idx: i, n: n, addr: addr, err: err, buf: buf}:
			case <-stop:
			}
		}(i, c)
	}

	for range started {
		r := <-results
		if r.err != nil {
			if isTimeoutErr(r.err) {
				continue
			}
			continue
		}
		return &fanoutCandidate{conn: conns[r.idx], origConn: conns[r.idx], buf: r.buf}, r.n, r.addr, nil
	}

	return nil, 0, nil, fmt.Errorf("udp fan-out: %w", errUDPListenTimeout)
}

// interfaceIPv4Addrs enumerates the IPv4 addresses of all IFF_UP local
// interfaces, loopback included.
func interfaceIPv4Addrs() ([]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	var out []netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			addr, ok := netip.AddrFromSlice(ip4)
			if !ok {
				continue
			}
			out = append(out, addr)
		}
	}
	return out, nil
}
