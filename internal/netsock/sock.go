package netsock

import (
	"net"
	"net/netip"
	"time"
)

// Domain identifies the address family of an endpoint, or marks the
// "standard I/O" pseudo-endpoint used by connect mode.
type Domain int

const (
	// DomainUnspec marks the standard-I/O peer in the multiplexer: no
	// socket, no address family, just os.Stdin/os.Stdout.
	DomainUnspec Domain = iota
	// DomainInet4 is a plain IPv4 socket endpoint.
	DomainInet4
)

// Proto identifies the transport protocol of an endpoint.
type Proto int

const (
	// ProtoUnspec is used before a protocol has been selected.
	ProtoUnspec Proto = iota
	// ProtoTCP is the connection-oriented stream transport.
	ProtoTCP
	// ProtoUDP is the connectionless datagram transport.
	ProtoUDP
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "unspec"
	}
}

// Sock is one side of a relay (nc_sock in the original design): a
// connected or listening socket, its resolved addressing, and the two
// byte queues that carry data to and from it.
type Sock struct {
	Domain Domain
	Proto  Proto

	// Conn is the underlying network connection. Nil when Domain is
	// DomainUnspec (the standard-I/O pseudo-socket).
	Conn net.Conn

	LocalAddr netip.AddrPort
	Addr      netip.AddrPort

	// CanonicalName is the resolved peer's DNS name, when known.
	CanonicalName string

	// Timeout bounds connect/accept/UDP-listen waits. Zero means wait
	// forever.
	Timeout time.Duration

	SendQ Buffer
	RecvQ Buffer
}

// IsStdio reports whether this endpoint is the standard-I/O pseudo-socket.
func (s *Sock) IsStdio() bool {
	return s.Domain == DomainUnspec
}

// Close shuts down both directions of the underlying connection (when
// there is one) and closes it. Safe to call on a stdio endpoint, where
// it is a no-op.
func (s *Sock) Close() error {
	if s.Conn == nil {
		return nil
	}
	shutdownBothDirections(s.Conn)
	return s.Conn.Close()
}

// shutdownBothDirections best-effort shuts down read and write on conn
// before Close, so a peer observes a clean RST/FIN rather than a
// lingering half-open socket. Not all net.Conn implementations support
// this (e.g. connected UDP), so failures are ignored.
func shutdownBothDirections(conn net.Conn) {
	type closeWriter interface {
		CloseWrite() error
	}
	type closeReader interface {
		CloseRead() error
	}
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	if cr, ok := conn.(closeReader); ok {
		_ = cr.CloseRead()
	}
}
