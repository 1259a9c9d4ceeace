// Package resolve turns user-supplied host and port tokens into
// concrete addresses, performing the same PTR/forward authority check
// the original tool used to warn about misconfigured reverse DNS.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// MaxAddrs bounds how many A records a name lookup keeps, mirroring the
// original's fixed-size address table.
const MaxAddrs = 6

// Host is a resolved name: zero or more IPv4 addresses plus an optional
// canonical name, kept only when the reverse lookup proved
// authoritative.
type Host struct {
	Input     string
	Addrs     []netip.Addr
	Canonical string
}

// Warnf receives advisory messages (authority mismatches, failed PTR
// lookups) that never fail resolution on their own.
type Warnf func(format string, args ...any)

// Lookup performs the underlying DNS queries a Resolver needs. A nil
// Lookup on a Resolver falls back to net.DefaultResolver; tests inject
// their own Lookup (see MockLookup) to avoid touching the real DNS
// system, the same seam internal/netio's PacketConn gives raw sockets.
type Lookup interface {
	LookupHost(ctx context.Context, name string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupPort(ctx context.Context, network, service string) (int, error)
}

// Resolver looks up hosts and ports. The zero value is usable; Lookup
// is overridden by tests to avoid touching the real DNS system.
type Resolver struct {
	// Numeric suppresses all DNS activity: a bare dotted literal is
	// accepted, anything else fails immediately.
	Numeric bool
	// Verbose gates the PTR/forward authority cross-check; at verbosity
	// 0 the original skips it purely for speed, and so do we.
	Verbose bool
	// Warn receives advisory messages; nil discards them.
	Warn Warnf
	// Lookup performs the DNS queries; nil uses net.DefaultResolver.
	Lookup Lookup
}

func (r *Resolver) doLookupHost(ctx context.Context, name string) ([]string, error) {
	if r.Lookup != nil {
		return r.Lookup.LookupHost(ctx, name)
	}
	return net.DefaultResolver.LookupHost(ctx, name)
}

func (r *Resolver) doLookupAddr(ctx context.Context, addr string) ([]string, error) {
	if r.Lookup != nil {
		return r.Lookup.LookupAddr(ctx, addr)
	}
	return net.DefaultResolver.LookupAddr(ctx, addr)
}

func (r *Resolver) doLookupPort(ctx context.Context, network, service string) (int, error) {
	if r.Lookup != nil {
		return r.Lookup.LookupPort(ctx, network, service)
	}
	return net.DefaultResolver.LookupPort(ctx, network, service)
}

// ResolveHost resolves name, which may be a dotted IPv4 literal or a DNS
// name, reporting advisory warnings through warn. It returns false only
// when the name could not be resolved at all; authority mismatches are
// always warnings, never failures.
func (r *Resolver) ResolveHost(ctx context.Context, name string) (Host, bool) {
	host := Host{Input: name}

	if addr, err := netip.ParseAddr(name); err == nil && addr.Is4() {
		host.Addrs = []netip.Addr{addr}
		if r.Numeric || !r.Verbose {
			return host, true
		}
		r.verifyReverse(ctx, addr, &host)
		return host, true
	}

	if r.Numeric {
		return host, false
	}

	addrs, err := r.doLookupHost(ctx, name)
	if err != nil || len(addrs) == 0 {
		return host, false
	}

	for _, a := range addrs {
		if len(host.Addrs) >= MaxAddrs {
			break
		}
		ip, err := netip.ParseAddr(a)
		if err != nil || !ip.Is4() {
			continue
		}
		host.Addrs = append(host.Addrs, ip)
	}
	if len(host.Addrs) == 0 {
		return host, false
	}

	if !r.Verbose {
		return host, true
	}

	r.verifyForward(ctx, name, &host)
	return host, true
}

// verifyReverse handles the numeric-literal case: PTR lookup, then a
// forward lookup on the PTR name to confirm it maps back to addr. A
// failed PTR is reported as an advisory warning; a forward mismatch is
// reported and
// the canonical name is left empty, matching the original's
// "not authoritative" handling.
func (r *Resolver) verifyReverse(ctx context.Context, addr netip.Addr, host *Host) {
	names, err := r.doLookupAddr(ctx, addr.String())
	if err != nil || len(names) == 0 {
		r.warn(host, "inverse name lookup failed for %q", addr)
		return
	}
	ptrName := strings.TrimSuffix(names[0], ".")

	fwd, err := r.doLookupHost(ctx, ptrName)
	if err != nil || len(fwd) == 0 {
		r.warn(host, "host %s isn't authoritative (direct lookup failed)", addr)
		return
	}
	for _, a := range fwd {
		ip, err := netip.ParseAddr(a)
		if err == nil && ip == addr {
			host.Canonical = ptrName
			return
		}
	}
	r.warn(host, "host %s isn't authoritative (direct lookup mismatch): %s -> %s", addr, addr, ptrName)
}

// verifyForward handles the name case: for each resolved address,
// confirm a PTR lookup maps back to a name whose own forward lookup
// includes that address. The first such address wins the canonical
// name, matching the "take only the first one as auth" rule.
func (r *Resolver) verifyForward(ctx context.Context, name string, host *Host) {
	for _, addr := range host.Addrs {
		names, err := r.doLookupAddr(ctx, addr.String())
		if err != nil || len(names) == 0 {
			r.warn(host, "inverse name lookup failed for %q", addr)
			continue
		}
		ptrName := strings.TrimSuffix(names[0], ".")

		if !strings.EqualFold(ptrName, name) {
			r.warn(host, "this host's reverse DNS doesn't match: %s -- %s", ptrName, name)
			continue
		}
		if host.Canonical == "" {
			host.Canonical = ptrName
		}
	}
}

func (r *Resolver) warn(host *Host, format string, args ...any) {
	if r.Warn == nil {
		return
	}
	r.Warn(format, args...)
}

// Port is a resolved port: its numeric value plus, when it was given as
// a service name, that name. A numeric token leaves Name empty.
type Port struct {
	Num  uint16
	Name string
}

// ErrBadPort is returned (wrapped) when a port token is neither a valid
// decimal number in [1,65535] nor a known service name.
var ErrBadPort = errors.New("invalid port")

// ResolvePort resolves token against proto ("tcp" or "udp"). token may
// be a decimal number or a service name from the system's service
// database.
func (r *Resolver) ResolvePort(ctx context.Context, token, proto string) (Port, error) {
	if token == "" {
		return Port{}, ErrBadPort
	}

	if n, err := strconv.ParseUint(token, 10, 32); err == nil {
		if n == 0 || n > 65535 {
			return Port{}, fmt.Errorf("%w: %s", ErrBadPort, token)
		}
		// Reverse port-number-to-service-name lookup has no portable
		// stdlib equivalent (no getservbyport wrapper in net), so a
		// numeric token never carries a Name — only a by-name lookup
		// below can populate one.
		return Port{Num: uint16(n)}, nil
	}

	port, err := r.doLookupPort(ctx, proto, token)
	if err != nil {
		return Port{}, fmt.Errorf("%w: %s", ErrBadPort, token)
	}
	return Port{Num: uint16(port), Name: token}, nil
}

// FormatEndpoint renders a host/port pair the way the tool reports
// connections and scan results: "name (a.b.c.d) NUM (service)", where
// "name (...)" is reduced to the bare address when there is no canonical
// name and " (service)" is left out when the port has no name.
func FormatEndpoint(host Host, addr netip.Addr, port Port) string {
	var b strings.Builder
	if host.Canonical != "" {
		fmt.Fprintf(&b, "%s (%s)", host.Canonical, addr)
	} else {
		fmt.Fprintf(&b, "%s", addr)
	}
	fmt.Fprintf(&b, " %d", port.Num)
	if port.Name != "" {
		fmt.Fprintf(&b, " (%s)", port.Name)
	}
	return b.String()
}
