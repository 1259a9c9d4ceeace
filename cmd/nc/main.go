// Command nc is a netcat-style TCP/UDP relay and port scanner.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gonetcat/internal/config"
	"github.com/dantte-lp/gonetcat/internal/netsock"
	"github.com/dantte-lp/gonetcat/internal/portset"
	"github.com/dantte-lp/gonetcat/internal/relay"
	"github.com/dantte-lp/gonetcat/internal/resolve"
	"github.com/dantte-lp/gonetcat/internal/signals"
	"github.com/dantte-lp/gonetcat/internal/stats"
	appversion "github.com/dantte-lp/gonetcat/internal/version"
)

// errBadFlags reports an invalid combination of mode flags, the
// configuration-error kind from the error handling design.
var errBadFlags = errors.New("invalid flag combination")

// flags holds every command-line option in the external-interfaces
// table, bound directly by pflag.
type flags struct {
	closeOnEOF  bool
	exec        string
	gateway     bool
	pointer     bool
	interval    float64
	listen      bool
	tunnel      string
	dontResolve bool
	output      string
	localPort   uint16
	randomize   bool
	source      string
	tcp         bool
	telnet      bool
	udp         bool
	verbose     int
	version     bool
	wait        float64
	hexdump     bool
	zeroIO      bool

	configPath  string
	metricsAddr string
	metricsPath string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var f flags
	var exitCode int

	cmd := &cobra.Command{
		Use:           "nc [flags] HOST PORT [PORT...]",
		Short:         "TCP/UDP relay and port scanner",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			code, err := execute(cmd.Context(), &f, posArgs)
			exitCode = code
			return err
		},
	}
	bindFlags(cmd, &f)
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nc:", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

func bindFlags(cmd *cobra.Command, f *flags) {
	fs := cmd.Flags()
	fs.BoolVarP(&f.closeOnEOF, "close", "c", false, "end session when stdin reaches EOF")
	fs.StringVarP(&f.exec, "exec", "e", "", "not implemented: program execution is out of scope")
	fs.BoolVarP(&f.gateway, "gateway", "g", false, "parsed but inert (LSRR unimplemented)")
	fs.BoolVarP(&f.pointer, "pointer", "G", false, "parsed but inert (LSRR unimplemented)")
	fs.Float64VarP(&f.interval, "interval", "i", 0, "per-line pacing on outbound, in seconds")
	fs.BoolVarP(&f.listen, "listen", "l", false, "listen mode")
	fs.StringVarP(&f.tunnel, "tunnel", "L", "", "tunnel mode target, HOST:PORT")
	fs.BoolVarP(&f.dontResolve, "dont-resolve", "n", false, "suppress DNS")
	fs.StringVarP(&f.output, "output", "o", "", "hex-dump log file (implies -x)")
	fs.Uint16VarP(&f.localPort, "local-port", "p", 0, "local bind port")
	fs.BoolVarP(&f.randomize, "randomize", "r", false, "randomize port-scan order and local ports")
	fs.StringVarP(&f.source, "source", "s", "", "local bind address")
	fs.BoolVarP(&f.tcp, "tcp", "t", false, "TCP selection")
	fs.BoolVarP(&f.telnet, "telnet", "T", false, "telnet-answer mode")
	fs.BoolVarP(&f.udp, "udp", "u", false, "UDP protocol")
	fs.CountVarP(&f.verbose, "verbose", "v", "increment verbosity")
	fs.BoolVarP(&f.version, "version", "V", false, "print version and exit")
	fs.Float64VarP(&f.wait, "wait", "w", 0, "connect/accept timeout, in seconds")
	fs.BoolVarP(&f.hexdump, "hexdump", "x", false, "enable hex dumping")
	fs.BoolVarP(&f.zeroIO, "zero", "z", false, "zero-I/O (scan) mode")

	fs.StringVar(&f.configPath, "config", "", "optional defaults file (YAML)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address, empty to disable")
	fs.StringVar(&f.metricsPath, "metrics-path", "", "Prometheus metrics URL path")
}

// execute loads configuration, validates the flag combination, and
// dispatches to the connect/listen/tunnel path the flags select.
func execute(ctx context.Context, f *flags, posArgs []string) (int, error) {
	if f.version {
		fmt.Println(appversion.Full("nc"))
		return 0, nil
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return 1, fmt.Errorf("load configuration: %w", err)
	}
	applyFlagOverrides(cfg, f)

	logger := newLogger(cfg.Log)

	if err := validateFlags(f); err != nil {
		return 1, err
	}

	counters := &stats.Counters{}
	reg := prometheus.NewRegistry()
	if cfg.Metrics.Addr != "" {
		counters.Attach(stats.NewCollector(reg))
	}

	gw := signals.New()
	gw.OnInterrupt = func() { os.Exit(1) }
	gw.OnTerminate = func() { os.Exit(1) }
	gw.Start()
	defer gw.Stop()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()

	var g errgroup.Group
	if cfg.Metrics.Addr != "" {
		srv := newMetricsServer(cfg.Metrics, reg)
		g.Go(func() error { return serveMetrics(metricsCtx, srv, logger) })
	}

	resolver := &resolve.Resolver{
		Numeric: f.dontResolve,
		Verbose: f.verbose > 0,
		Warn:    func(format string, args ...any) { logger.Warn(fmt.Sprintf(format, args...)) },
	}

	hexWriter, closeHex, err := openHexWriter(f)
	if err != nil {
		stopMetrics()
		_ = g.Wait()
		return 1, err
	}
	if closeHex != nil {
		defer closeHex()
	}

	relayOpts := relay.Options{
		CloseOnEOF:   f.closeOnEOF,
		Telnet:       f.telnet,
		Hexdump:      hexWriter,
		PaceInterval: cfg.Network.Interval,
		Counters:     counters,
		Signals:      gw,
		Logger:       logger,
	}

	proto := "tcp"
	if f.udp {
		proto = "udp"
	}

	code, runErr := dispatch(ctx, f, cfg, resolver, proto, relayOpts, posArgs, logger)

	stopMetrics()
	if err := g.Wait(); err != nil {
		logger.Warn("metrics server stopped with error", slog.String("error", err.Error()))
	}

	return code, runErr
}

func applyFlagOverrides(cfg *config.Config, f *flags) {
	if f.verbose > 0 {
		cfg.Log.Level = "debug"
	}
	if f.wait > 0 {
		cfg.Network.Wait = time.Duration(f.wait * float64(time.Second))
	}
	if f.interval > 0 {
		cfg.Network.Interval = time.Duration(f.interval * float64(time.Second))
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if f.metricsPath != "" {
		cfg.Metrics.Path = f.metricsPath
	}
}

func validateFlags(f *flags) error {
	if f.zeroIO && f.tunnel != "" {
		return fmt.Errorf("%w: -L cannot be combined with -z", errBadFlags)
	}
	if f.zeroIO && f.exec != "" {
		return fmt.Errorf("%w: -e cannot be combined with -z", errBadFlags)
	}
	if f.tcp && f.udp {
		return fmt.Errorf("%w: -t/-T and -u are mutually exclusive", errBadFlags)
	}
	if f.exec != "" {
		return fmt.Errorf("%w: -e/--exec is not implemented", errBadFlags)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := config.ParseLogLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func serveMetrics(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func openHexWriter(f *flags) (io.Writer, func(), error) {
	wantDump := f.hexdump || f.output != "" || f.verbose >= 2
	if !wantDump {
		return nil, nil, nil
	}
	if f.output == "" {
		return os.Stderr, nil, nil
	}
	file, err := os.Create(f.output)
	if err != nil {
		return nil, nil, fmt.Errorf("open hex-dump log %s: %w", f.output, err)
	}
	return file, func() { _ = file.Close() }, nil
}

// dispatch routes to the connect/listen/tunnel path implied by the
// flags, returning the process exit code alongside any error worth
// logging.
func dispatch(
	ctx context.Context,
	f *flags,
	cfg *config.Config,
	resolver *resolve.Resolver,
	proto string,
	relayOpts relay.Options,
	posArgs []string,
	logger *slog.Logger,
) (int, error) {
	switch {
	case f.tunnel != "":
		return runTunnel(ctx, f, cfg, resolver, proto, relayOpts, logger)
	case f.listen:
		return runListen(ctx, f, cfg, resolver, proto, relayOpts, posArgs, logger)
	default:
		return runConnect(ctx, f, cfg, resolver, proto, relayOpts, posArgs, logger)
	}
}

func localAddrPort(ctx context.Context, f *flags, resolver *resolve.Resolver) (netip.AddrPort, error) {
	var addr netip.Addr
	if f.source != "" {
		host, ok := resolver.ResolveHost(ctx, f.source)
		if !ok || len(host.Addrs) == 0 {
			return netip.AddrPort{}, fmt.Errorf("resolve source address %q: %w", f.source, errBadFlags)
		}
		addr = host.Addrs[0]
	}
	return netip.AddrPortFrom(addr, f.localPort), nil
}

// runConnect implements connect mode: a single target, or a list of one
// or more port tokens tried in turn. Each successful connect runs a
// full relay session before moving on to the next port; a SIGTERM
// during that session stops the walk early instead of continuing on to
// the remaining ports. Under -z every port is probed and reported with
// no relay session at all.
func runConnect(
	ctx context.Context,
	f *flags,
	cfg *config.Config,
	resolver *resolve.Resolver,
	proto string,
	relayOpts relay.Options,
	posArgs []string,
	logger *slog.Logger,
) (int, error) {
	if len(posArgs) < 2 {
		return 1, fmt.Errorf("connect mode requires HOST and at least one PORT")
	}
	hostArg := posArgs[0]
	portArgs := posArgs[1:]

	host, ok := resolver.ResolveHost(ctx, hostArg)
	if !ok || len(host.Addrs) == 0 {
		return 1, fmt.Errorf("resolve host %q: resolution failed", hostArg)
	}
	target := host.Addrs[0]

	ports, err := buildPortSet(ctx, resolver, portArgs, proto)
	if err != nil {
		return 1, err
	}

	local, err := localAddrPort(ctx, f, resolver)
	if err != nil {
		return 1, err
	}

	anySuccess := false
	for port := nextPort(ports, f.randomize); port != 0; port = nextPort(ports, f.randomize) {
		remote := netip.AddrPortFrom(target, port)

		sock, err := connectOne(proto, local, remote, cfg.Network.Wait)
		if err != nil {
			if errors.Is(err, netsock.ErrInterrupted) {
				return 1, fmt.Errorf("connect: %w", err)
			}
			if f.zeroIO {
				logger.Info("port closed", slog.String("endpoint", resolve.FormatEndpoint(host, target, resolve.Port{Num: port})))
			}
			continue
		}

		anySuccess = true
		logger.Info("connected", slog.String("endpoint", resolve.FormatEndpoint(host, target, resolve.Port{Num: port})))

		if f.zeroIO {
			_ = sock.Close()
			continue
		}

		relayOpts.Signals.SetCooperative(true)
		err = relay.Run(ctx, sock, &netsock.Sock{}, os.Stdin, os.Stdout, relayOpts)
		relayOpts.Signals.SetCooperative(false)
		if err != nil {
			return 1, fmt.Errorf("relay: %w", err)
		}

		if relayOpts.Signals.Terminate() {
			return 0, nil
		}
	}

	if !anySuccess {
		return 1, nil
	}
	return 0, nil
}

func connectOne(proto string, local, remote netip.AddrPort, wait time.Duration) (*netsock.Sock, error) {
	if proto == "udp" {
		return netsock.ConnectUDP(local, remote)
	}
	return netsock.ConnectTCP(local, remote, wait)
}

// runListen implements plain listen mode (-l without -L): accept a
// single connection and relay it against stdio.
func runListen(
	ctx context.Context,
	f *flags,
	cfg *config.Config,
	resolver *resolve.Resolver,
	proto string,
	relayOpts relay.Options,
	posArgs []string,
	logger *slog.Logger,
) (int, error) {
	local, err := localAddrPort(ctx, f, resolver)
	if err != nil {
		return 1, err
	}

	ln, err := netsock.ListenTCP(local)
	if err != nil {
		return 1, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	logger.Info("listening", slog.String("addr", ln.LocalAddr().String()))
	notifyReady(logger)
	defer notifyStopping(logger)

	allow, err := peerAllowList(ctx, resolver, posArgs, proto)
	if err != nil {
		return 1, err
	}

	sock, err := ln.Accept(cfg.Network.Wait, netsock.AcceptOptions{
		AllowHost:  allow.host,
		AllowPorts: allow.ports,
		ZeroIO:     f.zeroIO,
	})
	if err != nil {
		return 1, fmt.Errorf("accept: %w", err)
	}

	logger.Info("accepted", slog.String("peer", sock.Addr.String()))

	if f.zeroIO {
		_ = sock.Close()
		return 0, nil
	}

	relayOpts.Signals.SetCooperative(true)
	defer relayOpts.Signals.SetCooperative(false)

	if err := relay.Run(ctx, sock, &netsock.Sock{}, os.Stdin, os.Stdout, relayOpts); err != nil {
		return 1, fmt.Errorf("relay: %w", err)
	}
	return 0, nil
}

// runTunnel implements -L: accept inbound connections and relay each
// one against a freshly connected outbound socket to the tunnel
// target, looping until a terminating signal arrives.
func runTunnel(
	ctx context.Context,
	f *flags,
	cfg *config.Config,
	resolver *resolve.Resolver,
	proto string,
	relayOpts relay.Options,
	logger *slog.Logger,
) (int, error) {
	targetHost, targetPortTok, err := splitHostPort(f.tunnel)
	if err != nil {
		return 1, fmt.Errorf("parse tunnel target %q: %w", f.tunnel, err)
	}

	target, ok := resolver.ResolveHost(ctx, targetHost)
	if !ok || len(target.Addrs) == 0 {
		return 1, fmt.Errorf("resolve tunnel target %q: resolution failed", targetHost)
	}
	targetPort, err := resolver.ResolvePort(ctx, targetPortTok, proto)
	if err != nil {
		return 1, fmt.Errorf("resolve tunnel port %q: %w", targetPortTok, err)
	}

	local, err := localAddrPort(ctx, f, resolver)
	if err != nil {
		return 1, err
	}

	ln, err := netsock.ListenTCP(local)
	if err != nil {
		return 1, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	logger.Info("tunneling", slog.String("listen", ln.LocalAddr().String()), slog.String("target", f.tunnel))
	notifyReady(logger)
	defer notifyStopping(logger)

	tunnelOpts := relayOpts
	tunnelOpts.TunnelMode = true

	for {
		if relayOpts.Signals.Terminate() {
			return 0, nil
		}

		inbound, err := ln.Accept(cfg.Network.Wait, netsock.AcceptOptions{})
		if err != nil {
			if errors.Is(err, netsock.ErrTimedOut) {
				continue
			}
			return 1, fmt.Errorf("accept: %w", err)
		}

		remote := netip.AddrPortFrom(target.Addrs[0], targetPort.Num)
		outbound, err := connectOne(proto, netip.AddrPort{}, remote, cfg.Network.Wait)
		if err != nil {
			if errors.Is(err, netsock.ErrInterrupted) {
				_ = inbound.Close()
				return 1, fmt.Errorf("connect: %w", err)
			}
			logger.Warn("tunnel target unreachable", slog.String("error", err.Error()))
			_ = inbound.Close()
			continue
		}

		relayOpts.Signals.SetCooperative(true)
		if err := relay.Run(ctx, outbound, inbound, nil, nil, tunnelOpts); err != nil {
			logger.Warn("tunnel session ended", slog.String("error", err.Error()))
		}
		relayOpts.Signals.SetCooperative(false)
	}
}

type allowList struct {
	host  netip.Addr
	ports *portset.Set
}

func peerAllowList(ctx context.Context, resolver *resolve.Resolver, posArgs []string, proto string) (allowList, error) {
	if len(posArgs) == 0 {
		return allowList{}, nil
	}
	host, ok := resolver.ResolveHost(ctx, posArgs[0])
	if !ok || len(host.Addrs) == 0 {
		return allowList{}, fmt.Errorf("resolve allowed peer %q: resolution failed", posArgs[0])
	}
	al := allowList{host: host.Addrs[0]}
	if len(posArgs) > 1 {
		set, err := buildPortSet(ctx, resolver, posArgs[1:], proto)
		if err != nil {
			return allowList{}, err
		}
		al.ports = set
	}
	return al, nil
}

// buildPortSet resolves each token (a single port, a service name, or a
// LO-HI/LO:HI range) into the shared bitset.
func buildPortSet(ctx context.Context, resolver *resolve.Resolver, tokens []string, proto string) (*portset.Set, error) {
	set := portset.New()
	for _, tok := range tokens {
		lo, hi, isRange := parseRange(tok)
		if !isRange {
			p, err := resolver.ResolvePort(ctx, tok, proto)
			if err != nil {
				return nil, fmt.Errorf("resolve port %q: %w", tok, err)
			}
			set.Set(p.Num, true)
			continue
		}
		for port := lo; port <= hi; port++ {
			set.Set(port, true)
			if port == 65535 {
				break
			}
		}
	}
	return set, nil
}

// parseRange splits a LO-HI or LO:HI token, defaulting a missing
// endpoint to 1 or 65535.
func parseRange(tok string) (lo, hi uint16, ok bool) {
	sep := -1
	for i, r := range tok {
		if r == '-' || r == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return 0, 0, false
	}

	loTok, hiTok := tok[:sep], tok[sep+1:]
	lo = 1
	hi = 65535
	if loTok != "" {
		n, err := strconv.ParseUint(loTok, 10, 16)
		if err != nil {
			return 0, 0, false
		}
		lo = uint16(n)
	}
	if hiTok != "" {
		n, err := strconv.ParseUint(hiTok, 10, 16)
		if err != nil {
			return 0, 0, false
		}
		hi = uint16(n)
	}
	return lo, hi, true
}

// nextPort pops the next port to try: uniformly at random when
// randomize is set, else in ascending order.
func nextPort(set *portset.Set, randomize bool) uint16 {
	if randomize {
		return set.PopRandom()
	}
	port := set.Next(0)
	if port != 0 {
		set.Set(port, false)
	}
	return port
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndexByte(hostport, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("expected HOST:PORT, got %q", hostport)
	}
	return hostport[:idx], hostport[idx+1:], nil
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Debug("systemd readiness notification failed", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Debug("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Debug("systemd stopping notification failed", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Debug("notified systemd: STOPPING")
	}
}
