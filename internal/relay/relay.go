// Package relay implements the bidirectional I/O pump that shuttles
// bytes between a "main" network endpoint and a "slave" endpoint
// (either a tunnelled network connection or the process's standard
// I/O), applying telnet stripping, hex dumping, write pacing and
// byte-counting along the way.
//
// The original single-threaded readiness loop is expressed here as one
// coordinating goroutine fed by two dedicated reader goroutines — one
// per direction — over result channels. A reader only receives a new
// read request once its side's queue has drained, which reproduces the
// "only read when there is room" backpressure of the original select()
// loop without needing literal non-blocking sockets.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dantte-lp/gonetcat/internal/hexdump"
	"github.com/dantte-lp/gonetcat/internal/netsock"
	"github.com/dantte-lp/gonetcat/internal/signals"
	"github.com/dantte-lp/gonetcat/internal/stats"
	"github.com/dantte-lp/gonetcat/internal/telnet"
)

// scratchSize is the per-direction read buffer size.
const scratchSize = 1024

// Options configures one Run invocation.
type Options struct {
	// TunnelMode is true when slave is a real network connection
	// (accepted inbound socket forwarded to an outbound one) rather
	// than standard I/O.
	TunnelMode bool
	// CloseOnEOF ends the session as soon as the slave input reaches
	// EOF, even outside tunnel mode (-c).
	CloseOnEOF bool
	// Telnet enables in-place IAC stripping on data read from main,
	// with WILL/WONT/DO/DONT answered back to main.
	Telnet bool
	// Hexdump, when non-nil, receives a formatted dump of every chunk
	// written in either direction.
	Hexdump io.Writer
	// PaceInterval, when positive, limits the main-bound direction to
	// one line per interval.
	PaceInterval time.Duration

	Counters *stats.Counters
	Signals  *signals.Gateway
	Logger   *slog.Logger
}

// errFatal wraps an unexpected read/write failure that aborts the
// relay, per the fatal-I/O-error error kind.
type errFatal struct{ err error }

func (e *errFatal) Error() string { return fmt.Sprintf("relay: %v", e.err) }
func (e *errFatal) Unwrap() error { return e.err }

type readResult struct {
	n   int
	err error
	buf []byte
}

// Run relays bytes between main and slave until EOF, a fatal error, or
// a terminating signal. stdin/stdout are used verbatim when slave is
// the standard-I/O pseudo-endpoint; ctx cancellation closes both
// endpoints to unblock any in-flight read.
func Run(ctx context.Context, main, slave *netsock.Sock, stdin io.Reader, stdout io.Writer, opts Options) error {
	l := &loop{
		main:  main,
		slave: slave,
		opts:  opts,
	}
	if slave.IsStdio() {
		l.slaveReader = stdin
		l.slaveWriter = stdout
	} else {
		l.slaveReader = slave.Conn
		l.slaveWriter = slave.Conn
	}
	return l.run(ctx)
}

type loop struct {
	main  *netsock.Sock
	slave *netsock.Sock
	opts  Options

	slaveReader io.Reader
	slaveWriter io.Writer

	telnetParser telnet.Parser

	delayUntil     time.Time
	offsetRecvMain int // running byte count for "<" (received from main) hexdump
	offsetSentMain int // running byte count for ">" (sent to main) hexdump

	slaveEOF bool
}

func (l *loop) run(ctx context.Context) error {
	done := make(chan struct{})
	mainReq := make(chan struct{}, 1)
	slaveReq := make(chan struct{}, 1)
	mainRes := make(chan readResult, 1)
	slaveRes := make(chan readResult, 1)

	go readerLoop(l.main.Conn, mainReq, mainRes, done)
	go readerLoop(l.slaveReader, slaveReq, slaveRes, done)

	defer func() {
		_ = l.main.Close()
		if !l.slave.IsStdio() {
			_ = l.slave.Close()
		}
		close(done)
	}()

	var mainReading, slaveReading bool
	var retErr error

runloop:
	for {
		if l.opts.Signals != nil {
			if l.opts.Signals.TakeInterrupt() {
				break runloop
			}
			if l.opts.Signals.Terminate() {
				break runloop
			}
		}

		select {
		case <-ctx.Done():
			retErr = ctx.Err()
			break runloop
		default:
		}

		if l.main.RecvQ.Empty() && !mainReading {
			select {
			case mainReq <- struct{}{}:
				mainReading = true
			default:
			}
		}
		if l.slave.RecvQ.Empty() && !slaveReading && !l.slaveEOF {
			select {
			case slaveReq <- struct{}{}:
				slaveReading = true
			default:
			}
		}

		var paceCh <-chan time.Time
		if !l.delayUntil.IsZero() {
			if remaining := time.Until(l.delayUntil); remaining > 0 {
				paceCh = time.After(remaining)
			} else {
				l.delayUntil = time.Time{}
			}
		}

		var wakeCh <-chan struct{}
		if l.opts.Signals != nil {
			wakeCh = l.opts.Signals.Wake()
		}

		// Slave-before-main preference, matching the original's fixed
		// per-iteration ordering when both are simultaneously ready.
		select {
		case res := <-slaveRes:
			slaveReading = false
			if err := l.handleSlaveRead(res); err != nil {
				retErr = err
				break runloop
			}
		default:
			select {
			case res := <-slaveRes:
				slaveReading = false
				if err := l.handleSlaveRead(res); err != nil {
					retErr = err
					break runloop
				}
			case res := <-mainRes:
				mainReading = false
				if err := l.handleMainRead(res); err != nil {
					retErr = err
					break runloop
				}
			case <-paceCh:
			case <-wakeCh:
			case <-ctx.Done():
			}
		}

		if err := l.tryWriteMain(); err != nil {
			retErr = err
			break runloop
		}
		if err := l.tryWriteSlave(); err != nil {
			retErr = err
			break runloop
		}

		if l.opts.Signals != nil && l.opts.Signals.TakeStats() && l.opts.Logger != nil && l.opts.Counters != nil {
			l.opts.Logger.Info("statistics", slog.String("summary", stats.Summary(l.opts.Counters)))
		}
	}

	if errors.Is(retErr, io.EOF) {
		return nil
	}
	return retErr
}

// handleSlaveRead implements steps 6-7: install the slave read into its
// recvq, then transfer or promote it toward main.sendq.
func (l *loop) handleSlaveRead(res readResult) error {
	if res.err != nil || res.n == 0 {
		if res.err != nil && !errors.Is(res.err, io.EOF) {
			return &errFatal{err: fmt.Errorf("read slave: %w", res.err)}
		}
		if l.opts.TunnelMode || l.opts.CloseOnEOF {
			return io.EOF
		}
		l.slaveEOF = true
		return nil
	}

	l.slave.RecvQ = netsock.FromScratch(res.buf[:res.n])

	if l.main.SendQ.Empty() {
		l.main.SendQ.Take(&l.slave.RecvQ)
	} else if !l.slave.RecvQ.Owned() {
		l.slave.RecvQ.Promote()
	}
	return nil
}

// handleMainRead implements steps 9-11: install the main read, strip
// telnet negotiation when enabled, then transfer or promote it toward
// slave.sendq.
func (l *loop) handleMainRead(res readResult) error {
	if res.err != nil || res.n == 0 {
		if res.err != nil && !errors.Is(res.err, io.EOF) {
			return &errFatal{err: fmt.Errorf("read main: %w", res.err)}
		}
		return io.EOF
	}

	data := res.buf[:res.n]

	if l.opts.Hexdump != nil {
		_ = hexdump.Dump(l.opts.Hexdump, "<", l.offsetRecvMain, data)
		l.offsetRecvMain += len(data)
	}

	if l.opts.Telnet {
		stripped := l.telnetParser.Strip(data, l.main.Conn)
		l.main.RecvQ = netsock.FromOwned(stripped)
	} else {
		l.main.RecvQ = netsock.FromScratch(data)
	}

	if l.slave.SendQ.Empty() {
		l.slave.SendQ.Take(&l.main.RecvQ)
	} else if !l.main.RecvQ.Owned() {
		l.main.RecvQ.Promote()
	}
	return nil
}

// tryWriteMain implements step 8: pacing-gated write from main.sendq.
func (l *loop) tryWriteMain() error {
	if l.main.SendQ.Empty() && !l.slave.RecvQ.Empty() {
		// Slave data that arrived while main.sendq was still busy.
		l.main.SendQ.Take(&l.slave.RecvQ)
	}
	if l.main.SendQ.Empty() {
		return nil
	}
	// Whatever stays queued must not point into the slave reader's
	// buffer, which the next slave read reuses.
	defer l.main.SendQ.Promote()
	if !l.delayUntil.IsZero() && time.Now().Before(l.delayUntil) {
		return nil
	}

	data := l.main.SendQ.Bytes()
	if l.opts.PaceInterval > 0 {
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			data = data[:idx+1]
		}
		l.delayUntil = time.Now().Add(l.opts.PaceInterval)
	}

	if l.opts.Hexdump != nil {
		_ = hexdump.Dump(l.opts.Hexdump, ">", l.offsetSentMain, data)
	}

	n, err := l.main.Conn.Write(data)
	if n > 0 {
		if l.opts.Counters != nil {
			l.opts.Counters.AddSent(n)
		}
		l.main.SendQ.Advance(n)
		l.offsetSentMain += n
	}
	if err != nil {
		return &errFatal{err: fmt.Errorf("write main: %w", err)}
	}
	return nil
}

// tryWriteSlave implements step 12: unconditional write from
// slave.sendq with no pacing.
func (l *loop) tryWriteSlave() error {
	if l.slave.SendQ.Empty() {
		return nil
	}

	data := l.slave.SendQ.Bytes()
	n, err := l.slaveWriter.Write(data)
	if n > 0 {
		if l.opts.Counters != nil {
			l.opts.Counters.AddRecv(n)
		}
		l.slave.SendQ.Advance(n)
	}
	if err != nil {
		return &errFatal{err: fmt.Errorf("write slave: %w", err)}
	}
	return nil
}

func readerLoop(r io.Reader, req <-chan struct{}, out chan<- readResult, done <-chan struct{}) {
	if r == nil {
		return
	}
	buf := make([]byte, scratchSize)
	for {
		select {
		case <-req:
		case <-done:
			return
		}

		n, err := r.Read(buf)

		select {
		case out <- readResult{n: n, err: err, buf: buf}:
		case <-done:
			return
		}
	}
}
