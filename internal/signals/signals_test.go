package signals_test

import (
	"os"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/gonetcat/internal/signals"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTakeInterruptClearsFlag(t *testing.T) {
	g := signals.New()
	g.Start()
	defer g.Stop()

	if g.TakeInterrupt() {
		t.Fatal("TakeInterrupt() = true before any signal delivered")
	}

	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("Kill(SIGINT): %v", err)
	}
	waitForWake(t, g)

	if !g.TakeInterrupt() {
		t.Fatal("TakeInterrupt() = false after SIGINT delivered")
	}
	if g.TakeInterrupt() {
		t.Fatal("TakeInterrupt() = true on second call, want cleared after first Take")
	}
}

func TestTerminateNeverClears(t *testing.T) {
	g := signals.New()
	g.Start()
	defer g.Stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("Kill(SIGTERM): %v", err)
	}
	waitForWake(t, g)

	if !g.Terminate() {
		t.Fatal("Terminate() = false after SIGTERM delivered")
	}
	if !g.Terminate() {
		t.Fatal("Terminate() = false on second call, want it to stay set")
	}
}

func TestTakeStatsClearsFlag(t *testing.T) {
	g := signals.New()
	g.Start()
	defer g.Stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Kill(SIGUSR1): %v", err)
	}
	waitForWake(t, g)

	if !g.TakeStats() {
		t.Fatal("TakeStats() = false after SIGUSR1 delivered")
	}
	if g.TakeStats() {
		t.Fatal("TakeStats() = true on second call, want cleared after first Take")
	}
}

func TestNonCooperativeCallback(t *testing.T) {
	g := signals.New()

	done := make(chan struct{}, 1)
	g.OnInterrupt = func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}
	g.Start()
	defer g.Stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("Kill(SIGINT): %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnInterrupt callback not invoked within timeout")
	}
}

func TestCooperativeSuppressesCallback(t *testing.T) {
	g := signals.New()
	g.SetCooperative(true)

	called := make(chan struct{}, 1)
	g.OnInterrupt = func() {
		select {
		case called <- struct{}{}:
		default:
		}
	}
	g.Start()
	defer g.Stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("Kill(SIGINT): %v", err)
	}
	waitForWake(t, g)

	select {
	case <-called:
		t.Fatal("OnInterrupt invoked while cooperative, want suppressed")
	case <-time.After(100 * time.Millisecond):
	}

	if !g.TakeInterrupt() {
		t.Fatal("TakeInterrupt() = false, want the flag still set under cooperative mode")
	}
}

// waitForWake blocks until g's Wake channel fires or the test times out.
func waitForWake(t *testing.T, g *signals.Gateway) {
	t.Helper()
	select {
	case <-g.Wake():
	case <-time.After(2 * time.Second):
		t.Fatal("Wake() did not fire within timeout")
	}
}
