package hexdump_test

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/dantte-lp/gonetcat/internal/hexdump"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDumpShortLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := hexdump.Dump(&buf, ">", 0, []byte("hi")); err != nil {
		t.Fatalf("Dump() error: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "> 00000000 ") {
		t.Errorf("Dump() output missing direction/offset prefix: %q", out)
	}
	if !strings.Contains(out, "68 69") {
		t.Errorf("Dump() output missing hex bytes: %q", out)
	}
	if !strings.Contains(out, "|hi") {
		t.Errorf("Dump() output missing ASCII column: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("Dump() output does not end with newline: %q", out)
	}
}

func TestDumpNonPrintableReplacedWithDot(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := hexdump.Dump(&buf, "<", 0, []byte{0x00, 0x41, 0x7f}); err != nil {
		t.Fatalf("Dump() error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "|.A.             |") {
		t.Errorf("Dump() ASCII column = %q, want control bytes rendered as '.'", out)
	}
}

func TestDumpMultiLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	data := bytes.Repeat([]byte{'x'}, 20) // spans two 16-byte lines

	if err := hexdump.Dump(&buf, ">", 0, data); err != nil {
		t.Fatalf("Dump() error: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "> 00000000 ") {
		t.Errorf("first line offset wrong: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "> 00000010 ") {
		t.Errorf("second line offset wrong: %q", lines[1])
	}
}

func TestDumpPadsFinalPartialLine(t *testing.T) {
	t.Parallel()

	var partial, full bytes.Buffer
	if err := hexdump.Dump(&partial, ">", 0, []byte("abcde")); err != nil {
		t.Fatalf("Dump() error: %v", err)
	}
	if err := hexdump.Dump(&full, ">", 0, bytes.Repeat([]byte{'x'}, 16)); err != nil {
		t.Fatalf("Dump() error: %v", err)
	}

	partialLine := strings.TrimRight(partial.String(), "\n")
	fullLine := strings.TrimRight(full.String(), "\n")

	if len(partialLine) != len(fullLine) {
		t.Fatalf("partial-line length = %d, full-line length = %d, want equal column widths:\npartial: %q\nfull:    %q",
			len(partialLine), len(fullLine), partialLine, fullLine)
	}
	if !strings.HasSuffix(partialLine, "|abcde           |") {
		t.Errorf("Dump() ASCII column not space-padded to 16 chars: %q", partialLine)
	}
}

func TestDumpRunningOffset(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := hexdump.Dump(&buf, ">", 32, []byte("z")); err != nil {
		t.Fatalf("Dump() error: %v", err)
	}

	if !strings.HasPrefix(buf.String(), "> 00000020 ") {
		t.Errorf("Dump() with offset 32 = %q, want offset field 00000020", buf.String())
	}
}

// flushRecorder implements the optional Flush() error interface Dump
// probes for via a type assertion.
type flushRecorder struct {
	bytes.Buffer
	flushed bool
}

func (f *flushRecorder) Flush() error {
	f.flushed = true
	return nil
}

func TestDumpFlushesWhenSupported(t *testing.T) {
	t.Parallel()

	var fr flushRecorder
	if err := hexdump.Dump(&fr, ">", 0, []byte("hi")); err != nil {
		t.Fatalf("Dump() error: %v", err)
	}
	if !fr.flushed {
		t.Error("Dump() did not call Flush() on a writer that supports it")
	}
}
