package telnet_test

import (
	"bytes"
	"testing"

	"go.uber.org/goleak"

	"github.com/dantte-lp/gonetcat/internal/telnet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStripPlainData(t *testing.T) {
	t.Parallel()

	var p telnet.Parser
	in := []byte("hello world\n")

	out := p.Strip(in, nil)
	if !bytes.Equal(out, in) {
		t.Errorf("Strip(%q) = %q, want unchanged", in, out)
	}
}

func TestStripRemovesNegotiation(t *testing.T) {
	t.Parallel()

	var p telnet.Parser
	var reply bytes.Buffer

	// IAC WILL ECHO (0xff 0xfb 0x01) embedded in plain text.
	in := []byte{'a', 'b', 0xff, 0xfb, 0x01, 'c', 'd'}

	out := p.Strip(in, &reply)
	want := []byte("abcd")
	if !bytes.Equal(out, want) {
		t.Errorf("Strip() = %q, want %q", out, want)
	}

	// WILL must be answered with DONT for the same option.
	wantReply := []byte{0xff, 0xfe, 0x01}
	if !bytes.Equal(reply.Bytes(), wantReply) {
		t.Errorf("reply = % x, want % x", reply.Bytes(), wantReply)
	}
}

func TestStripEscapedIAC(t *testing.T) {
	t.Parallel()

	var p telnet.Parser
	// Literal 0xFF is escaped as IAC IAC.
	in := []byte{'x', 0xff, 0xff, 'y'}

	out := p.Strip(in, nil)
	want := []byte{'x', 0xff, 'y'}
	if !bytes.Equal(out, want) {
		t.Errorf("Strip() = % x, want % x", out, want)
	}
}

func TestStripCommandWithoutOption(t *testing.T) {
	t.Parallel()

	var p telnet.Parser
	// IAC AYT (are-you-there) carries no option byte and draws no reply.
	in := []byte{'a', 0xff, 0xf6, 'b'}
	var reply bytes.Buffer

	out := p.Strip(in, &reply)
	want := []byte("ab")
	if !bytes.Equal(out, want) {
		t.Errorf("Strip() = %q, want %q", out, want)
	}
	if reply.Len() != 0 {
		t.Errorf("reply = % x, want empty", reply.Bytes())
	}
}

func TestStripSplitAcrossCalls(t *testing.T) {
	t.Parallel()

	var p telnet.Parser
	var reply bytes.Buffer

	first := []byte{'a', 'b', 0xff, 0xfd}    // IAC DO, option byte missing
	second := []byte{0x03, 'c', 'd'}          // option byte arrives next call

	out1 := p.Strip(first, &reply)
	if !bytes.Equal(out1, []byte("ab")) {
		t.Errorf("first Strip() = %q, want %q", out1, "ab")
	}

	out2 := p.Strip(second, &reply)
	if !bytes.Equal(out2, []byte("cd")) {
		t.Errorf("second Strip() = %q, want %q", out2, "cd")
	}

	// DO must be answered with WONT for option 0x03.
	wantReply := []byte{0xff, 0xfc, 0x03}
	if !bytes.Equal(reply.Bytes(), wantReply) {
		t.Errorf("reply = % x, want % x", reply.Bytes(), wantReply)
	}
}

func TestStripTrailingIACHeldAcrossCalls(t *testing.T) {
	t.Parallel()

	var p telnet.Parser

	first := []byte{'a', 'b', 0xff}
	out1 := p.Strip(first, nil)
	if !bytes.Equal(out1, []byte("ab")) {
		t.Errorf("first Strip() = %q, want %q", out1, "ab")
	}

	second := []byte{0xff, 'c'} // completes the escaped-IAC sequence
	out2 := p.Strip(second, nil)
	want := []byte{0xff, 'c'}
	if !bytes.Equal(out2, want) {
		t.Errorf("second Strip() = % x, want % x", out2, want)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	var p telnet.Parser
	p.Strip([]byte{'a', 0xff}, nil)
	p.Reset()

	// With the pending IAC discarded, a fresh 'b' should come through
	// alone instead of being treated as a continuation.
	out := p.Strip([]byte("b"), nil)
	if !bytes.Equal(out, []byte("b")) {
		t.Errorf("Strip() after Reset() = %q, want %q", out, "b")
	}
}
