// Package hexdump formats byte buffers as offset + hex + ASCII lines,
// the format netcat emits under -x / -o.
package hexdump

import (
	"fmt"
	"io"
)

const bytesPerGroup = 4
const groupsPerLine = 4
const bytesPerLine = bytesPerGroup * groupsPerLine

// Dump writes buf to w as hex-dump lines, prefixed by dir on each line
// (e.g. ">" for data sent, "<" for data received), flushing after the
// final line. offset is the running byte count to start the first
// line's address field from.
func Dump(w io.Writer, dir string, offset int, buf []byte) error {
	bw, ok := w.(interface{ Flush() error })

	for start := 0; start < len(buf); start += bytesPerLine {
		end := start + bytesPerLine
		if end > len(buf) {
			end = len(buf)
		}
		if err := writeLine(w, dir, offset+start, buf[start:end]); err != nil {
			return err
		}
	}

	if ok {
		return bw.Flush()
	}
	return nil
}

func writeLine(w io.Writer, dir string, offset int, line []byte) error {
	if _, err := fmt.Fprintf(w, "%s %08X ", dir, offset); err != nil {
		return err
	}

	for g := 0; g < groupsPerLine; g++ {
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
		for b := 0; b < bytesPerGroup; b++ {
			idx := g*bytesPerGroup + b
			if idx < len(line) {
				if _, err := fmt.Fprintf(w, "%02X ", line[idx]); err != nil {
					return err
				}
			} else if _, err := io.WriteString(w, "   "); err != nil {
				return err
			}
		}
	}

	if _, err := io.WriteString(w, " |"); err != nil {
		return err
	}
	for _, b := range line {
		if _, err := io.WriteString(w, string(printable(b))); err != nil {
			return err
		}
	}
	for i := len(line); i < bytesPerLine; i++ {
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "|\n")
	return err
}

func printable(b byte) rune {
	if b >= 0x20 && b < 0x7f {
		return rune(b)
	}
	return '.'
}
