package transport

import (
	"bytes"
	"strings"
)

// LineFramer splits a byte stream into newline-terminated text lines.
// Invalid UTF-8 is replaced and trailing carriage returns are dropped.
type LineFramer struct {
	buf []byte
}

// Push appends chunk and returns every line it completed.
func (f *LineFramer) Push(chunk []byte) []string {
	f.buf = append(f.buf, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, decodeLine(f.buf[:idx]))
		f.buf = f.buf[idx+1:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}

	return lines
}

// Flush returns the buffered partial line, if any, and empties the buffer.
func (f *LineFramer) Flush() (string, bool) {
	if len(f.buf) == 0 {
		return "", false
	}
	line := decodeLine(f.buf)
	f.buf = nil

	return line, true
}

func (f *LineFramer) Reset() {
	f.buf = nil
}

func (f *LineFramer) Buffered() int {
	return len(f.buf)
}

func decodeLine(raw []byte) string {
	return strings.TrimRight(strings.ToValidUTF8(string(raw), "�"), "\r")
}
