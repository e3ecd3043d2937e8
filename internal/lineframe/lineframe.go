// Package lineframe turns arbitrary byte chunks into complete
// newline-terminated lines. Engine CLIs emit NDJSON on stdout but the OS
// delivers it in arbitrary chunk boundaries; the framer carries the
// unterminated tail between pushes.
package lineframe

// Framer buffers pushed chunks and emits complete lines.
//
// Splitting happens on raw 0x0A bytes. UTF-8 continuation bytes always have
// the high bit set, so a multi-byte rune can never straddle a split point and
// byte-level framing is UTF-8 safe.
type Framer struct {
	buf []byte
}

// Push appends chunk to the pending buffer and returns every complete line
// it now contains. A trailing '\r' is stripped from each line; the tail
// after the final '\n' stays buffered.
func (f *Framer) Push(chunk []byte) []string {
	f.buf = append(f.buf, chunk...)

	var lines []string
	start := 0
	for i := 0; i < len(f.buf); i++ {
		if f.buf[i] != '\n' {
			continue
		}
		end := i
		if end > start && f.buf[end-1] == '\r' {
			end--
		}
		lines = append(lines, string(f.buf[start:end]))
		start = i + 1
	}
	if start > 0 {
		f.buf = append(f.buf[:0], f.buf[start:]...)
	}
	return lines
}

// PushString is Push for already-decoded string chunks.
func (f *Framer) PushString(chunk string) []string {
	return f.Push([]byte(chunk))
}

// Flush emits the buffered tail as one final line, if any, and clears the
// buffer.
func (f *Framer) Flush() []string {
	if len(f.buf) == 0 {
		return nil
	}
	end := len(f.buf)
	if f.buf[end-1] == '\r' {
		end--
	}
	line := string(f.buf[:end])
	f.buf = f.buf[:0]
	return []string{line}
}

// Pending reports whether an unterminated tail is buffered.
func (f *Framer) Pending() bool {
	return len(f.buf) > 0
}
