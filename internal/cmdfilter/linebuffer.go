package cmdfilter

import "unicode/utf8"

// MaxLineLength bounds the reconstructed line; further bytes are dropped
// from the buffer but still forwarded to the shell.
const MaxLineLength = 64 * 1024

// Chunk is one piece of input between line terminators.
type Chunk struct {
	// Data holds the raw bytes preceding the terminator.
	Data []byte
	// Term is the terminator ("\r", "\n" or "\r\n"); nil for a trailing
	// chunk whose line is still being typed.
	Term []byte
	// Line is the finalized line when Term is set.
	Line string
}

type escState int

const (
	escNone escState = iota
	escStart
	escCSI
	escSS3
)

// LineBuffer tracks what the user has typed on the current line. It is not
// safe for concurrent use; the bridge event loop owns it.
type LineBuffer struct {
	buf    []byte
	esc    escState
	lastCR bool
}

// Feed consumes raw terminal input and splits it at line terminators.
func (b *LineBuffer) Feed(data []byte) []Chunk {
	var chunks []Chunk
	start := 0
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c == '\n' && b.lastCR && i == start && len(chunks) > 0 {
			// LF completing a CRLF pair joins the previous terminator.
			prev := &chunks[len(chunks)-1]
			prev.Term = append(prev.Term, '\n')
			b.lastCR = false
			start = i + 1
			continue
		}
		b.lastCR = false
		if c == '\r' || c == '\n' {
			chunks = append(chunks, Chunk{
				Data: data[start:i],
				Term: []byte{c},
				Line: string(b.buf),
			})
			b.buf = b.buf[:0]
			b.esc = escNone
			b.lastCR = c == '\r'
			start = i + 1
			continue
		}
		b.consume(c)
	}
	if start < len(data) {
		chunks = append(chunks, Chunk{Data: data[start:]})
	}
	return chunks
}

// Pending returns the partially typed line.
func (b *LineBuffer) Pending() string { return string(b.buf) }

// Reset discards the partially typed line.
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
	b.esc = escNone
	b.lastCR = false
}

func (b *LineBuffer) consume(c byte) {
	switch b.esc {
	case escStart:
		switch c {
		case '[':
			b.esc = escCSI
		case 'O':
			b.esc = escSS3
		default:
			b.esc = escNone
		}
		return
	case escCSI:
		if c >= 0x40 && c <= 0x7e {
			b.esc = escNone
		}
		return
	case escSS3:
		b.esc = escNone
		return
	}

	switch {
	case c == 0x1b:
		b.esc = escStart
	case c == 0x08 || c == 0x7f:
		b.backspace()
	case c == 0x03 || c == 0x15:
		b.buf = b.buf[:0]
	case c == '\t' || c >= 32:
		// Tab is kept: shells split words on it.
		if len(b.buf) < MaxLineLength {
			b.buf = append(b.buf, c)
		}
	}
}

// backspace removes the last character, including every byte of a
// multi-byte UTF-8 sequence.
func (b *LineBuffer) backspace() {
	if len(b.buf) == 0 {
		return
	}
	_, size := utf8.DecodeLastRune(b.buf)
	if size < 1 {
		size = 1
	}
	b.buf = b.buf[:len(b.buf)-size]
}
