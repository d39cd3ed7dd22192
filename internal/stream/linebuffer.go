package stream

import "bytes"

// lineBuffer frames a chunked byte stream into newline-delimited records.
// Chunks are buffered as raw bytes and lines are only materialized once
// their terminating newline arrives, so a chunk boundary that splits a
// multi-byte UTF-8 sequence is harmless: the partial sequence simply waits
// in the buffer with the rest of its line.
type lineBuffer struct {
	buf []byte
}

// split appends a chunk and returns every completed line, without the
// trailing newline. The final, possibly incomplete line stays buffered for
// the next chunk.
func (b *lineBuffer) split(chunk []byte) [][]byte {
	b.buf = append(b.buf, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			return lines
		}
		line := make([]byte, i)
		copy(line, b.buf[:i])
		lines = append(lines, line)
		b.buf = b.buf[i+1:]
	}
}

// rest drains whatever is left in the buffer. Called at end of stream so a
// final record without a trailing newline is not lost.
func (b *lineBuffer) rest() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	line := b.buf
	b.buf = nil
	return line
}
