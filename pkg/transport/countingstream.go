package transport

import (
	"io"
	"sync/atomic"
)

// countingReader wraps an io.Reader, accumulating the number of bytes
// actually read into an atomic counter shared with the session.
type countingReader struct {
	r       io.Reader
	counter *uint64
}

func newCountingReader(r io.Reader, counter *uint64) *countingReader {
	return &countingReader{r: r, counter: counter}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		atomic.AddUint64(c.counter, uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer the same way, for bytes written.
type countingWriter struct {
	w       io.Writer
	counter *uint64
}

func newCountingWriter(w io.Writer, counter *uint64) *countingWriter {
	return &countingWriter{w: w, counter: counter}
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		atomic.AddUint64(c.counter, uint64(n))
	}
	return n, err
}
