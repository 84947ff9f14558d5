package tunnel

import (
	"errors"
	"fmt"
	"io"
)

// ErrShortStream is returned by CopyN when src ends before n bytes.
var ErrShortStream = errors.New("stream ended before expected length")

// Discard is a sink for bodies nobody will read.
var Discard io.Writer = io.Discard

// CopyN copies exactly n bytes from src to dst through a pooled buffer.
// A negative n copies until src is exhausted.
func CopyN(dst io.Writer, src io.Reader, n int64) (int64, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if n < 0 {
		return io.CopyBuffer(dst, src, buf)
	}
	written, err := io.CopyBuffer(dst, io.LimitReader(src, n), buf)
	if err != nil {
		return written, err
	}
	if written < n {
		return written, fmt.Errorf("%w: %d of %d bytes", ErrShortStream, written, n)
	}
	return written, nil
}
