// Package headers reads and writes raw HTTP/1.x header blocks.
//
// A Headers value keeps the request or status line followed by the header
// lines in wire order. Lookups are case-insensitive and the first match wins;
// duplicate names are allowed.
package headers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"devtunnel/internal/constants"
)

var (
	ErrMalformedHeader = errors.New("malformed header")
	ErrHeaderTooLarge  = errors.New("header block too large")
)

const crlf = "\r\n"

// Headers is an ordered set of raw header lines.
type Headers struct {
	lines    []string
	consumed int64
}

// New returns a header set whose first line is firstLine.
func New(firstLine string) *Headers {
	return &Headers{lines: []string{firstLine}}
}

// Parse reads r one byte at a time until the CRLFCRLF terminator or end of
// stream. On early end of stream the lines read so far are kept. Any other
// read error leaves the set empty and is returned.
func Parse(r io.ByteReader) (*Headers, error) {
	h := &Headers{}
	var block []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return h, fmt.Errorf("read header block: %w", err)
		}
		h.consumed++
		block = append(block, b)
		if len(block) > 4 && string(block[len(block)-4:]) == crlf+crlf {
			break
		}
		if len(block) >= constants.MaxHeaderBytes {
			return h, ErrHeaderTooLarge
		}
	}
	h.lines = splitLines(string(block))
	return h, nil
}

func splitLines(block string) []string {
	lines := strings.Split(block, crlf)
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Consumed is the number of bytes Parse took from its source.
func (h *Headers) Consumed() int64 {
	return h.consumed
}

// ByteCount is the size of the block WriteTo produces.
func (h *Headers) ByteCount() int64 {
	var n int64
	for _, line := range h.lines {
		n += int64(len(line)) + 2
	}
	return n + 2
}

// Empty reports whether no line at all was read.
func (h *Headers) Empty() bool {
	return len(h.lines) == 0
}

func (h *Headers) FirstLine() (string, bool) {
	if len(h.lines) == 0 {
		return "", false
	}
	return h.lines[0], true
}

// Lines returns a copy of all lines, first line included.
func (h *Headers) Lines() []string {
	out := make([]string, len(h.lines))
	copy(out, h.lines)
	return out
}

// Names returns the name of every line of the form "name: value".
func (h *Headers) Names() []string {
	var names []string
	for _, line := range h.lines {
		if i := strings.Index(line, ": "); i >= 0 {
			names = append(names, line[:i])
		}
	}
	return names
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// Get returns the trimmed value of the first header called name.
func (h *Headers) Get(name string) (string, bool) {
	prefix := name + ": "
	for _, line := range h.lines {
		if hasPrefixFold(line, prefix) {
			return strings.TrimSpace(line[len(prefix):]), true
		}
	}
	return "", false
}

func (h *Headers) Add(name, value string) {
	h.lines = append(h.lines, name+": "+value)
}

// Set replaces every header called name with a single line appended last.
func (h *Headers) Set(name, value string) {
	h.Remove(name)
	h.Add(name, value)
}

func (h *Headers) Remove(name string) {
	prefix := name + ":"
	kept := h.lines[:0]
	for i, line := range h.lines {
		if i > 0 && hasPrefixFold(line, prefix) {
			continue
		}
		kept = append(kept, line)
	}
	h.lines = kept
}

// ContentLength returns the declared Content-Length, or -1 if none.
func (h *Headers) ContentLength() (int64, error) {
	v, ok := h.Get(constants.HeaderContentLen)
	if !ok {
		return -1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1, fmt.Errorf("%w: content-length %q", ErrMalformedHeader, v)
	}
	return n, nil
}

func (h *Headers) SetContentLength(n int64) {
	h.Set(constants.HeaderContentLen, strconv.FormatInt(n, 10))
}

// Chunked reports whether the block declares chunked transfer encoding.
func (h *Headers) Chunked() bool {
	v, ok := h.Get(constants.HeaderTransferEnc)
	return ok && strings.Contains(strings.ToLower(v), "chunked")
}

// WriteTo writes every line with CRLF, then the blank line, and flushes
// w when it is buffered.
func (h *Headers) WriteTo(w io.Writer) (int64, error) {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriterSize(w, int(h.ByteCount()))
	}
	var n int64
	for _, line := range h.lines {
		m, err := bw.WriteString(line + crlf)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	m, err := bw.WriteString(crlf)
	n += int64(m)
	if err != nil {
		return n, err
	}
	return n, bw.Flush()
}

func (h *Headers) String() string {
	return strings.Join(h.lines, crlf) + crlf + crlf
}
