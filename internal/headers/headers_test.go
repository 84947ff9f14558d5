package headers

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func parseString(t *testing.T, s string) (*Headers, *bufio.Reader) {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(s))
	h, err := Parse(br)
	require.NoError(t, err)
	return h, br
}

func TestParseStopsAtBlankLine(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: x\r\nAccept: */*\r\n\r\nbody"
	h, br := parseString(t, raw)

	require.Equal(t, []string{"GET / HTTP/1.1", "Host: x", "Accept: */*"}, h.Lines())
	require.Equal(t, int64(len(raw)-len("body")), h.Consumed())

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Equal(t, "body", string(rest))
}

func TestParseEarlyEOFKeepsPartialLines(t *testing.T) {
	h, _ := parseString(t, "GET / HTT")
	first, ok := h.FirstLine()
	require.True(t, ok)
	require.Equal(t, "GET / HTT", first)

	h, _ = parseString(t, "")
	require.True(t, h.Empty())
	_, ok = h.FirstLine()
	require.False(t, ok)
}

func TestParseShortBlockDoesNotTerminate(t *testing.T) {
	// the terminator is only honoured after the fourth byte
	h, br := parseString(t, "\r\n\r\nX\r\n\r\n")
	require.Equal(t, int64(9), h.Consumed())
	_, err := br.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

type failingReader struct{}

func (failingReader) ReadByte() (byte, error) { return 0, errors.New("boom") }

func TestParseReadError(t *testing.T) {
	h, err := Parse(failingReader{})
	require.Error(t, err)
	require.True(t, h.Empty())
}

func TestRoundTrip(t *testing.T) {
	h := New("HTTP/1.1 200 OK")
	h.Add("Content-Type", "text/plain")
	h.Add("X-One", "1")
	h.Add("X-One", "2")

	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, h.ByteCount(), n)

	parsed, _ := parseString(t, buf.String())
	require.Equal(t, h.Lines(), parsed.Lines())
	require.Equal(t, h.ByteCount(), parsed.Consumed())
	require.Equal(t, h.ByteCount(), parsed.ByteCount())
}

func TestGetIsCaseInsensitiveFirstMatch(t *testing.T) {
	h := New("GET / HTTP/1.1")
	h.Add("x-tunnel-user-id", " alice ")
	h.Add("X-Tunnel-User-Id", "bob")

	v, ok := h.Get("X-TUNNEL-USER-ID")
	require.True(t, ok)
	require.Equal(t, "alice", v)

	_, ok = h.Get("X-Missing")
	require.False(t, ok)
}

func TestSetLandsLastAndRemoveIsNoopWithoutMatch(t *testing.T) {
	h := New("GET / HTTP/1.1")
	h.Add("Connection", "keep-alive")
	h.Add("Host", "x")

	before := h.Lines()
	h.Remove("X-Not-There")
	require.Equal(t, before, h.Lines())

	h.Set("connection", "close")
	require.Equal(t, []string{"GET / HTTP/1.1", "Host: x", "connection: close"}, h.Lines())
	require.Equal(t, []string{"Host", "connection"}, h.Names())
}

func TestContentLength(t *testing.T) {
	h := New("HTTP/1.1 200 OK")
	n, err := h.ContentLength()
	require.NoError(t, err)
	require.Equal(t, int64(-1), n)

	h.SetContentLength(42)
	n, err = h.ContentLength()
	require.NoError(t, err)
	require.Equal(t, int64(42), n)

	h.Set("Content-Length", "forty")
	_, err = h.ContentLength()
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestChunked(t *testing.T) {
	h := New("POST / HTTP/1.1")
	require.False(t, h.Chunked())
	h.Add("Transfer-Encoding", "gzip, Chunked")
	require.True(t, h.Chunked())
}
