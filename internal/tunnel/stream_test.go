package tunnel

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyNExact(t *testing.T) {
	var dst bytes.Buffer
	src := strings.NewReader("hello world")

	n, err := CopyN(&dst, src, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.Equal(t, "hello", dst.String())

	rest := make([]byte, 6)
	_, err = src.Read(rest)
	require.NoError(t, err)
	require.Equal(t, " world", string(rest))
}

func TestCopyNShortSource(t *testing.T) {
	var dst bytes.Buffer
	n, err := CopyN(&dst, strings.NewReader("abc"), 10)
	require.ErrorIs(t, err, ErrShortStream)
	require.Equal(t, int64(3), n)
}

func TestCopyNUnbounded(t *testing.T) {
	var dst bytes.Buffer
	n, err := CopyN(&dst, strings.NewReader("abcdef"), -1)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)
}

func TestCopyNIntoDiscard(t *testing.T) {
	n, err := CopyN(Discard, strings.NewReader(strings.Repeat("x", 1<<20)), 1<<20)
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), n)
}
