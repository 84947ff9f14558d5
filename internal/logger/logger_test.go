package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDField(t *testing.T) {
	cases := map[string]string{
		"X-Correlation-Id":    "correlationId",
		"x-tunnel-user-id":    "tunnelUserId",
		"X-Tunnel-Request-Id": "tunnelRequestId",
	}
	for in, want := range cases {
		got, ok := IDField(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}

	for _, in := range []string{"Content-Length", "X-Id", "Correlation-Id", "X-Tunnel-Status"} {
		_, ok := IDField(in)
		require.False(t, ok, in)
	}
}

func TestJSONLoggerCarriesIDHeaders(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("debug", FormatJSON, &buf)
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Correlation-Id", "abc")
	h.Set("X-Long-Id", strings.Repeat("z", 200))
	l = IDHeaders(Session(l, "alice", 9000).With(), h).Logger()
	l.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "alice", entry[FieldUserID])
	require.Equal(t, float64(9000), entry[FieldPort])
	require.Equal(t, "abc", entry["correlationId"])
	require.NotContains(t, entry, "longId")
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", FormatJSON, nil)
	require.Error(t, err)
	_, err = New("info", "xml", nil)
	require.Error(t, err)
}
