package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	host, port, err := ParseTarget("3001")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)
	require.Equal(t, 3001, port)

	host, port, err = ParseTarget("10.0.0.5:8080")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", host)
	require.Equal(t, 8080, port)

	host, _, err = ParseTarget(":8080")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", host)

	_, _, err = ParseTarget("70000")
	require.Error(t, err)
	_, _, err = ParseTarget("nope")
	require.Error(t, err)
}

func TestConstructURL(t *testing.T) {
	require.Equal(t, "http://tunnel.example.com:9000/", ConstructURL("http", "tunnel.example.com:9000", ""))
	require.Equal(t, "https://tunnel.example.com/x", ConstructURL("https", "tunnel.example.com:443", "x"))
	require.Equal(t, "http://localhost/", ConstructURL("http", "localhost", "/"))
}

func TestNormalizeServerURL(t *testing.T) {
	u, err := NormalizeServerURL("https://dev-tunnel.example.com/")
	require.NoError(t, err)
	require.Equal(t, "https://dev-tunnel.example.com", u)
	require.Equal(t, "dev-tunnel.example.com", Hostname(u))

	_, err = NormalizeServerURL("ftp://x")
	require.Error(t, err)
	_, err = NormalizeServerURL("http://")
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "42 seconds", FormatDuration(42*time.Second))
	require.Equal(t, "5 minutes", FormatDuration(5*time.Minute))
	require.Equal(t, "1 hour", FormatDuration(time.Hour))
	require.Equal(t, "2 hours 3 minutes", FormatDuration(2*time.Hour+3*time.Minute))
}

func TestFormatLog(t *testing.T) {
	require.Contains(t, FormatLog("", "GET", 200, "/a"), "✅")
	require.Contains(t, FormatLog("", "GET", 503, "/a"), "❌")
	require.Contains(t, FormatLog("", "GET", 302, "/a"), "🔄")
	require.Contains(t, FormatLog("🔥", "GET", 200, "/a"), "🔥")
}
