package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("DT_STR", "value")
	t.Setenv("DT_INT", "42")
	t.Setenv("DT_BAD_INT", "forty")
	t.Setenv("DT_DUR", "1500ms")
	t.Setenv("DT_MS", "2500")
	t.Setenv("DT_LIST", " 10.0.0.0/8, ,127.0.0.1/32 ")

	require.Equal(t, "value", GetEnv("DT_STR", "def"))
	require.Equal(t, "def", GetEnv("DT_UNSET", "def"))
	require.Equal(t, 42, GetEnvInt("DT_INT", 1))
	require.Equal(t, 1, GetEnvInt("DT_BAD_INT", 1))
	require.Equal(t, 1500*time.Millisecond, GetEnvDuration("DT_DUR", time.Second))
	require.Equal(t, 2500*time.Millisecond, GetEnvDuration("DT_MS", time.Second))
	require.Equal(t, time.Second, GetEnvDuration("DT_UNSET", time.Second))
	require.Equal(t, 2.5, GetEnvFloat("DT_UNSET", 2.5))
	require.Equal(t, []string{"10.0.0.0/8", "127.0.0.1/32"}, GetEnvList("DT_LIST"))
}
