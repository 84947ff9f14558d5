package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, 100, c.Ports.Len())
	require.False(t, c.Redis.Enabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TUNNEL_START_PORT", "9500")
	t.Setenv("TUNNEL_END_PORT", "9501")
	t.Setenv("TUNNEL_LAST_SEEN_TIMEOUT", "10s")
	t.Setenv("TUNNEL_TRUSTED_PROXIES", "10.0.0.0/8")
	t.Setenv("REDIS_HOST", "cache")

	c := Load()
	require.NoError(t, c.Validate())
	require.Equal(t, PortRange{Start: 9500, End: 9501}, c.Ports)
	require.Equal(t, 10*time.Second, c.LastSeenTimeout)
	require.Equal(t, []string{"10.0.0.0/8"}, c.TrustedProxies)
	require.True(t, c.Redis.Enabled())
	require.Equal(t, "cache:6379", c.Redis.Addr())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"inverted range": func(c *Config) { c.Ports = PortRange{Start: 9001, End: 9000} },
		"port zero":      func(c *Config) { c.Ports.Start = 0 },
		"port too high":  func(c *Config) { c.Ports.End = 70000 },
		"zero timeout":   func(c *Config) { c.LastSeenTimeout = 0 },
		"zero queue":     func(c *Config) { c.QueueCapacity = 0 },
		"zero attempts":  func(c *Config) { c.PollAttempts = 0 },
		"negative grace": func(c *Config) { c.CloseGrace = -time.Second },
		"zero poll cap":  func(c *Config) { c.MaxPollsPerIP = 0 },
		"empty listen":   func(c *Config) { c.Addr = "" },
		"zero rate":      func(c *Config) { c.RegisterRate = 0 },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(c)
		require.ErrorIs(t, c.Validate(), ErrInvalidConfig, name)
	}
}

func TestParsePortRange(t *testing.T) {
	pr, err := ParsePortRange("9000-9002")
	require.NoError(t, err)
	require.Equal(t, []int{9000, 9001, 9002}, pr.Expand())
	require.True(t, pr.Contains(9001))
	require.False(t, pr.Contains(9003))

	pr, err = ParsePortRange("9100")
	require.NoError(t, err)
	require.Equal(t, 1, pr.Len())

	_, err = ParsePortRange("a-b")
	require.Error(t, err)
}
