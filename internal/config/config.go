// Package config holds the tunnel server settings.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"devtunnel/internal/constants"
	"devtunnel/internal/utils"
)

var ErrInvalidConfig = errors.New("invalid config")

// PortRange is an inclusive start-end pair.
type PortRange struct {
	Start int
	End   int
}

func (pr PortRange) Len() int {
	if pr.End < pr.Start {
		return 0
	}
	return pr.End - pr.Start + 1
}

func (pr PortRange) Contains(port int) bool {
	return port >= pr.Start && port <= pr.End
}

// Expand returns every port of the range in order.
func (pr PortRange) Expand() []int {
	out := make([]int, 0, pr.Len())
	for p := pr.Start; p <= pr.End; p++ {
		out = append(out, p)
	}
	return out
}

func (pr PortRange) String() string {
	return fmt.Sprintf("%d-%d", pr.Start, pr.End)
}

// ParsePortRange accepts "9000-9099" or a single port.
func ParsePortRange(spec string) (PortRange, error) {
	spec = strings.TrimSpace(spec)
	if start, end, ok := strings.Cut(spec, "-"); ok {
		s, err := strconv.Atoi(strings.TrimSpace(start))
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range start %q", start)
		}
		e, err := strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range end %q", end)
		}
		return PortRange{Start: s, End: e}, nil
	}
	p, err := strconv.Atoi(spec)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", spec)
	}
	return PortRange{Start: p, End: p}, nil
}

// Config is the full server configuration.
type Config struct {
	Addr     string
	BindHost string
	Ports    PortRange

	LastSeenTimeout time.Duration
	RequestTimeout  time.Duration
	QueueCapacity   int
	PollSlice       time.Duration
	PollAttempts    int
	SweepInterval   time.Duration
	CloseGrace      time.Duration

	RegisterRate   float64
	RegisterBurst  int
	MaxPollsPerIP  int
	TrustedProxies []string

	LogLevel  string
	LogFormat string
	LogFile   string
	AuditLog  string

	Redis RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Username string
	Password string
}

func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Addr:            constants.DefaultAddr,
		Ports:           PortRange{Start: constants.DefaultStartPort, End: constants.DefaultEndPort},
		LastSeenTimeout: constants.LastSeenTimeout,
		RequestTimeout:  constants.RequestTimeout,
		QueueCapacity:   constants.QueueCapacity,
		PollSlice:       constants.PollSlice,
		PollAttempts:    constants.PollAttempts,
		SweepInterval:   constants.SweepInterval,
		CloseGrace:      constants.CloseGrace,
		RegisterRate:    constants.DefaultRegisterRate,
		RegisterBurst:   constants.DefaultRegisterBurst,
		MaxPollsPerIP:   constants.MaxPollsPerIP,
		LogLevel:        "info",
		LogFormat:       "console",
		Redis:           RedisConfig{Port: "6379"},
	}
}

// Load returns the defaults overridden by environment variables.
func Load() *Config {
	c := Default()
	c.Addr = utils.GetEnv("TUNNEL_ADDR", c.Addr)
	c.BindHost = utils.GetEnv("TUNNEL_BIND_HOST", c.BindHost)
	c.Ports.Start = utils.GetEnvInt("TUNNEL_START_PORT", c.Ports.Start)
	c.Ports.End = utils.GetEnvInt("TUNNEL_END_PORT", c.Ports.End)
	c.LastSeenTimeout = utils.GetEnvDuration("TUNNEL_LAST_SEEN_TIMEOUT", c.LastSeenTimeout)
	c.RequestTimeout = utils.GetEnvDuration("TUNNEL_REQUEST_TIMEOUT", c.RequestTimeout)
	c.QueueCapacity = utils.GetEnvInt("TUNNEL_QUEUE_CAPACITY", c.QueueCapacity)
	c.PollSlice = utils.GetEnvDuration("TUNNEL_POLL_SLICE", c.PollSlice)
	c.PollAttempts = utils.GetEnvInt("TUNNEL_POLL_ATTEMPTS", c.PollAttempts)
	c.SweepInterval = utils.GetEnvDuration("TUNNEL_SWEEP_INTERVAL", c.SweepInterval)
	c.CloseGrace = utils.GetEnvDuration("TUNNEL_CLOSE_GRACE", c.CloseGrace)
	c.RegisterRate = utils.GetEnvFloat("TUNNEL_REGISTER_RATE", c.RegisterRate)
	c.RegisterBurst = utils.GetEnvInt("TUNNEL_REGISTER_BURST", c.RegisterBurst)
	c.MaxPollsPerIP = utils.GetEnvInt("TUNNEL_MAX_POLLS_PER_IP", c.MaxPollsPerIP)
	c.TrustedProxies = utils.GetEnvList("TUNNEL_TRUSTED_PROXIES")
	c.LogLevel = utils.GetEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = utils.GetEnv("LOG_FORMAT", c.LogFormat)
	c.LogFile = utils.GetEnv("LOG_FILE", c.LogFile)
	c.AuditLog = utils.GetEnv("AUDIT_LOG", c.AuditLog)
	c.Redis.Host = utils.GetEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = utils.GetEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Username = utils.GetEnv("REDIS_USERNAME", c.Redis.Username)
	c.Redis.Password = utils.GetEnv("REDIS_PASSWORD", c.Redis.Password)
	return c
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: empty listen address", ErrInvalidConfig)
	}
	if c.Ports.Start < constants.MinPort || c.Ports.End > constants.MaxPort {
		return fmt.Errorf("%w: port range %s outside %d-%d", ErrInvalidConfig, c.Ports, constants.MinPort, constants.MaxPort)
	}
	if c.Ports.Len() == 0 {
		return fmt.Errorf("%w: empty port range %s", ErrInvalidConfig, c.Ports)
	}

	durations := map[string]time.Duration{
		"last-seen timeout": c.LastSeenTimeout,
		"request timeout":   c.RequestTimeout,
		"poll slice":        c.PollSlice,
		"sweep interval":    c.SweepInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.CloseGrace < 0 {
		return fmt.Errorf("%w: close grace must not be negative", ErrInvalidConfig)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: queue capacity must be positive", ErrInvalidConfig)
	}
	if c.PollAttempts <= 0 {
		return fmt.Errorf("%w: poll attempts must be positive", ErrInvalidConfig)
	}
	if c.RegisterRate <= 0 || c.RegisterBurst <= 0 {
		return fmt.Errorf("%w: register rate and burst must be positive", ErrInvalidConfig)
	}
	if c.MaxPollsPerIP <= 0 {
		return fmt.Errorf("%w: max polls per ip must be positive", ErrInvalidConfig)
	}
	return nil
}
