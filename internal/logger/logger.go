package logger

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"devtunnel/internal/constants"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Field names shared by every component that logs session activity.
const (
	FieldUserID      = "userId"
	FieldPort        = "port"
	FieldRequestID   = "requestId"
	FieldRequester   = "requester"
	FieldStage       = "stage"
	FieldPolls       = "activePollCount"
	FieldRequests    = "activeRequestCount"
	FieldConnections = "activeConnectionCount"
	FieldErrors      = "tunnelErrorCount"
)

// New builds the root logger. format is "console" or "json".
func New(level, format string, out io.Writer) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(format) {
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: constants.TimeFormatLong}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", format)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// OpenFile opens path for appending, creating its directory when missing.
func OpenFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Session returns a child logger tagged with the tunnel identity.
func Session(l zerolog.Logger, userID string, port int) zerolog.Logger {
	return l.With().Str(FieldUserID, userID).Int(FieldPort, port).Logger()
}

// Stage returns a child logger tagged with a processing stage.
func Stage(l zerolog.Logger, stage string) zerolog.Logger {
	return l.With().Str(FieldStage, stage).Logger()
}

// IDHeaders adds every short "X-...-Id" header of h as a camelCase field,
// so X-Correlation-Id: abc becomes correlationId=abc.
func IDHeaders(c zerolog.Context, h http.Header) zerolog.Context {
	for name, values := range h {
		field, ok := IDField(name)
		if !ok || len(values) == 0 {
			continue
		}
		if len(values[0]) > constants.MaxMDCHeaderValue {
			continue
		}
		c = c.Str(field, values[0])
	}
	return c
}

// IDField maps an "X-Foo-Bar-Id" header name to "fooBarId".
func IDField(name string) (string, bool) {
	canonical := http.CanonicalHeaderKey(name)
	if !strings.HasPrefix(canonical, "X-") || !strings.HasSuffix(canonical, "-Id") || len(canonical) <= len("X--Id") {
		return "", false
	}
	parts := strings.Split(canonical[2:], "-")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		runes := []rune(strings.ToLower(p))
		if i > 0 {
			runes[0] = unicode.ToUpper(runes[0])
		}
		b.WriteString(string(runes))
	}
	return b.String(), b.Len() > 0
}
