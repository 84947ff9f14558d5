package security

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"devtunnel/internal/constants"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	IP        string    `json:"ip,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Port      int       `json:"port,omitempty"`
	Details   string    `json:"details"`
	Severity  string    `json:"severity"`
}

// AuditLogger writes security relevant events as JSON lines. A nil
// *AuditLogger discards everything.
type AuditLogger struct {
	mu          sync.Mutex
	out         io.WriteCloser
	enc         *json.Encoder
	logCount    map[string]int
	windowStart time.Time
	now         func() time.Time
}

// OpenAuditLog appends to path; an empty path disables auditing.
func OpenAuditLog(path string) (*AuditLogger, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewAuditLogger(file), nil
}

func NewAuditLogger(out io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		out:         out,
		enc:         json.NewEncoder(out),
		logCount:    make(map[string]int),
		windowStart: time.Now(),
		now:         time.Now,
	}
}

func (al *AuditLogger) Log(event AuditEvent) {
	if al == nil {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()

	if now.Sub(al.windowStart) > time.Minute {
		al.windowStart = now
		al.logCount = make(map[string]int)
	}

	totalLogs := 0
	for _, count := range al.logCount {
		totalLogs += count
	}

	if totalLogs >= constants.MaxAuditLogsPerMinute {
		return
	}

	al.logCount[event.EventType]++
	event.Timestamp = now
	_ = al.enc.Encode(event)
}

func (al *AuditLogger) LogRegister(ip, userID string, port int) {
	al.Log(AuditEvent{
		EventType: "tunnel_register",
		IP:        ip,
		UserID:    userID,
		Port:      port,
		Details:   fmt.Sprintf("Tunnel registered for port %d", port),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogRegisterFailure(ip, userID, reason string) {
	al.Log(AuditEvent{
		EventType: "tunnel_register_failed",
		IP:        ip,
		UserID:    userID,
		Details:   reason,
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogClose(ip, userID string, port int) {
	al.Log(AuditEvent{
		EventType: "tunnel_close",
		IP:        ip,
		UserID:    userID,
		Port:      port,
		Details:   fmt.Sprintf("Tunnel closed, port %d released", port),
		Severity:  "info",
	})
}

func (al *AuditLogger) LogEviction(ip, evicted string, port int, by string) {
	al.Log(AuditEvent{
		EventType: "tunnel_evicted",
		IP:        ip,
		UserID:    evicted,
		Port:      port,
		Details:   fmt.Sprintf("Idle tunnel evicted from port %d for %s", port, by),
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogRateLimit(ip, userID, endpoint string) {
	al.Log(AuditEvent{
		EventType: "rate_limit",
		IP:        ip,
		UserID:    userID,
		Details:   "Rate limit exceeded on " + endpoint,
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogConnectionLimit(ip string) {
	al.Log(AuditEvent{
		EventType: "connection_limit",
		IP:        ip,
		Details:   "Connection limit exceeded",
		Severity:  "warning",
	})
}

func (al *AuditLogger) LogInvalidRequest(ip, path, reason string) {
	al.Log(AuditEvent{
		EventType: "invalid_request",
		IP:        ip,
		Details:   fmt.Sprintf("Invalid request to %s: %s", path, reason),
		Severity:  "warning",
	})
}

func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.out != nil {
		return al.out.Close()
	}
	return nil
}
