package security

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"devtunnel/internal/constants"
)

var ErrInvalidInput = errors.New("invalid input")

// ValidateUserID checks a tunnel user id: present, bounded, printable.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	if len(userID) > constants.MaxUserIDLength {
		return fmt.Errorf("%w: user id longer than %d bytes", ErrInvalidInput, constants.MaxUserIDLength)
	}
	for _, r := range userID {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character in user id", ErrInvalidInput)
		}
	}
	return nil
}

// ValidatePort checks if port is valid
func ValidatePort(port int) bool {
	return port >= constants.MinPort && port <= constants.MaxPort
}

// ParseClientVersion reads X-Tunnel-Client-Version; empty means version 1.
func ParseClientVersion(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return constants.DefaultClientVer, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: client version %q", ErrInvalidInput, v)
	}
	return n, nil
}

// ParsePreferredPort reads X-Tunnel-Preferred-Port; empty means no preference.
func ParsePreferredPort(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || !ValidatePort(n) {
		return 0, fmt.Errorf("%w: preferred port %q", ErrInvalidInput, v)
	}
	return n, nil
}

// SanitizeInput removes potentially dangerous characters
func SanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
