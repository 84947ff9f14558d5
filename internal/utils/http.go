package utils

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var standardWebPorts = map[string]bool{"80": true, "443": true}

// IsDefaultPort returns true if the port is a standard web port (80, 443)
func IsDefaultPort(port string) bool {
	return standardWebPorts[port]
}

// ConstructURL builds a URL string and removes standard web ports if present
func ConstructURL(scheme, host, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		hostname, port = host, ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}

	if port == "" || IsDefaultPort(port) {
		return fmt.Sprintf("%s://%s%s", scheme, hostname, path)
	}

	return fmt.Sprintf("%s://%s:%s%s", scheme, hostname, port, path)
}

// NormalizeServerURL checks the tunnel server URL and strips trailing slashes.
func NormalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid server url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// Hostname returns the host part of a server URL without its port.
func Hostname(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
