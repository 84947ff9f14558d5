package utils

import (
	"fmt"
	"net"
	"strconv"

	"devtunnel/internal/constants"
)

// ParseTarget reads the local application argument: a bare port or host:port.
func ParseTarget(arg string) (string, int, error) {
	var targetHost string
	var targetPort int

	if p, err := strconv.Atoi(arg); err == nil {
		targetHost = constants.LocalAppHost
		targetPort = p
	} else {
		host, portStr, err := net.SplitHostPort(arg)
		if err != nil {
			return "", 0, fmt.Errorf("invalid argument: %s", arg)
		}
		if host == "" {
			targetHost = constants.LocalAppHost
		} else {
			targetHost = host
		}
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port number: %s", portStr)
		}
		targetPort = p
	}

	if targetPort < constants.MinPort || targetPort > constants.MaxPort {
		return "", 0, fmt.Errorf("port number out of range: %d", targetPort)
	}

	return targetHost, targetPort, nil
}
