package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"devtunnel/internal/constants"
)

// Settings is the per-user client file. It keeps the user id parts stable
// across runs and remembers which server port each local port last had.
type Settings struct {
	User          string            `json:"user"`
	Host          string            `json:"host"`
	UserIDPostfix int               `json:"userIdPostfix"`
	LastUsedPorts map[string]string `json:"lastUsedPorts"`
}

// DefaultSettingsPath is dev-tunnel.conf in the home directory.
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, constants.SettingsFileName)
}

func newSettings() *Settings {
	name := os.Getenv("USER")
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}
	if name == "" {
		name = "unknown"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Settings{
		User:          name,
		Host:          host,
		UserIDPostfix: 100000 + rand.Intn(900000),
		LastUsedPorts: map[string]string{},
	}
}

// LoadSettings reads path, creating it with fresh defaults on first use.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s := newSettings()
		if err := s.Save(path); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if s.LastUsedPorts == nil {
		s.LastUsedPorts = map[string]string{}
	}
	return &s, nil
}

func (s *Settings) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// UserID is "<user>@<host>:<target-port>#<postfix>".
func (s *Settings) UserID(targetPort int) string {
	return fmt.Sprintf("%s@%s:%d#%d", s.User, s.Host, targetPort, s.UserIDPostfix)
}

func (s *Settings) PreferredPort(targetPort int) string {
	return s.LastUsedPorts[strconv.Itoa(targetPort)]
}

func (s *Settings) Remember(targetPort, serverPort int) {
	s.LastUsedPorts[strconv.Itoa(targetPort)] = strconv.Itoa(serverPort)
}
