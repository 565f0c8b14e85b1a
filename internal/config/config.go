// Package config loads portcullis.jsonc, the single configuration file for
// the bridge: server settings, the machine catalog, agent backends, and
// operational limits.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/HyphaGroup/portcullis/internal/machine"
	"github.com/HyphaGroup/portcullis/internal/session"
)

// Config is the parsed portcullis.jsonc.
type Config struct {
	Server   ServerSection      `json:"server"`
	Machines []*machine.Machine `json:"machines"`
	Backends []BackendSection   `json:"backends"`
	Limits   LimitsSection      `json:"limits"`
	History  HistorySection     `json:"history"`
}

// ServerSection contains the listener and data locations.
type ServerSection struct {
	Address string `json:"address"`
	LogDir  string `json:"log_dir"`
	DataDir string `json:"data_dir"`
}

// BackendSection describes one agent CLI the bridge can run. The command
// must speak the session protocol on stdio.
type BackendSection struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// LimitsSection contains timeouts and capacity bounds. Durations are given
// in seconds.
type LimitsSection struct {
	HandshakeTimeoutSec  int     `json:"handshake_timeout_seconds"`
	PermissionTimeoutSec int     `json:"permission_timeout_seconds"`
	IdleTimeoutSec       int     `json:"idle_timeout_seconds"`
	MaxSessions          int     `json:"max_sessions"`
	EventLogSize         int     `json:"event_log_size"`
	CreateRatePerSec     float64 `json:"create_rate_per_second"`
	CreateBurst          int     `json:"create_burst"`
	RejectBusy           bool    `json:"reject_busy"`
}

// HistorySection controls the turn history store.
type HistorySection struct {
	Enabled       bool          `json:"enabled"`
	RetentionDays int           `json:"retention_days"`
	SweepSchedule string        `json:"sweep_schedule"` // cron spec for the cleanup pass
	Backup        BackupSection `json:"backup"`
}

// BackupSection controls snapshots of the history database.
type BackupSection struct {
	Enabled       bool   `json:"enabled"`
	Directory     string `json:"directory"`
	Retention     int    `json:"retention"` // snapshots to keep
	IntervalHours int    `json:"interval_hours"`
}

func (b BackupSection) Interval() time.Duration {
	return time.Duration(b.IntervalHours) * time.Hour
}

func (l LimitsSection) HandshakeTimeout() time.Duration {
	return time.Duration(l.HandshakeTimeoutSec) * time.Second
}

func (l LimitsSection) PermissionTimeout() time.Duration {
	return time.Duration(l.PermissionTimeoutSec) * time.Second
}

func (l LimitsSection) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutSec) * time.Second
}

func (h HistorySection) Retention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}

// SessionBackends converts the backend sections into the registry's map.
func (c *Config) SessionBackends() map[string]session.Backend {
	out := make(map[string]session.Backend, len(c.Backends))
	for _, b := range c.Backends {
		out[b.Name] = session.Backend{
			Name:    b.Name,
			Command: b.Command,
			Args:    b.Args,
			Env:     b.Env,
		}
	}
	return out
}

// FindConfigPath returns the path to portcullis.jsonc using precedence:
// 1. configDir/portcullis.jsonc (if configDir specified)
// 2. ./config/portcullis.jsonc (project-local)
// 3. ~/.portcullis/portcullis.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, "portcullis.jsonc")
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("portcullis.jsonc not found in %s", configDir)
		}
		return absOrSelf(path), nil
	}

	candidates := []string{
		filepath.Join("config", "portcullis.jsonc"),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".portcullis", "portcullis.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return absOrSelf(path), nil
		}
	}
	return "", fmt.Errorf("portcullis.jsonc not found; tried: %v", candidates)
}

func absOrSelf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// stripComments blanks // and /* */ comments out of JSONC so encoding/json
// can parse the rest. A small state machine walks the bytes; markers inside
// string literals pass through untouched.
func stripComments(data []byte) []byte {
	const (
		code = iota
		str
		strEscape
		lineComment
		blockComment
		blockCommentStar
	)

	out := make([]byte, 0, len(data))
	state := code
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch state {
		case code:
			if c == '"' {
				state = str
			} else if c == '/' && i+1 < len(data) && data[i+1] == '/' {
				state = lineComment
				i++
				continue
			} else if c == '/' && i+1 < len(data) && data[i+1] == '*' {
				state = blockComment
				i++
				continue
			}
			out = append(out, c)
		case str:
			if c == '\\' {
				state = strEscape
			} else if c == '"' {
				state = code
			}
			out = append(out, c)
		case strEscape:
			state = str
			out = append(out, c)
		case lineComment:
			if c == '\n' {
				state = code
				out = append(out, c)
			}
		case blockComment:
			if c == '*' {
				state = blockCommentStar
			}
		case blockCommentStar:
			if c == '/' {
				state = code
			} else if c != '*' {
				state = blockComment
			}
		}
	}
	return out
}

// Load reads and validates a portcullis.jsonc file.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(stripComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "data"
	}

	if cfg.Limits.HandshakeTimeoutSec == 0 {
		cfg.Limits.HandshakeTimeoutSec = 30
	}
	if cfg.Limits.PermissionTimeoutSec == 0 {
		cfg.Limits.PermissionTimeoutSec = 60
	}
	if cfg.Limits.IdleTimeoutSec == 0 {
		cfg.Limits.IdleTimeoutSec = 1800
	}
	if cfg.Limits.EventLogSize == 0 {
		cfg.Limits.EventLogSize = session.DefaultEventLogSize
	}
	if cfg.Limits.CreateRatePerSec == 0 {
		cfg.Limits.CreateRatePerSec = 1
	}
	if cfg.Limits.CreateBurst == 0 {
		cfg.Limits.CreateBurst = 5
	}

	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = 30
	}
	if cfg.History.SweepSchedule == "" {
		cfg.History.SweepSchedule = "@every 30m"
	}
	if cfg.History.Backup.Directory == "" {
		cfg.History.Backup.Directory = "backups"
	}
	if cfg.History.Backup.Retention == 0 {
		cfg.History.Backup.Retention = 7
	}
	if cfg.History.Backup.IntervalHours == 0 {
		cfg.History.Backup.IntervalHours = 24
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend name is required")
		}
		if b.Command == "" {
			return fmt.Errorf("backend %s: command is required", b.Name)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
	}
	// Machine entries validate themselves when the catalog is built; the
	// negative numbers that slip past JSON decoding are caught here.
	if c.Limits.MaxSessions < 0 {
		return fmt.Errorf("limits.max_sessions cannot be negative")
	}
	return nil
}
