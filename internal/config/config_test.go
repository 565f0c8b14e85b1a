package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portcullis.jsonc")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `{
		// bridge listener
		"server": {"address": ":9000", "data_dir": "/var/lib/portcullis"},
		"machines": [
			{"id": "dev-1", "kind": "static", "host": "10.0.0.5", "user": "agent", "private_key_path": "/etc/keys/dev-1"}
		],
		"backends": [
			{"name": "zed", "command": "zed", "args": ["--acp"], "env": {"NO_COLOR": "1"}}
		],
		"limits": {"handshake_timeout_seconds": 15, "max_sessions": 8, "reject_busy": true},
		"history": {"enabled": true, "retention_days": 7}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if len(cfg.Machines) != 1 || cfg.Machines[0].ID != "dev-1" {
		t.Errorf("machines = %+v", cfg.Machines)
	}
	if cfg.Limits.HandshakeTimeout() != 15*time.Second {
		t.Errorf("handshake timeout = %v", cfg.Limits.HandshakeTimeout())
	}
	if !cfg.Limits.RejectBusy || cfg.Limits.MaxSessions != 8 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.History.Retention() != 7*24*time.Hour {
		t.Errorf("retention = %v", cfg.History.Retention())
	}

	backends := cfg.SessionBackends()
	if b, ok := backends["zed"]; !ok || b.Command != "zed" || b.Env["NO_COLOR"] != "1" {
		t.Errorf("backends = %+v", backends)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"backends": [{"name": "zed", "command": "zed"}]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("default address = %q", cfg.Server.Address)
	}
	if cfg.Limits.HandshakeTimeout() != 30*time.Second {
		t.Errorf("default handshake timeout = %v", cfg.Limits.HandshakeTimeout())
	}
	if cfg.Limits.PermissionTimeout() != 60*time.Second {
		t.Errorf("default permission timeout = %v", cfg.Limits.PermissionTimeout())
	}
	if cfg.Limits.IdleTimeout() != 30*time.Minute {
		t.Errorf("default idle timeout = %v", cfg.Limits.IdleTimeout())
	}
	if cfg.History.SweepSchedule != "@every 30m" {
		t.Errorf("default sweep schedule = %q", cfg.History.SweepSchedule)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no backends", `{}`, "at least one backend"},
		{"missing command", `{"backends": [{"name": "zed"}]}`, "command is required"},
		{"duplicate backend", `{"backends": [{"name": "zed", "command": "a"}, {"name": "zed", "command": "b"}]}`, "duplicate backend"},
		{"bad json", `{"backends": [`, "parsing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestStripComments(t *testing.T) {
	in := []byte(`{
		// line comment
		"a": "value // not a comment",
		"esc": "quote \" then // still a string",
		/* block
		   comment */
		"b": 2
	}`)
	out := string(stripComments(in))
	if strings.Contains(out, "line comment") || strings.Contains(out, "block") {
		t.Errorf("comments survived: %s", out)
	}
	if !strings.Contains(out, "value // not a comment") {
		t.Errorf("string contents mangled: %s", out)
	}
	if !strings.Contains(out, `quote \" then // still a string`) {
		t.Errorf("escaped quote broke string tracking: %s", out)
	}
}

func TestFindConfigPathExplicitDir(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindConfigPath(dir); err == nil {
		t.Error("expected error for empty dir")
	}
	if err := os.WriteFile(filepath.Join(dir, "portcullis.jsonc"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	path, err := FindConfigPath(dir)
	if err != nil {
		t.Fatalf("FindConfigPath: %v", err)
	}
	if filepath.Base(path) != "portcullis.jsonc" {
		t.Errorf("path = %q", path)
	}
}
