// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
login:
  homeserver_url: https://matrix.example.org
  mxid: "@bot:example.org"
  password_file: ${HOME}/secrets/bot-password
bot:
  report_rooms:
    - "!reports:example.org"
  watched_rooms:
    - "#support:example.org"
  watched_test_rooms:
    - "!test:example.org"
  grace_period: 30s
paths:
  data_dir: ${MENTIONBOT_DATA:-/var/lib/mention-bot}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("HOME", "/home/bot")
	os.Unsetenv("MENTIONBOT_DATA")

	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Login.HomeserverURL != "https://matrix.example.org" {
		t.Errorf("HomeserverURL = %q", cfg.Login.HomeserverURL)
	}
	if cfg.Login.MXID != "@bot:example.org" {
		t.Errorf("MXID = %q", cfg.Login.MXID)
	}
	if cfg.Login.DeviceName != DefaultDeviceName {
		t.Errorf("DeviceName = %q, want default %q", cfg.Login.DeviceName, DefaultDeviceName)
	}
	if cfg.Login.PasswordFile != "/home/bot/secrets/bot-password" {
		t.Errorf("PasswordFile = %q, ${HOME} not expanded", cfg.Login.PasswordFile)
	}
	if cfg.Bot.GracePeriod != 30*time.Second {
		t.Errorf("GracePeriod = %v", cfg.Bot.GracePeriod)
	}
	if cfg.Paths.DataDir != "/var/lib/mention-bot" {
		t.Errorf("DataDir = %q, ${VAR:-default} not expanded", cfg.Paths.DataDir)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFileVarFromEnvironment(t *testing.T) {
	t.Setenv("MENTIONBOT_DATA", "/srv/bot")

	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.DataDir != "/srv/bot" {
		t.Errorf("DataDir = %q, want env value", cfg.Paths.DataDir)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("MENTIONBOT_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Error("Load without MENTIONBOT_CONFIG succeeded, want error")
	}
}

func TestLoadFromEnvVar(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("MENTIONBOT_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Login.MXID != "@bot:example.org" {
		t.Errorf("MXID = %q", cfg.Login.MXID)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing homeserver",
			mutate: func(c *Config) { c.Login.HomeserverURL = "" },
			want:   "login.homeserver_url",
		},
		{
			name:   "bad homeserver scheme",
			mutate: func(c *Config) { c.Login.HomeserverURL = "ftp://example.org" },
			want:   "http or https",
		},
		{
			name:   "invalid mxid",
			mutate: func(c *Config) { c.Login.MXID = "bot:example.org" },
			want:   "login.mxid",
		},
		{
			name:   "no report rooms",
			mutate: func(c *Config) { c.Bot.ReportRooms = nil },
			want:   "bot.report_rooms",
		},
		{
			name: "no watched rooms at all",
			mutate: func(c *Config) {
				c.Bot.WatchedRooms = nil
				c.Bot.WatchedTestRooms = nil
			},
			want: "watched_rooms",
		},
		{
			name:   "room without sigil",
			mutate: func(c *Config) { c.Bot.WatchedRooms = []string{"support:example.org"} },
			want:   "must start with",
		},
		{
			name:   "negative grace period",
			mutate: func(c *Config) { c.Bot.GracePeriod = -time.Second },
			want:   "grace_period",
		},
		{
			name:   "missing data dir",
			mutate: func(c *Config) { c.Paths.DataDir = "" },
			want:   "paths.data_dir",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := validConfig()
			test.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q does not mention %q", err, test.want)
			}
		})
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Login.HomeserverURL = "https://matrix.example.org"
	cfg.Login.MXID = "@bot:example.org"
	cfg.Bot.ReportRooms = []string{"!reports:example.org"}
	cfg.Bot.WatchedRooms = []string{"#support:example.org"}
	cfg.Paths.DataDir = "/tmp/bot"
	return cfg
}

func TestEnsurePathsAndDerivedPaths(t *testing.T) {
	cfg := validConfig()
	cfg.Paths.DataDir = filepath.Join(t.TempDir(), "data")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	info, err := os.Stat(cfg.Paths.DataDir)
	if err != nil {
		t.Fatalf("data dir not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o700 {
		t.Errorf("data dir mode = %o, want 0700", got)
	}

	if got := cfg.SessionPath(); got != filepath.Join(cfg.Paths.DataDir, "session.json") {
		t.Errorf("SessionPath = %q", got)
	}
	if got := cfg.DatabasePath(); got != filepath.Join(cfg.Paths.DataDir, "bot.db") {
		t.Errorf("DatabasePath = %q", got)
	}
}
