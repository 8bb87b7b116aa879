// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the bot.
//
// Configuration is loaded from a single YAML file specified by:
//   - MENTIONBOT_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// The only expansion performed is ${VAR} and ${VAR:-default} in path
// values for portability.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SpiritCroc/matrix-report-mention-bot/lib/ref"
)

// DefaultDeviceName is the Matrix device display name used when the
// config does not specify one.
const DefaultDeviceName = "report-mention-bot"

// DefaultGracePeriod is how far before launch an event may have been
// sent and still be reported. Events older than launch minus this
// duration are ignored, so a restart does not re-announce a backlog.
const DefaultGracePeriod = 10 * time.Second

// Config is the master configuration for the bot.
type Config struct {
	// Login configures homeserver access.
	Login LoginConfig `yaml:"login"`

	// Bot configures which rooms are watched and where reports go.
	Bot BotConfig `yaml:"bot"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`
}

// LoginConfig configures homeserver access.
type LoginConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver,
	// for example https://matrix.example.org.
	HomeserverURL string `yaml:"homeserver_url"`

	// MXID is the full Matrix user ID of the bot account.
	MXID string `yaml:"mxid"`

	// Password is the account password, used only when no saved
	// session exists or the saved token has been invalidated.
	// Prefer PasswordFile so the secret stays out of the config.
	Password string `yaml:"password"`

	// PasswordFile is a path to a file containing the password.
	// The special value "-" reads from stdin. Takes precedence
	// over Password when both are set.
	PasswordFile string `yaml:"password_file"`

	// DeviceName is the display name for the bot's Matrix device.
	// Default: report-mention-bot
	DeviceName string `yaml:"device_name"`
}

// BotConfig configures which rooms are watched and where reports go.
// Room values may be room IDs (!abc:server) or aliases (#room:server);
// aliases are resolved at startup.
type BotConfig struct {
	// ReportRooms receive a report message whenever the bot is
	// mentioned in a watched room. At least one is required.
	ReportRooms []string `yaml:"report_rooms"`

	// WatchedRooms are monitored for mentions of the bot's MXID.
	WatchedRooms []string `yaml:"watched_rooms"`

	// WatchedTestRooms behave like WatchedRooms, but their reports
	// are sent as notices without an @room mention. Useful for
	// verifying the pipeline without waking anyone up.
	WatchedTestRooms []string `yaml:"watched_test_rooms"`

	// GracePeriod is how far before launch an event may have been
	// sent and still be reported. Default: 10s.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// DataDir holds the bot's persistent state: the session file
	// and the report database.
	DataDir string `yaml:"data_dir"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file. They exist primarily to
// ensure all fields have sensible zero-values, not as a fallback -
// the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Login: LoginConfig{
			DeviceName: DefaultDeviceName,
		},
		Bot: BotConfig{
			GracePeriod: DefaultGracePeriod,
		},
		Paths: PathsConfig{
			DataDir: filepath.Join(homeDir, ".local", "share", "matrix-report-mention-bot"),
		},
	}
}

// Load loads configuration from the MENTIONBOT_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. If MENTIONBOT_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("MENTIONBOT_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("MENTIONBOT_CONFIG environment variable not set; " +
			"set it to the path of your config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values. The only expansion
// performed is ${VAR} and ${VAR:-default} in paths for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// path-valued fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.DataDir = expandVars(c.Paths.DataDir, vars)
	c.Login.PasswordFile = expandVars(c.Login.PasswordFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Login.HomeserverURL == "" {
		errs = append(errs, fmt.Errorf("login.homeserver_url is required"))
	} else if parsed, err := url.Parse(c.Login.HomeserverURL); err != nil {
		errs = append(errs, fmt.Errorf("login.homeserver_url: %w", err))
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		errs = append(errs, fmt.Errorf("login.homeserver_url must be http or https, got %q", parsed.Scheme))
	}

	if c.Login.MXID == "" {
		errs = append(errs, fmt.Errorf("login.mxid is required"))
	} else if _, err := ref.ParseUserID(c.Login.MXID); err != nil {
		errs = append(errs, fmt.Errorf("login.mxid: %w", err))
	}

	if len(c.Bot.ReportRooms) == 0 {
		errs = append(errs, fmt.Errorf("bot.report_rooms must list at least one room"))
	}
	if len(c.Bot.WatchedRooms) == 0 && len(c.Bot.WatchedTestRooms) == 0 {
		errs = append(errs, fmt.Errorf("at least one of bot.watched_rooms or bot.watched_test_rooms must be set"))
	}

	for _, field := range []struct {
		name  string
		rooms []string
	}{
		{"bot.report_rooms", c.Bot.ReportRooms},
		{"bot.watched_rooms", c.Bot.WatchedRooms},
		{"bot.watched_test_rooms", c.Bot.WatchedTestRooms},
	} {
		for _, room := range field.rooms {
			if err := validateRoomTarget(room); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", field.name, err))
			}
		}
	}

	if c.Bot.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("bot.grace_period must not be negative"))
	}

	if c.Paths.DataDir == "" {
		errs = append(errs, fmt.Errorf("paths.data_dir is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateRoomTarget accepts a room ID or a room alias.
func validateRoomTarget(room string) error {
	if room == "" {
		return fmt.Errorf("empty room entry")
	}
	switch room[0] {
	case '!':
		_, err := ref.ParseRoomID(room)
		return err
	case '#':
		_, err := ref.ParseRoomAlias(room)
		return err
	default:
		return fmt.Errorf("room %q must start with '!' (room ID) or '#' (alias)", room)
	}
}

// EnsurePaths creates the data directory if it does not exist.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Paths.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.DataDir, err)
	}
	return nil
}

// SessionPath returns the location of the saved session file.
func (c *Config) SessionPath() string {
	return filepath.Join(c.Paths.DataDir, "session.json")
}

// DatabasePath returns the location of the report database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "bot.db")
}
