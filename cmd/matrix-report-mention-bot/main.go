// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Command matrix-report-mention-bot watches Matrix rooms for mentions
// of its own account and forwards a report to a set of report rooms.
//
// Configuration is a YAML file, located via --config or the
// MENTIONBOT_CONFIG environment variable. The first run logs in with
// the configured password and persists the session to the data
// directory; later runs reuse the saved access token.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/SpiritCroc/matrix-report-mention-bot/bot"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/config"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/ref"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/secret"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/sessionfile"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/store"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/version"
	"github.com/SpiritCroc/matrix-report-mention-bot/messaging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var homeserverOverride string
	var logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("matrix-report-mention-bot", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (default: $MENTIONBOT_CONFIG)")
	flagSet.StringVar(&homeserverOverride, "homeserver", "", "override login.homeserver_url from the config")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println(version.Full())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, homeserverOverride)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting",
		"version", version.Info(),
		"homeserver", cfg.Login.HomeserverURL,
		"user", cfg.Login.MXID)

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Login.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	// Reachability probe before touching credentials: a wrong URL or
	// unreachable server fails here with a clear error.
	if _, err := client.ServerVersions(ctx); err != nil {
		return fmt.Errorf("homeserver %s is not reachable: %w", cfg.Login.HomeserverURL, err)
	}

	session, err := establishSession(ctx, client, cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	watched, err := resolveRooms(ctx, session, cfg.Bot.WatchedRooms)
	if err != nil {
		return fmt.Errorf("resolving watched rooms: %w", err)
	}
	testRooms, err := resolveRooms(ctx, session, cfg.Bot.WatchedTestRooms)
	if err != nil {
		return fmt.Errorf("resolving watched test rooms: %w", err)
	}
	reportRooms, err := resolveRooms(ctx, session, cfg.Bot.ReportRooms)
	if err != nil {
		return fmt.Errorf("resolving report rooms: %w", err)
	}

	reportStore, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}
	defer reportStore.Close()

	mentionBot, err := bot.New(bot.Config{
		Session:          session,
		Store:            reportStore,
		WatchedRooms:     watched,
		WatchedTestRooms: testRooms,
		ReportRooms:      reportRooms,
		GracePeriod:      cfg.Bot.GracePeriod,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	err = mentionBot.Run(ctx)
	if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
		// The homeserver invalidated the token mid-run. Discard the
		// saved session so the next start performs a fresh login.
		if removeErr := sessionfile.Remove(cfg.SessionPath()); removeErr != nil {
			logger.Warn("failed to remove stale session file", "error", removeErr)
		}
		return fmt.Errorf("access token invalidated, restart to log in again: %w", err)
	}
	return err
}

func loadConfig(path, homeserverOverride string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if homeserverOverride != "" {
		cfg.Login.HomeserverURL = homeserverOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// establishSession restores the saved session from the data directory
// if one exists and still authenticates, and performs a password login
// otherwise. A fresh login is persisted for the next start.
func establishSession(ctx context.Context, client *messaging.Client, cfg *config.Config, logger *slog.Logger) (*messaging.DirectSession, error) {
	saved, err := sessionfile.Load(cfg.SessionPath())
	switch {
	case err == nil:
		if saved.HomeserverURL != cfg.Login.HomeserverURL {
			logger.Warn("saved session is for a different homeserver, logging in again",
				"saved", saved.HomeserverURL,
				"configured", cfg.Login.HomeserverURL)
			break
		}
		session, err := client.SessionFromToken(saved.UserID, saved.DeviceID, saved.AccessToken)
		if err != nil {
			return nil, err
		}
		userID, err := session.WhoAmI(ctx)
		if err == nil {
			logger.Info("restored session", "user", userID, "device", saved.DeviceID)
			return session, nil
		}
		if !messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
			// Network trouble or a server error. Keep the saved
			// session rather than burning it on a transient failure.
			return nil, fmt.Errorf("validating saved session: %w", err)
		}
		logger.Info("saved access token is no longer valid, logging in again")
	case errors.Is(err, sessionfile.ErrNoSession):
		logger.Info("no saved session, logging in")
	default:
		return nil, err
	}

	password, err := loginPassword(cfg)
	if err != nil {
		return nil, err
	}
	defer password.Close()

	session, err := client.Login(ctx, cfg.Login.MXID, password, cfg.Login.DeviceName)
	if err != nil {
		return nil, err
	}

	if err := sessionfile.Save(cfg.SessionPath(), &sessionfile.Session{
		HomeserverURL: cfg.Login.HomeserverURL,
		UserID:        session.UserID(),
		DeviceID:      session.DeviceID(),
		AccessToken:   session.AccessToken(),
	}); err != nil {
		session.Close()
		return nil, fmt.Errorf("saving session: %w", err)
	}

	logger.Info("logged in", "user", session.UserID(), "device", session.DeviceID())
	return session, nil
}

// loginPassword obtains the account password from the configured file,
// the config value, or an interactive terminal prompt, in that order.
func loginPassword(cfg *config.Config) (*secret.Buffer, error) {
	if cfg.Login.PasswordFile != "" {
		return secret.ReadFromPath(cfg.Login.PasswordFile)
	}
	if cfg.Login.Password != "" {
		return secret.NewFromString(cfg.Login.Password)
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return nil, fmt.Errorf("no password configured and no terminal available for a prompt (set login.password_file)")
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", cfg.Login.MXID)
	passwordBytes, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}

	buffer, err := secret.NewFromBytes(passwordBytes)
	if err != nil {
		secret.Zero(passwordBytes)
		return nil, err
	}
	return buffer, nil
}

// resolveRooms parses each configured room target, resolving aliases
// through the homeserver. Config validation has already checked the
// sigils, so anything that is not an alias must be a room ID.
func resolveRooms(ctx context.Context, session messaging.Session, rooms []string) ([]ref.RoomID, error) {
	resolved := make([]ref.RoomID, 0, len(rooms))
	for _, room := range rooms {
		if strings.HasPrefix(room, "#") {
			alias, err := ref.ParseRoomAlias(room)
			if err != nil {
				return nil, err
			}
			roomID, err := session.ResolveAlias(ctx, alias)
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", room, err)
			}
			resolved = append(resolved, roomID)
			continue
		}
		roomID, err := ref.ParseRoomID(room)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, roomID)
	}
	return resolved, nil
}
