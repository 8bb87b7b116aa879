// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessionfile persists the bot's Matrix session between runs,
// so a restart resumes with the saved access token instead of a fresh
// password login (which would create a new device every time).
//
// The session file contains the access token and is written with mode
// 0600 via an atomic rename, so a crash mid-write never leaves a
// truncated or world-readable file.
package sessionfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/SpiritCroc/matrix-report-mention-bot/lib/ref"
)

// ErrNoSession is returned by Load when no session file exists. The
// caller should fall back to a password login.
var ErrNoSession = errors.New("no saved session")

// Session is the persisted state of a Matrix login.
type Session struct {
	// HomeserverURL is the base URL the session was created against.
	// A mismatch with the configured homeserver invalidates the
	// saved session.
	HomeserverURL string `json:"homeserver_url"`

	// UserID is the authenticated Matrix user.
	UserID ref.UserID `json:"user_id"`

	// DeviceID identifies the device created by the login.
	DeviceID string `json:"device_id"`

	// AccessToken authenticates requests. Treat as a secret.
	AccessToken string `json:"access_token"`
}

// Load reads a saved session from path. Returns ErrNoSession if the
// file does not exist.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if session.AccessToken == "" || session.UserID.IsZero() {
		return nil, fmt.Errorf("session file %s is incomplete", path)
	}
	return &session, nil
}

// Save writes the session to path atomically with mode 0600. The
// write goes to a temporary file in the same directory, is fsynced,
// and then renamed over the destination.
func Save(path string, session *Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	data = append(data, '\n')

	directory := filepath.Dir(path)
	tmp, err := os.CreateTemp(directory, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting session file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing session file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("installing session file: %w", err)
	}

	// Fsync the directory so the rename survives a crash.
	if dir, err := os.Open(directory); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// Remove deletes the session file. Missing files are not an error, so
// Remove is safe to call after a token has been invalidated
// server-side.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}
