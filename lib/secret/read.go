// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// maxSecretSize bounds how much we will read from a secret source.
// Passwords and access tokens are small; anything beyond this is a
// configuration mistake, not a secret.
const maxSecretSize = 1 << 20 // 1 MiB

// ReadFromPath reads secret material from a file path into a protected
// Buffer. The special path "-" reads from stdin, which supports
// pipelines like:
//
//	pass show matrix/bot | matrix-report-mention-bot --password-file -
//
// Trailing newlines are stripped, since file-based secrets almost
// always carry one from the editor or echo that produced them.
func ReadFromPath(path string) (*Buffer, error) {
	var reader io.Reader
	if path == "-" {
		reader = os.Stdin
	} else {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("secret: open %s: %w", path, err)
		}
		defer file.Close()
		reader = file
	}

	data, err := io.ReadAll(io.LimitReader(reader, maxSecretSize+1))
	if err != nil {
		return nil, fmt.Errorf("secret: read %s: %w", path, err)
	}
	if len(data) > maxSecretSize {
		Zero(data)
		return nil, fmt.Errorf("secret: %s exceeds %d bytes", path, maxSecretSize)
	}

	trimmed := strings.TrimRight(string(data), "\r\n")
	Zero(data)
	if trimmed == "" {
		return nil, fmt.Errorf("secret: %s is empty", path)
	}

	buffer, err := NewFromString(trimmed)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
