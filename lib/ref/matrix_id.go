// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// parseSigilID splits a sigil-prefixed Matrix identifier of the form
// "<sigil>localpart:server" into its localpart and server name parts.
// Returns an error if the string is empty, doesn't start with the
// expected sigil, has an empty localpart, or is missing the ':server'
// suffix.
func parseSigilID(sigil byte, raw string) (localpart, server string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty identifier")
	}
	if raw[0] != sigil {
		return "", "", fmt.Errorf("identifier must start with %q: %q", string(sigil), raw)
	}

	colonIndex := strings.IndexByte(raw[1:], ':')
	if colonIndex < 0 {
		return "", "", fmt.Errorf("identifier missing ':server' suffix: %q", raw)
	}
	if colonIndex == 0 {
		return "", "", fmt.Errorf("identifier has empty localpart: %q", raw)
	}

	localpart = raw[1 : 1+colonIndex]
	server = raw[1+colonIndex+1:]
	if server == "" {
		return "", "", fmt.Errorf("identifier has empty server name: %q", raw)
	}
	return localpart, server, nil
}
