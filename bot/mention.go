// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"net/url"
	"strings"

	"github.com/SpiritCroc/matrix-report-mention-bot/lib/ref"
	"github.com/SpiritCroc/matrix-report-mention-bot/messaging"
)

// MentionsUser reports whether the message mentions the given user.
// Three signals count as a mention:
//
//   - the plain body contains the full user ID,
//   - the formatted body contains the user ID, either literally or in
//     its URL-escaped form as it appears inside matrix.to pill links
//     (clients render pills from the display name, so the raw user ID
//     only survives inside the href),
//   - the structured m.mentions user_ids list names the user.
func MentionsUser(content messaging.MessageContent, userID ref.UserID) bool {
	mxid := userID.String()

	if strings.Contains(content.Body, mxid) {
		return true
	}

	if content.FormattedBody != "" {
		if strings.Contains(content.FormattedBody, mxid) {
			return true
		}
		// matrix.to hrefs carry the user ID percent-encoded
		// (@ -> %40, : -> %3A); QueryEscape produces that form.
		if strings.Contains(content.FormattedBody, url.QueryEscape(mxid)) {
			return true
		}
	}

	if content.Mentions != nil {
		for _, mentioned := range content.Mentions.UserIDs {
			if mentioned == mxid {
				return true
			}
		}
	}

	return false
}
