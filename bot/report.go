// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"bytes"
	"fmt"
	"net/url"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/SpiritCroc/matrix-report-mention-bot/lib/ref"
	"github.com/SpiritCroc/matrix-report-mention-bot/messaging"
)

// markdown renders report text to the HTML carried in formatted_body.
// GFM autolinks turn the bare permalink into a clickable link.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// Permalink returns the matrix.to URL for an event, the standard way
// to link a specific message across clients.
func Permalink(roomID ref.RoomID, eventID ref.EventID) string {
	return "https://matrix.to/#/" + url.PathEscape(roomID.String()) + "/" + url.PathEscape(eventID.String())
}

// BuildReport composes the message sent to a report room for a
// mention. Reports for regular watched rooms are m.text with an @room
// mention so the report room's members get notified. Reports for test
// rooms are m.notice without the room mention, so the pipeline can be
// verified without waking anyone up.
func BuildReport(sender ref.UserID, roomID ref.RoomID, eventID ref.EventID, test bool) (messaging.MessageContent, error) {
	var source string
	if test {
		source = fmt.Sprintf("I was pinged by %s at %s, which is a test room so I won't bother you with a room ping this time",
			sender, Permalink(roomID, eventID))
	} else {
		source = fmt.Sprintf("@room: I was pinged by %s at %s", sender, Permalink(roomID, eventID))
	}

	var rendered bytes.Buffer
	if err := markdown.Convert([]byte(source), &rendered); err != nil {
		return messaging.MessageContent{}, fmt.Errorf("bot: rendering report: %w", err)
	}
	html := rendered.String()

	if test {
		return messaging.NewHTMLNotice(source, html), nil
	}
	content := messaging.NewHTMLMessage(source, html)
	content.Mentions = &messaging.Mentions{Room: true}
	return content, nil
}
