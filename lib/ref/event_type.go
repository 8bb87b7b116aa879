// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix timeline or state event type
// (e.g., "m.room.message", "m.reaction").
//
// EventType is a named string type, not a struct wrapper: event types
// are opaque identifiers that need no parsing or validation. The type
// exists purely for compile-time safety — preventing accidental use of
// an arbitrary string where an event type is expected.
type EventType string

// Event types the bot sends and receives.
const (
	EventTypeMessage  EventType = "m.room.message"
	EventTypeReaction EventType = "m.reaction"
)

// String returns the event type string (e.g., "m.room.message").
func (t EventType) String() string { return string(t) }
