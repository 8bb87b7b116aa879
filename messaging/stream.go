// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/SpiritCroc/matrix-report-mention-bot/lib/ref"
)

// StreamOptions configures a SyncStream.
type StreamOptions struct {
	// Rooms is the fixed set of rooms the stream delivers events
	// from. At least one is required. The /sync filter scopes to
	// exactly these rooms; events from other rooms the user happens
	// to be in are never transferred.
	Rooms []ref.RoomID

	// TimelineTypes restricts timeline events to these Matrix event
	// types (e.g., "m.room.message"). An empty slice means all
	// timeline types.
	TimelineTypes []string

	// TimelineLimit caps the number of timeline events per /sync
	// response per room. Zero means no explicit limit.
	TimelineLimit int

	// Resume is a saved sync position token. When empty, the stream
	// anchors at the current position with an immediate sync whose
	// events are discarded, so only events arriving after OpenStream
	// are delivered.
	Resume string

	// Logger receives retry diagnostics. If nil, slog.Default() is
	// used.
	Logger *slog.Logger
}

// buildInlineFilter constructs the inline JSON filter string for
// /sync. The filter scopes to the given rooms, suppresses state,
// presence, and account data, and optionally restricts timeline event
// types.
func buildInlineFilter(options StreamOptions) string {
	roomIDs := make([]string, len(options.Rooms))
	for index, roomID := range options.Rooms {
		roomIDs[index] = roomID.String()
	}

	roomFilter := map[string]any{
		"rooms": roomIDs,
		"state": map[string]any{"types": []string{}},
	}
	if len(options.TimelineTypes) > 0 {
		timeline := map[string]any{"types": options.TimelineTypes}
		if options.TimelineLimit > 0 {
			timeline["limit"] = options.TimelineLimit
		}
		roomFilter["timeline"] = timeline
	} else if options.TimelineLimit > 0 {
		roomFilter["timeline"] = map[string]any{"limit": options.TimelineLimit}
	}

	top := map[string]any{
		"room":         roomFilter,
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}

	data, _ := json.Marshal(top)
	return string(data)
}

// maxSyncRetries is the number of consecutive /sync failures allowed
// before Next returns an error. Each retry uses a 1-second
// server-side timeout so the HTTP round-trip itself provides backoff.
const maxSyncRetries = 5

// longPollTimeout is the server-side long-poll hold time in
// milliseconds for normal /sync calls. The server holds the
// connection for up to this duration, returning immediately when new
// events arrive. 30 seconds matches the Matrix client-server spec
// recommendation.
const longPollTimeout = 30000

// retryTimeout is the server-side timeout in milliseconds used after
// a /sync error. Short so the retry completes quickly and the next
// attempt can proceed.
const retryTimeout = 1000

// SyncStream consumes the Matrix /sync long-poll loop for a fixed set
// of rooms. Each Next call blocks until at least one watched room has
// new timeline events, then returns them grouped by room.
//
// All waiting uses /sync long-polling: the server holds the
// connection until new events arrive. There is no client-side polling
// interval.
//
// SyncStream is not safe for concurrent use by multiple goroutines.
type SyncStream struct {
	session   Session
	rooms     map[ref.RoomID]bool
	filter    string
	nextBatch string
	logger    *slog.Logger
}

// RoomEvents is one room's slice of a sync batch.
type RoomEvents struct {
	RoomID ref.RoomID
	Events []Event
}

// OpenStream creates a SyncStream over the given rooms.
//
// With an empty Resume token, this performs an immediate /sync
// (timeout=0) to obtain the current next_batch token without
// blocking. The events of that anchoring sync are discarded: the
// stream only delivers events arriving after this call. With a Resume
// token, the stream picks up at the saved position and the first Next
// call delivers everything since.
func OpenStream(ctx context.Context, session Session, options StreamOptions) (*SyncStream, error) {
	if len(options.Rooms) == 0 {
		return nil, fmt.Errorf("messaging: OpenStream requires at least one room")
	}
	for _, roomID := range options.Rooms {
		if roomID.IsZero() {
			return nil, fmt.Errorf("messaging: OpenStream requires non-zero room IDs")
		}
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rooms := make(map[ref.RoomID]bool, len(options.Rooms))
	for _, roomID := range options.Rooms {
		rooms[roomID] = true
	}

	stream := &SyncStream{
		session:   session,
		rooms:     rooms,
		filter:    buildInlineFilter(options),
		nextBatch: options.Resume,
		logger:    logger,
	}

	if stream.nextBatch == "" {
		response, err := session.Sync(ctx, SyncOptions{
			SetTimeout: true,
			Timeout:    0,
			Filter:     stream.filter,
		})
		if err != nil {
			return nil, fmt.Errorf("messaging: anchoring sync: %w", err)
		}
		stream.nextBatch = response.NextBatch
	}

	return stream, nil
}

// Next blocks until at least one watched room has new timeline
// events, then returns them grouped by room in deterministic (room
// ID) order. The stream position advances past the returned batch;
// read it with Position after processing.
//
// Uses a 30-second server-side long-poll hold, bounded by ctx. On
// transient /sync errors, retries up to 5 times with a 1-second
// server timeout (the HTTP round-trip provides backoff), dropping
// idle connections so the next attempt opens a fresh socket.
func (s *SyncStream) Next(ctx context.Context) ([]RoomEvents, error) {
	var syncRetries int

	for {
		// On retry after a sync error, use a short server-side
		// timeout (1s) so the HTTP round-trip itself provides
		// backoff. On first attempt or after success, use the normal
		// 30s long-poll hold.
		syncTimeout := longPollTimeout
		if syncRetries > 0 {
			syncTimeout = retryTimeout
		}
		response, err := s.session.Sync(ctx, SyncOptions{
			Since:      s.nextBatch,
			SetTimeout: true,
			Timeout:    syncTimeout,
			Filter:     s.filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("context cancelled waiting for events: %w", ctx.Err())
			}
			// A dead token cannot recover by retrying. Surface it so
			// the caller can fall back to a fresh login.
			if IsMatrixError(err, ErrCodeUnknownToken) {
				return nil, fmt.Errorf("messaging: sync rejected: %w", err)
			}
			syncRetries++
			// TCP-level errors (connection reset, EOF) often indicate
			// a poisoned connection in Go's HTTP pool. Drop idle
			// connections so the next attempt opens a fresh socket.
			if closer, ok := s.session.(interface{ CloseIdleConnections() }); ok {
				closer.CloseIdleConnections()
			}
			if syncRetries > maxSyncRetries {
				return nil, fmt.Errorf("sync failed %d consecutive times: %w", syncRetries, err)
			}
			s.logger.Debug("sync error, retrying",
				"attempt", syncRetries,
				"max_attempts", maxSyncRetries,
				"error", err,
			)
			continue
		}
		syncRetries = 0
		s.nextBatch = response.NextBatch

		var batch []RoomEvents
		for roomID, joined := range response.Rooms.Join {
			// The filter scopes /sync to the watched rooms, but a
			// server is free to return more. Drop anything outside
			// the watch set.
			if !s.rooms[roomID] || len(joined.Timeline.Events) == 0 {
				continue
			}
			batch = append(batch, RoomEvents{
				RoomID: roomID,
				Events: joined.Timeline.Events,
			})
		}
		if len(batch) == 0 {
			// The long poll returned without new events in any
			// watched room (hold expired, or activity elsewhere woke
			// the server). Poll again.
			continue
		}

		sort.Slice(batch, func(i, j int) bool {
			return batch[i].RoomID.String() < batch[j].RoomID.String()
		})
		return batch, nil
	}
}

// Position returns the current sync stream position token. Persist it
// after processing a batch so a restart resumes past it.
func (s *SyncStream) Position() string {
	return s.nextBatch
}
