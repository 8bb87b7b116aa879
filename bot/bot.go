// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package bot watches Matrix rooms for mentions of the bot's own user
// ID and reports each mention to a set of report rooms.
//
// The bot consumes a messaging.SyncStream over the watched rooms. For
// every new m.room.message that mentions the bot, it sends a report
// (with a matrix.to permalink) to every report room, reacts to the
// original message with an envelope emoji when at least one report got
// through, and records the event in the store so a restart never
// reports it twice.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SpiritCroc/matrix-report-mention-bot/lib/clock"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/ref"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/store"
	"github.com/SpiritCroc/matrix-report-mention-bot/messaging"
)

// reactionKey is the emoji the bot attaches to a message once its
// mention has been reported.
const reactionKey = "\U0001F4E8" // 📨

// pruneInterval is how often old reported-event rows are removed.
const pruneInterval = 24 * time.Hour

// Config assembles a Bot. Session, Store, and at least one watched
// room plus one report room are required.
type Config struct {
	Session messaging.Session
	Store   *store.Store

	// WatchedRooms are monitored for mentions; their reports notify
	// the report rooms with an @room mention.
	WatchedRooms []ref.RoomID

	// WatchedTestRooms are monitored like WatchedRooms, but their
	// reports are sent as notices without the @room mention.
	WatchedTestRooms []ref.RoomID

	// ReportRooms receive one report message per detected mention.
	ReportRooms []ref.RoomID

	// GracePeriod extends the launch cutoff backwards: events sent up
	// to this long before launch are still reported. Covers messages
	// that arrived while the bot was restarting.
	GracePeriod time.Duration

	// Clock abstracts time for tests. If nil, clock.Real() is used.
	Clock clock.Clock

	// Logger receives structured progress and error logs. If nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// Bot is the mention-report loop. Create with New, start with Run.
type Bot struct {
	session   messaging.Session
	store     *store.Store
	watched   map[ref.RoomID]bool
	testRooms map[ref.RoomID]bool
	reportTo  []ref.RoomID
	grace     time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	// cutoff is set at Run: events whose origin timestamp falls
	// before it are ignored.
	cutoff time.Time
}

// New validates the configuration and returns a Bot.
func New(cfg Config) (*Bot, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("bot: Session is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("bot: Store is required")
	}
	if len(cfg.WatchedRooms) == 0 && len(cfg.WatchedTestRooms) == 0 {
		return nil, fmt.Errorf("bot: at least one watched room is required")
	}
	if len(cfg.ReportRooms) == 0 {
		return nil, fmt.Errorf("bot: at least one report room is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watched := make(map[ref.RoomID]bool, len(cfg.WatchedRooms))
	for _, roomID := range cfg.WatchedRooms {
		watched[roomID] = true
	}
	testRooms := make(map[ref.RoomID]bool, len(cfg.WatchedTestRooms))
	for _, roomID := range cfg.WatchedTestRooms {
		if watched[roomID] {
			return nil, fmt.Errorf("bot: room %s is both watched and watched-test", roomID)
		}
		testRooms[roomID] = true
	}

	return &Bot{
		session:   cfg.Session,
		store:     cfg.Store,
		watched:   watched,
		testRooms: testRooms,
		reportTo:  cfg.ReportRooms,
		grace:     cfg.GracePeriod,
		clock:     clk,
		logger:    logger,
	}, nil
}

// allWatched returns the union of watched and test rooms.
func (b *Bot) allWatched() []ref.RoomID {
	rooms := make([]ref.RoomID, 0, len(b.watched)+len(b.testRooms))
	for roomID := range b.watched {
		rooms = append(rooms, roomID)
	}
	for roomID := range b.testRooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Run joins the configured rooms, opens the sync stream, and
// processes mention events until ctx is cancelled. Returns nil on
// cancellation and an error on unrecoverable failures (persistent
// sync errors, invalidated token, store failures).
func (b *Bot) Run(ctx context.Context) error {
	b.cutoff = b.clock.Now().Add(-b.grace)

	if err := b.joinRooms(ctx); err != nil {
		return err
	}

	resume, err := b.store.SyncToken(ctx)
	if err != nil {
		return err
	}

	stream, err := messaging.OpenStream(ctx, b.session, messaging.StreamOptions{
		Rooms:         b.allWatched(),
		TimelineTypes: []string{ref.EventTypeMessage.String()},
		Resume:        resume,
		Logger:        b.logger,
	})
	if err != nil {
		return fmt.Errorf("bot: opening sync stream: %w", err)
	}
	if resume == "" {
		// Persist the anchor so a crash before the first event does
		// not replay history on the next start.
		if err := b.store.SetSyncToken(ctx, stream.Position()); err != nil {
			return err
		}
	}

	b.logger.Info("bot running",
		"user_id", b.session.UserID(),
		"watched_rooms", len(b.watched),
		"watched_test_rooms", len(b.testRooms),
		"report_rooms", len(b.reportTo),
		"resumed", resume != "",
	)

	b.pruneStore(ctx)
	pruneTicker := b.clock.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pruneTicker.C:
			b.pruneStore(ctx)
		default:
		}

		batch, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bot: sync stream: %w", err)
		}

		for _, roomEvents := range batch {
			for _, event := range roomEvents.Events {
				if err := b.handleEvent(ctx, roomEvents.RoomID, event); err != nil {
					return err
				}
			}
		}

		if err := b.store.SetSyncToken(ctx, stream.Position()); err != nil {
			return err
		}
	}
}

// joinRooms joins every watched and report room the bot is not
// already in. Join is idempotent server-side, but skipping known
// rooms avoids needless requests at every start.
func (b *Bot) joinRooms(ctx context.Context) error {
	joined, err := b.session.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("bot: listing joined rooms: %w", err)
	}
	member := make(map[ref.RoomID]bool, len(joined))
	for _, roomID := range joined {
		member[roomID] = true
	}

	for _, roomID := range append(b.allWatched(), b.reportTo...) {
		if member[roomID] {
			continue
		}
		if _, err := b.session.JoinRoom(ctx, roomID); err != nil {
			return fmt.Errorf("bot: joining %s: %w", roomID, err)
		}
		member[roomID] = true
		b.logger.Info("joined room", "room_id", roomID)
	}
	return nil
}

// handleEvent inspects one timeline event and reports it if it is a
// fresh, not-yet-reported mention of the bot. Store errors abort the
// run; report delivery failures are logged and the event stays
// unmarked so a later restart can retry it.
func (b *Bot) handleEvent(ctx context.Context, roomID ref.RoomID, event messaging.Event) error {
	if event.Sender == b.session.UserID() {
		return nil
	}

	content, ok := event.AsMessage()
	if !ok || content.MsgType != "m.text" {
		// Notices, emotes, and media cannot ping; only text messages
		// are inspected for mentions.
		return nil
	}

	sentAt := time.UnixMilli(event.OriginServerTS)
	if sentAt.Before(b.cutoff) {
		b.logger.Debug("ignoring event from before launch",
			"event_id", event.EventID,
			"room_id", roomID,
			"sent_at", sentAt,
		)
		return nil
	}

	if !MentionsUser(content, b.session.UserID()) {
		return nil
	}

	reported, err := b.store.IsReported(ctx, event.EventID)
	if err != nil {
		return err
	}
	if reported {
		b.logger.Debug("mention already reported", "event_id", event.EventID)
		return nil
	}

	b.logger.Info("mention detected",
		"event_id", event.EventID,
		"room_id", roomID,
		"sender", event.Sender,
		"test_room", b.testRooms[roomID],
	)

	report, err := BuildReport(event.Sender, roomID, event.EventID, b.testRooms[roomID])
	if err != nil {
		return err
	}

	delivered := 0
	for _, reportRoom := range b.reportTo {
		if err := b.sendReport(ctx, reportRoom, report); err != nil {
			b.logger.Error("report delivery failed",
				"report_room", reportRoom,
				"event_id", event.EventID,
				"error", err,
			)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		// Nothing got through. Leave the event unmarked so the next
		// run retries it.
		return nil
	}

	// Acknowledge in the source room. Failure here is cosmetic; the
	// report already went out.
	reaction := messaging.NewReaction(event.EventID, reactionKey)
	if _, err := b.session.SendEvent(ctx, roomID, ref.EventTypeReaction, reaction); err != nil {
		b.logger.Warn("reaction failed",
			"event_id", event.EventID,
			"room_id", roomID,
			"error", err,
		)
	}

	return b.store.MarkReported(ctx, event.EventID, roomID, b.clock.Now())
}

// sendReport sends one report message, honoring a single rate-limit
// backoff if the server asks for one.
func (b *Bot) sendReport(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) error {
	_, err := b.session.SendMessage(ctx, roomID, content)
	if err == nil {
		return nil
	}

	var matrixErr *messaging.MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.Code != messaging.ErrCodeLimitExceeded {
		return err
	}

	wait := matrixErr.RetryAfter()
	if wait <= 0 {
		wait = time.Second
	}
	b.logger.Warn("rate limited, retrying report",
		"room_id", roomID,
		"retry_after", wait,
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.After(wait):
	}

	_, err = b.session.SendMessage(ctx, roomID, content)
	return err
}

// pruneStore drops reported-event rows past the retention window.
func (b *Bot) pruneStore(ctx context.Context) {
	removed, err := b.store.Prune(ctx, b.clock.Now().Add(-store.DefaultRetention))
	if err != nil {
		b.logger.Error("store prune failed", "error", err)
		return
	}
	if removed > 0 {
		b.logger.Info("pruned reported events", "removed", removed)
	}
}
