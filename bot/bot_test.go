// Copyright 2026 The Matrix Report Mention Bot Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SpiritCroc/matrix-report-mention-bot/lib/clock"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/ref"
	"github.com/SpiritCroc/matrix-report-mention-bot/lib/store"
	"github.com/SpiritCroc/matrix-report-mention-bot/messaging"
)

var (
	botUser     = ref.MustParseUserID("@bot:example.org")
	alice       = ref.MustParseUserID("@alice:example.org")
	watchedRoom = ref.MustParseRoomID("!watched:example.org")
	testRoom    = ref.MustParseRoomID("!testroom:example.org")
	reportsRoom = ref.MustParseRoomID("!reports:example.org")
)

type sentMessage struct {
	roomID  ref.RoomID
	content messaging.MessageContent
}

type sentEvent struct {
	roomID    ref.RoomID
	eventType ref.EventType
	content   any
}

// fakeSession implements messaging.Session in memory. Sync responses
// are scripted; sends are recorded. Safe for the single Run goroutine
// plus test assertions guarded by mu.
type fakeSession struct {
	mu sync.Mutex

	joined    []ref.RoomID
	joinCalls []ref.RoomID
	messages  []sentMessage
	events    []sentEvent

	// sendErrs are consumed one per SendMessage call; nil entries
	// mean success.
	sendErrs []error

	// syncs are consumed one per Sync call. When exhausted, Sync
	// blocks until the context is cancelled.
	syncs []func(messaging.SyncOptions) (*messaging.SyncResponse, error)
}

func (s *fakeSession) UserID() ref.UserID { return botUser }
func (s *fakeSession) Close() error       { return nil }

func (s *fakeSession) WhoAmI(context.Context) (ref.UserID, error) { return botUser, nil }

func (s *fakeSession) ResolveAlias(context.Context, ref.RoomAlias) (ref.RoomID, error) {
	return ref.RoomID{}, nil
}

func (s *fakeSession) JoinRoom(_ context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinCalls = append(s.joinCalls, roomID)
	s.joined = append(s.joined, roomID)
	return roomID, nil
}

func (s *fakeSession) JoinedRooms(context.Context) ([]ref.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ref.RoomID(nil), s.joined...), nil
}

func (s *fakeSession) SendMessage(_ context.Context, roomID ref.RoomID, content messaging.MessageContent) (ref.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		if err != nil {
			return ref.EventID{}, err
		}
	}
	s.messages = append(s.messages, sentMessage{roomID: roomID, content: content})
	return ref.MustParseEventID("$report:example.org"), nil
}

func (s *fakeSession) SendEvent(_ context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentEvent{roomID: roomID, eventType: eventType, content: content})
	return ref.MustParseEventID("$reaction:example.org"), nil
}

func (s *fakeSession) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	s.mu.Lock()
	var next func(messaging.SyncOptions) (*messaging.SyncResponse, error)
	if len(s.syncs) > 0 {
		next = s.syncs[0]
		s.syncs = s.syncs[1:]
	}
	s.mu.Unlock()

	if next == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return next(options)
}

func (s *fakeSession) sentMessages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.messages...)
}

func (s *fakeSession) sentEvents() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.events...)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "bot.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testLaunch = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func newTestBot(t *testing.T, session *fakeSession, clk clock.Clock) *Bot {
	t.Helper()
	b, err := New(Config{
		Session:          session,
		Store:            openTestStore(t),
		WatchedRooms:     []ref.RoomID{watchedRoom},
		WatchedTestRooms: []ref.RoomID{testRoom},
		ReportRooms:      []ref.RoomID{reportsRoom},
		GracePeriod:      10 * time.Second,
		Clock:            clk,
		Logger:           slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func mentionEvent(id string, sender ref.UserID, sentAt time.Time) messaging.Event {
	return messaging.Event{
		EventID:        ref.MustParseEventID("$" + id + ":example.org"),
		Type:           ref.EventTypeMessage,
		Sender:         sender,
		OriginServerTS: sentAt.UnixMilli(),
		Content: map[string]any{
			"msgtype": "m.text",
			"body":    "hey @bot:example.org",
		},
	}
}

func batchSync(nextBatch string, roomID ref.RoomID, events ...messaging.Event) func(messaging.SyncOptions) (*messaging.SyncResponse, error) {
	return func(messaging.SyncOptions) (*messaging.SyncResponse, error) {
		return &messaging.SyncResponse{
			NextBatch: nextBatch,
			Rooms: messaging.RoomsSection{
				Join: map[ref.RoomID]messaging.JoinedRoom{
					roomID: {Timeline: messaging.TimelineSection{Events: events}},
				},
			},
		}, nil
	}
}

func TestRunReportsMention(t *testing.T) {
	fakeClock := clock.Fake(testLaunch)
	session := &fakeSession{
		joined: []ref.RoomID{watchedRoom, testRoom},
		syncs: []func(messaging.SyncOptions) (*messaging.SyncResponse, error){
			// Anchor sync, then one batch with a mention.
			batchSync("s1", watchedRoom),
			batchSync("s2", watchedRoom, mentionEvent("ping", alice, testLaunch.Add(time.Second))),
		},
	}
	b := newTestBot(t, session, fakeClock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	// Wait until the batch is fully processed (token persisted) so
	// cancellation cannot interrupt a store write mid-batch.
	waitFor(t, func() bool {
		token, err := b.store.SyncToken(context.Background())
		return err == nil && token == "s2"
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The bot was not in the report room and must have joined it.
	session.mu.Lock()
	joins := append([]ref.RoomID(nil), session.joinCalls...)
	session.mu.Unlock()
	if len(joins) != 1 || joins[0] != reportsRoom {
		t.Errorf("join calls = %v, want only report room", joins)
	}

	messages := session.sentMessages()
	if messages[0].roomID != reportsRoom {
		t.Errorf("report went to %s, want %s", messages[0].roomID, reportsRoom)
	}
	if !strings.Contains(messages[0].content.Body, "@alice:example.org") {
		t.Errorf("report body = %q", messages[0].content.Body)
	}
	if messages[0].content.Mentions == nil || !messages[0].content.Mentions.Room {
		t.Error("watched-room report missing @room mention")
	}

	events := session.sentEvents()
	if len(events) != 1 || events[0].eventType != ref.EventTypeReaction {
		t.Fatalf("events = %+v, want one reaction", events)
	}
	if events[0].roomID != watchedRoom {
		t.Errorf("reaction went to %s, want source room", events[0].roomID)
	}

	reported, err := b.store.IsReported(context.Background(), ref.MustParseEventID("$ping:example.org"))
	if err != nil {
		t.Fatal(err)
	}
	if !reported {
		t.Error("event not marked as reported")
	}

	token, err := b.store.SyncToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "s2" {
		t.Errorf("persisted sync token = %q, want s2", token)
	}
}

func TestRunTestRoomGetsNotice(t *testing.T) {
	fakeClock := clock.Fake(testLaunch)
	session := &fakeSession{
		joined: []ref.RoomID{watchedRoom, testRoom, reportsRoom},
		syncs: []func(messaging.SyncOptions) (*messaging.SyncResponse, error){
			batchSync("s1", testRoom),
			batchSync("s2", testRoom, mentionEvent("ping", alice, testLaunch.Add(time.Second))),
		},
	}
	b := newTestBot(t, session, fakeClock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	waitFor(t, func() bool {
		token, err := b.store.SyncToken(context.Background())
		return err == nil && token == "s2"
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	message := session.sentMessages()[0]
	if message.content.MsgType != "m.notice" {
		t.Errorf("MsgType = %q, want m.notice for test rooms", message.content.MsgType)
	}
	if message.content.Mentions != nil {
		t.Errorf("Mentions = %+v, want none for test rooms", message.content.Mentions)
	}
}

func TestHandleEventSkipsOwnAndStaleAndNonMention(t *testing.T) {
	fakeClock := clock.Fake(testLaunch)
	session := &fakeSession{}
	b := newTestBot(t, session, fakeClock)
	b.cutoff = testLaunch.Add(-10 * time.Second)
	ctx := context.Background()

	// Own message.
	if err := b.handleEvent(ctx, watchedRoom, mentionEvent("own", botUser, testLaunch)); err != nil {
		t.Fatal(err)
	}
	// Sent before the grace cutoff.
	if err := b.handleEvent(ctx, watchedRoom, mentionEvent("stale", alice, testLaunch.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}
	// No mention.
	plain := mentionEvent("plain", alice, testLaunch)
	plain.Content["body"] = "just chatting"
	if err := b.handleEvent(ctx, watchedRoom, plain); err != nil {
		t.Fatal(err)
	}
	// Mentions in notices (e.g. another bot's output) don't ping.
	notice := mentionEvent("notice", alice, testLaunch)
	notice.Content["msgtype"] = "m.notice"
	if err := b.handleEvent(ctx, watchedRoom, notice); err != nil {
		t.Fatal(err)
	}

	if got := len(session.sentMessages()); got != 0 {
		t.Errorf("sent %d reports, want 0", got)
	}
}

func TestHandleEventDeduplicates(t *testing.T) {
	fakeClock := clock.Fake(testLaunch)
	session := &fakeSession{}
	b := newTestBot(t, session, fakeClock)
	b.cutoff = testLaunch.Add(-10 * time.Second)
	ctx := context.Background()

	event := mentionEvent("ping", alice, testLaunch)
	if err := b.handleEvent(ctx, watchedRoom, event); err != nil {
		t.Fatal(err)
	}
	// Same event replayed, e.g. after a resume from an older token.
	if err := b.handleEvent(ctx, watchedRoom, event); err != nil {
		t.Fatal(err)
	}

	if got := len(session.sentMessages()); got != 1 {
		t.Errorf("sent %d reports, want 1", got)
	}
}

func TestHandleEventLeavesUnmarkedWhenAllReportsFail(t *testing.T) {
	fakeClock := clock.Fake(testLaunch)
	session := &fakeSession{
		sendErrs: []error{
			&messaging.MatrixError{Code: messaging.ErrCodeForbidden, StatusCode: 403},
		},
	}
	b := newTestBot(t, session, fakeClock)
	b.cutoff = testLaunch.Add(-10 * time.Second)
	ctx := context.Background()

	event := mentionEvent("ping", alice, testLaunch)
	if err := b.handleEvent(ctx, watchedRoom, event); err != nil {
		t.Fatal(err)
	}

	if got := len(session.sentEvents()); got != 0 {
		t.Errorf("sent %d reactions, want 0 when no report succeeded", got)
	}
	reported, err := b.store.IsReported(ctx, event.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if reported {
		t.Error("event marked reported although delivery failed")
	}
}

func TestSendReportRetriesAfterRateLimit(t *testing.T) {
	fakeClock := clock.Fake(testLaunch)
	session := &fakeSession{
		sendErrs: []error{
			&messaging.MatrixError{
				Code:         messaging.ErrCodeLimitExceeded,
				StatusCode:   429,
				RetryAfterMS: 2000,
			},
			nil,
		},
	}
	b := newTestBot(t, session, fakeClock)

	content := messaging.NewTextMessage("report")
	done := make(chan error, 1)
	go func() { done <- b.sendReport(context.Background(), reportsRoom, content) }()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(2 * time.Second)

	if err := <-done; err != nil {
		t.Fatalf("sendReport: %v", err)
	}
	if got := len(session.sentMessages()); got != 1 {
		t.Errorf("sent %d messages, want 1 after retry", got)
	}
}

// waitFor polls until the condition holds or the test times out.
func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
