package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/db"
	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/docstore/gormstore"
	"github.com/infiniteflux/vibe-sub000/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(db.DriverSQLite, "file::memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

func newTestStore(t *testing.T) (*gormstore.Store, *gorm.DB) {
	t.Helper()
	gdb := newTestDB(t)
	s, err := gormstore.New(gdb)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, gdb
}

func seed(t *testing.T, s docstore.Store, path string, data map[string]any) {
	t.Helper()
	require.NoError(t, docstore.Set(context.Background(), s, path, data))
}

func TestChat_OpenGroupKeepsNewestFiftyMessages(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	chat := NewChatManager(store, "u1", DefaultOptions())
	defer chat.Stop()

	seed(t, store, "groups/g1", map[string]any{"name": "runners", "memberIds": []string{"u1"}})
	for i := 0; i < 51; i++ {
		require.NoError(t, chat.SendMessage(ctx, "g1", fmt.Sprintf("m%02d", i), "Ann"))
	}

	require.NoError(t, chat.OpenGroup(ctx, "g1"))
	assert.Equal(t, "g1", chat.OpenGroupID())
	require.Eventually(t, func() bool { return len(chat.Messages().Get()) == 50 }, waitFor, tick)

	msgs := chat.Messages().Get()
	assert.Equal(t, "m50", msgs[0].Text, "newest first")
	assert.Equal(t, "m01", msgs[49].Text, "oldest message is excluded")
	for _, m := range msgs {
		assert.Equal(t, "u1", m.SenderID)
		assert.NotNil(t, m.Timestamp)
	}

	chat.CloseGroup()
	assert.Empty(t, chat.Messages().Get())
	assert.Equal(t, "", chat.OpenGroupID())
}

func TestChat_SendMessageDenormalisesLastMessage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	chat := NewChatManager(store, "u1", DefaultOptions())

	seed(t, store, "groups/g1", map[string]any{"name": "runners", "memberIds": []string{"u1"}})
	require.NoError(t, chat.SendMessage(ctx, "g1", "  hello  ", "Ann"))

	doc, err := store.Get(ctx, "groups/g1")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Data["lastMessageText"])
	assert.Equal(t, "Ann", doc.Data["lastMessageSenderName"])

	msgs, err := store.Query(ctx, docstore.Collection("groups/g1/messages"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgs[0].Data["timestamp"], doc.Data["lastMessageTimestamp"], "written in the same commit")
}

func TestChat_Validation(t *testing.T) {
	store := &mockStore{}
	chat := NewChatManager(store, "u1", DefaultOptions())
	ctx := context.Background()

	assert.ErrorIs(t, chat.SendMessage(ctx, "g1", "   ", "Ann"), ErrInvalidInput)
	assert.ErrorIs(t, chat.SendMessage(ctx, "", "hi", "Ann"), ErrInvalidInput)
	assert.ErrorIs(t, chat.MarkRead(ctx, ""), ErrInvalidInput)
	assert.ErrorIs(t, chat.AddMember(ctx, "g1", ""), ErrInvalidInput)
	assert.ErrorIs(t, chat.SendMessage(ctx, "g1/messages/m1", "hi", "Ann"), ErrInvalidInput)
	assert.ErrorIs(t, chat.MarkRead(ctx, "g1/readStatus/u2"), ErrInvalidInput)
	assert.ErrorIs(t, chat.AddMember(ctx, "g1/messages/m1", "u2"), ErrInvalidInput)
	_, err := chat.CreateGroup(ctx, models.Group{Name: " "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	store.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
}

func TestChat_AddMemberIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	chat := NewChatManager(store, "u1", DefaultOptions())

	gid, err := chat.CreateGroup(ctx, models.Group{Name: "runners", MemberIDs: []string{"u1", "u2"}})
	require.NoError(t, err)
	require.NoError(t, chat.AddMember(ctx, gid, "u3"))
	require.NoError(t, chat.AddMember(ctx, gid, "u3"))

	doc, err := store.Get(ctx, docstore.Path("groups", gid))
	require.NoError(t, err)
	assert.Equal(t, []any{"u1", "u2", "u3"}, doc.Data["memberIds"])

	outsider := NewChatManager(store, "u9", DefaultOptions())
	assert.ErrorIs(t, outsider.AddMember(ctx, gid, "u9"), ErrNotMember)
}

func TestChat_UnreadFollowsMessagesAndReads(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	me := NewChatManager(store, "u1", DefaultOptions())
	other := NewChatManager(store, "u2", DefaultOptions())
	require.NoError(t, me.Start(ctx))
	defer me.Stop()

	gid, err := other.CreateGroup(ctx, models.Group{Name: "runners", MemberIDs: []string{"u1"}})
	require.NoError(t, err)

	unread := func(want bool) func() bool {
		return func() bool {
			views := me.Groups()
			return len(views) == 1 && views[0].ID == gid && views[0].Unread == want
		}
	}
	require.Eventually(t, unread(false), waitFor, tick, "no messages yet")

	require.NoError(t, other.SendMessage(ctx, gid, "hi", "Bob"))
	require.Eventually(t, unread(true), waitFor, tick, "never read")

	require.NoError(t, me.MarkRead(ctx, gid))
	require.Eventually(t, unread(false), waitFor, tick, "read after last message")

	require.NoError(t, other.SendMessage(ctx, gid, "again", "Bob"))
	require.Eventually(t, unread(true), waitFor, tick, "new message after read")
}

func TestEvents_ToggleRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	events := NewEventsManager(store, "u1", DefaultOptions())
	require.NoError(t, events.Start(ctx))
	defer events.Stop()

	seed(t, store, "events/e1", map[string]any{"title": "run", "joinCount": 0, "startTimestamp": time.Now()})
	require.Eventually(t, func() bool { return len(events.Events()) == 1 }, waitFor, tick)

	joined, err := events.ToggleJoin(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, joined)
	require.Eventually(t, func() bool {
		v := events.Events()
		return len(v) == 1 && v[0].Joined && v[0].JoinCount == 1
	}, waitFor, tick)

	joined, err = events.ToggleJoin(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, joined)
	require.Eventually(t, func() bool {
		v := events.Events()
		return len(v) == 1 && !v[0].Joined && v[0].JoinCount == 0
	}, waitFor, tick)

	_, err = store.Get(ctx, "users/u1/joinedEvents/e1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestEvents_ToggleBeforeFirstSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "events/e1", map[string]any{"title": "run", "joinCount": 1, "startTimestamp": time.Now()})
	seed(t, store, "users/u1/joinedEvents/e1", map[string]any{"eventId": "e1", "joinedAt": docstore.ServerTimestamp})

	events := NewEventsManager(store, "u1", DefaultOptions())
	require.NoError(t, events.Start(ctx))
	defer events.Stop()

	joined, err := events.ToggleJoin(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, joined, "an existing marker means the toggle leaves")

	doc, err := store.Get(ctx, "events/e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Data["joinCount"])
	_, err = store.Get(ctx, "users/u1/joinedEvents/e1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestSession_StartWaitsForFirstSnapshots(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "events/e1", map[string]any{"title": "run", "joinCount": 1, "startTimestamp": time.Now()})
	seed(t, store, "users/u1/joinedEvents/e1", map[string]any{"eventId": "e1", "joinedAt": docstore.ServerTimestamp})
	seed(t, store, "groups/g1", map[string]any{"name": "runners", "memberIds": []string{"u1"}})

	s := NewSession(store, "u1", DefaultOptions())
	require.NoError(t, s.Start(ctx))
	defer s.SignOut()

	v := s.Events.Events()
	require.Len(t, v, 1)
	assert.True(t, v[0].Joined)
	assert.Len(t, s.Chat.Groups(), 1)
	assert.Len(t, s.Home.Trending().Get(), 1)

	joined, err := s.Events.ToggleJoin(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, joined)
}

func TestWrites_MissingTargetsLeaveNoDocuments(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	events := NewEventsManager(store, "u1", DefaultOptions())
	chat := NewChatManager(store, "u1", DefaultOptions())

	_, err := events.ToggleJoin(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, events.Unjoin(ctx, "nope"), ErrInvalidInput)
	assert.ErrorIs(t, chat.SendMessage(ctx, "nope", "hi", "Ann"), ErrInvalidInput)

	for _, path := range []string{"events/nope", "users/u1/joinedEvents/nope", "groups/nope"} {
		_, err := store.Get(ctx, path)
		assert.ErrorIs(t, err, docstore.ErrNotFound, path)
	}
	msgs, err := store.Query(ctx, docstore.Collection("groups/nope/messages"))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestEvents_OrderedByStart(t *testing.T) {
	store, _ := newTestStore(t)
	events := NewEventsManager(store, "u1", DefaultOptions())
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seed(t, store, "events/late", map[string]any{"title": "b", "startTimestamp": base.Add(time.Hour)})
	seed(t, store, "events/early", map[string]any{"title": "a", "startTimestamp": base})
	seed(t, store, "events/undated", map[string]any{"title": "c"})

	require.NoError(t, events.Start(context.Background()))
	defer events.Stop()
	require.Eventually(t, func() bool { return len(events.Events()) == 2 }, waitFor, tick)
	v := events.Events()
	assert.Equal(t, "early", v[0].ID)
	assert.Equal(t, "late", v[1].ID)
}

func TestSession_CreateEventRequiresCreatorRole(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "users/u1", map[string]any{"name": "Ann", "role": "user"})
	seed(t, store, "users/u2", map[string]any{"name": "Cat", "role": "creator"})

	start := time.Now().Add(24 * time.Hour)

	_, err := NewSession(store, "u1", DefaultOptions()).CreateEvent(ctx, models.Event{Title: "run", StartTimestamp: &start})
	assert.ErrorIs(t, err, ErrNotCreator)

	creator := NewSession(store, "u2", DefaultOptions())
	require.NoError(t, creator.Start(ctx))
	defer creator.SignOut()
	id, err := creator.CreateEvent(ctx, models.Event{Title: "run", StartTimestamp: &start})
	require.NoError(t, err)
	doc, err := store.Get(ctx, docstore.Path("events", id))
	require.NoError(t, err)
	assert.Equal(t, "Cat", doc.Data["host"])
	assert.Equal(t, int64(0), doc.Data["joinCount"])
	require.Eventually(t, func() bool {
		v := creator.Events.Events()
		return len(v) == 1 && v[0].ID == id
	}, waitFor, tick, "a created event is published")

	_, err = creator.CreateEvent(ctx, models.Event{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = creator.CreateEvent(ctx, models.Event{Title: "undated"})
	assert.ErrorIs(t, err, ErrInvalidInput, "events without a start never show up in the list")
}

func TestHome_TrendingAndProfile(t *testing.T) {
	store, _ := newTestStore(t)
	seed(t, store, "users/u1", map[string]any{"name": "Ann", "role": "creator"})
	for _, title := range []string{"alpha", "delta", "bravo", "charlie"} {
		seed(t, store, "events/"+title, map[string]any{"title": title})
	}
	home := NewHomeManager(store, "u1", DefaultOptions())
	require.NoError(t, home.Start(context.Background()))
	defer home.Stop()

	require.Eventually(t, func() bool { return len(home.Trending().Get()) == 3 }, waitFor, tick)
	titles := []string{}
	for _, e := range home.Trending().Get() {
		titles = append(titles, e.Title)
	}
	assert.Equal(t, []string{"delta", "charlie", "bravo"}, titles)

	require.Eventually(t, home.CanCreateEvents, waitFor, tick)
	u, ok := home.Profile()
	assert.True(t, ok)
	assert.Equal(t, "Ann", u.Name)
}

func TestNotifications_Dismiss(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, store, "users/u1/notifications/n1", map[string]any{"title": "a", "type": "new_event", "timestamp": docstore.ServerTimestamp})
	seed(t, store, "users/u1/notifications/n2", map[string]any{"title": "b", "type": "group_message", "timestamp": docstore.ServerTimestamp})

	n := NewNotificationsManager(store, "u1", DefaultOptions())
	require.NoError(t, n.Start(ctx))
	defer n.Stop()
	require.Eventually(t, func() bool { return len(n.Notifications().Get()) == 2 }, waitFor, tick)
	assert.Equal(t, "n2", n.Notifications().Get()[0].ID, "newest first")

	require.NoError(t, n.Dismiss(ctx, "n2"))
	require.Eventually(t, func() bool {
		got := n.Notifications().Get()
		return len(got) == 1 && got[0].ID == "n1"
	}, waitFor, tick)
	assert.ErrorIs(t, n.Dismiss(ctx, ""), ErrInvalidInput)
}

func TestReports_ConnectionsInOrderWithReportedFlag(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"c3", "c1", "c2", "ghost"} {
		seed(t, store, "users/u1/connections/"+id, map[string]any{"connectedAt": docstore.ServerTimestamp})
	}
	seed(t, store, "users/c1", map[string]any{"name": "One", "avatarUrl": "a1"})
	seed(t, store, "users/c2", map[string]any{"name": "Two"})
	seed(t, store, "users/c3", map[string]any{"name": "Three"})

	opts := DefaultOptions()
	opts.ReportConcurrency = 2
	reports := NewReportsManager(store, "u1", opts)
	_, err := reports.SubmitReport(ctx, "c2", "spam")
	require.NoError(t, err)

	got, err := reports.ReportConnections(ctx)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"c3", "c1", "c2", "ghost"}, []string{got[0].UserID, got[1].UserID, got[2].UserID, got[3].UserID})
	assert.Equal(t, "One", got[1].Name)
	assert.Equal(t, "a1", got[1].AvatarURL)
	assert.True(t, got[2].Reported)
	assert.False(t, got[0].Reported)
	assert.Equal(t, "", got[3].Name, "missing profile falls back to defaults")
	assert.Equal(t, got, reports.Connections().Get())

	_, err = reports.SubmitReport(ctx, "u1", "self")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReports_WallShowsVerifiedOnly(t *testing.T) {
	store, _ := newTestStore(t)
	seed(t, store, "reports/r1", map[string]any{"reason": "spam", "verified": true})
	seed(t, store, "reports/r2", map[string]any{"reason": "rude", "verified": false})

	reports := NewReportsManager(store, "u1", DefaultOptions())
	require.NoError(t, reports.Start(context.Background()))
	defer reports.Stop()
	require.Eventually(t, func() bool { return len(reports.Wall().Get()) == 1 }, waitFor, tick)
	assert.Equal(t, "r1", reports.Wall().Get()[0].ID)
}

func TestSession_SignOutStopsEveryManager(t *testing.T) {
	store, _ := newTestStore(t)
	seed(t, store, "users/u1", map[string]any{"name": "Ann"})
	seed(t, store, "events/e1", map[string]any{"title": "run", "startTimestamp": time.Now()})
	seed(t, store, "groups/g1", map[string]any{"name": "runners", "memberIds": []string{"u1"}})

	never := NewSession(store, "u9", DefaultOptions())
	never.SignOut()
	never.SignOut()
	assert.False(t, never.Started())

	s := NewSession(store, "u1", DefaultOptions())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Chat.OpenGroup(context.Background(), "g1"))
	require.Eventually(t, func() bool {
		return len(s.Events.Events()) == 1 && len(s.Chat.Groups()) == 1 && len(s.Home.Trending().Get()) == 1
	}, waitFor, tick)
	assert.Positive(t, store.Watchers())

	s.SignOut()
	s.SignOut()
	assert.False(t, s.Started())
	assert.Empty(t, s.Events.Events())
	assert.Empty(t, s.Chat.Groups())
	assert.Empty(t, s.Chat.Messages().Get())
	assert.Empty(t, s.Home.Trending().Get())
	assert.Empty(t, s.Notifications.Notifications().Get())
	assert.Empty(t, s.Reports.Wall().Get())
	assert.Eventually(t, func() bool { return store.Watchers() == 0 }, waitFor, tick)

	// writes after sign-out are not published to the stopped managers
	seed(t, store, "events/e2", map[string]any{"title": "swim", "startTimestamp": time.Now()})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Events.Events())
}

func TestSessions_Registry(t *testing.T) {
	store, _ := newTestStore(t)
	reg := NewSessions(context.Background(), store, DefaultOptions())
	defer reg.Close()

	_, err := reg.Get("")
	assert.ErrorIs(t, err, ErrNotSignedIn)

	a, err := reg.Get("u1")
	require.NoError(t, err)
	b, err := reg.Get("u1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, reg.Count())

	reg.SignOut("u1")
	assert.Equal(t, 0, reg.Count())
	assert.False(t, a.Started())
	reg.SignOut("u1")
}

func TestSessions_EvictsIdleUnpinned(t *testing.T) {
	store, _ := newTestStore(t)
	opts := DefaultOptions()
	opts.IdleTimeout = time.Hour
	reg := NewSessions(context.Background(), store, opts)
	defer reg.Close()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	var evicted []string
	reg.OnEvict(func(s *Session) { evicted = append(evicted, s.UID) })

	idle, err := reg.Get("u1")
	require.NoError(t, err)
	pinned, release, err := reg.Acquire("u2")
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Sweep(), "nothing is idle yet")

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, reg.Sweep())
	assert.Equal(t, []string{"u1"}, evicted)
	assert.False(t, idle.Started())
	assert.True(t, pinned.Started(), "an open connection pins the session")
	_, ok := reg.Lookup("u1")
	assert.False(t, ok)

	release()
	release()
	assert.Equal(t, 0, reg.Sweep(), "release restarts the idle clock")
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, reg.Sweep())
	assert.False(t, pinned.Started())
	assert.Equal(t, 0, reg.Count())
	assert.Eventually(t, func() bool { return store.Watchers() == 0 }, waitFor, tick)
}

func TestSessions_GetRacingSignOutLeavesNoOrphans(t *testing.T) {
	store, _ := newTestStore(t)
	opts := DefaultOptions()
	opts.ReadyTimeout = 0
	reg := NewSessions(context.Background(), store, opts)
	defer reg.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.Get("u1")
		}()
		go func() {
			defer wg.Done()
			reg.SignOut("u1")
		}()
	}
	wg.Wait()

	reg.SignOut("u1")
	assert.Eventually(t, func() bool { return store.Watchers() == 0 }, waitFor, tick)
}

func TestWriter_ErrorPolicy(t *testing.T) {
	boom := errors.New("unavailable")
	store := &mockStore{}
	store.On("Commit", mock.Anything, mock.Anything).Return(boom)
	ctx := context.Background()

	swallow := NewNotificationsManager(store, "u1", DefaultOptions())
	assert.NoError(t, swallow.Dismiss(ctx, "n1"))

	opts := DefaultOptions()
	opts.PropagateWriteErrors = true
	propagate := NewNotificationsManager(store, "u1", opts)
	assert.ErrorIs(t, propagate.Dismiss(ctx, "n1"), boom)
	store.AssertNumberOfCalls(t, "Commit", 2)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, path string) (docstore.Document, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(docstore.Document), args.Error(1)
}

func (m *mockStore) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	args := m.Called(ctx, q)
	return args.Get(0).([]docstore.Document), args.Error(1)
}

func (m *mockStore) Subscribe(ctx context.Context, q docstore.Query) (*docstore.Subscription, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(*docstore.Subscription), args.Error(1)
}

func (m *mockStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	args := m.Called(ctx, collection, data)
	return args.String(0), args.Error(1)
}

func (m *mockStore) Commit(ctx context.Context, writes ...docstore.Write) error {
	return m.Called(ctx, writes).Error(0)
}

func (m *mockStore) Close() error { return nil }
