package live

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockStore hands out subscriptions the test drives by hand.
type mockStore struct {
	mock.Mock

	mu   sync.Mutex
	subs map[string]*docstore.Subscription
}

func newMockStore() *mockStore {
	return &mockStore{subs: make(map[string]*docstore.Subscription)}
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
	if err := args.Error(0); err != nil {
		return nil, err
	}
	sub := docstore.NewSubscription(nil)
	m.mu.Lock()
	m.subs[q.Collection] = sub
	m.mu.Unlock()
	return sub, nil
}

func (m *mockStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	args := m.Called(ctx, collection, data)
	return args.String(0), args.Error(1)
}

func (m *mockStore) Commit(ctx context.Context, writes ...docstore.Write) error {
	return m.Called(ctx, writes).Error(0)
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) sub(collection string) *docstore.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[collection]
}

func docID(d docstore.Document) string { return d.ID }

func snapshot(ids ...string) docstore.Snapshot {
	docs := make([]docstore.Document, len(ids))
	for i, id := range ids {
		docs[i] = docstore.Document{ID: id}
	}
	return docstore.Snapshot{Docs: docs}
}

func TestValue_WatchCoalesces(t *testing.T) {
	v := NewValue(0)
	changes, cancel := v.Watch()
	defer cancel()

	v.Set(1)
	v.Set(2)
	<-changes
	assert.Equal(t, 2, v.Get())
	assert.Equal(t, uint64(2), v.Version())
	select {
	case <-changes:
		t.Fatal("signals should coalesce")
	default:
	}

	cancel()
	v.Set(3)
	select {
	case <-changes:
		t.Fatal("cancelled watcher must not be signalled")
	default:
	}
}

func TestFeed_PublishesEachSnapshotAsReplacement(t *testing.T) {
	store := newMockStore()
	store.On("Subscribe", mock.Anything, mock.Anything).Return(nil)
	f := NewFeed("events", store, docID)

	require.NoError(t, f.Start(context.Background(), docstore.Collection("events")))
	sub := store.sub("events")

	sub.Deliver(snapshot("a", "b"))
	assert.Eventually(t, func() bool { return len(f.Items()) == 2 }, time.Second, 5*time.Millisecond)

	sub.Deliver(snapshot("c"))
	assert.Eventually(t, func() bool {
		items := f.Items()
		return len(items) == 1 && items[0] == "c"
	}, time.Second, 5*time.Millisecond)

	// errors are swallowed; the feed keeps running
	sub.Fail(errors.New("permission denied"))
	sub.Deliver(snapshot("d", "e", "f"))
	assert.Eventually(t, func() bool { return len(f.Items()) == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.Running())
}

func TestFeed_StopIsIdempotentAndResets(t *testing.T) {
	store := newMockStore()
	store.On("Subscribe", mock.Anything, mock.Anything).Return(nil)
	f := NewFeed("events", store, docID)

	f.Stop() // never started
	assert.False(t, f.Running())

	require.NoError(t, f.Start(context.Background(), docstore.Collection("events")))
	sub := store.sub("events")
	sub.Deliver(snapshot("a"))
	assert.Eventually(t, func() bool { return len(f.Items()) == 1 }, time.Second, 5*time.Millisecond)

	f.Stop()
	f.Stop()
	assert.False(t, f.Running())
	assert.Empty(t, f.Items())
	assert.True(t, sub.Stopped())

	assert.False(t, sub.Deliver(snapshot("late")), "nothing is delivered after stop")
	assert.Empty(t, f.Items())
}

func TestFeed_StartReplacesRunningSubscription(t *testing.T) {
	store := newMockStore()
	store.On("Subscribe", mock.Anything, mock.Anything).Return(nil)
	f := NewFeed("messages", store, docID)

	require.NoError(t, f.Start(context.Background(), docstore.Collection("groups/g1/messages")))
	first := store.sub("groups/g1/messages")
	require.NoError(t, f.Start(context.Background(), docstore.Collection("groups/g2/messages")))

	assert.True(t, first.Stopped(), "at most one live subscription per feed")
	assert.False(t, store.sub("groups/g2/messages").Stopped())
	f.Stop()
}

func TestFeed_ReadyAfterFirstSnapshot(t *testing.T) {
	store := newMockStore()
	store.On("Subscribe", mock.Anything, mock.Anything).Return(nil)
	f := NewFeed("events", store, docID)

	assert.False(t, f.Ready())
	assert.ErrorIs(t, f.WaitReady(context.Background()), ErrStopped)

	require.NoError(t, f.Start(context.Background(), docstore.Collection("events")))
	assert.False(t, f.Ready(), "not ready before the first snapshot")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, f.WaitReady(ctx), context.DeadlineExceeded)
	cancel()

	store.sub("events").Deliver(snapshot())
	require.NoError(t, f.WaitReady(context.Background()))
	assert.True(t, f.Ready(), "an empty result set still counts")

	f.Stop()
	assert.False(t, f.Ready())
}

func TestFeed_WaitReadyEndsOnStop(t *testing.T) {
	store := newMockStore()
	store.On("Subscribe", mock.Anything, mock.Anything).Return(nil)
	f := NewFeed("events", store, docID)
	require.NoError(t, f.Start(context.Background(), docstore.Collection("events")))

	errCh := make(chan error, 1)
	go func() { errCh <- f.WaitReady(context.Background()) }()
	f.Stop()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("WaitReady did not return after Stop")
	}
}

func TestFeed_StartError(t *testing.T) {
	store := newMockStore()
	store.On("Subscribe", mock.Anything, mock.Anything).Return(docstore.ErrClosed)
	f := NewFeed("events", store, docID)

	err := f.Start(context.Background(), docstore.Collection("events"))
	assert.True(t, errors.Is(err, docstore.ErrClosed))
	assert.False(t, f.Running())
}

func TestFeedSet_Reconcile(t *testing.T) {
	store := newMockStore()
	store.On("Subscribe", mock.Anything, mock.Anything).Return(nil)
	set := NewFeedSet("readStatus", store, docID, func(gid string) docstore.Query {
		return docstore.Collection(docstore.Path("groups", gid, "readStatus"))
	})
	ctx := context.Background()

	set.Reconcile(ctx, []string{"g1", "g2"})
	assert.ElementsMatch(t, []string{"g1", "g2"}, set.Keys())

	store.sub("groups/g1/readStatus").Deliver(snapshot("u1"))
	assert.Eventually(t, func() bool { return len(set.Value().Get()["g1"]) == 1 }, time.Second, 5*time.Millisecond)

	g2 := store.sub("groups/g2/readStatus")
	set.Reconcile(ctx, []string{"g1"})
	assert.True(t, g2.Stopped())
	_, ok := set.Value().Get()["g2"]
	assert.False(t, ok)

	set.Stop()
	set.Stop()
	assert.Empty(t, set.Keys())
	assert.Empty(t, set.Value().Get())
	assert.True(t, store.sub("groups/g1/readStatus").Stopped())
}

func TestCombineLatest_RecomputesOnEitherInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewValue(1)
	b := NewValue("x")
	out := CombineLatest(ctx, a, b, func(n int, s string) string {
		return s + string(rune('0'+n))
	})
	assert.Equal(t, "x1", out.Get())

	a.Set(2)
	assert.Eventually(t, func() bool { return out.Get() == "x2" }, time.Second, 5*time.Millisecond)
	b.Set("y")
	assert.Eventually(t, func() bool { return out.Get() == "y2" }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	a.Set(3)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "y2", out.Get(), "no updates after ctx is done")
}
