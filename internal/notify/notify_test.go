package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
	docstore.Store
}

func (m *mockStore) Commit(ctx context.Context, writes ...docstore.Write) error {
	return m.Called(ctx, writes).Error(0)
}

func TestPayloadFor_UsesCategoryChannel(t *testing.T) {
	p := PayloadFor(models.AppNotification{Title: "Bob", Body: "hi", Type: models.NotificationGroupMessage, RelatedID: "g1"})
	assert.Equal(t, "Bob", p.Title)
	assert.Equal(t, "hi", p.Body)
	assert.Equal(t, "group_messages", p.ChannelID)
	assert.Equal(t, "g1", p.Data["relatedId"])

	assert.Equal(t, DefaultChannel.ID, PayloadFor(models.AppNotification{Title: "x"}).ChannelID)
	assert.Len(t, Channels(), 4)
}

func TestTokenRegistrar_BackoffGrowsAndCaps(t *testing.T) {
	r := NewTokenRegistrar(&mockStore{}, WithBackoff(time.Second, 5*time.Second), WithJitter(0))
	assert.Equal(t, time.Second, r.backoff(0))
	assert.Equal(t, 2*time.Second, r.backoff(1))
	assert.Equal(t, 5*time.Second, r.backoff(10))
	assert.Equal(t, time.Second, r.backoff(-1))

	jittered := NewTokenRegistrar(&mockStore{}, WithBackoff(time.Second, 5*time.Second))
	for i := 0; i < 20; i++ {
		d := jittered.backoff(1)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func TestTokenRegistrar_RetriesThenSucceeds(t *testing.T) {
	store := &mockStore{}
	store.On("Commit", mock.Anything, mock.Anything).Return(errors.New("unavailable")).Twice()
	store.On("Commit", mock.Anything, mock.Anything).Return(nil).Once()

	var waits []time.Duration
	r := NewTokenRegistrar(store,
		WithBackoff(time.Millisecond, time.Second),
		WithJitter(0),
		WithSleep(func(_ context.Context, d time.Duration) error { waits = append(waits, d); return nil }),
	)

	require.NoError(t, r.Refresh(context.Background(), "u1", " tok "))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
	store.AssertNumberOfCalls(t, "Commit", 3)

	writes := store.Calls[2].Arguments.Get(1).([]docstore.Write)
	require.Len(t, writes, 1)
	assert.Equal(t, "users/u1", writes[0].Path)
	assert.Equal(t, docstore.WriteMerge, writes[0].Kind)
	assert.Equal(t, "tok", writes[0].Data["pushToken"])
}

func TestTokenRegistrar_GivesUp(t *testing.T) {
	store := &mockStore{}
	store.On("Commit", mock.Anything, mock.Anything).Return(errors.New("unavailable"))
	r := NewTokenRegistrar(store, WithMaxAttempts(3),
		WithSleep(func(context.Context, time.Duration) error { return nil }))

	err := r.Refresh(context.Background(), "u1", "tok")
	require.Error(t, err)
	store.AssertNumberOfCalls(t, "Commit", 3)

	assert.ErrorIs(t, r.Refresh(context.Background(), "u1", "  "), ErrEmptyToken)
}

func TestTokenRegistrar_StopsOnClosedStore(t *testing.T) {
	store := &mockStore{}
	store.On("Commit", mock.Anything, mock.Anything).Return(docstore.ErrClosed)
	r := NewTokenRegistrar(store, WithSleep(func(context.Context, time.Duration) error { return nil }))

	assert.ErrorIs(t, r.Refresh(context.Background(), "u1", "tok"), docstore.ErrClosed)
	store.AssertNumberOfCalls(t, "Commit", 1)
}
