package reconcile

import (
	"testing"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/models"
	"github.com/stretchr/testify/assert"
)

func at(sec int) *time.Time {
	t := time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC)
	return &t
}

func TestIsUnread(t *testing.T) {
	tests := []struct {
		name    string
		lastMsg *time.Time
		read    *models.GroupReadStatus
		want    bool
	}{
		{"no messages, never read", nil, nil, false},
		{"no messages, read before", nil, &models.GroupReadStatus{LastReadTimestamp: at(5)}, false},
		{"messages, never read", at(10), nil, true},
		{"messages, status without timestamp", at(10), &models.GroupReadStatus{}, true},
		{"read before last message", at(10), &models.GroupReadStatus{LastReadTimestamp: at(5)}, true},
		{"read at last message", at(10), &models.GroupReadStatus{LastReadTimestamp: at(10)}, false},
		{"read after last message", at(10), &models.GroupReadStatus{LastReadTimestamp: at(20)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := models.Group{ID: "g", LastMessageTimestamp: tt.lastMsg}
			assert.Equal(t, tt.want, IsUnread(g, tt.read))
		})
	}
}

// Property: a group without a last message is never unread, whatever the read status.
func TestIsUnread_NoMessageNeverUnread(t *testing.T) {
	for sec := 0; sec < 60; sec++ {
		g := models.Group{ID: "g"}
		assert.False(t, IsUnread(g, &models.GroupReadStatus{LastReadTimestamp: at(sec)}))
	}
	assert.False(t, IsUnread(models.Group{}, nil))
}

// Property: read >= lastMsg implies read.
func TestIsUnread_ReadAtOrAfterIsRead(t *testing.T) {
	for msg := 0; msg < 30; msg++ {
		for read := msg; read < 30; read++ {
			g := models.Group{LastMessageTimestamp: at(msg)}
			assert.False(t, IsUnread(g, &models.GroupReadStatus{LastReadTimestamp: at(read)}), "msg=%d read=%d", msg, read)
		}
	}
}

func TestGroupViews_UnreadScenario(t *testing.T) {
	groups := []models.Group{
		{ID: "g1", LastMessageTimestamp: at(10)},
		{ID: "g2", LastMessageTimestamp: at(10)},
		{ID: "g3"},
	}
	reads := ReadIndex(map[string][]models.GroupReadStatus{
		"g1": {{GroupID: "g1", UserID: "u1", LastReadTimestamp: at(5)}},
		"g2": {{GroupID: "g2", UserID: "u1", LastReadTimestamp: at(15)}},
		"g3": {{GroupID: "g3", UserID: "someone-else", LastReadTimestamp: at(1)}},
	}, "u1")

	views := GroupViews(groups, reads)
	assert.Len(t, views, 3)
	assert.True(t, views[0].Unread)
	assert.False(t, views[1].Unread)
	assert.False(t, views[2].Unread)
	_, ok := reads["g3"]
	assert.False(t, ok, "other users' status is ignored")
}

func TestEventViews_JoinedIsSetMembership(t *testing.T) {
	events := []models.Event{{ID: "e1"}, {ID: "e2"}, {ID: "e3"}}
	joined := JoinedSet([]models.JoinedEvent{{EventID: "e2"}, {EventID: "gone"}})

	views := EventViews(events, joined)
	assert.False(t, views[0].Joined)
	assert.True(t, views[1].Joined)
	assert.False(t, views[2].Joined)
	assert.Equal(t, "e1", views[0].ID, "event order is preserved")
}
