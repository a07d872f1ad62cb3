package mapper

import (
	"testing"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestEvent_DefaultsForMissingFields(t *testing.T) {
	e := Event(docstore.Document{ID: "e1", Data: map[string]any{"title": 42, "joinCount": "x"}})

	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, "", e.Title, "mistyped field falls back to zero value")
	assert.Equal(t, int64(0), e.JoinCount)
	assert.Nil(t, e.StartTimestamp)
}

func TestEvent_AllFields(t *testing.T) {
	start := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	e := Event(docstore.Document{ID: "e1", Data: map[string]any{
		"title": "Run", "location": "Park", "date": "Jun 1", "imageUrl": "img",
		"category": "sport", "description": "d", "host": "h",
		"joinCount": int64(4), "startTimestamp": start, "durationHours": float64(2),
	}})

	assert.Equal(t, "Run", e.Title)
	assert.Equal(t, int64(4), e.JoinCount)
	assert.Equal(t, int64(2), e.DurationHours)
	if assert.NotNil(t, e.StartTimestamp) {
		assert.True(t, e.StartTimestamp.Equal(start))
	}
}

func TestGroup_MemberIDs(t *testing.T) {
	g := Group(docstore.Document{ID: "g1", Data: map[string]any{"memberIds": []any{"a", 1, "b"}}})
	assert.Equal(t, []string{"a", "b"}, g.MemberIDs)

	empty := Group(docstore.Document{ID: "g2", Data: map[string]any{}})
	assert.Empty(t, empty.MemberIDs)
	assert.Nil(t, empty.LastMessageTimestamp)
}

func TestReadStatus_IDsFromPath(t *testing.T) {
	r := ReadStatus(docstore.Document{ID: "u1", Path: "groups/g1/readStatus/u1", Data: map[string]any{}})
	assert.Equal(t, "g1", r.GroupID)
	assert.Equal(t, "u1", r.UserID)
	assert.Nil(t, r.LastReadTimestamp)
}

func TestUser_DefaultRole(t *testing.T) {
	u := User(docstore.Document{ID: "u1", Data: map[string]any{"name": "Ann"}})
	assert.Equal(t, models.RoleUser, u.Role)
	assert.False(t, u.CanCreateEvents())

	c := User(docstore.Document{ID: "u2", Data: map[string]any{"role": "creator"}})
	assert.True(t, c.CanCreateEvents())
}

func TestJoinedEvent_FallsBackToDocID(t *testing.T) {
	assert.Equal(t, "e9", JoinedEvent(docstore.Document{ID: "e9", Data: map[string]any{}}).EventID)
}

func TestNotification_UnknownType(t *testing.T) {
	n := Notification(docstore.Document{ID: "n1", Data: map[string]any{"type": "weird", "title": "t"}})
	assert.Equal(t, models.NotificationType(""), n.Type)

	n = Notification(docstore.Document{ID: "n2", Data: map[string]any{"type": "group_message"}})
	assert.Equal(t, models.NotificationGroupMessage, n.Type)
}

func TestAll_PreservesOrder(t *testing.T) {
	docs := []docstore.Document{{ID: "b"}, {ID: "a"}}
	got := All(docs, Message)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
}

func TestMessageData_UsesServerTimestamp(t *testing.T) {
	data := MessageData(models.Message{Text: "hi", SenderID: "u1", SenderName: "Ann"})
	assert.Equal(t, docstore.ServerTimestamp, data["timestamp"])
	assert.Equal(t, docstore.ServerTimestamp, LastMessageData(models.Message{Text: "hi"})["lastMessageTimestamp"])
}
