// Package mapper converts store documents to typed records and back.
// Missing or mistyped fields take the zero value of the field; a mapper
// never fails.
package mapper

import (
	"strings"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/models"
)

// Func maps one document to a record.
type Func[T any] func(docstore.Document) T

// All applies f to every document, preserving order.
func All[T any](docs []docstore.Document, f Func[T]) []T {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		out = append(out, f(d))
	}
	return out
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func boolean(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}

func integer(data map[string]any, key string) int64 {
	switch n := data[key].(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

func timestamp(data map[string]any, key string) *time.Time {
	t, ok := data[key].(time.Time)
	if !ok {
		return nil
	}
	t = t.UTC()
	return &t
}

func stringList(data map[string]any, key string) []string {
	arr, _ := data[key].([]any)
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func Event(d docstore.Document) models.Event {
	return models.Event{
		ID:             d.ID,
		Title:          str(d.Data, "title"),
		Location:       str(d.Data, "location"),
		Date:           str(d.Data, "date"),
		ImageURL:       str(d.Data, "imageUrl"),
		Category:       str(d.Data, "category"),
		Description:    str(d.Data, "description"),
		Host:           str(d.Data, "host"),
		JoinCount:      integer(d.Data, "joinCount"),
		StartTimestamp: timestamp(d.Data, "startTimestamp"),
		DurationHours:  integer(d.Data, "durationHours"),
	}
}

// JoinedEvent 的 eventId 缺失时回退到文档 id。
func JoinedEvent(d docstore.Document) models.JoinedEvent {
	id := str(d.Data, "eventId")
	if id == "" {
		id = d.ID
	}
	return models.JoinedEvent{EventID: id, JoinedAt: timestamp(d.Data, "joinedAt")}
}

func Group(d docstore.Document) models.Group {
	return models.Group{
		ID:                    d.ID,
		Name:                  str(d.Data, "name"),
		RelatedEvent:          str(d.Data, "relatedEvent"),
		MemberIDs:             stringList(d.Data, "memberIds"),
		GroupAvatarURL:        str(d.Data, "groupAvatarUrl"),
		LastMessageText:       str(d.Data, "lastMessageText"),
		LastMessageTimestamp:  timestamp(d.Data, "lastMessageTimestamp"),
		LastMessageSenderName: str(d.Data, "lastMessageSenderName"),
	}
}

// ReadStatus maps groups/{gid}/readStatus/{uid}; the ids come from the path.
func ReadStatus(d docstore.Document) models.GroupReadStatus {
	var groupID string
	if parts := strings.Split(d.Path, "/"); len(parts) == 4 && parts[0] == "groups" {
		groupID = parts[1]
	}
	return models.GroupReadStatus{
		GroupID:           groupID,
		UserID:            d.ID,
		LastReadTimestamp: timestamp(d.Data, "lastReadTimestamp"),
	}
}

func Message(d docstore.Document) models.Message {
	return models.Message{
		ID:         d.ID,
		Text:       str(d.Data, "text"),
		SenderID:   str(d.Data, "senderId"),
		SenderName: str(d.Data, "senderName"),
		Timestamp:  timestamp(d.Data, "timestamp"),
	}
}

// User 缺失 role 时视为普通用户。
func User(d docstore.Document) models.User {
	role := str(d.Data, "role")
	if role == "" {
		role = models.RoleUser
	}
	return models.User{
		ID:        d.ID,
		Name:      str(d.Data, "name"),
		AvatarURL: str(d.Data, "avatarUrl"),
		Role:      role,
		PushToken: str(d.Data, "pushToken"),
	}
}

func Report(d docstore.Document) models.Report {
	return models.Report{
		ID:             d.ID,
		ReportedUserID: str(d.Data, "reportedUserId"),
		ReporterID:     str(d.Data, "reporterId"),
		Reason:         str(d.Data, "reason"),
		Timestamp:      timestamp(d.Data, "timestamp"),
		Verified:       boolean(d.Data, "verified"),
	}
}

func Connection(d docstore.Document) models.Connection {
	return models.Connection{UserID: d.ID, ConnectedAt: timestamp(d.Data, "connectedAt")}
}

// Notification 遇到未知类型时保留空类型，由调用方决定是否展示。
func Notification(d docstore.Document) models.AppNotification {
	typ, _ := models.ParseNotificationType(str(d.Data, "type"))
	return models.AppNotification{
		ID:        d.ID,
		Title:     str(d.Data, "title"),
		Body:      str(d.Data, "body"),
		Timestamp: timestamp(d.Data, "timestamp"),
		Type:      typ,
		RelatedID: str(d.Data, "relatedId"),
	}
}
