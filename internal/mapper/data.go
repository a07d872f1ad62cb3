package mapper

import (
	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/models"
)

// EventData 生成新建活动的文档内容，joinCount 从 0 开始。
func EventData(e models.Event) map[string]any {
	data := map[string]any{
		"title":         e.Title,
		"location":      e.Location,
		"date":          e.Date,
		"imageUrl":      e.ImageURL,
		"category":      e.Category,
		"description":   e.Description,
		"host":          e.Host,
		"joinCount":     int64(0),
		"durationHours": e.DurationHours,
	}
	if e.StartTimestamp != nil {
		data["startTimestamp"] = e.StartTimestamp.UTC()
	}
	return data
}

func JoinedEventData(eventID string) map[string]any {
	return map[string]any{"eventId": eventID, "joinedAt": docstore.ServerTimestamp}
}

func GroupData(g models.Group) map[string]any {
	members := g.MemberIDs
	if members == nil {
		members = []string{}
	}
	return map[string]any{
		"name":           g.Name,
		"relatedEvent":   g.RelatedEvent,
		"memberIds":      members,
		"groupAvatarUrl": g.GroupAvatarURL,
	}
}

// MessageData 的时间戳由存储在提交时赋值。
func MessageData(m models.Message) map[string]any {
	return map[string]any{
		"text":       m.Text,
		"senderId":   m.SenderID,
		"senderName": m.SenderName,
		"timestamp":  docstore.ServerTimestamp,
	}
}

// LastMessageData 是与消息同一次提交写入群组的反范式字段。
func LastMessageData(m models.Message) map[string]any {
	return map[string]any{
		"lastMessageText":       m.Text,
		"lastMessageTimestamp":  docstore.ServerTimestamp,
		"lastMessageSenderName": m.SenderName,
	}
}

func ReadStatusData() map[string]any {
	return map[string]any{"lastReadTimestamp": docstore.ServerTimestamp}
}

func UserData(u models.User) map[string]any {
	role := u.Role
	if role == "" {
		role = models.RoleUser
	}
	return map[string]any{
		"name":      u.Name,
		"avatarUrl": u.AvatarURL,
		"role":      role,
	}
}

func ReportData(r models.Report) map[string]any {
	return map[string]any{
		"reportedUserId": r.ReportedUserID,
		"reporterId":     r.ReporterID,
		"reason":         r.Reason,
		"timestamp":      docstore.ServerTimestamp,
		"verified":       false,
	}
}

func NotificationData(n models.AppNotification) map[string]any {
	return map[string]any{
		"title":     n.Title,
		"body":      n.Body,
		"type":      string(n.Type),
		"relatedId": n.RelatedID,
		"timestamp": docstore.ServerTimestamp,
	}
}

func ConnectionData() map[string]any {
	return map[string]any{"connectedAt": docstore.ServerTimestamp}
}
