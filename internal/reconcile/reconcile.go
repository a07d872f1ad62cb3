// Package reconcile derives per-item flags from two independently updated
// collections: the unread flag of a group and the joined flag of an event.
package reconcile

import "github.com/infiniteflux/vibe-sub000/internal/models"

// IsUnread 判断群组是否有未读消息：必须存在最后消息，且从未读过
// 或最后消息晚于上次读取。时间相等视为已读。
func IsUnread(g models.Group, read *models.GroupReadStatus) bool {
	if g.LastMessageTimestamp == nil {
		return false
	}
	if read == nil || read.LastReadTimestamp == nil {
		return true
	}
	return g.LastMessageTimestamp.After(*read.LastReadTimestamp)
}

// IsJoined 以标记文档集合为准判断是否已加入。
func IsJoined(eventID string, joined map[string]struct{}) bool {
	_, ok := joined[eventID]
	return ok
}

// JoinedSet builds the joined-id set from the marker records.
func JoinedSet(markers []models.JoinedEvent) map[string]struct{} {
	out := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		out[m.EventID] = struct{}{}
	}
	return out
}

// ReadIndex keeps, per group, the read status of the signed-in user.
// Groups whose status document is absent are missing from the index.
func ReadIndex(byGroup map[string][]models.GroupReadStatus, uid string) map[string]models.GroupReadStatus {
	out := make(map[string]models.GroupReadStatus, len(byGroup))
	for gid, statuses := range byGroup {
		for _, s := range statuses {
			if s.UserID == uid {
				out[gid] = s
			}
		}
	}
	return out
}

// GroupViews 按群组原有顺序附加未读标记。
func GroupViews(groups []models.Group, reads map[string]models.GroupReadStatus) []models.GroupView {
	out := make([]models.GroupView, 0, len(groups))
	for _, g := range groups {
		var read *models.GroupReadStatus
		if r, ok := reads[g.ID]; ok {
			read = &r
		}
		out = append(out, models.GroupView{Group: g, Unread: IsUnread(g, read)})
	}
	return out
}

func EventViews(events []models.Event, joined map[string]struct{}) []models.EventView {
	out := make([]models.EventView, 0, len(events))
	for _, e := range events {
		out = append(out, models.EventView{Event: e, Joined: IsJoined(e.ID, joined)})
	}
	return out
}
