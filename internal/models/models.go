package models

import "time"

// 用户角色，creator 可以在客户端创建活动（仅用于界面控制，不是权限边界）。
const (
	RoleUser    = "user"
	RoleCreator = "creator"
)

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
	Role      string `json:"role"`
	PushToken string `json:"-"`
}

// CanCreateEvents 只决定是否展示创建入口。
func (u User) CanCreateEvents() bool { return u.Role == RoleCreator }

type Event struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Location       string     `json:"location"`
	Date           string     `json:"date"`
	ImageURL       string     `json:"imageUrl"`
	Category       string     `json:"category"`
	Description    string     `json:"description"`
	Host           string     `json:"host"`
	JoinCount      int64      `json:"joinCount"`
	StartTimestamp *time.Time `json:"startTimestamp,omitempty"`
	DurationHours  int64      `json:"durationHours"`
}

// JoinedEvent 是 users/{uid}/joinedEvents/{eventId} 标记文档，存在即表示已加入。
type JoinedEvent struct {
	EventID  string     `json:"eventId"`
	JoinedAt *time.Time `json:"joinedAt,omitempty"`
}

type Group struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	RelatedEvent          string     `json:"relatedEvent"`
	MemberIDs             []string   `json:"memberIds"`
	GroupAvatarURL        string     `json:"groupAvatarUrl"`
	LastMessageText       string     `json:"lastMessageText"`
	LastMessageTimestamp  *time.Time `json:"lastMessageTimestamp,omitempty"`
	LastMessageSenderName string     `json:"lastMessageSenderName"`
}

// GroupReadStatus 是 groups/{gid}/readStatus/{uid}。
type GroupReadStatus struct {
	GroupID           string     `json:"groupId"`
	UserID            string     `json:"userId"`
	LastReadTimestamp *time.Time `json:"lastReadTimestamp,omitempty"`
}

type Message struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

type Report struct {
	ID             string     `json:"id"`
	ReportedUserID string     `json:"reportedUserId"`
	ReporterID     string     `json:"reporterId"`
	Reason         string     `json:"reason"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	Verified       bool       `json:"verified"`
}

// Connection 是 users/{uid}/connections/{connectedUid}。
type Connection struct {
	UserID      string     `json:"userId"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
}

// ConnectionForReport 是举报页面展示的一条连接。
type ConnectionForReport struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
	Reported  bool   `json:"reported"`
}

type NotificationType string

const (
	NotificationPrivateMessage NotificationType = "private_message"
	NotificationGroupMessage   NotificationType = "group_message"
	NotificationNewConnection  NotificationType = "new_connection"
	NotificationNewEvent       NotificationType = "new_event"
)

// ParseNotificationType 校验通知类型，未知类型返回 false。
func ParseNotificationType(s string) (NotificationType, bool) {
	switch t := NotificationType(s); t {
	case NotificationPrivateMessage, NotificationGroupMessage, NotificationNewConnection, NotificationNewEvent:
		return t, true
	}
	return "", false
}

type AppNotification struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
	Type      NotificationType `json:"type"`
	RelatedID string           `json:"relatedId"`
}

// GroupView 是附带未读标记的群组。
type GroupView struct {
	Group
	Unread bool `json:"unread"`
}

// EventView 是附带加入标记的活动。
type EventView struct {
	Event
	Joined bool `json:"joined"`
}

// Account 是登录凭据，保存在关系库中；ID 同时作为文档库中的 uid。
type Account struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Email        string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"-"`
}

// RefreshToken 支持轮换，撤销后 RevokedAt 非空。
type RefreshToken struct {
	ID        uint   `gorm:"primaryKey"`
	AccountID string `gorm:"index;size:36;not null"`
	Token     string `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}
