// Package notify covers push notifications: the per-category channel
// taxonomy, the payload a push carries and push-token registration.
package notify

import "github.com/infiniteflux/vibe-sub000/internal/models"

// Channel 对应客户端的推送通知分类。
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Importance  string `json:"importance"`
}

var channels = map[models.NotificationType]Channel{
	models.NotificationPrivateMessage: {ID: "private_messages", Name: "Private messages", Description: "Direct messages from your connections", Importance: "high"},
	models.NotificationGroupMessage:   {ID: "group_messages", Name: "Group messages", Description: "New messages in your groups", Importance: "high"},
	models.NotificationNewConnection:  {ID: "new_connections", Name: "New connections", Description: "People who connected with you", Importance: "default"},
	models.NotificationNewEvent:       {ID: "new_events", Name: "New events", Description: "Events published by creators", Importance: "default"},
}

// DefaultChannel receives notifications of unknown type.
var DefaultChannel = Channel{ID: "general", Name: "General", Description: "Other notifications", Importance: "default"}

func ChannelFor(t models.NotificationType) Channel {
	if c, ok := channels[t]; ok {
		return c
	}
	return DefaultChannel
}

// Channels lists every category channel in a stable order.
func Channels() []Channel {
	return []Channel{
		channels[models.NotificationPrivateMessage],
		channels[models.NotificationGroupMessage],
		channels[models.NotificationNewConnection],
		channels[models.NotificationNewEvent],
	}
}

// Payload is what a push carries: title, body and the channel to post on.
type Payload struct {
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	ChannelID string            `json:"channelId"`
	Data      map[string]string `json:"data,omitempty"`
}

func PayloadFor(n models.AppNotification) Payload {
	p := Payload{Title: n.Title, Body: n.Body, ChannelID: ChannelFor(n.Type).ID}
	if n.RelatedID != "" || n.Type != "" {
		p.Data = map[string]string{"type": string(n.Type), "relatedId": n.RelatedID}
	}
	return p
}
