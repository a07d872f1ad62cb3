package ws

import (
	"encoding/json"

	"github.com/infiniteflux/vibe-sub000/internal/live"
	"github.com/infiniteflux/vibe-sub000/internal/models"
	"github.com/infiniteflux/vibe-sub000/internal/service"
)

// Frame 是服务端下发的一帧。状态帧的 Type 是主题名，命令应答为 ack 或 error。
type Frame struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Command 是客户端上行的一条命令，Ref 原样带回应答帧。
type Command struct {
	Type           string `json:"type"`
	Ref            string `json:"ref"`
	GroupID        string `json:"groupId"`
	EventID        string `json:"eventId"`
	NotificationID string `json:"notificationId"`
	Text           string `json:"text"`
}

func encodeFrame(f Frame) ([]byte, error) { return json.Marshal(f) }

// topic 是一个可推送的状态：变化时重新编码当前值。
type topic struct {
	name  string
	frame func() ([]byte, error)
	watch func() (<-chan struct{}, func())
}

func topicOf[T any](name string, v *live.Value[T]) topic {
	return topic{
		name:  name,
		watch: v.Watch,
		frame: func() ([]byte, error) {
			return encodeFrame(Frame{Type: name, Data: v.Get()})
		},
	}
}

type messagesData struct {
	GroupID  string           `json:"groupId"`
	Messages []models.Message `json:"messages"`
}

func sessionTopics(s *service.Session) []topic {
	messages := s.Chat.Messages()
	return []topic{
		topicOf("events", s.Events.Views()),
		topicOf("groups", s.Chat.Views()),
		{
			name:  "messages",
			watch: messages.Watch,
			frame: func() ([]byte, error) {
				return encodeFrame(Frame{Type: "messages", Data: messagesData{
					GroupID:  s.Chat.OpenGroupID(),
					Messages: messages.Get(),
				}})
			},
		},
		topicOf("trending", s.Home.Trending()),
		topicOf("profile", s.Home.ProfileValue()),
		topicOf("notifications", s.Notifications.Notifications()),
		topicOf("wall", s.Reports.Wall()),
		topicOf("connections", s.Reports.Connections()),
	}
}
