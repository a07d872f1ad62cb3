package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/infiniteflux/vibe-sub000/internal/auth"
	"github.com/infiniteflux/vibe-sub000/internal/metrics"
	"github.com/infiniteflux/vibe-sub000/internal/service"
	"github.com/rs/zerolog/log"
)

const (
	commandTimeout = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
)

var errUnknownCommand = errors.New("unknown command")

type Client struct {
	hub     *UserHub
	conn    *websocket.Conn
	send    chan []byte
	session *service.Session
	// release unpins the session once the connection is gone
	release func()
}

// newUpgrader 在未配置来源白名单时允许所有来源。
func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(origins) == 0 || origin == "" || slices.Contains(origins, origin)
		},
	}
}

// Serve 认证后启动（或复用）用户会话，并把连接挂到该用户的推送 Hub 上。
func Serve(h *Hub, sessions *service.Sessions, p auth.Provider, origins []string) gin.HandlerFunc {
	upgrader := newUpgrader(origins)
	return func(c *gin.Context) {
		token := auth.BearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		uid, err := p.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		session, release, err := sessions.Acquire(uid)
		if err != nil {
			log.Error().Err(err).Str("uid", uid).Msg("start session")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			release()
			return
		}
		client := &Client{hub: h.User(session), conn: conn, send: make(chan []byte, 256), session: session, release: release}
		if !client.hub.Register(client) {
			release()
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(c.Request.Context())
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
		if c.release != nil {
			c.release()
		}
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			continue
		}
		metrics.WsCommandsTotal.WithLabelValues(cmd.Type).Inc()
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		f := Dispatch(cctx, c.session, cmd)
		cancel()
		if b, err := encodeFrame(f); err == nil {
			c.hub.Reply(c, b)
		}
	}
}

// Dispatch 执行一条命令并返回应答帧。状态变化本身由主题推送，不在应答里。
func Dispatch(ctx context.Context, s *service.Session, cmd Command) Frame {
	data, err := execute(ctx, s, cmd)
	if err != nil {
		log.Debug().Err(err).Str("uid", s.UID).Str("command", cmd.Type).Msg("command failed")
		return Frame{Type: "error", Ref: cmd.Ref, Error: err.Error()}
	}
	return Frame{Type: "ack", Ref: cmd.Ref, Data: data}
}

func execute(ctx context.Context, s *service.Session, cmd Command) (any, error) {
	switch cmd.Type {
	case "open_group":
		return nil, s.OpenGroup(cmd.GroupID)
	case "close_group":
		s.Chat.CloseGroup()
		return nil, nil
	case "send_message":
		return nil, s.SendMessage(ctx, cmd.GroupID, cmd.Text)
	case "mark_read":
		return nil, s.Chat.MarkRead(ctx, cmd.GroupID)
	case "toggle_join":
		joined, err := s.Events.ToggleJoin(ctx, cmd.EventID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"eventId": cmd.EventID, "joined": joined}, nil
	case "dismiss_notification":
		return nil, s.Notifications.Dismiss(ctx, cmd.NotificationID)
	case "report_connections":
		return s.Reports.ReportConnections(ctx)
	}
	return nil, errUnknownCommand
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
