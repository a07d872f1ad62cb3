package ws

import (
	"sync"
	"sync/atomic"

	"github.com/infiniteflux/vibe-sub000/internal/metrics"
	"github.com/infiniteflux/vibe-sub000/internal/service"
	"github.com/rs/zerolog/log"
)

// Hub 按用户管理推送子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu    sync.RWMutex
	users map[string]*UserHub
}

func NewHub() *Hub { return &Hub{users: make(map[string]*UserHub)} }

// User 返回会话对应的 UserHub；会话被替换（重新登录）时旧的子 Hub 会被停止。
func (h *Hub) User(s *service.Session) *UserHub {
	h.mu.RLock()
	uh := h.users[s.UID]
	h.mu.RUnlock()
	if uh != nil && uh.session == s {
		return uh
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	uh = h.users[s.UID]
	if uh != nil && uh.session == s {
		return uh
	}
	if uh != nil {
		uh.Stop()
	}
	uh = NewUserHub(s.UID, sessionTopics(s)...)
	uh.session = s
	h.users[s.UID] = uh
	uh.Start()
	return uh
}

func (h *Hub) Online(uid string) int {
	h.mu.RLock()
	uh := h.users[uid]
	h.mu.RUnlock()
	if uh == nil {
		return 0
	}
	return uh.Online()
}

// Drop 断开用户的全部连接，用于登出。
func (h *Hub) Drop(uid string) {
	h.mu.Lock()
	uh := h.users[uid]
	delete(h.users, uid)
	h.mu.Unlock()
	if uh != nil {
		uh.Stop()
	}
}

// DropSession 只在子 Hub 仍属于会话 s 时停止它，用于回收空闲会话；
// 同一用户的新会话不受影响。
func (h *Hub) DropSession(s *service.Session) {
	h.mu.Lock()
	uh := h.users[s.UID]
	if uh == nil || uh.session != s {
		h.mu.Unlock()
		return
	}
	delete(h.users, s.UID)
	h.mu.Unlock()
	uh.Stop()
}

func (h *Hub) Close() {
	h.mu.Lock()
	all := h.users
	h.users = make(map[string]*UserHub)
	h.mu.Unlock()
	for _, uh := range all {
		uh.Stop()
	}
}

type reply struct {
	client *Client
	frame  []byte
}

// UserHub 把一个用户的状态推送给该用户的所有连接（多端同时在线）。
type UserHub struct {
	uid     string
	session *service.Session
	topics  []topic

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	direct     chan reply
	online     int32

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

func NewUserHub(uid string, topics ...topic) *UserHub {
	return &UserHub{
		uid:        uid,
		topics:     topics,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		direct:     make(chan reply, 64),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start 启动事件循环以及每个主题的推送协程。
func (uh *UserHub) Start() {
	uh.startOnce.Do(func() {
		go uh.run()
		for _, t := range uh.topics {
			changes, cancel := t.watch()
			go uh.pump(t, changes, cancel)
		}
	})
}

// Stop 关闭所有连接的发送通道。可重复调用。
func (uh *UserHub) Stop() {
	uh.stopOnce.Do(func() { close(uh.stop) })
	uh.startOnce.Do(func() { close(uh.stopped) })
	<-uh.stopped
}

// Register 在子 Hub 已停止时返回 false。
func (uh *UserHub) Register(c *Client) bool {
	select {
	case uh.register <- c:
		return true
	case <-uh.stopped:
		return false
	}
}

func (uh *UserHub) Unregister(c *Client) {
	select {
	case uh.unregister <- c:
	case <-uh.stopped:
	}
}

// Reply 只发给一个连接，用于命令应答。
func (uh *UserHub) Reply(c *Client, frame []byte) {
	select {
	case uh.direct <- reply{client: c, frame: frame}:
	case <-uh.stopped:
	}
}

func (uh *UserHub) pump(t topic, changes <-chan struct{}, cancel func()) {
	defer cancel()
	for {
		select {
		case <-changes:
			b, err := t.frame()
			if err != nil {
				log.Error().Err(err).Str("uid", uh.uid).Str("topic", t.name).Msg("encode frame")
				continue
			}
			select {
			case uh.broadcast <- b:
			case <-uh.stop:
				return
			}
		case <-uh.stop:
			return
		}
	}
}

func (uh *UserHub) drop(c *Client) {
	delete(uh.clients, c)
	close(c.send)
	atomic.StoreInt32(&uh.online, int32(len(uh.clients)))
	metrics.WsConnections.Dec()
}

func (uh *UserHub) run() {
	defer close(uh.stopped)
	for {
		select {
		case c := <-uh.register:
			uh.clients[c] = true
			atomic.StoreInt32(&uh.online, int32(len(uh.clients)))
			metrics.WsConnections.Inc()
			// 新连接先收到每个主题的当前值
			for _, t := range uh.topics {
				b, err := t.frame()
				if err != nil {
					continue
				}
				select {
				case c.send <- b:
				default:
				}
			}
		case c := <-uh.unregister:
			if uh.clients[c] {
				uh.drop(c)
			}
		case r := <-uh.direct:
			if uh.clients[r.client] {
				select {
				case r.client.send <- r.frame:
				default:
					uh.drop(r.client)
				}
			}
		case msg := <-uh.broadcast:
			for c := range uh.clients {
				select {
				case c.send <- msg:
				default:
					uh.drop(c)
				}
			}
		case <-uh.stop:
			for c := range uh.clients {
				uh.drop(c)
			}
			return
		}
	}
}

// Online 返回该用户在线连接数，供 REST 接口复用。
func (uh *UserHub) Online() int { return int(atomic.LoadInt32(&uh.online)) }
