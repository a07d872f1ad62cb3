package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/mapper"
	"github.com/infiniteflux/vibe-sub000/internal/metrics"
	"github.com/infiniteflux/vibe-sub000/internal/models"
	"github.com/rs/zerolog/log"
)

// Session 是一个已登录用户的全部订阅管理器。
type Session struct {
	UID           string
	Events        *EventsManager
	Chat          *ChatManager
	Home          *HomeManager
	Notifications *NotificationsManager
	Reports       *ReportsManager

	store        docstore.Store
	readyTimeout time.Duration

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type manager interface {
	Start(ctx context.Context) error
	WaitReady(ctx context.Context) error
	Stop()
}

func NewSession(store docstore.Store, uid string, opts Options) *Session {
	return &Session{
		UID:           uid,
		Events:        NewEventsManager(store, uid, opts),
		Chat:          NewChatManager(store, uid, opts),
		Home:          NewHomeManager(store, uid, opts),
		Notifications: NewNotificationsManager(store, uid, opts),
		Reports:       NewReportsManager(store, uid, opts),
		store:         store,
		readyTimeout:  opts.ReadyTimeout,
	}
}

func (s *Session) managers() []manager {
	return []manager{s.Events, s.Chat, s.Home, s.Notifications, s.Reports}
}

// Start 启动全部管理器；任何一个失败都会回滚已启动的部分。
// 返回前最多等待 readyTimeout，让首个快照先到达，超时只记录日志。
// 订阅在 ctx 结束或 SignOut 时停止。
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UID == "" {
		return ErrNotSignedIn
	}
	if s.started {
		return nil
	}
	sctx, cancel := context.WithCancel(ctx)
	for _, m := range s.managers() {
		if err := m.Start(sctx); err != nil {
			cancel()
			for _, started := range s.managers() {
				started.Stop()
			}
			return fmt.Errorf("start session: %w", err)
		}
	}
	s.started, s.ctx, s.cancel = true, sctx, cancel
	metrics.SessionsActive.Inc()
	s.waitReady(sctx)
	log.Info().Str("uid", s.UID).Msg("session started")
	return nil
}

func (s *Session) waitReady(ctx context.Context) {
	if s.readyTimeout <= 0 {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.readyTimeout)
	defer cancel()
	for _, m := range s.managers() {
		if err := m.WaitReady(wctx); err != nil {
			log.Warn().Err(err).Str("uid", s.UID).Msg("session started before first snapshots")
			return
		}
	}
}

// SignOut 停止所有管理器。可重复调用，从未启动过也安全。
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.managers() {
		m.Stop()
	}
	if s.cancel != nil {
		s.cancel()
		s.ctx, s.cancel = nil, nil
	}
	if s.started {
		s.started = false
		metrics.SessionsActive.Dec()
		log.Info().Str("uid", s.UID).Msg("session signed out")
	}
}

func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// OpenGroup 在会话的生命周期内订阅群组消息，而不是调用方请求的生命周期。
func (s *Session) OpenGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return ErrNotSignedIn
	}
	return s.Chat.OpenGroup(s.ctx, groupID)
}

// Profile 优先使用已发布的用户资料，尚未到达时直接读取文档。
func (s *Session) Profile(ctx context.Context) (models.User, error) {
	if u, ok := s.Home.Profile(); ok {
		return u, nil
	}
	doc, err := s.store.Get(ctx, docstore.Path("users", s.UID))
	if errors.Is(err, docstore.ErrNotFound) {
		return models.User{ID: s.UID, Role: models.RoleUser}, nil
	}
	if err != nil {
		return models.User{}, err
	}
	return mapper.User(doc), nil
}

func (s *Session) CreateEvent(ctx context.Context, e models.Event) (string, error) {
	u, err := s.Profile(ctx)
	if err != nil {
		return "", err
	}
	if e.Host == "" {
		e.Host = u.Name
	}
	return s.Events.Create(ctx, u, e)
}

// SendMessage 使用当前资料中的名字作为发送者名称。
func (s *Session) SendMessage(ctx context.Context, groupID, text string) error {
	u, err := s.Profile(ctx)
	if err != nil {
		return err
	}
	return s.Chat.SendMessage(ctx, groupID, text, u.Name)
}

// Sessions 按 uid 懒创建会话，并回收长时间未使用且没有连接占用的会话。
type Sessions struct {
	store docstore.Store
	opts  Options
	base  context.Context
	now   func() time.Time

	mu      sync.Mutex
	byUID   map[string]*entry
	onEvict func(*Session)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type entry struct {
	session  *Session
	lastUsed time.Time
	// pins counts open connections; pinned sessions are never evicted
	pins int
}

// NewSessions binds every session's subscriptions to base; cancelling base
// ends them all. With a positive IdleTimeout a janitor evicts idle sessions.
func NewSessions(base context.Context, store docstore.Store, opts Options) *Sessions {
	r := &Sessions{
		store: store,
		opts:  opts,
		base:  base,
		now:   time.Now,
		byUID: make(map[string]*entry),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		go r.janitor(opts.IdleTimeout / 2)
	} else {
		close(r.done)
	}
	return r
}

// OnEvict registers fn to run after an idle session is signed out.
func (r *Sessions) OnEvict(fn func(*Session)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// Get returns the running session of uid, starting one if needed.
func (r *Sessions) Get(uid string) (*Session, error) {
	return r.get(uid, false)
}

// Acquire is Get plus a pin that keeps the session from idle eviction until
// release is called. release is safe to call more than once.
func (r *Sessions) Acquire(uid string) (s *Session, release func(), err error) {
	s, err = r.get(uid, true)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return s, func() { once.Do(func() { r.unpin(uid, s) }) }, nil
}

func (r *Sessions) get(uid string, pin bool) (*Session, error) {
	if uid == "" {
		return nil, ErrNotSignedIn
	}
	r.mu.Lock()
	e, ok := r.byUID[uid]
	if !ok {
		e = &entry{session: NewSession(r.store, uid, r.opts)}
		r.byUID[uid] = e
	}
	e.lastUsed = r.now()
	if pin {
		e.pins++
	}
	s := e.session
	r.mu.Unlock()

	if err := s.Start(r.base); err != nil {
		r.mu.Lock()
		if cur := r.byUID[uid]; cur == e {
			delete(r.byUID, uid)
		}
		r.mu.Unlock()
		return nil, err
	}
	// SignOut 可能在 Start 之前移除并停止了会话，此时 Start 又把它启动了
	r.mu.Lock()
	current := r.byUID[uid] == e
	r.mu.Unlock()
	if !current {
		s.SignOut()
		return nil, ErrNotSignedIn
	}
	return s, nil
}

func (r *Sessions) unpin(uid string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byUID[uid]; ok && e.session == s && e.pins > 0 {
		e.pins--
		e.lastUsed = r.now()
	}
}

// Lookup returns the session of uid without starting one.
func (r *Sessions) Lookup(uid string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUID[uid]
	if !ok {
		return nil, false
	}
	return e.session, true
}

func (r *Sessions) SignOut(uid string) {
	r.mu.Lock()
	e, ok := r.byUID[uid]
	delete(r.byUID, uid)
	r.mu.Unlock()
	if ok {
		e.session.SignOut()
	}
}

// Sweep 登出空闲超过 IdleTimeout 且没有连接占用的会话，返回登出数量。
func (r *Sessions) Sweep() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	now := r.now()
	r.mu.Lock()
	var idle []*Session
	for uid, e := range r.byUID {
		if e.pins == 0 && now.Sub(e.lastUsed) >= r.opts.IdleTimeout {
			idle = append(idle, e.session)
			delete(r.byUID, uid)
		}
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	for _, s := range idle {
		s.SignOut()
		if onEvict != nil {
			onEvict(s)
		}
	}
	if len(idle) > 0 {
		log.Info().Int("count", len(idle)).Msg("idle sessions evicted")
	}
	return len(idle)
}

func (r *Sessions) janitor(every time.Duration) {
	defer close(r.done)
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stop:
			return
		case <-r.base.Done():
			return
		}
	}
}

func (r *Sessions) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUID)
}

// Close stops the janitor and signs every session out.
func (r *Sessions) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	r.mu.Lock()
	all := r.byUID
	r.byUID = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range all {
		e.session.SignOut()
	}
}
