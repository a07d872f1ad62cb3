package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/live"
	"github.com/infiniteflux/vibe-sub000/internal/mapper"
	"github.com/infiniteflux/vibe-sub000/internal/models"
	"github.com/infiniteflux/vibe-sub000/internal/reconcile"
	"github.com/rs/zerolog/log"
)

// ChatManager 发布用户所在的群组（附未读标记）以及当前打开群组的最近消息。
type ChatManager struct {
	uid      string
	store    docstore.Store
	w        writer
	limit    int
	groups   *live.Feed[models.Group]
	reads    *live.FeedSet[string, models.GroupReadStatus]
	messages *live.Feed[models.Message]
	views    *live.Value[[]models.GroupView]

	mu        sync.Mutex
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	openGroup string
}

func NewChatManager(store docstore.Store, uid string, opts Options) *ChatManager {
	limit := opts.MessageLimit
	if limit <= 0 {
		limit = DefaultOptions().MessageLimit
	}
	return &ChatManager{
		uid:   uid,
		store: store,
		w: writer{
			store:     store,
			propagate: opts.PropagateWriteErrors,
			logger:    log.Logger.With().Str("component", "chat").Str("uid", uid).Logger(),
		},
		limit:  limit,
		groups: live.NewFeed("groups", store, mapper.Group),
		reads: live.NewFeedSet("readStatus", store, mapper.ReadStatus, func(gid string) docstore.Query {
			return docstore.Collection(docstore.Path("groups", gid, "readStatus")).
				Where(docstore.DocumentID, docstore.OpEqual, uid)
		}),
		messages: live.NewFeed("messages", store, mapper.Message),
		views:    live.NewValue([]models.GroupView{}),
	}
}

func (m *ChatManager) messagesQuery(groupID string) docstore.Query {
	return docstore.Collection(docstore.Path("groups", groupID, "messages")).
		OrderBy("timestamp", docstore.Desc).
		Limit(m.limit)
}

// Start 订阅群组列表；每个群组各自订阅一条读状态，随群组集合增减。
func (m *ChatManager) Start(ctx context.Context) error {
	m.Stop()
	q := docstore.Collection("groups").Where("memberIds", docstore.OpArrayContains, m.uid)
	if err := m.groups.Start(ctx, q); err != nil {
		return err
	}

	lctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	changes, unwatch := m.groups.Value().Watch()
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		defer unwatch()
		m.reads.Reconcile(ctx, groupIDs(m.groups.Items()))
		for {
			select {
			case <-changes:
				m.reads.Reconcile(ctx, groupIDs(m.groups.Items()))
			case <-lctx.Done():
				return
			}
		}
	}()

	done := live.CombineLatestInto(lctx, m.views, m.groups.Value(), m.reads.Value(),
		func(groups []models.Group, reads map[string][]models.GroupReadStatus) []models.GroupView {
			return reconcile.GroupViews(groups, reconcile.ReadIndex(reads, m.uid))
		})
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		<-done
	}()
	return nil
}

func groupIDs(groups []models.Group) []string {
	out := make([]string, len(groups))
	for i, g := range groups {
		out[i] = g.ID
	}
	return out
}

// Stop 停止所有订阅并清空状态。可重复调用；未启动时也安全。
func (m *ChatManager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.openGroup = ""
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.loops.Wait()
	m.messages.Stop()
	m.reads.Stop()
	m.groups.Stop()
	m.views.Set([]models.GroupView{})
}

// WaitReady 等待群组列表的首个快照；各群组的读状态随后到达。
func (m *ChatManager) WaitReady(ctx context.Context) error {
	return m.groups.WaitReady(ctx)
}

func (m *ChatManager) Views() *live.Value[[]models.GroupView] { return m.views }

// Groups 直接由群组与读状态的最新结果计算。
func (m *ChatManager) Groups() []models.GroupView {
	return reconcile.GroupViews(m.groups.Items(), reconcile.ReadIndex(m.reads.Value().Get(), m.uid))
}

func (m *ChatManager) Messages() *live.Value[[]models.Message] { return m.messages.Value() }

// OpenGroup 订阅群组最近的消息（按时间倒序，最多 limit 条），替换之前打开的群组。
func (m *ChatManager) OpenGroup(ctx context.Context, groupID string) error {
	if err := checkID(groupID); err != nil {
		return err
	}
	if err := m.messages.Start(ctx, m.messagesQuery(groupID)); err != nil {
		return err
	}
	m.mu.Lock()
	m.openGroup = groupID
	m.mu.Unlock()
	return nil
}

func (m *ChatManager) CloseGroup() {
	m.messages.Stop()
	m.mu.Lock()
	m.openGroup = ""
	m.mu.Unlock()
}

func (m *ChatManager) OpenGroupID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openGroup
}

// CreateGroup 创建群组，创建者总是成员。
func (m *ChatManager) CreateGroup(ctx context.Context, g models.Group) (string, error) {
	if strings.TrimSpace(g.Name) == "" {
		return "", ErrInvalidInput
	}
	members := []string{m.uid}
	for _, id := range g.MemberIDs {
		if id != "" && !slices.Contains(members, id) {
			members = append(members, id)
		}
	}
	g.MemberIDs = members
	id := uuid.NewString()
	err := m.w.commit(ctx, "group.create", docstore.Write{
		Kind: docstore.WriteCreate,
		Path: docstore.Path("groups", id),
		Data: mapper.GroupData(g),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// AddMember 以集合并集方式加入成员，重复添加没有副作用。
// 只有群成员可以添加他人，这一检查同样只是界面层面的约束。
func (m *ChatManager) AddMember(ctx context.Context, groupID, memberID string) error {
	if err := checkID(groupID, memberID); err != nil {
		return err
	}
	doc, err := m.store.Get(ctx, docstore.Path("groups", groupID))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrInvalidInput
		}
		return fmt.Errorf("load group: %w", err)
	}
	if !slices.Contains(mapper.Group(doc).MemberIDs, m.uid) {
		return ErrNotMember
	}
	return m.w.commit(ctx, "group.addMember", docstore.Write{
		Kind: docstore.WriteMerge,
		Path: docstore.Path("groups", groupID),
		Data: map[string]any{"memberIds": docstore.ArrayUnion(memberID)},
	})
}

// SendMessage 在一次提交中写入消息并更新群组的最后消息字段。
// 群组不存在时更新失败，消息也不会写入。
func (m *ChatManager) SendMessage(ctx context.Context, groupID, text, senderName string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrInvalidInput
	}
	if err := checkID(groupID); err != nil {
		return err
	}
	msg := models.Message{Text: text, SenderID: m.uid, SenderName: senderName}
	return m.w.commit(ctx, "message.send",
		docstore.Write{
			Kind: docstore.WriteCreate,
			Path: docstore.Path("groups", groupID, "messages", uuid.NewString()),
			Data: mapper.MessageData(msg),
		},
		docstore.Write{
			Kind: docstore.WriteUpdate,
			Path: docstore.Path("groups", groupID),
			Data: mapper.LastMessageData(msg),
		},
	)
}

// MarkRead 把读状态时间戳设为服务端提交时间。
func (m *ChatManager) MarkRead(ctx context.Context, groupID string) error {
	if err := checkID(groupID); err != nil {
		return err
	}
	return m.w.commit(ctx, "group.markRead", docstore.Write{
		Kind: docstore.WriteMerge,
		Path: docstore.Path("groups", groupID, "readStatus", m.uid),
		Data: mapper.ReadStatusData(),
	})
}

// RecentMessages 一次性读取群组最近的消息，顺序与 OpenGroup 发布的一致。
func (m *ChatManager) RecentMessages(ctx context.Context, groupID string) ([]models.Message, error) {
	if err := checkID(groupID); err != nil {
		return nil, err
	}
	docs, err := m.store.Query(ctx, m.messagesQuery(groupID))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return mapper.All(docs, mapper.Message), nil
}
