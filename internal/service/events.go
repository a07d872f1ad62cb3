package service

import (
	"context"
	"errors"
	"fmt"
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

// EventsManager 发布活动列表与当前用户的加入状态。
type EventsManager struct {
	uid    string
	w      writer
	events *live.Feed[models.Event]
	joined *live.Feed[models.JoinedEvent]
	views  *live.Value[[]models.EventView]

	mu      sync.Mutex
	cancel  context.CancelFunc
	combine <-chan struct{}
}

func NewEventsManager(store docstore.Store, uid string, opts Options) *EventsManager {
	return &EventsManager{
		uid: uid,
		w: writer{
			store:     store,
			propagate: opts.PropagateWriteErrors,
			logger:    log.Logger.With().Str("component", "events").Str("uid", uid).Logger(),
		},
		events: live.NewFeed("events", store, mapper.Event),
		joined: live.NewFeed("joinedEvents", store, mapper.JoinedEvent),
		views:  live.NewValue([]models.EventView{}),
	}
}

func eventsQuery() docstore.Query {
	return docstore.Collection("events").OrderBy("startTimestamp", docstore.Asc)
}

func (m *EventsManager) joinedPath(eventID string) string {
	return docstore.Path("users", m.uid, "joinedEvents", eventID)
}

func (m *EventsManager) Start(ctx context.Context) error {
	m.Stop()
	if err := m.events.Start(ctx, eventsQuery()); err != nil {
		return err
	}
	if err := m.joined.Start(ctx, docstore.Collection(docstore.Path("users", m.uid, "joinedEvents"))); err != nil {
		m.events.Stop()
		return err
	}
	cctx, cancel := context.WithCancel(context.Background())
	done := live.CombineLatestInto(cctx, m.views, m.events.Value(), m.joined.Value(),
		func(events []models.Event, markers []models.JoinedEvent) []models.EventView {
			return reconcile.EventViews(events, reconcile.JoinedSet(markers))
		})
	m.mu.Lock()
	m.cancel, m.combine = cancel, done
	m.mu.Unlock()
	return nil
}

// Stop 可重复调用；未启动时也安全。
func (m *EventsManager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.combine
	m.cancel, m.combine = nil, nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	m.events.Stop()
	m.joined.Stop()
	m.views.Set([]models.EventView{})
}

// WaitReady 等待活动列表与加入集合的首个快照。
func (m *EventsManager) WaitReady(ctx context.Context) error {
	if err := m.events.WaitReady(ctx); err != nil {
		return err
	}
	return m.joined.WaitReady(ctx)
}

func (m *EventsManager) Views() *live.Value[[]models.EventView] { return m.views }

// Events 直接由两个 feed 的最新结果计算，不等待合并协程。
func (m *EventsManager) Events() []models.EventView {
	return reconcile.EventViews(m.events.Items(), reconcile.JoinedSet(m.joined.Items()))
}

// IsJoined 基于最近一次发布的加入集合。
func (m *EventsManager) IsJoined(eventID string) bool {
	return reconcile.IsJoined(eventID, reconcile.JoinedSet(m.joined.Items()))
}

// joinedNow 在加入集合尚未到达时直接读取标记文档。
func (m *EventsManager) joinedNow(ctx context.Context, eventID string) (bool, error) {
	if m.joined.Ready() {
		return m.IsJoined(eventID), nil
	}
	_, err := m.w.store.Get(ctx, m.joinedPath(eventID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, docstore.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("load join marker: %w", err)
	}
}

// Create 新建活动。角色校验只是界面层面的便利，不是安全边界。
// 活动列表按 startTimestamp 排序，没有开始时间的活动不会被发布，因此必填。
func (m *EventsManager) Create(ctx context.Context, creator models.User, e models.Event) (string, error) {
	if strings.TrimSpace(e.Title) == "" || e.StartTimestamp == nil {
		return "", ErrInvalidInput
	}
	if !creator.CanCreateEvents() {
		return "", ErrNotCreator
	}
	id := uuid.NewString()
	err := m.w.commit(ctx, "event.create", docstore.Write{
		Kind: docstore.WriteCreate,
		Path: docstore.Path("events", id),
		Data: mapper.EventData(e),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Join 写入标记文档并在同一次提交中把 joinCount 加一。活动不存在时整个提交失败。
func (m *EventsManager) Join(ctx context.Context, eventID string) error {
	if err := checkID(eventID); err != nil {
		return err
	}
	return m.w.commit(ctx, "event.join",
		docstore.Write{Kind: docstore.WriteSet, Path: m.joinedPath(eventID), Data: mapper.JoinedEventData(eventID)},
		docstore.Write{Kind: docstore.WriteUpdate, Path: docstore.Path("events", eventID), Data: map[string]any{"joinCount": docstore.Increment(1)}},
	)
}

func (m *EventsManager) Unjoin(ctx context.Context, eventID string) error {
	if err := checkID(eventID); err != nil {
		return err
	}
	return m.w.commit(ctx, "event.unjoin",
		docstore.Write{Kind: docstore.WriteDelete, Path: m.joinedPath(eventID)},
		docstore.Write{Kind: docstore.WriteUpdate, Path: docstore.Path("events", eventID), Data: map[string]any{"joinCount": docstore.Increment(-1)}},
	)
}

// ToggleJoin 根据最近发布的状态选择加入或退出，返回操作后的期望状态。
//
// 没有比较并交换：两端同时切换时以最后一次写入为准，joinCount 可能与
// 标记文档数量不一致。这是已知限制。
func (m *EventsManager) ToggleJoin(ctx context.Context, eventID string) (bool, error) {
	if err := checkID(eventID); err != nil {
		return false, err
	}
	joined, err := m.joinedNow(ctx, eventID)
	if err != nil {
		return false, err
	}
	if joined {
		return false, m.Unjoin(ctx, eventID)
	}
	return true, m.Join(ctx, eventID)
}
