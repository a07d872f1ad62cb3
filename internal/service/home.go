package service

import (
	"context"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/live"
	"github.com/infiniteflux/vibe-sub000/internal/mapper"
	"github.com/infiniteflux/vibe-sub000/internal/models"
)

// HomeManager 只读：热门活动与当前用户资料。
type HomeManager struct {
	uid      string
	limit    int
	trending *live.Feed[models.Event]
	profile  *live.Feed[models.User]
}

func NewHomeManager(store docstore.Store, uid string, opts Options) *HomeManager {
	limit := opts.TrendingLimit
	if limit <= 0 {
		limit = DefaultOptions().TrendingLimit
	}
	return &HomeManager{
		uid:      uid,
		limit:    limit,
		trending: live.NewFeed("trending", store, mapper.Event),
		profile:  live.NewFeed("profile", store, mapper.User),
	}
}

func (m *HomeManager) Start(ctx context.Context) error {
	m.Stop()
	q := docstore.Collection("events").OrderBy("title", docstore.Desc).Limit(m.limit)
	if err := m.trending.Start(ctx, q); err != nil {
		return err
	}
	if err := m.profile.Start(ctx, docstore.Collection("users").Where(docstore.DocumentID, docstore.OpEqual, m.uid)); err != nil {
		m.trending.Stop()
		return err
	}
	return nil
}

func (m *HomeManager) WaitReady(ctx context.Context) error {
	if err := m.trending.WaitReady(ctx); err != nil {
		return err
	}
	return m.profile.WaitReady(ctx)
}

func (m *HomeManager) Stop() {
	m.trending.Stop()
	m.profile.Stop()
}

func (m *HomeManager) Trending() *live.Value[[]models.Event] { return m.trending.Value() }

func (m *HomeManager) ProfileValue() *live.Value[[]models.User] { return m.profile.Value() }

// Profile returns the published user document, if it has arrived.
func (m *HomeManager) Profile() (models.User, bool) {
	users := m.profile.Items()
	if len(users) == 0 {
		return models.User{}, false
	}
	return users[0], true
}

// CanCreateEvents 只用于决定是否展示创建入口。
func (m *HomeManager) CanCreateEvents() bool {
	u, ok := m.Profile()
	return ok && u.CanCreateEvents()
}
