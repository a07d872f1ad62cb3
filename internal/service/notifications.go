package service

import (
	"context"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/live"
	"github.com/infiniteflux/vibe-sub000/internal/mapper"
	"github.com/infiniteflux/vibe-sub000/internal/models"
	"github.com/rs/zerolog/log"
)

type NotificationsManager struct {
	uid  string
	w    writer
	feed *live.Feed[models.AppNotification]
}

func NewNotificationsManager(store docstore.Store, uid string, opts Options) *NotificationsManager {
	return &NotificationsManager{
		uid: uid,
		w: writer{
			store:     store,
			propagate: opts.PropagateWriteErrors,
			logger:    log.Logger.With().Str("component", "notifications").Str("uid", uid).Logger(),
		},
		feed: live.NewFeed("notifications", store, mapper.Notification),
	}
}

func (m *NotificationsManager) collection() string {
	return docstore.Path("users", m.uid, "notifications")
}

func (m *NotificationsManager) Start(ctx context.Context) error {
	return m.feed.Start(ctx, docstore.Collection(m.collection()).OrderBy("timestamp", docstore.Desc))
}

func (m *NotificationsManager) Stop() { m.feed.Stop() }

func (m *NotificationsManager) WaitReady(ctx context.Context) error { return m.feed.WaitReady(ctx) }

func (m *NotificationsManager) Notifications() *live.Value[[]models.AppNotification] {
	return m.feed.Value()
}

// Dismiss 删除一条通知。
func (m *NotificationsManager) Dismiss(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return m.w.commit(ctx, "notification.dismiss", docstore.Write{
		Kind: docstore.WriteDelete,
		Path: docstore.Path(m.collection(), id),
	})
}
