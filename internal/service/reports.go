package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/live"
	"github.com/infiniteflux/vibe-sub000/internal/mapper"
	"github.com/infiniteflux/vibe-sub000/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ReportsManager 发布已核实的举报（曝光墙），并提供举报入口。
type ReportsManager struct {
	uid         string
	store       docstore.Store
	w           writer
	concurrency int
	wall        *live.Feed[models.Report]
	connections *live.Value[[]models.ConnectionForReport]
}

func NewReportsManager(store docstore.Store, uid string, opts Options) *ReportsManager {
	n := opts.ReportConcurrency
	if n <= 0 {
		n = DefaultOptions().ReportConcurrency
	}
	return &ReportsManager{
		uid:   uid,
		store: store,
		w: writer{
			store:     store,
			propagate: opts.PropagateWriteErrors,
			logger:    log.Logger.With().Str("component", "reports").Str("uid", uid).Logger(),
		},
		concurrency: n,
		wall:        live.NewFeed("reports", store, mapper.Report),
		connections: live.NewValue([]models.ConnectionForReport{}),
	}
}

func (m *ReportsManager) Start(ctx context.Context) error {
	return m.wall.Start(ctx, docstore.Collection("reports").Where("verified", docstore.OpEqual, true))
}

func (m *ReportsManager) WaitReady(ctx context.Context) error { return m.wall.WaitReady(ctx) }

func (m *ReportsManager) Stop() {
	m.wall.Stop()
	m.connections.Set([]models.ConnectionForReport{})
}

func (m *ReportsManager) Wall() *live.Value[[]models.Report] { return m.wall.Value() }

func (m *ReportsManager) Connections() *live.Value[[]models.ConnectionForReport] {
	return m.connections
}

// SubmitReport 新建一条待核实的举报。
func (m *ReportsManager) SubmitReport(ctx context.Context, reportedUserID, reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" || reportedUserID == m.uid {
		return "", ErrInvalidInput
	}
	if err := checkID(reportedUserID); err != nil {
		return "", err
	}
	id := uuid.NewString()
	err := m.w.commit(ctx, "report.submit", docstore.Write{
		Kind: docstore.WriteCreate,
		Path: docstore.Path("reports", id),
		Data: mapper.ReportData(models.Report{ReportedUserID: reportedUserID, ReporterID: m.uid, Reason: reason}),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ReportConnections 并发查询每个连接的资料与举报状态，结果按连接顺序一次性发布。
func (m *ReportsManager) ReportConnections(ctx context.Context) ([]models.ConnectionForReport, error) {
	docs, err := m.store.Query(ctx, docstore.Collection(docstore.Path("users", m.uid, "connections")).
		OrderBy("connectedAt", docstore.Asc))
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	conns := mapper.All(docs, mapper.Connection)

	out := make([]models.ConnectionForReport, len(conns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, c := range conns {
		i, c := i, c
		g.Go(func() error {
			row, err := m.lookup(gctx, c.UserID)
			if err != nil {
				return err
			}
			out[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	m.connections.Set(out)
	return out, nil
}

func (m *ReportsManager) lookup(ctx context.Context, userID string) (models.ConnectionForReport, error) {
	row := models.ConnectionForReport{UserID: userID}
	doc, err := m.store.Get(ctx, docstore.Path("users", userID))
	switch {
	case err == nil:
		u := mapper.User(doc)
		row.Name, row.AvatarURL = u.Name, u.AvatarURL
	case errors.Is(err, docstore.ErrNotFound):
	default:
		return row, fmt.Errorf("load user %s: %w", userID, err)
	}
	reports, err := m.store.Query(ctx, docstore.Collection("reports").
		Where("reporterId", docstore.OpEqual, m.uid).
		Where("reportedUserId", docstore.OpEqual, userID).
		Limit(1))
	if err != nil {
		return row, fmt.Errorf("load reports for %s: %w", userID, err)
	}
	row.Reported = len(reports) > 0
	return row, nil
}
