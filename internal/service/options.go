package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/config"
	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/metrics"
	"github.com/rs/zerolog"
)

type Options struct {
	MessageLimit      int
	TrendingLimit     int
	ReportConcurrency int
	// PropagateWriteErrors returns store write failures to the caller
	// instead of logging and swallowing them.
	PropagateWriteErrors bool
	// ReadyTimeout bounds how long Session.Start waits for the first
	// snapshots. Zero does not wait.
	ReadyTimeout time.Duration
	// IdleTimeout signs out sessions without a pinned connection that were
	// not used for this long. Zero keeps them until sign-out.
	IdleTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MessageLimit:      50,
		TrendingLimit:     3,
		ReportConcurrency: 8,
		ReadyTimeout:      5 * time.Second,
		IdleTimeout:       30 * time.Minute,
	}
}

func OptionsFromConfig(cfg config.Config) Options {
	o := DefaultOptions()
	if cfg.MessageLimit > 0 {
		o.MessageLimit = cfg.MessageLimit
	}
	if cfg.TrendingLimit > 0 {
		o.TrendingLimit = cfg.TrendingLimit
	}
	if cfg.ReportLookupConcurrency > 0 {
		o.ReportConcurrency = cfg.ReportLookupConcurrency
	}
	if cfg.SessionIdleMinutes > 0 {
		o.IdleTimeout = time.Duration(cfg.SessionIdleMinutes) * time.Minute
	}
	o.PropagateWriteErrors = cfg.PropagateWriteErrors()
	return o
}

// checkID 拒绝空 id 以及包含路径分隔符的 id，客户端传入的 id 只能是单个路径段。
func checkID(ids ...string) error {
	for _, id := range ids {
		if err := docstore.CheckID(id); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	return nil
}

// writer 统一执行一次提交并按写错误策略处理失败。
type writer struct {
	store     docstore.Store
	propagate bool
	logger    zerolog.Logger
}

// 更新的目标文档不存在属于输入错误，无论写错误策略如何都返回给调用方。
func (w writer) commit(ctx context.Context, op string, writes ...docstore.Write) error {
	err := w.store.Commit(ctx, writes...)
	metrics.ObserveWrite(op, err)
	if err == nil {
		return nil
	}
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	w.logger.Error().Err(err).Str("op", op).Msg("store write failed")
	if w.propagate {
		return err
	}
	return nil
}
