package live

import (
	"context"
	"errors"
	"sync"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/mapper"
	"github.com/infiniteflux/vibe-sub000/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrStopped is returned by WaitReady when the feed is not running.
var ErrStopped = errors.New("live: feed stopped")

// Feed 维护一个实时查询：每个快照经 mapper 转换后整体替换已发布的集合。
// 快照按到达顺序发布；订阅错误只记录日志，不会停止 Feed。
type Feed[T any] struct {
	name   string
	store  docstore.Store
	mapFn  mapper.Func[T]
	value  *Value[[]T]
	logger zerolog.Logger

	// life serialises Start and Stop; mu guards the fields read by Running.
	life  sync.Mutex
	mu    sync.Mutex
	sub   *docstore.Subscription
	done  chan struct{}
	ready chan struct{}
}

func NewFeed[T any](name string, store docstore.Store, mapFn mapper.Func[T]) *Feed[T] {
	return &Feed[T]{
		name:   name,
		store:  store,
		mapFn:  mapFn,
		value:  NewValue([]T{}),
		logger: log.Logger.With().Str("component", "feed").Str("feed", name).Logger(),
	}
}

// Start 打开订阅；已在运行时先停止旧订阅，保证任意时刻至多一个活跃订阅。
func (f *Feed[T]) Start(ctx context.Context, q docstore.Query) error {
	f.life.Lock()
	defer f.life.Unlock()
	f.stop()

	sub, err := f.store.Subscribe(ctx, q)
	if err != nil {
		metrics.SubscriptionErrorsTotal.WithLabelValues(f.name).Inc()
		return err
	}
	done, ready := make(chan struct{}), make(chan struct{})
	f.mu.Lock()
	f.sub, f.done, f.ready = sub, done, ready
	f.mu.Unlock()
	metrics.LiveSubscriptions.Inc()
	f.logger.Debug().Str("query", q.String()).Msg("feed started")

	go f.pump(sub, done, ready)
	return nil
}

func (f *Feed[T]) pump(sub *docstore.Subscription, done, ready chan struct{}) {
	defer close(done)
	snaps, errs := sub.Snapshots(), sub.Errors()
	first := true
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			f.value.Set(mapper.All(snap.Docs, f.mapFn))
			metrics.SnapshotsTotal.WithLabelValues(f.name).Inc()
			if first {
				first = false
				close(ready)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			metrics.SubscriptionErrorsTotal.WithLabelValues(f.name).Inc()
			f.logger.Warn().Err(err).Msg("live query error")
		}
	}
}

// Stop 取消订阅并清空已发布的集合。可重复调用，未启动时调用也安全。
func (f *Feed[T]) Stop() {
	f.life.Lock()
	defer f.life.Unlock()
	f.stop()
}

func (f *Feed[T]) stop() {
	f.mu.Lock()
	sub, done := f.sub, f.done
	f.sub, f.done, f.ready = nil, nil, nil
	f.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Stop()
	<-done
	metrics.LiveSubscriptions.Dec()
	f.value.Set([]T{})
}

// Running reports whether a subscription is open.
func (f *Feed[T]) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub != nil
}

// Ready reports whether the running subscription has published its first
// snapshot. Before that Items is empty whatever the store holds.
func (f *Feed[T]) Ready() bool {
	f.mu.Lock()
	ready := f.ready
	f.mu.Unlock()
	if ready == nil {
		return false
	}
	select {
	case <-ready:
		return true
	default:
		return false
	}
}

// WaitReady 阻塞到第一个快照发布、Feed 停止或 ctx 结束。
func (f *Feed[T]) WaitReady(ctx context.Context) error {
	f.mu.Lock()
	ready, done := f.ready, f.done
	f.mu.Unlock()
	if ready == nil {
		return ErrStopped
	}
	select {
	case <-ready:
		return nil
	case <-done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed[T]) Value() *Value[[]T] { return f.value }

// Items returns the latest published collection.
func (f *Feed[T]) Items() []T { return f.value.Get() }
