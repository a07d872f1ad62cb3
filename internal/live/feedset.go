package live

import (
	"context"
	"sync"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/mapper"
	"github.com/rs/zerolog/log"
)

// FeedSet keeps one Feed per key, e.g. the read status of every group the
// user belongs to. Value publishes the latest items of all feeds by key.
type FeedSet[K comparable, T any] struct {
	name  string
	store docstore.Store
	mapFn mapper.Func[T]
	query func(K) docstore.Query
	value *Value[map[K][]T]

	mu      sync.Mutex
	members map[K]*member[T]
}

type member[T any] struct {
	feed   *Feed[T]
	cancel func()
	done   chan struct{}
}

func NewFeedSet[K comparable, T any](name string, store docstore.Store, mapFn mapper.Func[T], query func(K) docstore.Query) *FeedSet[K, T] {
	return &FeedSet[K, T]{
		name:    name,
		store:   store,
		mapFn:   mapFn,
		query:   query,
		value:   NewValue(map[K][]T{}),
		members: make(map[K]*member[T]),
	}
}

// Reconcile 让运行中的 feed 与 keys 对齐：新 key 启动，消失的 key 停止。
func (s *FeedSet[K, T]) Reconcile(ctx context.Context, keys []K) {
	want := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}

	s.mu.Lock()
	var removed []*member[T]
	for k, m := range s.members {
		if _, ok := want[k]; !ok {
			removed = append(removed, m)
			delete(s.members, k)
		}
	}
	var added []K
	for k := range want {
		if _, ok := s.members[k]; !ok {
			added = append(added, k)
		}
	}
	s.mu.Unlock()

	for _, m := range removed {
		m.close()
	}
	for _, k := range added {
		f := NewFeed(s.name, s.store, s.mapFn)
		if err := f.Start(ctx, s.query(k)); err != nil {
			log.Warn().Err(err).Str("feed", s.name).Interface("key", k).Msg("feed set start")
			continue
		}
		m := s.watch(f)
		s.mu.Lock()
		if _, dup := s.members[k]; dup {
			s.mu.Unlock()
			m.close()
			continue
		}
		s.members[k] = m
		s.mu.Unlock()
	}
	if len(removed) > 0 || len(added) > 0 {
		s.refresh()
	}
}

func (s *FeedSet[K, T]) watch(f *Feed[T]) *member[T] {
	changes, cancel := f.Value().Watch()
	m := &member[T]{feed: f, done: make(chan struct{})}
	stop := make(chan struct{})
	var once sync.Once
	m.cancel = func() {
		once.Do(func() {
			cancel()
			close(stop)
		})
	}
	go func() {
		defer close(m.done)
		for {
			select {
			case <-changes:
				s.refresh()
			case <-stop:
				return
			}
		}
	}()
	return m
}

func (m *member[T]) close() {
	m.cancel()
	<-m.done
	m.feed.Stop()
}

// refresh 重新汇总所有 feed 的最新结果。
func (s *FeedSet[K, T]) refresh() {
	s.mu.Lock()
	out := make(map[K][]T, len(s.members))
	for k, m := range s.members {
		out[k] = m.feed.Items()
	}
	s.value.Set(out)
	s.mu.Unlock()
}

// Keys returns the keys with a running feed.
func (s *FeedSet[K, T]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]K, 0, len(s.members))
	for k := range s.members {
		out = append(out, k)
	}
	return out
}

// Stop stops every feed and publishes an empty map. Idempotent.
func (s *FeedSet[K, T]) Stop() {
	s.mu.Lock()
	members := s.members
	s.members = make(map[K]*member[T])
	s.mu.Unlock()
	for _, m := range members {
		m.close()
	}
	s.value.Set(map[K][]T{})
}

func (s *FeedSet[K, T]) Value() *Value[map[K][]T] { return s.value }
