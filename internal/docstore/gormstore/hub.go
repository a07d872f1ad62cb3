package gormstore

import (
	"context"
	"sync"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/rs/zerolog"
)

type loadFunc func(ctx context.Context, collection string) ([]docstore.Document, error)

// hub 管理集合级别的 feed，实现延迟创建与并发安全。
type hub struct {
	mu     sync.RWMutex
	feeds  map[string]*collectionFeed
	load   loadFunc
	logger zerolog.Logger
	closed bool
}

func newHub(load loadFunc, logger zerolog.Logger) *hub {
	return &hub{feeds: make(map[string]*collectionFeed), load: load, logger: logger}
}

// feed 若集合尚未初始化则懒加载一个 collectionFeed。
func (h *hub) feed(collection string) (*collectionFeed, bool) {
	h.mu.RLock()
	f := h.feeds[collection]
	closed := h.closed
	h.mu.RUnlock()
	if f != nil || closed {
		return f, f != nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	if f = h.feeds[collection]; f != nil {
		return f, true
	}
	f = newCollectionFeed(collection, h.load, h.logger, h.retire)
	h.feeds[collection] = f
	go f.run()
	return f, true
}

// retire 在最后一个订阅离开时由 feed 的事件循环调用，移除后该 feed 不再接受注册。
func (h *hub) retire(f *collectionFeed) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f.count() > 0 {
		return false
	}
	if h.feeds[f.collection] == f {
		delete(h.feeds, f.collection)
	}
	return true
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.feeds)
}

// changed 通知集合内容已变化，未被订阅的集合直接忽略。
func (h *hub) changed(collection string) {
	h.mu.RLock()
	f := h.feeds[collection]
	h.mu.RUnlock()
	if f != nil {
		f.markDirty()
	}
}

func (h *hub) watchers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, f := range h.feeds {
		n += f.count()
	}
	return n
}

// close 停止全部 feed，并结束仍在运行的订阅。
func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	feeds := h.feeds
	h.feeds = map[string]*collectionFeed{}
	h.mu.Unlock()

	for _, f := range feeds {
		for _, w := range f.shutdown() {
			w.sub.Stop()
		}
	}
}

type watcher struct {
	q   docstore.Query
	sub *docstore.Subscription
}

type collectionFeed struct {
	collection string
	load       loadFunc
	logger     zerolog.Logger
	idle       func(*collectionFeed) bool

	mu         sync.Mutex
	watchers   map[*watcher]struct{}
	register   chan *watcher
	unregister chan *watcher
	dirty      chan struct{}
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once
}

func newCollectionFeed(collection string, load loadFunc, logger zerolog.Logger, idle func(*collectionFeed) bool) *collectionFeed {
	return &collectionFeed{
		collection: collection,
		load:       load,
		logger:     logger.With().Str("collection", collection).Logger(),
		idle:       idle,
		watchers:   make(map[*watcher]struct{}),
		register:   make(chan *watcher),
		unregister: make(chan *watcher),
		dirty:      make(chan struct{}, 1),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

func (f *collectionFeed) run() {
	defer close(f.stopped)
	for {
		select {
		case w := <-f.register:
			f.mu.Lock()
			f.watchers[w] = struct{}{}
			f.mu.Unlock()
			f.publish([]*watcher{w})
		case w := <-f.unregister:
			f.mu.Lock()
			delete(f.watchers, w)
			empty := len(f.watchers) == 0
			f.mu.Unlock()
			// 退出后 add 只会看到 stopped，调用方会重新查找 feed
			if empty && f.idle != nil && f.idle(f) {
				return
			}
		case <-f.dirty:
			f.publish(f.snapshotWatchers())
		case <-f.stop:
			return
		}
	}
}

func (f *collectionFeed) snapshotWatchers() []*watcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*watcher, 0, len(f.watchers))
	for w := range f.watchers {
		out = append(out, w)
	}
	return out
}

// publish 读取一次集合，再为每个订阅各自求值并推送完整结果。
func (f *collectionFeed) publish(ws []*watcher) {
	if len(ws) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	docs, err := f.load(ctx, f.collection)
	if err != nil {
		f.logger.Warn().Err(err).Msg("live query load")
		for _, w := range ws {
			w.sub.Fail(err)
		}
		return
	}
	readTime := time.Now().UTC()
	for _, w := range ws {
		w.sub.Deliver(docstore.Snapshot{Docs: docstore.Evaluate(w.q, docs), ReadTime: readTime})
	}
}

func (f *collectionFeed) markDirty() {
	select {
	case f.dirty <- struct{}{}:
	default:
	}
}

func (f *collectionFeed) add(w *watcher) bool {
	select {
	case f.register <- w:
		return true
	case <-f.stopped:
		return false
	}
}

func (f *collectionFeed) remove(w *watcher) {
	select {
	case f.unregister <- w:
	case <-f.stopped:
	}
}

func (f *collectionFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

// shutdown 停止事件循环并返回剩余的订阅。
func (f *collectionFeed) shutdown() []*watcher {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.stopped
	return f.snapshotWatchers()
}
