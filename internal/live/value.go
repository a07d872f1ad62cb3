// Package live holds the observable state the managers publish: Value, the
// store-backed Feed, per-key FeedSet and CombineLatest.
package live

import "sync"

// Value 是可观察的状态容器。Get 返回的值与其他读者共享，不要修改。
type Value[T any] struct {
	mu       sync.RWMutex
	v        T
	version  uint64
	watchers map[chan struct{}]struct{}
}

func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{v: initial, watchers: make(map[chan struct{}]struct{})}
}

func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.v
}

// Version increases by one on every Set.
func (v *Value[T]) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// Set 替换当前值并通知所有观察者。
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	v.v = x
	v.version++
	for ch := range v.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	v.mu.Unlock()
}

// Watch returns a channel that receives a signal after every Set. Signals
// coalesce: a slow reader sees one signal for several Sets and reads the
// latest value with Get. cancel releases the watcher.
func (v *Value[T]) Watch() (changes <-chan struct{}, cancel func()) {
	ch := make(chan struct{}, 1)
	v.mu.Lock()
	v.watchers[ch] = struct{}{}
	v.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.watchers, ch)
			v.mu.Unlock()
		})
	}
}
