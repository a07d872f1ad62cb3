package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/infiniteflux/vibe-sub000/internal/docstore"
	"github.com/infiniteflux/vibe-sub000/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrEmptyToken = errors.New("empty push token")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TokenRegistrar 把设备推送 token 写入 users/{uid}.pushToken，失败时指数退避重试。
type TokenRegistrar struct {
	store       docstore.Store
	maxAttempts int
	sleep       SleepFunc
	logger      zerolog.Logger

	// 退避：initial 起每次翻倍，不超过 max，再加上 ±jitter 比例的抖动
	initial time.Duration
	max     time.Duration
	jitter  float64
	rngMu   sync.Mutex
	rng     *rand.Rand
}

type RegistrarOption func(*TokenRegistrar)

func WithBackoff(initial, max time.Duration) RegistrarOption {
	return func(r *TokenRegistrar) {
		if initial > 0 {
			r.initial = initial
		}
		if max >= r.initial {
			r.max = max
		}
	}
}

// WithJitter sets the random spread of each delay; 0 makes delays exact.
func WithJitter(factor float64) RegistrarOption {
	return func(r *TokenRegistrar) {
		if factor >= 0 && factor <= 1 {
			r.jitter = factor
		}
	}
}

func WithMaxAttempts(n int) RegistrarOption {
	return func(r *TokenRegistrar) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithSleep replaces the wait between attempts (tests).
func WithSleep(s SleepFunc) RegistrarOption {
	return func(r *TokenRegistrar) { r.sleep = s }
}

func NewTokenRegistrar(store docstore.Store, opts ...RegistrarOption) *TokenRegistrar {
	r := &TokenRegistrar{
		store:       store,
		maxAttempts: 5,
		sleep:       sleepCtx,
		logger:      log.Logger.With().Str("component", "push").Logger(),
		initial:     200 * time.Millisecond,
		max:         10 * time.Second,
		jitter:      0.2,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh 持久化最新的 token。路径非法或 ctx 结束时不再重试。
func (r *TokenRegistrar) Refresh(ctx context.Context, uid, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	if uid == "" {
		return fmt.Errorf("%w: empty uid", docstore.ErrInvalidPath)
	}
	path := docstore.Path("users", uid)
	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt - 1)
			r.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("push token retry")
			if serr := r.sleep(ctx, delay); serr != nil {
				return serr
			}
		}
		err = docstore.Merge(ctx, r.store, path, map[string]any{
			"pushToken":          token,
			"pushTokenUpdatedAt": docstore.ServerTimestamp,
		})
		metrics.ObserveWrite("push.token", err)
		if err == nil {
			return nil
		}
		if errors.Is(err, docstore.ErrInvalidPath) || errors.Is(err, docstore.ErrClosed) || ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("register push token after %d attempts: %w", r.maxAttempts, err)
}

// backoff returns the wait before retry n (0-indexed).
func (r *TokenRegistrar) backoff(n int) time.Duration {
	delay := r.initial
	for i := 0; i < n && delay < r.max; i++ {
		delay *= 2
	}
	if delay > r.max {
		delay = r.max
	}
	if r.jitter > 0 {
		r.rngMu.Lock()
		spread := float64(delay) * r.jitter * (r.rng.Float64()*2 - 1)
		r.rngMu.Unlock()
		delay += time.Duration(spread)
	}
	return max(delay, 0)
}
