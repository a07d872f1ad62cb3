package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/infiniteflux/vibe-sub000/internal/auth"
	"golang.org/x/time/rate"
)

// KeyFunc 决定请求归属哪个令牌桶。
type KeyFunc func(c *gin.Context) string

// ByIP keys requests by client address.
func ByIP(c *gin.Context) string {
	return "ip|" + clientIP(c.Request.RemoteAddr)
}

// ByUser keys requests by the authenticated uid and falls back to the
// client address before authentication.
func ByUser(c *gin.Context) string {
	if uid := auth.GetUserID(c); uid != "" {
		return "uid|" + uid
	}
	return ByIP(c)
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter 按 key 维护令牌桶，超过 ttl 未使用的桶由后台协程回收。
// 使用完毕必须调用 Stop。
type Limiter struct {
	r   rate.Limit
	b   int
	ttl time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewLimiter(r rate.Limit, burst int, ttl time.Duration) *Limiter {
	l := &Limiter{
		r:       r,
		b:       burst,
		ttl:     ttl,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.gc(ttl / 2)
	return l
}

// PerSecond builds a limiter from the configured rate and burst.
func PerSecond(perSecond, burst int) *Limiter {
	return NewLimiter(rate.Limit(perSecond), burst, 2*time.Minute)
}

func (l *Limiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	bk, ok := l.buckets[key]
	if !ok {
		bk = &bucket{lim: rate.NewLimiter(l.r, l.b)}
		l.buckets[key] = bk
	}
	bk.lastSeen = now
	l.mu.Unlock()
	return bk.lim.AllowN(now, 1)
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, bk := range l.buckets {
		if now.Sub(bk.lastSeen) > l.ttl {
			delete(l.buckets, k)
		}
	}
}

func (l *Limiter) gc(every time.Duration) {
	defer close(l.done)
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

// Stop 停止回收协程，用于优雅停服。可重复调用。
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// Middleware 返回按 key+路由限速的中间件，超限时返回 429。
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !l.Allow(key(c) + "|" + route) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
