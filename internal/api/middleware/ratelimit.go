// ratelimit.go: ограничение частоты мутаций (POST/DELETE) на клиента.
// Token bucket на клиента (ключ: IP без порта), неактивные корзины
// периодически удаляются.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apierrors "github.com/bigkaa/cliprelay/internal/api/errors"
)

// bucketIdleTTL: время бездействия, после которого корзина клиента удаляется.
const bucketIdleTTL = 10 * time.Minute

// RateLimiter: набор token bucket по клиентам.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	perMin  int
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter создаёт лимитер на perMinute запросов в минуту с запасом burst.
// Возвращает nil при perMinute <= 0: ограничение отключено.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	l := &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(perMinute) / time.Minute.Seconds()),
		burst:   burst,
		perMin:  perMinute,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow проверяет запрос клиента key. Возвращает false и время ожидания,
// если лимит исчерпан.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	return false, max(delay, time.Second)
}

// Middleware ограничивает запросы, изменяющие состояние. GET и HEAD
// (в том числе SSE-подписка) не ограничиваются.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryAfter := l.Allow(clientKey(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.perMin))
		if !allowed {
			OperationsTotal.WithLabelValues("rate_limit", "rejected").Inc()
			apierrors.RateLimited(w, retryAfter, "Слишком много запросов, повторите позже")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close останавливает фоновую очистку корзин.
func (l *RateLimiter) Close() {
	if l == nil {
		return
	}
	l.once.Do(func() { close(l.stop) })
}

func (l *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(bucketIdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

// cleanup удаляет корзины, которые давно не использовались и успели наполниться.
func (l *RateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	threshold := now.Add(-bucketIdleTTL)
	for key, b := range l.buckets {
		if b.lastSeen.Before(threshold) && b.limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, key)
		}
	}
}

// clientKey: IP клиента из RemoteAddr.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
