package httpserver

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiter throttles a route per signed-in user. Idle limiters are
// dropped on the next sweep.
type userLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
	lastGC   time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

const limiterIdle = 10 * time.Minute

func newUserLimiter(perSecond float64) *userLimiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	return &userLimiter{
		limit:    rate.Limit(perSecond),
		burst:    int(perSecond) + 1,
		limiters: make(map[string]*limiterEntry),
		lastGC:   time.Now(),
	}
}

func (l *userLimiter) allow(userID string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastGC) > limiterIdle {
		for id, e := range l.limiters {
			if now.Sub(e.seen) > limiterIdle {
				delete(l.limiters, id)
			}
		}
		l.lastGC = now
	}
	e, ok := l.limiters[userID]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// Middleware must run after AuthMiddleware.
func (l *userLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := CurrentPrincipal(r)
		if ok && !l.allow(p.UserID) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "sending too fast, slow down"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
