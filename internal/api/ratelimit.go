package api

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"stash/internal/errs"
)

// ipLimiter applies a per-client-address token bucket. Credential checks
// burn argon2 work server-side, so the unlock surface gets throttled to
// keep password guessing expensive for the guesser, not for us.
type ipLimiter struct {
	mu    sync.Mutex
	perIP map[string]*rate.Limiter
	limit rate.Limit
	burst int
}

// newIPLimiter builds a limiter allowing perMinute requests per address,
// with a burst of the same size. perMinute <= 0 returns nil, which allow
// treats as unlimited.
func newIPLimiter(perMinute int) *ipLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &ipLimiter{
		perIP: make(map[string]*rate.Limiter),
		limit: rate.Limit(float64(perMinute) / 60.0),
		burst: perMinute,
	}
}

func (l *ipLimiter) allow(addr string) bool {
	if l == nil {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Keep the table bounded when a scan rotates through many addresses.
	if len(l.perIP) > 8192 {
		l.perIP = make(map[string]*rate.Limiter)
	}

	lim, ok := l.perIP[host]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.perIP[host] = lim
	}
	return lim.Allow()
}

// throttle gates the wrapped routes on l.
func (h *Handler) throttle(l *ipLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(r.RemoteAddr) {
				writeError(w, h.log, errs.New("api.throttle", errs.ErrRateLimited, "too many attempts"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
