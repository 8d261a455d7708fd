package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter keeps one token bucket per client address. Buckets idle for
// longer than idleTTL are swept on the next call.
type clientLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	clients   map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perSecond float64, burst int, idleTTL time.Duration, now func() time.Time) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &clientLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		now:     now,
		clients: map[string]*limiterEntry{},
	}
}

// allow reports whether key may proceed now; when it may not, the returned
// duration is how long until a token frees up.
func (l *clientLimiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.idleTTL > 0 && now.Sub(l.lastSweep) > l.idleTTL {
		for k, entry := range l.clients {
			if now.Sub(entry.lastSeen) > l.idleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.clients[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *clientLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
