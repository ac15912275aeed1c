package settlement

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// agentLimiter 为每个 Agent 维护独立的令牌桶。长期闲置的桶会被回收。
type agentLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*agentBucket
	idleTTL time.Duration
	lastGC  time.Time
	now     func() time.Time
}

type agentBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAgentLimiter(perSecond float64, burst int) *agentLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &agentLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*agentBucket),
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

// Allow 返回该 Agent 当前是否还有配额。nil 限流器总是放行。
func (l *agentLimiter) Allow(agentID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastGC) > l.idleTTL {
		for id, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idleTTL {
				delete(l.buckets, id)
			}
		}
		l.lastGC = now
	}
	b, ok := l.buckets[agentID]
	if !ok {
		b = &agentBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[agentID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
