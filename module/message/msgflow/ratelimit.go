package msgflow

import (
	"sync"
	"time"
)

// SenderLimiter 每发送者令牌桶；桶空时提交被拒。
type SenderLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // 每秒补充
	burst   float64
	clock   func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func NewSenderLimiter(perSecond, burst int) *SenderLimiter {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = perSecond * 2
	}
	return &SenderLimiter{
		buckets: make(map[string]*bucket),
		rate:    float64(perSecond),
		burst:   float64(burst),
		clock:   time.Now,
	}
}

// Allow 消耗一个令牌；桶空返回 false
func (l *SenderLimiter) Allow(sender string) bool {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[sender]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[sender] = b
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
