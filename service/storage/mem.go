package storage

import (
	"context"
	"sync"
	"time"

	"IMCore/module/chat/model"
)

// 单进程内存实现：组件测试不依赖 redis。

// ===== MemOffline =====

type MemOffline struct {
	mu     sync.Mutex
	queues map[string][]OfflineItem
	maxLen int
}

func NewMemOffline() *MemOffline {
	return &MemOffline{queues: make(map[string][]OfflineItem), maxLen: 10_000}
}

func (q *MemOffline) Enqueue(ctx context.Context, user string, item OfflineItem) error {
	if item.EnqueuedMS == 0 {
		item.EnqueuedMS = time.Now().UnixMilli()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[user] = append(q.queues[user], item)
	if len(q.queues[user]) > q.maxLen {
		q.queues[user] = q.queues[user][len(q.queues[user])-q.maxLen:]
	}
	return nil
}

func (q *MemOffline) Drain(ctx context.Context, user string, n int) ([]OfflineItem, error) {
	if n <= 0 {
		n = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[user]
	if len(items) == 0 {
		return nil, nil
	}
	if n > len(items) {
		n = len(items)
	}
	out := make([]OfflineItem, n)
	copy(out, items[:n])
	q.queues[user] = items[n:]
	return out, nil
}

func (q *MemOffline) Len(ctx context.Context, user string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[user])), nil
}

// ===== MemInbox =====

type MemInbox struct {
	mu    sync.Mutex
	boxes map[string][]OfflineItem // 新→旧
}

func NewMemInbox() *MemInbox { return &MemInbox{boxes: make(map[string][]OfflineItem)} }

func (b *MemInbox) Append(ctx context.Context, user string, item OfflineItem, cap int) error {
	if cap <= 0 {
		cap = 1000
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	box := append([]OfflineItem{item}, b.boxes[user]...)
	if len(box) > cap {
		box = box[:cap]
	}
	b.boxes[user] = box
	return nil
}

func (b *MemInbox) List(ctx context.Context, user string, n int) ([]OfflineItem, error) {
	if n <= 0 {
		n = 100
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	box := b.boxes[user]
	if n > len(box) {
		n = len(box)
	}
	out := make([]OfflineItem, n)
	copy(out, box[:n])
	return out, nil
}

// ===== MemReceipts =====

type MemReceipts struct {
	mu sync.Mutex
	m  map[string]model.DeliveryState
}

func NewMemReceipts() *MemReceipts { return &MemReceipts{m: make(map[string]model.DeliveryState)} }

func (r *MemReceipts) Advance(ctx context.Context, sid, recipient string, st model.DeliveryState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := sid + "|" + recipient
	if cur, ok := r.m[k]; ok && cur.Rank() >= st.Rank() {
		return false, nil
	}
	r.m[k] = st
	return true, nil
}

func (r *MemReceipts) Get(ctx context.Context, sid, recipient string) (model.DeliveryState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[sid+"|"+recipient], nil
}

// ===== MemPresence =====

type memPresenceRec struct {
	gatewayID string
	expireAt  time.Time
	lastSeen  time.Time
}

type MemPresence struct {
	mu    sync.Mutex
	m     map[string]*memPresenceRec
	clock func() time.Time
}

func NewMemPresence() *MemPresence {
	return &MemPresence{m: make(map[string]*memPresenceRec), clock: time.Now}
}

// SetClock 注入时钟（单测推进 TTL）
func (p *MemPresence) SetClock(f func() time.Time) { p.clock = f }

func (p *MemPresence) Online(ctx context.Context, user, gatewayID string, ttl time.Duration) error {
	now := p.clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[user] = &memPresenceRec{gatewayID: gatewayID, expireAt: now.Add(ttl), lastSeen: now}
	return nil
}

func (p *MemPresence) Offline(ctx context.Context, user string) error {
	now := p.clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.m[user]; ok {
		rec.expireAt = now
		rec.lastSeen = now
	}
	return nil
}

func (p *MemPresence) Lookup(ctx context.Context, user string) (string, bool, error) {
	now := p.clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.m[user]
	if !ok || !now.Before(rec.expireAt) {
		return "", false, nil
	}
	return rec.gatewayID, true, nil
}

func (p *MemPresence) LastSeen(ctx context.Context, user string) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.m[user]; ok {
		return rec.lastSeen, nil
	}
	return time.Time{}, nil
}
