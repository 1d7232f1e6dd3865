package presence

import (
	"context"
	"sync"
	"time"

	"IMCore/logger"
	"IMCore/module/chat/model"
	"IMCore/service/storage"
)

// Notifier 收 presence 变化的下游（网关广播 + 跨节点事件总线）
type Notifier interface {
	PresenceChanged(user string, status model.PresenceStatus, lastSeen time.Time)
}

// NotifierFunc 便捷适配
type NotifierFunc func(user string, status model.PresenceStatus, lastSeen time.Time)

func (f NotifierFunc) PresenceChanged(user string, status model.PresenceStatus, lastSeen time.Time) {
	f(user, status, lastSeen)
}

type Config struct {
	GatewayID string
	TTL       time.Duration // ≈ 3x 心跳周期
	Grace     time.Duration // 断连到翻转 offline 的宽限期，吸收网络抖动
	Clock     func() time.Time
}

func (c *Config) norm() {
	if c.TTL <= 0 {
		c.TTL = 90 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 90 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Tracker 心跳续 TTL 的在线状态。断连不立刻翻 offline：
// 宽限期内重连则撤销，避免 presence 抖动。
type Tracker struct {
	store    storage.PresenceStore
	notify   Notifier
	conf     Config
	mu       sync.Mutex
	pending  map[string]*time.Timer // user -> 待执行的 offline 翻转
	lastSent map[string]model.PresenceStatus
}

func NewTracker(store storage.PresenceStore, notify Notifier, conf Config) *Tracker {
	conf.norm()
	return &Tracker{
		store:    store,
		notify:   notify,
		conf:     conf,
		pending:  make(map[string]*time.Timer),
		lastSent: make(map[string]model.PresenceStatus),
	}
}

// Heartbeat 心跳/连接成功时调用：续 TTL、撤销待翻转、首次上线发通知
func (t *Tracker) Heartbeat(ctx context.Context, user string) error {
	_, wasOnline, err := t.store.Lookup(ctx, user)
	if err != nil {
		return err
	}
	if err := t.store.Online(ctx, user, t.conf.GatewayID, t.conf.TTL); err != nil {
		return err
	}

	t.mu.Lock()
	if timer, ok := t.pending[user]; ok {
		timer.Stop()
		delete(t.pending, user)
	}
	t.mu.Unlock()

	if !wasOnline {
		t.publish(user, model.PresenceOnline)
	} else {
		// away 状态下的心跳把用户拉回 online
		t.mu.Lock()
		st, ok := t.lastSent[user]
		t.mu.Unlock()
		if ok && st == model.PresenceAway {
			t.publish(user, model.PresenceOnline)
		}
	}
	return nil
}

// Disconnect 连接断开：延迟宽限期再翻 offline，期间重连撤销
func (t *Tracker) Disconnect(ctx context.Context, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.pending[user]; ok {
		timer.Stop()
	}
	t.pending[user] = time.AfterFunc(t.conf.Grace, func() {
		t.mu.Lock()
		delete(t.pending, user)
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := t.store.Offline(ctx, user); err != nil {
			logger.Errorf("[presence] offline flip failed user=%s err=%v", user, err)
			return
		}
		t.publish(user, model.PresenceOffline)
	})
}

// MarkAway 客户端显式置 away（仍在线，TTL 照常续）
func (t *Tracker) MarkAway(ctx context.Context, user string) error {
	if err := t.store.Online(ctx, user, t.conf.GatewayID, t.conf.TTL); err != nil {
		return err
	}
	t.publish(user, model.PresenceAway)
	return nil
}

// Status 懒检查：TTL 过期即 offline
func (t *Tracker) Status(ctx context.Context, user string) (model.PresenceStatus, time.Time, error) {
	_, online, err := t.store.Lookup(ctx, user)
	if err != nil {
		return model.PresenceOffline, time.Time{}, err
	}
	last, _ := t.store.LastSeen(ctx, user)
	if !online {
		return model.PresenceOffline, last, nil
	}
	t.mu.Lock()
	st, ok := t.lastSent[user]
	t.mu.Unlock()
	if ok && st == model.PresenceAway {
		return model.PresenceAway, last, nil
	}
	return model.PresenceOnline, last, nil
}

// Locate 在线用户当前归属的网关实例（跨网关投递路由用）
func (t *Tracker) Locate(ctx context.Context, user string) (string, bool, error) {
	return t.store.Lookup(ctx, user)
}

func (t *Tracker) publish(user string, st model.PresenceStatus) {
	t.mu.Lock()
	prev, seen := t.lastSent[user]
	t.lastSent[user] = st
	t.mu.Unlock()
	if seen && prev == st {
		return
	}
	if t.notify != nil {
		t.notify.PresenceChanged(user, st, t.conf.Clock())
	}
}
