package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMCore/module/chat/model"
	"IMCore/service/storage"
)

type fakePusher struct {
	mu     sync.Mutex
	online bool
	pushes int
}

func (p *fakePusher) Push(user string, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online {
		return false
	}
	p.pushes++
	return true
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushes
}

func testItem(sid string) storage.OfflineItem {
	return storage.OfflineItem{ConvID: "c1", ServerMsgID: sid, Seq: 1, SenderID: "alice"}
}

func TestDispatchThenAck(t *testing.T) {
	p := &fakePusher{online: true}
	receipts := storage.NewMemReceipts()
	offline := storage.NewMemOffline()
	m := NewManager(p, receipts, offline, Config{AckTimeout: time.Hour})
	defer m.Close()
	ctx := context.Background()

	m.Dispatch(ctx, testItem("m1"), "bob", []byte("x"))
	st, _ := receipts.Get(ctx, "m1", "bob")
	assert.Equal(t, model.DeliverySent, st)
	assert.Equal(t, 1, m.Inflight())

	m.Ack(ctx, "m1", "bob")
	st, _ = receipts.Get(ctx, "m1", "bob")
	assert.Equal(t, model.DeliveryDelivered, st)
	assert.Zero(t, m.Inflight())
}

func TestDispatchNoSessionParksOffline(t *testing.T) {
	p := &fakePusher{online: false}
	receipts := storage.NewMemReceipts()
	offline := storage.NewMemOffline()
	m := NewManager(p, receipts, offline, Config{})
	defer m.Close()
	ctx := context.Background()

	m.Dispatch(ctx, testItem("m1"), "bob", []byte("x"))

	n, err := offline.Len(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Zero(t, m.Inflight())
	assert.Zero(t, p.count())
}

func TestAckTimeoutRetriesThenParks(t *testing.T) {
	p := &fakePusher{online: true}
	receipts := storage.NewMemReceipts()
	offline := storage.NewMemOffline()
	m := NewManager(p, receipts, offline, Config{
		AckTimeout:  10 * time.Millisecond,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
		MaxAttempts: 3,
	})
	defer m.Close()
	ctx := context.Background()

	m.Dispatch(ctx, testItem("m1"), "bob", []byte("x"))

	// 无 ack：重推直至预算耗尽，然后转离线队列
	require.Eventually(t, func() bool {
		n, _ := offline.Len(ctx, "bob")
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, p.count(), "initial push plus retries up to budget")
	assert.Zero(t, m.Inflight())
}

func TestAckStopsRetries(t *testing.T) {
	p := &fakePusher{online: true}
	receipts := storage.NewMemReceipts()
	offline := storage.NewMemOffline()
	m := NewManager(p, receipts, offline, Config{
		AckTimeout:  20 * time.Millisecond,
		BackoffBase: 10 * time.Millisecond,
		MaxAttempts: 5,
	})
	defer m.Close()
	ctx := context.Background()

	m.Dispatch(ctx, testItem("m1"), "bob", []byte("x"))
	m.Ack(ctx, "m1", "bob")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, p.count(), "no retries after delivered ack")
	n, _ := offline.Len(ctx, "bob")
	assert.Zero(t, n)
}

func TestMarkReadIsTerminal(t *testing.T) {
	p := &fakePusher{online: true}
	receipts := storage.NewMemReceipts()
	offline := storage.NewMemOffline()
	m := NewManager(p, receipts, offline, Config{AckTimeout: time.Hour})
	defer m.Close()
	ctx := context.Background()

	m.Dispatch(ctx, testItem("m1"), "bob", []byte("x"))
	m.MarkRead(ctx, "m1", "bob")

	// delivered 晚到也不回退
	m.Ack(ctx, "m1", "bob")
	st, _ := receipts.Get(ctx, "m1", "bob")
	assert.Equal(t, model.DeliveryRead, st)
}
