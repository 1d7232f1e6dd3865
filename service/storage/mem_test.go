package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMCore/module/chat/model"
)

func item(sid string, seq int64) OfflineItem {
	return OfflineItem{ConvID: "c1", ServerMsgID: sid, Seq: seq, SenderID: "alice"}
}

func TestMemOfflineFIFODrain(t *testing.T) {
	q := NewMemOffline()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, "bob", item(fmt.Sprintf("m%d", i), int64(i))))
	}
	n, err := q.Len(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, err := q.Drain(ctx, "bob", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m1", got[0].ServerMsgID)
	assert.Equal(t, "m3", got[2].ServerMsgID)

	got, err = q.Drain(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m4", got[0].ServerMsgID)

	n, _ = q.Len(ctx, "bob")
	assert.Zero(t, n)
}

func TestMemInboxRingCap(t *testing.T) {
	b := NewMemInbox()
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		require.NoError(t, b.Append(ctx, "bob", item(fmt.Sprintf("m%d", i), int64(i)), 4))
	}
	got, err := b.List(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 4, "older entries fall off the ring")
	// 新→旧
	assert.Equal(t, "m6", got[0].ServerMsgID)
	assert.Equal(t, "m3", got[3].ServerMsgID)
}

func TestMemReceiptsMonotonic(t *testing.T) {
	r := NewMemReceipts()
	ctx := context.Background()

	ok, err := r.Advance(ctx, "m1", "bob", model.DeliverySent)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = r.Advance(ctx, "m1", "bob", model.DeliveryRead)
	assert.True(t, ok, "skipping delivered straight to read is allowed")

	// 乱序到达的低阶状态不回退
	ok, _ = r.Advance(ctx, "m1", "bob", model.DeliveryDelivered)
	assert.False(t, ok)
	ok, _ = r.Advance(ctx, "m1", "bob", model.DeliveryQueued)
	assert.False(t, ok)

	st, err := r.Get(ctx, "m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryRead, st)
}

func TestMemPresenceTTL(t *testing.T) {
	p := NewMemPresence()
	now := time.Unix(1000, 0)
	p.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, p.Online(ctx, "bob", "gw-1", 90*time.Second))
	gw, online, err := p.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, "gw-1", gw)

	// 心跳停了，TTL 过后自动视为离线
	now = now.Add(91 * time.Second)
	_, online, _ = p.Lookup(ctx, "bob")
	assert.False(t, online)

	seen, err := p.LastSeen(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1000, 0), seen)
}
