package presence

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

type notifyLog struct {
	mu      sync.Mutex
	changes []model.PresenceStatus
}

func (n *notifyLog) PresenceChanged(user string, st model.PresenceStatus, _ time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, st)
}

func (n *notifyLog) snapshot() []model.PresenceStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.PresenceStatus, len(n.changes))
	copy(out, n.changes)
	return out
}

func TestHeartbeatPublishesOnlineOnce(t *testing.T) {
	nl := &notifyLog{}
	tr := NewTracker(storage.NewMemPresence(), nl, Config{GatewayID: "gw-1"})
	ctx := context.Background()

	require.NoError(t, tr.Heartbeat(ctx, "bob"))
	require.NoError(t, tr.Heartbeat(ctx, "bob"))
	require.NoError(t, tr.Heartbeat(ctx, "bob"))

	// 在线状态续期不重复广播
	assert.Equal(t, []model.PresenceStatus{model.PresenceOnline}, nl.snapshot())

	st, _, err := tr.Status(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.PresenceOnline, st)
}

func TestDisconnectFlipsOfflineAfterGrace(t *testing.T) {
	nl := &notifyLog{}
	tr := NewTracker(storage.NewMemPresence(), nl, Config{
		GatewayID: "gw-1",
		Grace:     30 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, tr.Heartbeat(ctx, "bob"))
	tr.Disconnect(ctx, "bob")

	// 宽限期内仍视为在线
	st, _, _ := tr.Status(ctx, "bob")
	assert.Equal(t, model.PresenceOnline, st)

	require.Eventually(t, func() bool {
		st, _, _ := tr.Status(ctx, "bob")
		return st == model.PresenceOffline
	}, time.Second, 10*time.Millisecond)

	changes := nl.snapshot()
	assert.Equal(t, []model.PresenceStatus{model.PresenceOnline, model.PresenceOffline}, changes)
}

func TestReconnectWithinGraceCancelsFlip(t *testing.T) {
	nl := &notifyLog{}
	tr := NewTracker(storage.NewMemPresence(), nl, Config{
		GatewayID: "gw-1",
		Grace:     50 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, tr.Heartbeat(ctx, "bob"))
	tr.Disconnect(ctx, "bob")
	require.NoError(t, tr.Heartbeat(ctx, "bob")) // 宽限期内回来

	time.Sleep(120 * time.Millisecond)
	st, _, _ := tr.Status(ctx, "bob")
	assert.Equal(t, model.PresenceOnline, st)
	assert.Equal(t, []model.PresenceStatus{model.PresenceOnline}, nl.snapshot(), "no offline blip")
}

func TestMarkAway(t *testing.T) {
	nl := &notifyLog{}
	tr := NewTracker(storage.NewMemPresence(), nl, Config{GatewayID: "gw-1"})
	ctx := context.Background()

	require.NoError(t, tr.Heartbeat(ctx, "bob"))
	require.NoError(t, tr.MarkAway(ctx, "bob"))

	st, _, err := tr.Status(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.PresenceAway, st)

	// 下一次心跳拉回 online
	require.NoError(t, tr.Heartbeat(ctx, "bob"))
	st, _, _ = tr.Status(ctx, "bob")
	assert.Equal(t, model.PresenceOnline, st)
}
