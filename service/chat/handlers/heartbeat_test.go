package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMCore/module/chat/model"
	"IMCore/service/chat"
	"IMCore/service/presence"
	"IMCore/service/storage"
)

func TestHeartbeatIdleFlipsAwayThenActivityRestores(t *testing.T) {
	mgr := chat.NewConnManager("gw-t", chat.ManagerConf{SweepEvery: time.Hour})
	t.Cleanup(mgr.Close)
	tr := presence.NewTracker(storage.NewMemPresence(), nil, presence.Config{GatewayID: "gw-t"})
	srv := chat.NewServer(chat.ServerConf{AwayAfter: 50 * time.Millisecond}, chat.ServerDeps{
		ConnMgr: mgr,
		Tracker: tr,
	})

	ctx := context.Background()
	require.NoError(t, tr.Heartbeat(ctx, "bob"))

	sess := &chat.Session{
		SessionID:  "s1",
		UserID:     "bob",
		Authorized: true,
		ActiveAt:   time.Now().Add(-time.Minute), // 早已没有用户活动
	}
	h := NewHeartbeatHandler()
	hb := &chat.Frame{Type: chat.FrameHeartbeat}

	require.NoError(t, h.Handle(&chat.Context{S: srv}, hb, sess))
	st, _, err := tr.Status(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.PresenceAway, st, "idle heartbeat renews as away")

	// 有了新活动，下一次心跳拉回 online
	sess.ActiveAt = time.Now()
	require.NoError(t, h.Handle(&chat.Context{S: srv}, hb, sess))
	st, _, _ = tr.Status(ctx, "bob")
	assert.Equal(t, model.PresenceOnline, st)
}
