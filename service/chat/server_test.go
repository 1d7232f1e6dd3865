package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMCore/module/message/msgflow"
	"IMCore/service/delivery"
	"IMCore/service/storage"
)

func newDrainFixture(t *testing.T) (*Server, *storage.MemOffline, *msgflow.Router) {
	t.Helper()

	mgr := NewConnManager("gw-t", ManagerConf{SweepEvery: time.Hour})
	t.Cleanup(mgr.Close)

	offline := storage.NewMemOffline()
	dm := delivery.NewManager(mgr, storage.NewMemReceipts(), offline, delivery.Config{
		AckTimeout: time.Hour,
	})
	t.Cleanup(dm.Close)

	db := msgflow.NewMemDB()
	require.NoError(t, db.EnsureConversation(context.Background(), "c1", 1, []string{"alice", "bob"}))
	router := msgflow.NewRouter(db, msgflow.NewMemSeq(), msgflow.NewMemTokenIndex(time.Minute),
		msgflow.SnowGen{}, nil, nil, msgflow.RouterConfig{})

	srv := NewServer(ServerConf{OfflineDrainBatch: 10}, ServerDeps{
		ConnMgr:  mgr,
		Router:   router,
		Delivery: dm,
		Offline:  offline,
	})
	return srv, offline, router
}

func enqueueCommitted(t *testing.T, router *msgflow.Router, offline *storage.MemOffline, user, token string) {
	t.Helper()
	meta, err := router.Submit(context.Background(), msgflow.SubmitInput{
		Sender: "alice", ConvID: "c1", Token: token, Content: "hi " + token,
	})
	require.NoError(t, err)
	require.NoError(t, offline.Enqueue(context.Background(), user, storage.OfflineItem{
		ConvID: "c1", ServerMsgID: meta.ServerMsgID, Seq: meta.Seq, SenderID: "alice",
	}))
}

// 收件人没有任何在线会话时，补推必须及时退出并把积压留在
// 离线队列里，而不是 drain→park 来回空转。
func TestDrainOfflineNoSessionReturnsAndKeepsBacklog(t *testing.T) {
	srv, offline, router := newDrainFixture(t)
	ctx := context.Background()

	enqueueCommitted(t, router, offline, "bob", "t1")
	enqueueCommitted(t, router, offline, "bob", "t2")
	enqueueCommitted(t, router, offline, "bob", "t3")

	done := make(chan struct{})
	go func() {
		srv.DrainOffline(ctx, &Session{SessionID: "s1", UserID: "bob"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DrainOffline did not return with zero live sessions")
	}

	// 第一条被 park 回队列，其余两条跟着放回
	n, err := offline.Len(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestDrainOfflineEmptyQueueReturns(t *testing.T) {
	srv, _, _ := newDrainFixture(t)

	done := make(chan struct{})
	go func() {
		srv.DrainOffline(context.Background(), &Session{SessionID: "s1", UserID: "bob"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("DrainOffline did not return on empty queue")
	}
}
