package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMCore/module/chat/model"
	"IMCore/module/message/msgflow"
	"IMCore/service/delivery"
	"IMCore/service/storage"
)

type stubPresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (s *stubPresence) Status(ctx context.Context, user string) (model.PresenceStatus, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online[user] {
		return model.PresenceOnline, time.Now(), nil
	}
	return model.PresenceOffline, time.Time{}, nil
}

type recordPusher struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newRecordPusher() *recordPusher { return &recordPusher{frames: make(map[string][][]byte)} }

func (p *recordPusher) Push(user string, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[user] = append(p.frames[user], payload)
	return true
}

func (p *recordPusher) got(user string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[user]
}

type fanoutFixture struct {
	engine  *Engine
	pusher  *recordPusher
	inbox   *storage.MemInbox
	offline *storage.MemOffline
}

func newFanoutFixture(t *testing.T, presence PresenceReader, conf Config) *fanoutFixture {
	t.Helper()
	pusher := newRecordPusher()
	dm := delivery.NewManager(pusher, storage.NewMemReceipts(), storage.NewMemOffline(), delivery.Config{AckTimeout: time.Hour})
	t.Cleanup(dm.Close)
	inbox := storage.NewMemInbox()
	offline := storage.NewMemOffline()
	return &fanoutFixture{
		engine:  NewEngine(presence, dm, inbox, offline, conf),
		pusher:  pusher,
		inbox:   inbox,
		offline: offline,
	}
}

func commitEv(members ...string) msgflow.CommitEvent {
	return msgflow.CommitEvent{
		ConvID:      "c1",
		Members:     members,
		SenderID:    "alice",
		ServerMsgID: "m1",
		Seq:         7,
		SendTimeMS:  time.Now().UnixMilli(),
		Content:     "hello",
		ContentType: 101,
	}
}

func TestSmallConversationPushesFullMessage(t *testing.T) {
	pres := &stubPresence{online: map[string]bool{"bob": true}}
	fx := newFanoutFixture(t, pres, Config{PushThreshold: 50, Workers: 1})
	fx.engine.Start()
	defer fx.engine.Stop()
	ctx := context.Background()

	fx.engine.MessageCommitted(commitEv("alice", "bob"))

	require.Eventually(t, func() bool { return len(fx.pusher.got("bob")) == 1 }, time.Second, 5*time.Millisecond)

	var frame deliverFrame
	require.NoError(t, json.Unmarshal(fx.pusher.got("bob")[0], &frame))
	assert.Equal(t, "new_message", frame.Type)
	assert.Equal(t, "hello", frame.Content)
	assert.EqualValues(t, 7, frame.Seq)

	// 发件人自己不收推送、不进收件箱
	assert.Empty(t, fx.pusher.got("alice"))
	items, err := fx.inbox.List(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "m1", items[0].ServerMsgID)
}

func TestLargeConversationNotifiesWithoutBody(t *testing.T) {
	pres := &stubPresence{online: map[string]bool{"bob": true, "carol": true}}
	fx := newFanoutFixture(t, pres, Config{PushThreshold: 3, Workers: 1})
	fx.engine.Start()
	defer fx.engine.Stop()
	ctx := context.Background()

	fx.engine.MessageCommitted(commitEv("alice", "bob", "carol"))

	require.Eventually(t, func() bool {
		return len(fx.pusher.got("bob")) == 1 && len(fx.pusher.got("carol")) == 1
	}, time.Second, 5*time.Millisecond)

	var frame deliverFrame
	require.NoError(t, json.Unmarshal(fx.pusher.got("bob")[0], &frame))
	assert.Equal(t, "message_notify", frame.Type)
	assert.Empty(t, frame.Content, "large conversations carry locator fields only")
	assert.Equal(t, "m1", frame.ServerMsgID)

	// 拉模式不写收件箱，时间线靠消息表翻页
	items, err := fx.inbox.List(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestOfflineMemberGoesToOfflineQueue(t *testing.T) {
	pres := &stubPresence{online: map[string]bool{"bob": true}}
	fx := newFanoutFixture(t, pres, Config{PushThreshold: 50, Workers: 1})
	fx.engine.Start()
	defer fx.engine.Stop()
	ctx := context.Background()

	fx.engine.MessageCommitted(commitEv("alice", "bob", "dave"))

	require.Eventually(t, func() bool {
		n, _ := fx.offline.Len(ctx, "dave")
		return n == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, fx.pusher.got("dave"))
	assert.Len(t, fx.pusher.got("bob"), 1)

	items, _ := fx.offline.Drain(ctx, "dave", 10)
	require.Len(t, items, 1)
	assert.Equal(t, "m1", items[0].ServerMsgID)
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	pres := &stubPresence{online: map[string]bool{"bob": true}}
	fx := newFanoutFixture(t, pres, Config{PushThreshold: 50, Workers: 1, QueueSize: 16})
	fx.engine.Start()

	for i := 0; i < 5; i++ {
		fx.engine.MessageCommitted(commitEv("alice", "bob"))
	}
	fx.engine.Stop()

	assert.Len(t, fx.pusher.got("bob"), 5)
}
