package chat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// wsPair 起一个本地 upgrade server，返回 (服务端连接, 客户端连接)
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server := <-serverCh
	return server, client
}

func readFrame(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	return data
}

func newTestManager(t *testing.T, clk *fakeClock, maxPerUser int) *ConnManager {
	t.Helper()
	conf := ManagerConf{
		UnauthTTL:  time.Minute,
		AuthTTL:    5 * time.Minute,
		SweepEvery: time.Hour, // 测试里手动 sweepOnce
		MaxPerUser: maxPerUser,
	}
	if clk != nil {
		conf.Clock = clk.Now
	}
	m := NewConnManager("gw-test", conf)
	t.Cleanup(m.Close)
	return m
}

func TestBindSwitchesToAuthTTL(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m := newTestManager(t, clk, 0)

	sconn, _ := wsPair(t)
	s, err := m.AddUnauth("s1", sconn)
	require.NoError(t, err)
	assert.False(t, s.Authorized)
	assert.Equal(t, clk.Now().Add(time.Minute), s.ExpireAt)

	require.NoError(t, m.Bind("s1", "alice", "ios-1"))
	got, ok := m.GetSession("s1")
	require.True(t, ok)
	assert.True(t, got.Authorized)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, clk.Now().Add(5*time.Minute), got.ExpireAt)
}

func TestPushFansOutToAllDevices(t *testing.T) {
	m := newTestManager(t, nil, 0)

	sc1, cc1 := wsPair(t)
	sc2, cc2 := wsPair(t)
	_, err := m.AddUnauth("s1", sc1)
	require.NoError(t, err)
	_, err = m.AddUnauth("s2", sc2)
	require.NoError(t, err)
	require.NoError(t, m.Bind("s1", "alice", "ios-1"))
	require.NoError(t, m.Bind("s2", "alice", "web-1"))

	require.True(t, m.Push("alice", []byte("hello")))
	assert.Equal(t, "hello", string(readFrame(t, cc1)))
	assert.Equal(t, "hello", string(readFrame(t, cc2)))

	// 排除指定设备
	m.PushOthers("alice", "ios-1", []byte("sync"))
	assert.Equal(t, "sync", string(readFrame(t, cc2)))
}

func TestSameDeviceReconnectReplacesOld(t *testing.T) {
	m := newTestManager(t, nil, 0)

	sc1, _ := wsPair(t)
	sc2, cc2 := wsPair(t)
	_, err := m.AddUnauth("s1", sc1)
	require.NoError(t, err)
	require.NoError(t, m.Bind("s1", "alice", "ios-1"))

	_, err = m.AddUnauth("s2", sc2)
	require.NoError(t, err)
	require.NoError(t, m.Bind("s2", "alice", "ios-1"))

	_, ok := m.GetSession("s1")
	assert.False(t, ok, "old connection of the same device is kicked")
	require.Len(t, m.Sessions("alice"), 1)

	require.True(t, m.Push("alice", []byte("x")))
	assert.Equal(t, "x", string(readFrame(t, cc2)))
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m := newTestManager(t, clk, 2)

	sids := []string{"s1", "s2", "s3"}
	devs := []string{"d1", "d2", "d3"}
	for i := range sids {
		sconn, _ := wsPair(t)
		_, err := m.AddUnauth(sids[i], sconn)
		require.NoError(t, err)
		require.NoError(t, m.Bind(sids[i], "alice", devs[i]))
		clk.Advance(time.Second)
	}

	sessions := m.Sessions("alice")
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.NotEqual(t, "d1", s.DeviceID, "oldest device gives way")
	}
	_, ok := m.GetSession("s1")
	assert.False(t, ok)
}

func TestSweepRemovesExpired(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m := newTestManager(t, clk, 0)

	sconn, _ := wsPair(t)
	_, err := m.AddUnauth("s1", sconn)
	require.NoError(t, err)

	m.sweepOnce(clk.Now().Add(30 * time.Second))
	assert.Equal(t, 1, m.SessionCount(), "not yet expired")

	m.sweepOnce(clk.Now().Add(2 * time.Minute))
	assert.Zero(t, m.SessionCount())
}

func TestHeartbeatExtendsExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m := newTestManager(t, clk, 0)

	sconn, _ := wsPair(t)
	_, err := m.AddUnauth("s1", sconn)
	require.NoError(t, err)

	clk.Advance(50 * time.Second)
	require.NoError(t, m.RefreshHeartbeat("s1"))

	// 原 TTL 已过，但心跳把过期点推后了
	m.sweepOnce(time.Unix(1700000000, 0).Add(70 * time.Second))
	assert.Equal(t, 1, m.SessionCount())
}

func TestRemoveUnindexesUser(t *testing.T) {
	m := newTestManager(t, nil, 0)

	sconn, _ := wsPair(t)
	_, err := m.AddUnauth("s1", sconn)
	require.NoError(t, err)
	require.NoError(t, m.Bind("s1", "alice", "ios-1"))

	m.Remove("s1")
	assert.False(t, m.Push("alice", []byte("x")))
	assert.Empty(t, m.Sessions("alice"))
}
