package msgflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMCore/module/chat/model"
	"IMCore/tools/errs"
)

type recordSink struct {
	mu     sync.Mutex
	events []CommitEvent
}

func (s *recordSink) MessageCommitted(ev CommitEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestRouter(t *testing.T, conf RouterConfig) (*Router, *memDB, *recordSink) {
	t.Helper()
	db := NewMemDB()
	sink := &recordSink{}
	r := NewRouter(db, NewMemSeq(), NewMemTokenIndex(time.Hour), SnowGen{}, sink, nil, conf)
	return r, db, sink
}

func mustConv(t *testing.T, r *Router, convID string, members ...string) {
	t.Helper()
	kind := model.SessionTypeGroup
	if len(members) == 2 {
		kind = model.SessionTypeDirect
	}
	require.NoError(t, r.CreateConversation(context.Background(), convID, int32(kind), members))
}

func TestSubmitAssignsMonotonicSeq(t *testing.T) {
	r, _, _ := newTestRouter(t, RouterConfig{})
	mustConv(t, r, "c1", "alice", "bob")

	var last int64
	for i := 0; i < 10; i++ {
		meta, err := r.Submit(context.Background(), SubmitInput{
			Sender: "alice", ConvID: "c1",
			Token:   "tok-" + string(rune('a'+i)),
			Content: "hello",
		})
		require.NoError(t, err)
		require.NotEmpty(t, meta.ServerMsgID)
		assert.Equal(t, last+1, meta.Seq)
		last = meta.Seq
	}
}

func TestSubmitIdempotentResubmit(t *testing.T) {
	r, _, sink := newTestRouter(t, RouterConfig{})
	mustConv(t, r, "c1", "alice", "bob")

	first, err := r.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "c1", Token: "tok-1", Content: "hi",
	})
	require.NoError(t, err)

	// 同 token 同内容重发：同一 server_msg_id/seq，不再扇出第二次
	again, err := r.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "c1", Token: "tok-1", Content: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ServerMsgID, again.ServerMsgID)
	assert.Equal(t, first.Seq, again.Seq)

	deadline := time.Now().Add(time.Second)
	for sink.len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, sink.len())
}

func TestSubmitTokenReuseDifferentPayload(t *testing.T) {
	r, _, _ := newTestRouter(t, RouterConfig{})
	mustConv(t, r, "c1", "alice", "bob")

	_, err := r.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "c1", Token: "tok-1", Content: "hi",
	})
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "c1", Token: "tok-1", Content: "something else",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeTokenReused, errs.CodeOf(err))
}

func TestSubmitRejectsNonMember(t *testing.T) {
	r, _, _ := newTestRouter(t, RouterConfig{})
	mustConv(t, r, "c1", "alice", "bob")

	_, err := r.Submit(context.Background(), SubmitInput{
		Sender: "mallory", ConvID: "c1", Token: "tok-1", Content: "hi",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodePermission, errs.CodeOf(err))

	_, err = r.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "missing", Token: "tok-2", Content: "hi",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodePermission, errs.CodeOf(err))
}

func TestSubmitRateLimited(t *testing.T) {
	r, _, _ := newTestRouter(t, RouterConfig{RatePerSecond: 1, RateBurst: 1})
	mustConv(t, r, "c1", "alice", "bob")

	_, err := r.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "c1", Token: "tok-1", Content: "hi",
	})
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "c1", Token: "tok-2", Content: "hi",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))
}

func TestSubmitRetriesTransientInsert(t *testing.T) {
	r, db, _ := newTestRouter(t, RouterConfig{})
	mustConv(t, r, "c1", "alice", "bob")

	db.FailNextInserts(2)
	meta, err := r.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "c1", Token: "tok-1", Content: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Seq)
}

func TestSubmitExhaustedTransientIsRetriable(t *testing.T) {
	r, db, _ := newTestRouter(t, RouterConfig{})
	mustConv(t, r, "c1", "alice", "bob")

	db.FailNextInserts(10)
	_, err := r.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "c1", Token: "tok-1", Content: "hi",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeTransientPersistence, errs.CodeOf(err))

	// 同 token 重试这回成功，且只有一条落库
	meta, err := r.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "c1", Token: "tok-1", Content: "hi",
	})
	require.NoError(t, err)
	found, err := db.FindByToken(context.Background(), "alice", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, meta.ServerMsgID, found.ServerMsgID)
}

func TestSeqReconcileAfterCounterLoss(t *testing.T) {
	db := NewMemDB()
	seq := NewMemSeq()
	sink := &recordSink{}
	r := NewRouter(db, seq, NewMemTokenIndex(time.Hour), SnowGen{}, sink, nil, RouterConfig{})
	mustConv(t, r, "c1", "alice", "bob")

	for i := 0; i < 3; i++ {
		_, err := r.Submit(context.Background(), SubmitInput{
			Sender: "alice", ConvID: "c1", Token: "tok-" + string(rune('a'+i)), Content: "x",
		})
		require.NoError(t, err)
	}

	// 模拟计数器丢失重建：换一个新的 MemSeq，从 1 重新数
	r2 := NewRouter(db, NewMemSeq(), NewMemTokenIndex(time.Hour), SnowGen{}, sink, nil, RouterConfig{})
	meta, err := r2.Submit(context.Background(), SubmitInput{
		Sender: "alice", ConvID: "c1", Token: "tok-z", Content: "x",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), meta.Seq, "seq conflict should reconcile against db max")
}

func TestCreateConversationCapacity(t *testing.T) {
	r, _, _ := newTestRouter(t, RouterConfig{MaxGroupMember: 3})

	err := r.CreateConversation(context.Background(), "d1", model.SessionTypeDirect, []string{"a", "b", "c"})
	require.Error(t, err)

	err = r.CreateConversation(context.Background(), "g1", model.SessionTypeGroup, []string{"a", "b", "c", "d"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeCapacity, errs.CodeOf(err))

	require.NoError(t, r.CreateConversation(context.Background(), "g2", model.SessionTypeGroup, []string{"a", "b", "c"}))
}

func TestFetchHistoryKeysetPagination(t *testing.T) {
	r, _, _ := newTestRouter(t, RouterConfig{})
	mustConv(t, r, "c1", "alice", "bob")

	metas := make([]*MessageMeta, 0, 5)
	for i := 0; i < 5; i++ {
		m, err := r.Submit(context.Background(), SubmitInput{
			Sender: "alice", ConvID: "c1", Token: "tok-" + string(rune('a'+i)), Content: "m",
		})
		require.NoError(t, err)
		metas = append(metas, m)
	}

	page1, err := r.FetchHistory(context.Background(), "bob", "c1", 0, 0, 2)
	require.NoError(t, err)
	require.Len(t, page1.Messages, 2)
	assert.Equal(t, metas[4].Seq, page1.Messages[0].Seq)
	assert.Equal(t, metas[3].Seq, page1.Messages[1].Seq)
	require.NotZero(t, page1.NextSeq)

	page2, err := r.FetchHistory(context.Background(), "bob", "c1", page1.NextTS, page1.NextSeq, 2)
	require.NoError(t, err)
	require.Len(t, page2.Messages, 2)
	assert.Equal(t, metas[2].Seq, page2.Messages[0].Seq)
	assert.Equal(t, metas[1].Seq, page2.Messages[1].Seq)

	_, err = r.FetchHistory(context.Background(), "mallory", "c1", 0, 0, 2)
	require.Error(t, err)
}

func TestPullSinceReturnsOnlyNewer(t *testing.T) {
	r, _, _ := newTestRouter(t, RouterConfig{})
	mustConv(t, r, "g1", "a", "b", "c")

	for i := 0; i < 4; i++ {
		_, err := r.Submit(context.Background(), SubmitInput{
			Sender: "a", ConvID: "g1", Token: "tok-" + string(rune('a'+i)), Content: "m",
		})
		require.NoError(t, err)
	}

	msgs, err := r.PullSince(context.Background(), "b", "g1", 2, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(3), msgs[0].Seq)
	assert.Equal(t, int64(4), msgs[1].Seq)
}
