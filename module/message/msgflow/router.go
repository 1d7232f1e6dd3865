package msgflow

import (
	"context"
	"time"

	"IMCore/logger"
	"IMCore/module/chat/model"
	"IMCore/tools/errs"
	"IMCore/tools/safe"
)

// CommitEvent 消息落盘后交给扇出引擎的事件
type CommitEvent struct {
	ConvID      string
	Kind        int32
	Members     []string
	SenderID    string
	ServerMsgID string
	Seq         int64
	SendTimeMS  int64
	Content     string
	ContentType int32
}

// CommitSink 扇出引擎的接入点（生产为 NATS 发布，测试为直连）
type CommitSink interface {
	MessageCommitted(ev CommitEvent)
}

// IndexNotifier 落盘后的 message_indexed 通知，fire-and-forget，不消费响应
type IndexNotifier interface {
	MessageIndexed(ev CommitEvent)
}

type RouterConfig struct {
	SubmitTimeout  time.Duration
	MaxGroupMember int
	RatePerSecond  int
	RateBurst      int
}

func (c *RouterConfig) norm() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.MaxGroupMember <= 0 {
		c.MaxGroupMember = 500
	}
}

// Router 校验、排序、持久化新消息并触发扇出。
// 提交的应答对应“已落盘”，不等待扇出完成。
type Router struct {
	db      DB
	seq     SeqAllocator
	idx     TokenIndex
	sidGen  ServerIDGenerator
	limiter *SenderLimiter
	sink    CommitSink
	indexer IndexNotifier
	conf    RouterConfig
}

func NewRouter(db DB, seq SeqAllocator, idx TokenIndex, sidGen ServerIDGenerator, sink CommitSink, indexer IndexNotifier, conf RouterConfig) *Router {
	conf.norm()
	return &Router{
		db:      db,
		seq:     seq,
		idx:     idx,
		sidGen:  sidGen,
		limiter: NewSenderLimiter(conf.RatePerSecond, conf.RateBurst),
		sink:    sink,
		indexer: indexer,
		conf:    conf,
	}
}

// CreateConversation 建会话。direct 固定两人；group 超上限返回 CapacityError。
func (r *Router) CreateConversation(ctx context.Context, convID string, kind int32, members []string) error {
	switch kind {
	case model.SessionTypeDirect:
		if len(members) != 2 {
			return errs.ErrCapacity.WrapMsg("direct conversation needs exactly 2 members", "got", len(members))
		}
	case model.SessionTypeGroup:
		if len(members) > r.conf.MaxGroupMember {
			return errs.ErrCapacity.WrapMsg("too many members", "got", len(members), "max", r.conf.MaxGroupMember)
		}
	default:
		return errs.New("unknown conversation kind", "kind", kind)
	}
	return r.db.EnsureConversation(ctx, convID, kind, members)
}

// SubmitInput 一次消息提交
type SubmitInput struct {
	Sender       string
	ConvID       string
	Token        string // 客户端幂等token (client_msg_id)
	Content      string
	ContentType  int32
	AtUserIDs    []string
	AttachHandle string // 附件句柄透传，媒体内容不走本链路
}

// Submit 幂等占位→seq→落库→(冲突矫正)→提交→异步扇出。
// 返回成功即消息已持久化；扇出/投递失败后续自愈，不再回告发送方。
func (r *Router) Submit(ctx context.Context, in SubmitInput) (*MessageMeta, error) {
	sender, convID, token := in.Sender, in.ConvID, in.Token
	if token == "" || sender == "" || convID == "" {
		return nil, errs.New("sender/conv/token required")
	}
	if !r.limiter.Allow(sender) {
		return nil, errs.ErrRateLimited.WrapMsg("sender over rate", "sender", sender)
	}

	conv, err := r.db.GetConversation(ctx, convID)
	if err != nil || conv == nil {
		return nil, errs.ErrPermission.WrapMsg("conversation not found", "conv", convID)
	}
	if !conv.HasMember(sender) {
		return nil, errs.ErrPermission.WrapMsg("sender not in conversation", "sender", sender, "conv", convID)
	}

	// 落盘有界等待；超时对调用方是可安全重试的瞬时错误
	ctx, cancel := context.WithTimeout(ctx, r.conf.SubmitTimeout)
	defer cancel()

	ph := HashPayload(in.Content)

	// 1) 幂等占位（PENDING）
	entry, existed, err := r.idx.Ensure(ctx, sender, token, ph, r.sidGen.New())
	if err != nil {
		return nil, errs.ErrTransientPersistence.WrapMsg("dedup index unavailable", "err", err)
	}
	if existed {
		if entry.PayloadHash != ph {
			return nil, errs.ErrTokenReused.WrapMsg("token", token)
		}
		// 已提交或 PENDING 补查：都以 DB 为准
		if meta, _ := r.db.FindByToken(ctx, sender, token); meta != nil {
			if entry.Status != StatusCommitted {
				_ = r.idx.MarkCommitted(ctx, sender, token, meta.ServerMsgID, ph)
			}
			return meta, nil
		}
		// 占位存在但 DB 没有：前一次提交死在半路，继续走当前这次
	}

	// 2) 分配会话内序号
	seq, err := r.seq.Next(ctx, convID)
	if err != nil {
		_ = r.idx.RollbackShortTTL(ctx, sender, token)
		return nil, errs.ErrTransientPersistence.WrapMsg("seq allocation failed", "err", err)
	}

	// 3) 组织消息
	sid := entry.ServerMsgID
	if sid == "" {
		sid = r.sidGen.New()
	}
	msg := &Message{
		ConvID: convID, SenderID: sender, Token: token,
		ServerMsgID: sid, Seq: seq,
		ContentType: in.ContentType,
		Content:     in.Content, PayloadHash: ph,
		SendTimeMS: time.Now().UnixMilli(),
		AtUserIDs:  in.AtUserIDs,
		AttachRef:  in.AttachHandle,
	}

	// 4) 落库 + 冲突处理
	const maxRetry = 3
	backoff := 50 * time.Millisecond
	for i := 0; i <= maxRetry; i++ {
		err = r.db.InsertMessage(ctx, msg)
		if err == nil {
			_ = r.idx.MarkCommitted(ctx, sender, token, msg.ServerMsgID, ph)
			r.emit(conv, msg)
			return &MessageMeta{ServerMsgID: msg.ServerMsgID, Seq: msg.Seq, SendTimeMS: msg.SendTimeMS}, nil
		}

		// (1) token 唯一冲突：并发重放命中
		if r.db.IsUniqueTokenErr(err) {
			if meta, e := r.db.FindByToken(ctx, sender, token); e == nil && meta != nil {
				_ = r.idx.MarkCommitted(ctx, sender, token, meta.ServerMsgID, ph)
				return meta, nil
			}
		}
		// (2) server_msg_id 冲突：换 sid 再试
		if r.db.IsUniqueServerIDErr(err) {
			newSID := r.sidGen.New()
			if e := r.idx.UpdateSIDIfPending(ctx, sender, token, ph, newSID); e != nil {
				if meta, e2 := r.db.FindByToken(ctx, sender, token); e2 == nil && meta != nil {
					_ = r.idx.MarkCommitted(ctx, sender, token, meta.ServerMsgID, ph)
					return meta, nil
				}
				break
			}
			msg.ServerMsgID = newSID
			continue
		}
		// (3) seq 冲突：计数器落后 → 矫正到 dbMax 后取新号
		if r.db.IsUniqueSeqErr(err) {
			if dbMax, e := r.db.QueryMaxSeq(ctx, convID); e == nil {
				if newSeq, e2 := r.seq.ReconcileAndNext(ctx, convID, dbMax); e2 == nil {
					msg.Seq = newSeq
					continue
				}
			}
		}
		// (4) 瞬时错误：退避
		if r.db.IsTransientErr(err) && i < maxRetry {
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				continue
			}
		}
		break
	}

	_ = r.idx.RollbackShortTTL(ctx, sender, token)
	return nil, errs.ErrTransientPersistence.WrapMsg("insert failed", "conv", convID, "err", err)
}

// emit 扇出与索引通知都在应答路径之外
func (r *Router) emit(conv *ConversationInfo, msg *Message) {
	ev := CommitEvent{
		ConvID:      msg.ConvID,
		Kind:        conv.Kind,
		Members:     conv.Members,
		SenderID:    msg.SenderID,
		ServerMsgID: msg.ServerMsgID,
		Seq:         msg.Seq,
		SendTimeMS:  msg.SendTimeMS,
		Content:     msg.Content,
		ContentType: msg.ContentType,
	}
	if r.sink != nil {
		safe.Go("router.fanout", func() { r.sink.MessageCommitted(ev) })
	}
	if r.indexer != nil {
		safe.Go("router.index", func() { r.indexer.MessageIndexed(ev) })
	}
}

// FindMessage 离线补推/详情查询
func (r *Router) FindMessage(ctx context.Context, serverMsgID string) (*Message, error) {
	return r.db.FindByServerID(ctx, serverMsgID)
}

// Conversation 会话快照（成员广播用）
func (r *Router) Conversation(ctx context.Context, convID string) (*ConversationInfo, error) {
	return r.db.GetConversation(ctx, convID)
}

// HistoryPage 历史分页结果；NextTS/NextSeq 为 0 表示到底
type HistoryPage struct {
	Messages []*Message
	NextTS   int64
	NextSeq  int64
}

// FetchHistory (send_time, seq) 降序 keyset 分页；游标在并发写入下稳定。
func (r *Router) FetchHistory(ctx context.Context, requester, convID string, beforeTS, beforeSeq int64, limit int) (*HistoryPage, error) {
	conv, err := r.db.GetConversation(ctx, convID)
	if err != nil || conv == nil {
		return nil, errs.ErrPermission.WrapMsg("conversation not found", "conv", convID)
	}
	if !conv.HasMember(requester) {
		return nil, errs.ErrPermission.WrapMsg("requester not in conversation", "user", requester)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	msgs, err := r.db.ListBefore(ctx, convID, beforeTS, beforeSeq, limit)
	if err != nil {
		return nil, errs.WrapMsg(err, "list history", "conv", convID)
	}
	page := &HistoryPage{Messages: msgs}
	if len(msgs) == limit {
		last := msgs[len(msgs)-1]
		page.NextTS, page.NextSeq = last.SendTimeMS, last.Seq
	}
	if len(msgs) > 0 {
		logger.Debugf("[router] history conv=%s n=%d", convID, len(msgs))
	}
	return page, nil
}

// PullSince 读扩散：按成员自己的游标增量拉大群时间线
func (r *Router) PullSince(ctx context.Context, requester, convID string, sinceSeq int64, limit int) ([]*Message, error) {
	conv, err := r.db.GetConversation(ctx, convID)
	if err != nil || conv == nil {
		return nil, errs.ErrPermission.WrapMsg("conversation not found", "conv", convID)
	}
	if !conv.HasMember(requester) {
		return nil, errs.ErrPermission.WrapMsg("requester not in conversation", "user", requester)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.db.ListSinceSeq(ctx, convID, sinceSeq, limit)
}
