package msgflow

import "context"

// ===== 消息持久化模型 =====

type Message struct {
	ConvID      string
	SenderID    string
	Token       string // 客户端幂等token (client_msg_id)
	ServerMsgID string
	Seq         int64
	ContentType int32
	Content     string
	PayloadHash string
	SendTimeMS  int64
	AtUserIDs   []string
	AttachRef   string
}

type MessageMeta struct {
	ServerMsgID string
	Seq         int64
	SendTimeMS  int64
}

// ConversationInfo 路由校验需要的会话快照
type ConversationInfo struct {
	ConvID  string
	Kind    int32 // model.SessionTypeDirect / SessionTypeGroup
	Members []string
}

func (c *ConversationInfo) HasMember(user string) bool {
	for _, m := range c.Members {
		if m == user {
			return true
		}
	}
	return false
}

// DB 抽象：生产实现 Mongo（module/chat/message.Store）；测试用内存实现（db_mem.go）
type DB interface {
	EnsureConversation(ctx context.Context, convID string, kind int32, members []string) error
	GetConversation(ctx context.Context, convID string) (*ConversationInfo, error)
	QueryMaxSeq(ctx context.Context, convID string) (int64, error)

	InsertMessage(ctx context.Context, m *Message) error
	FindByToken(ctx context.Context, sender, token string) (*MessageMeta, error)
	FindByServerID(ctx context.Context, serverMsgID string) (*Message, error)

	// ListBefore 历史分页：(send_time, seq) 降序，游标为上一页最后一条的
	// (send_time, seq)，并发写入下分页无空洞无重复
	ListBefore(ctx context.Context, convID string, beforeTS, beforeSeq int64, limit int) ([]*Message, error)
	// ListSinceSeq 读扩散：大群成员按自己游标增量拉会话时间线
	ListSinceSeq(ctx context.Context, convID string, sinceSeq int64, limit int) ([]*Message, error)

	IsUniqueTokenErr(err error) bool
	IsUniqueSeqErr(err error) bool
	IsUniqueServerIDErr(err error) bool
	IsTransientErr(err error) bool
}
