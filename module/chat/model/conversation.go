package model

const ConversationTableName = "conversation"

// Conversation 会话主档：类型 + 成员表。
// direct 恒为两人；group 上限由配置约束（CapacityError）。
type Conversation struct {
	TenantID         string   `bson:"tenant_id"`
	ConversationID   string   `bson:"conversation_id"`
	ConversationType int32    `bson:"conversation_type"` // SessionTypeDirect / SessionTypeGroup
	Members          []string `bson:"members"`
	CreateTime       int64    `bson:"create_time"`
	UpdatedAt        int64    `bson:"updated_at"`
}

func (*Conversation) TableName() string { return ConversationTableName }

const ConversationShadowTableName = "conversation_user"

// ConversationShadow 用户视角的会话影子：每 (owner, conversation) 一条，
// 已读游标 ReadSeq 只进不退（$max 推进），替代逐消息回执，存储成本有界。
type ConversationShadow struct {
	TenantID       string `bson:"tenant_id"`
	OwnerUserID    string `bson:"owner_user_id"`
	ConversationID string `bson:"conversation_id"`

	ReadSeq       int64 `bson:"read_seq"`        // 本人读到的位置(last-read pointer)
	ReadOutboxSeq int64 `bson:"read_outbox_seq"` // 对端读到本人外发消息的位置
	MinSeq        int64 `bson:"min_seq"`
	ServerMaxSeq  int64 `bson:"server_max_seq"`

	CreateTime int64 `bson:"create_time"`
	UpdatedAt  int64 `bson:"updated_at"`
}

func (*ConversationShadow) TableName() string { return ConversationShadowTableName }

const (
	ConversationFieldTenantID       = "tenant_id"
	ConversationFieldConversationID = "conversation_id"
	ConversationFieldType           = "conversation_type"
	ConversationFieldMembers        = "members"
	ConversationFieldCreateTime     = "create_time"
	ConversationFieldUpdatedAt      = "updated_at"

	ShadowFieldOwnerUserID   = "owner_user_id"
	ShadowFieldReadSeq       = "read_seq"
	ShadowFieldReadOutboxSeq = "read_outbox_seq"
	ShadowFieldMinSeq        = "min_seq"
	ShadowFieldServerMaxSeq  = "server_max_seq"
)
