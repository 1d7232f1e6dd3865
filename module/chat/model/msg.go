package model

// ===== 常量 =====

const (
	MsgTableName = "msg" // 集合名

	// SessionTypeDirect 单聊（固定两人）/ SessionTypeGroup 群聊
	SessionTypeDirect = 1
	SessionTypeGroup  = 2
)

// ===== 存储结构 =====

// MsgModel 是一条消息的持久化形态。消息一旦写入不再修改；
// (tenant, conv, seq) 唯一，(sender, client_msg_id) 唯一。
type MsgModel struct {
	TenantID string `bson:"tenant_id"`

	// 路由/标识
	ConversationID string `bson:"conversation_id"`
	SenderID       string `bson:"sender_id"`
	ClientMsgID    string `bson:"client_msg_id"` // 客户端幂等token
	ServerMsgID    string `bson:"server_msg_id"` // 服务端分配的全局消息ID

	// 内容
	ContentType int32  `bson:"content_type"` // 1=文本,2=图片,3=语音...
	Content     string `bson:"content"`
	PayloadHash string `bson:"payload_hash"` // 幂等重放时校验内容一致

	// 序号/时间：会话内 (send_time, seq) 构成全序，seq 做同毫秒 tie-break
	Seq      int64 `bson:"seq"`
	SendTime int64 `bson:"send_time"` // 服务端时间(Unix ms)

	// @/扩展
	AtUserIDList []string `bson:"at_user_id_list,omitempty"`
	AttachHandle string   `bson:"attach_handle,omitempty"` // 附件句柄，内容本体在对象存储
	Ex           string   `bson:"ex,omitempty"`            // 预留扩展(JSON)
}

func (*MsgModel) TableName() string { return MsgTableName }

// 字段名常量：bson 查询/更新统一用常量拼接，避免散落的魔法字符串
const (
	MsgFieldTenantID       = "tenant_id"
	MsgFieldConversationID = "conversation_id"
	MsgFieldSenderID       = "sender_id"
	MsgFieldClientMsgID    = "client_msg_id"
	MsgFieldServerMsgID    = "server_msg_id"
	MsgFieldSeq            = "seq"
	MsgFieldSendTime       = "send_time"
)
