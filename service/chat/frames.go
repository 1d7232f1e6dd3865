package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"IMCore/tools/decode"
	"IMCore/tools/errs"
)

// 客户端上行帧类型
const (
	FrameAuth        = "auth"
	FrameHeartbeat   = "heartbeat"
	FrameSend        = "message_send"
	FrameAck         = "message_ack" // 传输层收到即回（delivered）
	FrameRead        = "read_mark"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FramePull        = "pull"
	FrameUploadReq   = "upload_handle"  // 申请附件上传句柄
	FrameAttachURL   = "attach_resolve" // 句柄换下载地址
)

// 服务端下行帧类型
const (
	FrameConnAck     = "conn_ack"
	FrameAuthAck     = "auth_ack"
	FramePong        = "pong"
	FrameSendAck     = "send_ack"
	FrameError       = "error"
	FrameReadReceipt = "read_receipt"
	FramePresence    = "presence_update"
	FrameTyping      = "typing"
	FramePullResult  = "pull_result"
	FrameUploadAck   = "upload_handle_ack"
	FrameAttachAck   = "attach_resolve_ack"
)

// Frame 统一业务帧（闭合 type 集合，未知 type 丢弃）
type Frame struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts,omitempty"`

	// 载荷：各 type 自取所需字段
	Payload map[string]any `json:"payload,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errors.Wrap(err, "unmarshal frame failed")
	}
	if f.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return f, nil
}

// ---- 各 type 的载荷 ----

type AuthPayload struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
	Platform string `json:"platform,omitempty"`
}

type SendPayload struct {
	ConvID       string   `json:"conversation_id"`
	ClientMsgID  string   `json:"client_msg_id"` // 幂等令牌，客户端生成
	ContentType  int32    `json:"content_type"`
	Content      string   `json:"content"`
	AtUserIDList []string `json:"at_user_id_list,omitempty"`
	AttachHandle string   `json:"attach_handle,omitempty"`
}

type AckPayload struct {
	ServerMsgID string `json:"server_msg_id"`
}

type ReadPayload struct {
	ConvID string `json:"conversation_id"`
	Seq    int64  `json:"seq"` // 读到的位置，含
}

type TypingPayload struct {
	ConvID string `json:"conversation_id"`
}

type UploadReqPayload struct {
	ConvID    string `json:"conversation_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

type AttachURLPayload struct {
	Handle string `json:"handle"`
}

type PullPayload struct {
	ConvID   string `json:"conversation_id"`
	SinceSeq int64  `json:"since_seq,omitempty"` // >0 按 seq 增量拉
	BeforeTS int64  `json:"before_ts,omitempty"` // 向历史翻页
	BeforeSq int64  `json:"before_seq,omitempty"`
	Limit    int64  `json:"limit,omitempty"`
}

func PayloadAs[T any](f *Frame) (*T, error) {
	if f.Payload == nil {
		return nil, errs.ErrArgs.WrapMsg("frame payload is nil")
	}
	return decode.DecodeMap[T](f.Payload)
}

// ---- 服务端回执构造 ----

func marshalFrame(typ string, payload map[string]any) []byte {
	b, _ := json.Marshal(Frame{Type: typ, Ts: time.Now().UnixMilli(), Payload: payload})
	return b
}

func BuildConnAck(sessionID, gatewayID string, heartbeatMS int64) []byte {
	return marshalFrame(FrameConnAck, map[string]any{
		"session_id":        sessionID,
		"gateway_id":        gatewayID,
		"ping_interval_ms":  heartbeatMS,
		"unauth_timeout_ms": 60_000,
	})
}

func BuildAuthAck(userID, deviceID, sessionID string, expireAt int64, maxSessions int) []byte {
	return marshalFrame(FrameAuthAck, map[string]any{
		"ok":              true,
		"user_id":         userID,
		"device_id":       deviceID,
		"session_id":      sessionID,
		"token_expire_at": expireAt,
		"max_sessions":    maxSessions,
	})
}

func BuildPong(sessionID string) []byte {
	return marshalFrame(FramePong, map[string]any{"session_id": sessionID})
}

// BuildSendAck 提交结果：同一 client_msg_id 重发返回同一 server_msg_id/seq
func BuildSendAck(clientMsgID, serverMsgID string, seq, sendTimeMS int64) []byte {
	return marshalFrame(FrameSendAck, map[string]any{
		"client_msg_id": clientMsgID,
		"server_msg_id": serverMsgID,
		"seq":           seq,
		"send_time":     sendTimeMS,
	})
}

func BuildError(code int, msg, detail string) []byte {
	return marshalFrame(FrameError, map[string]any{
		"code":   code,
		"msg":    msg,
		"detail": detail,
	})
}

func BuildReadReceipt(convID, readerID string, seq int64) []byte {
	return marshalFrame(FrameReadReceipt, map[string]any{
		"conversation_id": convID,
		"reader_id":       readerID,
		"seq":             seq,
	})
}

func BuildPresence(userID, status string) []byte {
	return marshalFrame(FramePresence, map[string]any{
		"user_id": userID,
		"status":  status,
	})
}

func BuildUploadAck(handle, uploadURL string, expireAt int64) []byte {
	return marshalFrame(FrameUploadAck, map[string]any{
		"handle":     handle,
		"upload_url": uploadURL,
		"expire_at":  expireAt,
	})
}

func BuildAttachAck(handle, url string) []byte {
	return marshalFrame(FrameAttachAck, map[string]any{
		"handle": handle,
		"url":    url,
	})
}

func BuildTyping(convID, userID string, active bool) []byte {
	return marshalFrame(FrameTyping, map[string]any{
		"conversation_id": convID,
		"user_id":         userID,
		"active":          active,
	})
}
