package chat

import (
	"context"

	"IMCore/logger"
)

// PresencePeers 查询关心某用户在线状态的直聊对端
type PresencePeers interface {
	DirectPartners(ctx context.Context, user string) ([]string, error)
}

// FanPresence 把一次 presence 翻转推到本网关的相关连接：
// 本人其他端（多端状态一致）+ 该用户直聊对端的在线会话。
// 不在线的对端不补投，presence 是瞬态，重连后按需查询。
func FanPresence(ctx context.Context, mgr *ConnManager, peers PresencePeers, user, status string) {
	frame := BuildPresence(user, status)
	mgr.Push(user, frame)

	if peers == nil {
		return
	}
	partners, err := peers.DirectPartners(ctx, user)
	if err != nil {
		logger.Warnf("[presence] partners lookup failed user=%s err=%v", user, err)
		return
	}
	for _, p := range partners {
		if p == user {
			continue
		}
		mgr.Push(p, frame)
	}
}
