package handlers

import (
	"time"

	"IMCore/service/chat"
)

// RegisterAll 把全部业务帧处理器挂上 dispatcher
func RegisterAll(s *chat.Server, typingExpiry time.Duration) {
	d := s.Disp()
	d.Register(NewAuthHandler())
	d.Register(NewHeartbeatHandler())
	d.Register(NewMessageHandler())
	d.Register(NewAckHandler())
	d.Register(NewReadHandler())
	exp := newTypingExpirySet()
	d.Register(NewTypingStartHandler(typingExpiry, exp))
	d.Register(NewTypingStopHandler(exp))
	d.Register(NewPullHandler())
	if s.Attach() != nil {
		d.Register(NewUploadHandleHandler())
		d.Register(NewAttachResolveHandler())
	}
}
