package model

// DeliveryState 每 (message, recipient) 的投递状态，只进不退：
// queued → sent → delivered → read
type DeliveryState int32

const (
	DeliveryQueued DeliveryState = iota
	DeliverySent
	DeliveryDelivered
	DeliveryRead
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryQueued:
		return "queued"
	case DeliverySent:
		return "sent"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryRead:
		return "read"
	default:
		return "unknown"
	}
}

// Rank 单调序；状态迁移只允许 rank 变大
func (s DeliveryState) Rank() int32 { return int32(s) }

// PresenceStatus 在线状态
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)
