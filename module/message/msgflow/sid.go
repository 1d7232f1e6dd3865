package msgflow

import "IMCore/tools/ids"

// ServerIDGenerator server_msg_id 生成器（可接 Snowflake/ULID）
type ServerIDGenerator interface{ New() string }

// SnowGen 默认雪花实现
type SnowGen struct{}

func (SnowGen) New() string { return ids.GenerateString() }
