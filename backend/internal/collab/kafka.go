package collab

import "time"

// Kafka 上发布的协作事件，供下游（审计/统计）消费
// 内容本体不进 Kafka，只发元数据；增量字节留在 WebSocket 链路里。
type UpdateEvent struct {
	EventType  string    `json:"eventType"` // "UPDATE_APPLIED" / "SNAPSHOT_SAVED"
	CollabID   string    `json:"collabId"`
	AuthorID   uint64    `json:"authorId,omitempty"`
	UpdateSize int       `json:"updateSize,omitempty"` // 增量字节数
	UserCount  int       `json:"userCount,omitempty"`
	AppliedAt  time.Time `json:"appliedAt"`
}

const (
	EventUpdateApplied = "UPDATE_APPLIED"
	EventSnapshotSaved = "SNAPSHOT_SAVED"
)
