package ws

import (
	"time"

	"collabSession/backend/internal/collab"
)

// 入站事件类型
const (
	MsgJoinCollaboration = "join-collaboration"
	MsgDocumentUpdate    = "document-update"
	MsgCursorUpdate      = "cursor-update"
	MsgSaveDocument      = "save-document"
	MsgHeartbeat         = "heartbeat"
)

// 出站事件类型
const (
	MsgSyncDocument        = "sync-document"
	MsgUserJoined          = "user-joined"
	MsgUserLeft            = "user-left"
	MsgCollaboratorsUpdate = "collaborators-update"
	MsgDocumentSaved       = "document-saved"
	MsgError               = "error"
	MsgWelcome             = "welcome"
	MsgFeedback            = "feedback"
)

// ClientMessage 入站统一信封。Update 为二进制增量（JSON 里是 base64）。
// userId/userName 不从消息里取 —— 以鉴权中间件写入连接的身份为准。
type ClientMessage struct {
	Type      string                 `json:"type"`
	CollabID  string                 `json:"collaborationId,omitempty"`
	Update    []byte                 `json:"update,omitempty"`
	Position  int                    `json:"position,omitempty"`
	Selection *collab.SelectionRange `json:"selection,omitempty"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// ServerMessage 通用出站消息（welcome / feedback / error）
type ServerMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// SyncDocumentMessage 仅发给刚加入的连接：完整状态快照
type SyncDocumentMessage struct {
	Type     string `json:"type"` // 固定 "sync-document"
	CollabID string `json:"collaborationId"`
	Snapshot []byte `json:"snapshot"`
}

// UpdateMessage 广播给同会话其他连接的增量（不回发给提交者）
type UpdateMessage struct {
	Type   string `json:"type"` // 固定 "document-update"
	Update []byte `json:"update"`
}

// PresenceEventMessage user-joined / user-left
type PresenceEventMessage struct {
	Type      string `json:"type"`
	UserID    uint64 `json:"userId"`
	UserName  string `json:"userName"`
	UserCount int    `json:"userCount"`
}

// CollaboratorsMessage 完整成员表（统一使用带名字的载荷）
type CollaboratorsMessage struct {
	Type          string          `json:"type"` // 固定 "collaborators-update"
	Collaborators []collab.Member `json:"collaborators"`
	UserCount     int             `json:"userCount"`
}

// CursorMessage 光标转发给同会话其他连接
type CursorMessage struct {
	Type      string                 `json:"type"` // 固定 "cursor-update"
	UserID    uint64                 `json:"userId"`
	UserName  string                 `json:"userName"`
	Position  int                    `json:"position"`
	Selection *collab.SelectionRange `json:"selection,omitempty"`
}

// DocumentSavedMessage 保存成功的回报
type DocumentSavedMessage struct {
	Type      string    `json:"type"` // 固定 "document-saved"
	CollabID  string    `json:"collaborationId"`
	Timestamp time.Time `json:"timestamp"`
}

func (m ServerMessage) MessageType() string        { return m.Type }
func (m SyncDocumentMessage) MessageType() string  { return m.Type }
func (m UpdateMessage) MessageType() string        { return m.Type }
func (m PresenceEventMessage) MessageType() string { return m.Type }
func (m CollaboratorsMessage) MessageType() string { return m.Type }
func (m CursorMessage) MessageType() string        { return m.Type }
func (m DocumentSavedMessage) MessageType() string { return m.Type }
