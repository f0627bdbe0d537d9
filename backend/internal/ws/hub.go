package ws

import (
	"sync"
	"time"
)

// Hub 连接层的会话房间：collabID -> set of connections。
// 为什么存的是连接而不是 userID：广播要逐连接发；成员身份归 collab 包管。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定会话房间
func (h *Hub) Join(collabID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[collabID] == nil {
		h.rooms[collabID] = make(map[*Conn]struct{})
	}
	h.rooms[collabID][c] = struct{}{}
}

// Leave 将连接从指定会话房间移除
func (h *Hub) Leave(collabID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[collabID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, collabID)
		}
	}
}

func (h *Hub) members(collabID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.rooms[collabID]))
	for c := range h.rooms[collabID] {
		conns = append(conns, c)
	}
	return conns
}

// BroadcastExcept 发给会话内除 sender 以外的所有连接。
// must=true 表示不可丢（文档增量）：队列满时断开慢消费者，靠重连快照追平。
// must=false 的消息（光标、在线名单）队列满时直接丢弃。
func (h *Hub) BroadcastExcept(collabID string, sender *Conn, msg OutboundMessage, must bool) {
	for _, c := range h.members(collabID) {
		if c == sender {
			continue
		}
		if must {
			c.SendMessage_Must(msg)
		} else {
			c.SendMessage_Enqueue(msg)
		}
	}
}

// Broadcast 发给会话内所有连接（可丢）
func (h *Hub) Broadcast(collabID string, msg OutboundMessage) {
	h.BroadcastExcept(collabID, nil, msg, false)
}

// SendToUser 只发给指定成员的连接
func (h *Hub) SendToUser(collabID string, userID uint64, msg OutboundMessage) {
	for _, c := range h.members(collabID) {
		if c.userID == userID {
			c.SendMessage_Enqueue(msg)
		}
	}
}

// NotifySaved 实现 collab.Notifier：保存成功广播给全员
func (h *Hub) NotifySaved(collabID string, savedAt time.Time) {
	h.Broadcast(collabID, DocumentSavedMessage{
		Type:      MsgDocumentSaved,
		CollabID:  collabID,
		Timestamp: savedAt,
	})
}

// NotifySaveError 实现 collab.Notifier。
// requesterID 为 0（自动保存）时通知全员，否则只通知请求者。
func (h *Hub) NotifySaveError(collabID string, requesterID uint64, message string) {
	msg := ServerMessage{Type: MsgError, Message: message}
	if requesterID == 0 {
		h.Broadcast(collabID, msg)
		return
	}
	h.SendToUser(collabID, requesterID, msg)
}
