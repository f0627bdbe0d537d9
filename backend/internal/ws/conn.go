package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"collabSession/backend/internal/collab"

	"github.com/gorilla/websocket"
)

// 应用单条增量的时间上限（纯内存操作，超时说明网关过载）
const submitTimeout = 200 * time.Millisecond

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	svc      collab.Service
	sem      *collab.SemaphoreControl
	userID   uint64
	userName string

	send chan OutboundMessage
	// sendMu 保护 send 的关闭与 collabID：
	// 两者都会被别的连接的 readLoop（广播方）并发访问
	sendMu     sync.Mutex
	sendClosed bool
	// 当前加入的会话；未 join 前为空。只经 currentCollab/setCollab 访问
	collabID string

	// 事件类型 -> 处理函数
	handlers map[string]func(ctx context.Context, msg ClientMessage)
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, userName string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	c := &Conn{
		ws:       ws,
		hub:      hub,
		svc:      svc,
		sem:      sem,
		userID:   userID,
		userName: userName,
		send:     make(chan OutboundMessage, 64),
	}
	c.handlers = map[string]func(ctx context.Context, msg ClientMessage){
		MsgJoinCollaboration: c.handleJoin,
		MsgDocumentUpdate:    c.handleUpdate,
		MsgCursorUpdate:      c.handleCursor,
		MsgSaveDocument:      c.handleSave,
		MsgHeartbeat:         c.handleHeartbeat,
	}
	return c
}

// SendMessage_Enqueue 尽力投递：队列满了直接丢（光标、在线名单一类）
func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// 队列满，丢弃
	}
}

// SendMessage_Must 不可丢投递（文档增量）：队列满说明消费太慢，
// 断开连接让客户端重连后用完整快照追平，比悄悄丢增量安全。
func (c *Conn) SendMessage_Must(msg OutboundMessage) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Printf("send queue overflow, dropping connection user=%d collab=%s", c.userID, c.collabID)
		_ = c.ws.Close()
	}
}

func (c *Conn) currentCollab() string {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.collabID
}

func (c *Conn) setCollab(collabID string) {
	c.sendMu.Lock()
	c.collabID = collabID
	c.sendMu.Unlock()
}

func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.handleDisconnect(ctx)
		c.closeSend()
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			log.Printf("read error (user=%d, collab=%s): %v", c.userID, c.currentCollab(), err)
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// 畸形消息：丢弃并告警，不影响连接，也绝不波及其他客户端
			log.Printf("malformed message dropped (user=%d): %v", c.userID, err)
			continue
		}
		handler, ok := c.handlers[msg.Type]
		if !ok {
			log.Printf("unknown message type %q dropped (user=%d)", msg.Type, c.userID)
			continue
		}
		handler(ctx, msg)
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}

func (c *Conn) sendError(message string) {
	c.SendMessage_Enqueue(ServerMessage{Type: MsgError, Message: message})
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.CollabID == "" {
		c.sendError("collaborationId required")
		return
	}
	// 允许在连接存续期内切换会话：先把旧会话退干净
	if cur := c.currentCollab(); cur != "" && cur != msg.CollabID {
		c.leaveCurrent(ctx)
	}

	// 先进房间再取快照。窗口期同伴提交的增量要么已含在快照里
	// （重复投递靠幂等合并吸收），要么作为后续增量送达，不会两头落空
	c.hub.Join(msg.CollabID, c)
	res, err := c.svc.Join(ctx, msg.CollabID, c.userID, c.userName)
	if err != nil {
		c.hub.Leave(msg.CollabID, c)
		log.Printf("join failed collab=%s user=%d err=%v", msg.CollabID, c.userID, err)
		c.sendError("join failed")
		return
	}
	c.setCollab(msg.CollabID)

	// 快照只发给加入者本人
	c.SendMessage_Must(SyncDocumentMessage{
		Type:     MsgSyncDocument,
		CollabID: msg.CollabID,
		Snapshot: res.Snapshot,
	})
	// 其他成员收到 user-joined，全员（含加入者）收到最新成员表
	c.hub.BroadcastExcept(msg.CollabID, c, PresenceEventMessage{
		Type:      MsgUserJoined,
		UserID:    c.userID,
		UserName:  c.userName,
		UserCount: res.UserCount,
	}, false)
	c.hub.Broadcast(msg.CollabID, CollaboratorsMessage{
		Type:          MsgCollaboratorsUpdate,
		Collaborators: res.Members,
		UserCount:     res.UserCount,
	})
}

func (c *Conn) handleUpdate(ctx context.Context, msg ClientMessage) {
	collabID := msg.CollabID
	if collabID == "" {
		collabID = c.currentCollab()
	}
	if len(msg.Update) == 0 {
		c.sendError("empty update")
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		c.sendError(err.Error())
		return
	}
	defer func() { _ = c.sem.Release() }()

	if err := c.svc.SubmitUpdate(submitCtx, collabID, c.userID, msg.Update); err != nil {
		if errors.Is(err, collab.ErrCollabNotFound) {
			// 会话已被回收（发送者残留/已离开）：只回发送者，不广播
			c.sendError("Collaboration not found")
			return
		}
		log.Printf("submit update failed collab=%s user=%d err=%v", collabID, c.userID, err)
		c.sendError("update rejected")
		return
	}
	// 增量原样转发给同会话其他成员（不回发给提交者）
	c.hub.BroadcastExcept(collabID, c, UpdateMessage{
		Type:   MsgDocumentUpdate,
		Update: msg.Update,
	}, true)
}

func (c *Conn) handleCursor(ctx context.Context, msg ClientMessage) {
	collabID := msg.CollabID
	if collabID == "" {
		collabID = c.currentCollab()
	}
	cursor := collab.CursorInfo{Position: msg.Position, Selection: msg.Selection}
	if err := c.svc.UpdateCursor(ctx, collabID, c.userID, cursor); err != nil {
		if errors.Is(err, collab.ErrCollabNotFound) {
			c.sendError("Collaboration not found")
		}
		return
	}
	c.hub.BroadcastExcept(collabID, c, CursorMessage{
		Type:      MsgCursorUpdate,
		UserID:    c.userID,
		UserName:  c.userName,
		Position:  msg.Position,
		Selection: msg.Selection,
	}, false)
}

func (c *Conn) handleSave(ctx context.Context, msg ClientMessage) {
	collabID := msg.CollabID
	if collabID == "" {
		collabID = c.currentCollab()
	}
	if err := c.svc.RequestSave(ctx, collabID, c.userID); err != nil {
		if errors.Is(err, collab.ErrCollabNotFound) {
			c.sendError("Collaboration not found")
			return
		}
		c.sendError("save failed")
	}
	// 结果由 Saver 经 Notifier 异步回报（document-saved / error）
}

func (c *Conn) handleHeartbeat(ctx context.Context, msg ClientMessage) {
	if collabID := c.currentCollab(); collabID != "" {
		if err := c.svc.Heartbeat(ctx, collabID, c.userID); err != nil {
			log.Printf("heartbeat failed collab=%s user=%d err=%v", collabID, c.userID, err)
		}
	}
	c.SendMessage_Enqueue(ServerMessage{Type: MsgFeedback, Message: "Heartbeat received"})
}

// handleDisconnect 连接断开的隐式 leave
func (c *Conn) handleDisconnect(ctx context.Context) {
	if c.currentCollab() == "" {
		return
	}
	c.leaveCurrent(ctx)
}

func (c *Conn) leaveCurrent(ctx context.Context) {
	collabID := c.currentCollab()
	c.setCollab("")
	c.hub.Leave(collabID, c)

	res, err := c.svc.Leave(ctx, collabID, c.userID)
	if err != nil {
		if !errors.Is(err, collab.ErrCollabNotFound) {
			log.Printf("leave failed collab=%s user=%d err=%v", collabID, c.userID, err)
		}
		return
	}
	if !res.Existed {
		return
	}
	c.hub.Broadcast(collabID, PresenceEventMessage{
		Type:      MsgUserLeft,
		UserID:    c.userID,
		UserName:  c.userName,
		UserCount: res.Remaining,
	})
	c.hub.Broadcast(collabID, CollaboratorsMessage{
		Type:          MsgCollaboratorsUpdate,
		Collaborators: res.Members,
		UserCount:     res.Remaining,
	})
}
