package ws

import (
	"log"
	"net/http"
	"strings"

	"collabSession/backend/internal/collab"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub *Hub
	svc collab.Service
	sem *collab.SemaphoreControl
}

func NewManager(hub *Hub, svc collab.Service, sem *collab.SemaphoreControl) *Manager {
	return &Manager{hub: hub, svc: svc, sem: sem}
}

// WebSocketConnect 将 HTTP 连接升级为 WebSocket 并进入事件循环。
// 身份（userId/userName）由鉴权中间件写入 gin 上下文。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	userName := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, userID, userName, m.svc, m.sem)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage_Enqueue(ServerMessage{Type: MsgWelcome, Message: "connected"})

	// 最后进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
