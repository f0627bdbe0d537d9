package handlers

import (
	"net/http"
	"time"

	"collabSession/backend/internal/cache"
	"collabSession/backend/internal/collab"

	"github.com/gin-gonic/gin"
)

// SessionHandler 只读的运维观察面：列出活跃会话与在线成员。
// 权威数据在内存注册表里；Redis 镜像用于跨服务查询，这里两边都暴露。
type SessionHandler struct {
	registry *collab.Registry
	presence cache.PresenceCache
}

func NewSessionHandler(registry *collab.Registry, presence cache.PresenceCache) *SessionHandler {
	return &SessionHandler{registry: registry, presence: presence}
}

type sessionSummary struct {
	CollabID    string    `json:"collaborationId"`
	UserCount   int       `json:"userCount"`
	Dirty       bool      `json:"dirty"`
	LastSavedAt time.Time `json:"lastSavedAt,omitempty"`
}

// ListSessions GET /collab/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions := h.registry.Sessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{
			CollabID:    s.CollabID,
			UserCount:   len(s.Members()),
			Dirty:       s.Dirty(),
			LastSavedAt: s.LastSavedAt(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

// GetSessionPresence GET /collab/sessions/:collabID/presence
// 优先回内存权威数据；会话不在本进程时退回 Redis 镜像（供兄弟实例观察）。
func (h *SessionHandler) GetSessionPresence(c *gin.Context) {
	collabID := c.Param("collabID")
	if collabID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "collaborationId missing"})
		return
	}

	if sess := h.registry.Get(collabID); sess != nil {
		members := sess.Members()
		c.JSON(http.StatusOK, gin.H{
			"collaborationId": collabID,
			"source":          "memory",
			"collaborators":   members,
			"userCount":       len(members),
		})
		return
	}

	if h.presence == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Collaboration not found"})
		return
	}
	mirrored, err := h.presence.GetAliveMembersWithNames(c.Request.Context(), collabID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence lookup failed"})
		return
	}
	members := make([]collab.Member, 0, len(mirrored))
	for _, m := range mirrored {
		members = append(members, collab.Member{UserID: m.UserID, UserName: m.UserName})
	}
	c.JSON(http.StatusOK, gin.H{
		"collaborationId": collabID,
		"source":          "redis",
		"collaborators":   members,
		"userCount":       len(members),
	})
}
