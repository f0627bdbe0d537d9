package cache

import "fmt"

// 键语义：
// - sessionKey(collabID):  会话在线成员（ZSet<userId, expireAtUnix>，score=逻辑过期时间）
// - namesKey(collabID):    会话内 userId→userName 映射（Hash）
// - cursorKey(collabID,u): 单个成员最近一次光标（String，JSON，带物理 TTL）

const (
	keySessionFmt = "collab:presence:{collabID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt   = "collab:presence:names:{collabID:%s}" // Hash<userId -> userName>
	keyCursorFmt  = "collab:cursor:{collabID:%s}:%d"      // String(JSON)
)

func sessionKey(collabID string) string { return fmt.Sprintf(keySessionFmt, collabID) }
func namesKey(collabID string) string   { return fmt.Sprintf(keyNamesFmt, collabID) }
func cursorKey(collabID string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, collabID, userID)
}
