package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 把会话内的在线状态镜像到 Redis，供兄弟服务观察。
// 内存中的 presence 才是权威数据（连接断开即消失），这里只做尽力而为的同步。
type PresenceCache interface {
	AddMember(ctx context.Context, collabID string, userID uint64, userName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, collabID string, userID uint64) error
	GetAliveMembersWithNames(ctx context.Context, collabID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, collabID string, userID uint64, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, collabID string, userID uint64) ([]byte, error)
}

type PresenceMember struct {
	UserID   uint64
	UserName string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, collabID string, userID uint64, userName string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember 即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达"逻辑 TTL"
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, sessionKey(collabID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(collabID), userID, userName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, collabID string, userID uint64) error {
	member := strconv.FormatUint(userID, 10)
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, sessionKey(collabID), member)
	tx.HDel(ctx, namesKey(collabID), member)
	tx.Del(ctx, cursorKey(collabID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, collabID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(collabID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, collabID string, userID uint64) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(collabID, userID)).Bytes()
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, collabID string) ([]PresenceMember, error) {
	// step1: 原子清理逻辑过期成员
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = sessionKey(collabID)
	-- KEYS[2] = namesKey(collabID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`
	script := redis.NewScript(luaScript)
	if _, err := script.Run(ctx, p.rdb, []string{sessionKey(collabID), namesKey(collabID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, sessionKey(collabID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}
	aliveIDsUint64 := make([]uint64, 0, len(aliveIDs))
	for _, aliveID := range aliveIDs {
		uid, err := strconv.ParseUint(aliveID, 10, 64)
		if err != nil {
			return nil, err
		}
		aliveIDsUint64 = append(aliveIDsUint64, uid)
	}

	// step3: 批量取名字
	names, err := p.rdb.HMGet(ctx, namesKey(collabID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDsUint64))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDsUint64[i], UserName: name})
	}
	return members, nil
}
