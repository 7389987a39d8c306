package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceMirror：内存会话注册表的 Redis 镜像。
// 权威数据在进程内；镜像只服务于可观测性和多实例排查，
// 写失败由调用方打日志，绝不阻塞在线链路。
type PresenceMirror interface {
	AddSession(ctx context.Context, docID, sessionID string, identityID uint64, ttl time.Duration) error
	RemoveSession(ctx context.Context, docID, sessionID string) error
	AliveSessions(ctx context.Context, docID string) ([]MirrorSession, error)
	SetCursor(ctx context.Context, docID, sessionID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error)
	Documents(ctx context.Context) ([]string, error)
	SweepExpired(ctx context.Context) error
}

type MirrorSession struct {
	SessionID  string
	IdentityID uint64
}

// 具体实现：基于 redis 的 PresenceMirror
type redisMirror struct {
	rdb *redis.Client
}

func NewRedisMirror(rdb *redis.Client) PresenceMirror {
	return &redisMirror{rdb: rdb}
}

func (m *redisMirror) AddSession(ctx context.Context, docID, sessionID string, identityID uint64, ttl time.Duration) error {
	// 心跳续期也直接调用 AddSession
	tx := m.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, identityKey(docID), sessionID, identityID)
	tx.SAdd(ctx, docsKey(), docID)
	_, err := tx.Exec(ctx)
	return err
}

func (m *redisMirror) RemoveSession(ctx context.Context, docID, sessionID string) error {
	tx := m.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), sessionID)
	tx.HDel(ctx, identityKey(docID), sessionID)
	tx.Del(ctx, cursorKey(docID, sessionID))
	_, err := tx.Exec(ctx)
	return err
}

// 清掉逻辑过期的会话并顺带维护 identity 表
var sweepScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = identityKey(docID)
-- ARGV[1] = now (unix seconds)

local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (m *redisMirror) AliveSessions(ctx context.Context, docID string) ([]MirrorSession, error) {
	// step1: 清理过期会话。约定 score=expireAt，expireAt <= now 视为过期
	now := time.Now().Unix()
	_, err := sweepScript.Run(ctx, m.rdb, []string{roomKey(docID), identityKey(docID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线会话
	aliveIDs, err := m.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取 identity
	identities, err := m.rdb.HMGet(ctx, identityKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	sessions := make([]MirrorSession, 0, len(aliveIDs))
	for i, v := range identities {
		var identityID uint64
		if v != nil {
			if s, ok := v.(string); ok {
				identityID, _ = strconv.ParseUint(s, 10, 64)
			}
		}
		sessions = append(sessions, MirrorSession{SessionID: aliveIDs[i], IdentityID: identityID})
	}
	return sessions, nil
}

func (m *redisMirror) SetCursor(ctx context.Context, docID, sessionID string, jsonData []byte, ttl time.Duration) error {
	return m.rdb.Set(ctx, cursorKey(docID, sessionID), jsonData, ttl).Err()
}

func (m *redisMirror) GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error) {
	return m.rdb.Get(ctx, cursorKey(docID, sessionID)).Bytes()
}

func (m *redisMirror) Documents(ctx context.Context) ([]string, error) {
	docs, err := m.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return docs, nil
}

// SweepExpired：Reaper 周期调用，对每个有镜像的文档跑一遍过期清理，
// 空房间同时从文档索引里摘掉。
func (m *redisMirror) SweepExpired(ctx context.Context) error {
	docs, err := m.Documents(ctx)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	for _, docID := range docs {
		if _, err := sweepScript.Run(ctx, m.rdb, []string{roomKey(docID), identityKey(docID)}, now).Int(); err != nil && err != redis.Nil {
			return err
		}
		n, err := m.rdb.ZCard(ctx, roomKey(docID)).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if n == 0 {
			if err := m.rdb.SRem(ctx, docsKey(), docID).Err(); err != nil && err != redis.Nil {
				return err
			}
		}
	}
	return nil
}
