package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// 导入 Redis 客户端库
	"github.com/go-redis/redis/v8"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/domain"
	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/repository"

	"github.com/sirupsen/logrus" // 用于日志记录
)

// membershipTTL 是成员哈希和元数据记录的安全 TTL。
// 正常路径下房间由 leave 或清理任务回收；TTL 只是兜底，
// 保证进程全部崩溃后遗留的 key 最多存活 24 小时。
const membershipTTL = 24 * time.Hour

// RedisRoomDirectory 是 RoomDirectory 接口的 Redis 实现。
// 它是所有进程间唯一权威的房间注册表，进程内不保留任何独立的写路径。
type RedisRoomDirectory struct {
	client *redis.Client // 依赖 Redis 客户端
	// Redis key 的前缀，方便多环境共用一个实例
	keyPrefix string
}

// NewRedisRoomDirectory 创建 RedisRoomDirectory 实例
func NewRedisRoomDirectory(client *redis.Client, keyPrefix string) *RedisRoomDirectory {
	if client == nil {
		panic("redis client cannot be nil for RedisRoomDirectory")
	}
	if keyPrefix == "" {
		keyPrefix = "hv:" // 默认前缀 "hv:" (havruta)
	}
	return &RedisRoomDirectory{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// --- Key Generation Helpers ---

func (r *RedisRoomDirectory) membersKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:members", r.keyPrefix, roomID)
}

func (r *RedisRoomDirectory) stateKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:state", r.keyPrefix, roomID)
}

// SCAN 枚举用的 key pattern
func (r *RedisRoomDirectory) membersKeyPattern() string {
	return fmt.Sprintf("%sroom:*:members", r.keyPrefix)
}

func (r *RedisRoomDirectory) stateKeyPattern() string {
	return fmt.Sprintf("%sroom:*:state", r.keyPrefix)
}

// --- RoomDirectory Interface Implementation ---

// AddParticipant 将参与者条目写入房间的成员哈希 (HSet 覆盖同名 field)。
// 每次写入都刷新安全 TTL，保证活跃房间的 key 不会被兜底过期回收。
func (r *RedisRoomDirectory) AddParticipant(ctx context.Context, roomID string, p domain.Participant) error {
	key := r.membersKey(roomID)
	entryBytes, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal participant %s for room %s: %w", p.UserID, roomID, err)
	}
	// 使用 Pipeline 减少网络往返：HSet + Expire
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, p.UserID, entryBytes)
	pipe.Expire(ctx, key, membershipTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to add participant %s to room %s (key: %s): %w", p.UserID, roomID, key, err)
	}
	return nil
}

// RemoveParticipant 删除该用户的成员条目，field 不存在时 HDel 本身就是 no-op。
func (r *RedisRoomDirectory) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	key := r.membersKey(roomID)
	if err := r.client.HDel(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("redis: failed to remove participant %s from room %s (key: %s): %w", userID, roomID, key, err)
	}
	return nil
}

// ListParticipants 读取房间的完整成员哈希并反序列化为映射。
// 单个损坏的条目只记录日志并跳过，不让整个读取失败。
func (r *RedisRoomDirectory) ListParticipants(ctx context.Context, roomID string) (map[string]domain.Participant, error) {
	key := r.membersKey(roomID)
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list participants for room %s (key: %s): %w", roomID, key, err)
	}
	participants := make(map[string]domain.Participant, len(raw))
	for userID, entryStr := range raw {
		var p domain.Participant
		if err := json.Unmarshal([]byte(entryStr), &p); err != nil {
			logrus.WithFields(logrus.Fields{
				"room_id": roomID,
				"user_id": userID,
			}).WithError(err).Warn("redis: failed to unmarshal participant entry, skipping")
			continue
		}
		participants[userID] = p
	}
	return participants, nil
}

// CountParticipants 返回成员哈希的实时大小 (HLen)。
// 绝不使用独立的计数器，避免并发写入者之间的漂移。
func (r *RedisRoomDirectory) CountParticipants(ctx context.Context, roomID string) (int, error) {
	key := r.membersKey(roomID)
	size, err := r.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to count participants for room %s (key: %s): %w", roomID, key, err)
	}
	return int(size), nil
}

// SaveRoomState 将房间元数据序列化后写入，并刷新安全 TTL。
func (r *RedisRoomDirectory) SaveRoomState(ctx context.Context, state *domain.RoomState) error {
	if state == nil {
		return fmt.Errorf("redis: cannot save nil room state")
	}
	key := r.stateKey(state.SessionID)
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal room state for room %s: %w", state.SessionID, err)
	}
	if err := r.client.Set(ctx, key, stateBytes, membershipTTL).Err(); err != nil {
		return fmt.Errorf("redis: failed to save room state for room %s (key: %s): %w", state.SessionID, key, err)
	}
	return nil
}

// GetRoomState 读取房间元数据记录。
// key 不存在映射为仓库定义的 ErrRoomNotFound。
func (r *RedisRoomDirectory) GetRoomState(ctx context.Context, roomID string) (*domain.RoomState, error) {
	key := r.stateKey(roomID)
	stateStr, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("redis: failed to get room state for room %s (key: %s): %w", roomID, key, err)
	}
	var state domain.RoomState
	if err := json.Unmarshal([]byte(stateStr), &state); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal room state for room %s (key: %s): %w", roomID, key, err)
	}
	return &state, nil
}

// DeleteRoom 在一个 MULTI/EXEC 事务中删除成员哈希和元数据记录。
// 删除顺序：先成员后元数据。如果事务退化为逐条执行且中途失败，
// 剩下的只会是无成员的孤儿元数据 (不可加入)，而不是有成员却看不到元数据的房间。
func (r *RedisRoomDirectory) DeleteRoom(ctx context.Context, roomID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.membersKey(roomID))
	pipe.Del(ctx, r.stateKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to delete room %s: %w", roomID, err)
	}
	return nil
}

// ListActiveRoomIDs 通过 SCAN 枚举成员哈希和元数据两种 key 并解析出房间 ID。
// Redis 的哈希在最后一个 field 删除后 key 即消失，只枚举成员 key
// 会漏掉只剩元数据的孤儿房间。活跃房间数量受并发进行中的学习会话约束，
// SCAN 的开销可以接受。
func (r *RedisRoomDirectory) ListActiveRoomIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var roomIDs []string

	for _, kind := range []struct {
		pattern string
		suffix  string
	}{
		{r.membersKeyPattern(), ":members"},
		{r.stateKeyPattern(), ":state"},
	} {
		iter := r.client.Scan(ctx, 0, kind.pattern, 100).Iterator()
		for iter.Next(ctx) {
			roomID, ok := r.roomIDFromKey(iter.Val(), kind.suffix)
			if !ok {
				// 不应该发生：pattern 只匹配房间 key
				logrus.WithField("key", iter.Val()).Warn("redis: unexpected key shape during room enumeration")
				continue
			}
			if !seen[roomID] {
				seen[roomID] = true
				roomIDs = append(roomIDs, roomID)
			}
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("redis: failed to enumerate active rooms: %w", err)
		}
	}
	return roomIDs, nil
}

// roomIDFromKey 从 "<prefix>room:<id><suffix>" 中提取 <id>。
// 会话 ID 是不透明字符串，可能自身包含冒号，因此只剥离固定的前后缀。
func (r *RedisRoomDirectory) roomIDFromKey(key, suffix string) (string, bool) {
	prefix := r.keyPrefix + "room:"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return "", false
	}
	roomID := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
	if roomID == "" {
		return "", false
	}
	return roomID, true
}
