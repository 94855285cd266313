package repository

import (
	"context"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/domain"
)

// RoomDirectory 定义了房间成员和元数据在共享状态存储中的读写操作。
// 所有实现都跨进程共享同一份数据，由 Redis 实现。
// 每个方法都可能因连接问题失败，错误交由调用方 (Coordinator) 决定如何处理。
type RoomDirectory interface {
	// AddParticipant 写入或覆盖房间成员哈希中该用户的条目。
	// 每次写入都会重新设置成员哈希的安全 TTL (24h)。
	AddParticipant(ctx context.Context, roomID string, p domain.Participant) error

	// RemoveParticipant 删除该用户的成员条目，条目不存在时为 no-op。
	RemoveParticipant(ctx context.Context, roomID, userID string) error

	// ListParticipants 返回 userId -> 条目的映射，顺序无关紧要。
	ListParticipants(ctx context.Context, roomID string) (map[string]domain.Participant, error)

	// CountParticipants 返回成员哈希的实时大小。
	// 必须从哈希本身计算，绝不读取缓存的计数器。
	CountParticipants(ctx context.Context, roomID string) (int, error)

	// SaveRoomState 写入房间元数据记录，并刷新其安全 TTL。
	SaveRoomState(ctx context.Context, state *domain.RoomState) error

	// GetRoomState 读取房间元数据记录。
	// 记录不存在时返回 ErrRoomNotFound。
	GetRoomState(ctx context.Context, roomID string) (*domain.RoomState, error)

	// DeleteRoom 将成员哈希和元数据记录作为一个单元删除 (尽力而为的原子性)。
	DeleteRoom(ctx context.Context, roomID string) error

	// ListActiveRoomIDs 通过 key 前缀枚举返回所有存在的房间 ID。
	// 房间存在的定义：成员哈希或元数据记录至少有一个还在，
	// 两种 key 都要枚举，否则只剩元数据的孤儿房间会躲过清理。
	ListActiveRoomIDs(ctx context.Context) ([]string, error)
}
