package tasks

import (
	"encoding/json"
	"time"
)

// 定义任务类型常量
const (
	TypeRoomCleanup = "room:cleanup" // 废弃房间清理任务类型
)

// RoomCleanupPayload 定义了清理任务的数据结构。
// 清理逻辑本身不需要参数，记录入队时间仅用于排查调度延迟。
type RoomCleanupPayload struct {
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewRoomCleanupTask 创建一个新的房间清理任务 payload
func NewRoomCleanupTask() ([]byte, error) {
	payload := RoomCleanupPayload{EnqueuedAt: time.Now().UTC()}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return payloadBytes, nil
}
