package domain

import "time"

// RoomState 表示一个活跃学习房间的元数据记录。
// 房间是临时的派生状态：只要 Redis 中还存在成员哈希或元数据记录，房间就存在；
// 除 CurrentSection 是尽力而为的提示外，丢失后可以从零重建。
type RoomState struct {
	SessionID        string    `json:"sessionId"`        // 房间对应的学习会话 ID (不可变)
	HavrutaID        string    `json:"havrutaId"`        // 所属学习小组 (havruta) ID (创建时设置，不可变)
	CurrentSection   string    `json:"currentSection"`   // 当前学习的经文位置，最后写入者获胜，可能为空
	ParticipantCount int       `json:"participantCount"` // 成员数量缓存，每次变更都从成员哈希重新计算，绝不独立增减
	LastActivity     time.Time `json:"lastActivity"`     // 每次 join/leave/section 变更时刷新
	CreatedAt        time.Time `json:"createdAt"`        // 房间创建时间 (只设置一次)
}

// Participant 表示房间中的一个参与者条目，每个 (房间, 用户) 对最多一条。
type Participant struct {
	UserID       string    `json:"userId"`       // 用户 ID (外部身份系统的引用)
	DisplayName  string    `json:"displayName"`  // 加入时冗余的显示名称，中途改名允许过期
	ConnectionID string    `json:"connectionId"` // 当前代表该用户的连接句柄，重新加入时会被替换
	JoinedAt     time.Time `json:"joinedAt"`     // 加入时间
}
