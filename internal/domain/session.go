package domain

import "time"

// StudySession 表示一次预定的学习会话。
// 该表由外部的 CRUD 服务负责写入，本服务只读，
// 用于加入房间时的访问检查和房间元数据的初始化。
type StudySession struct {
	ID          string    `gorm:"primaryKey;size:191"` // 会话唯一标识符 (由持久化层分配)
	HavrutaID   string    `gorm:"index;size:191;not null"` // 所属学习小组 ID
	Title       string    `gorm:"size:255"`
	LastSection string    `gorm:"size:255"` // 上次学习到的经文位置 (尽力而为)
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// SessionParticipant 表示会话与受邀用户的关联，用于访问检查。
type SessionParticipant struct {
	SessionID string `gorm:"primaryKey;size:191"`
	UserID    string `gorm:"primaryKey;size:191;index"`
}

// SessionSnapshot 是 Coordinator 从会话持久化层读取的最小视图。
// 只包含房间初始化所需的字段，避免房间层对完整会话模型产生依赖。
type SessionSnapshot struct {
	SessionID   string
	HavrutaID   string
	LastSection string
}
