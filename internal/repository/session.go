package repository

import (
	"context"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/domain"
)

// SessionRepository 是房间层与被排除在外的会话持久化层之间唯一的集成点。
// 窄接口，通过构造函数注入 Coordinator，而不是环境查找。
type SessionRepository interface {
	// HasAccess 检查用户是否是该会话的参与者。
	HasAccess(ctx context.Context, sessionID, userID string) (bool, error)

	// GetSnapshot 返回初始化房间所需的会话视图。
	// 会话不存在时返回 ErrSessionNotFound。
	GetSnapshot(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error)
}
