package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/domain"
	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/repository"
)

// GormSessionRepository 是 SessionRepository 接口的 GORM 实现。
// 会话及其参与者表由外部的 CRUD 服务维护，本仓库只读。
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository 创建 GormSessionRepository 实例
func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	if db == nil {
		panic("database connection cannot be nil for GormSessionRepository")
	}
	return &GormSessionRepository{db: db}
}

// HasAccess 实现访问检查：用户必须出现在会话的参与者关联表中。
func (r *GormSessionRepository) HasAccess(ctx context.Context, sessionID, userID string) (bool, error) {
	var count int64
	// 使用 Count() 只查询数量
	err := r.db.WithContext(ctx).Model(&domain.SessionParticipant{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gorm: count session participants for session '%s': %w", sessionID, err)
	}
	return count > 0, nil
}

// GetSnapshot 实现读取房间初始化所需的会话视图。
func (r *GormSessionRepository) GetSnapshot(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	var sessionData domain.StudySession
	err := r.db.WithContext(ctx).First(&sessionData, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrSessionNotFound // 使用定义的错误
		}
		return nil, fmt.Errorf("gorm: find session by id '%s': %w", sessionID, err)
	}
	return &domain.SessionSnapshot{
		SessionID:   sessionData.ID,
		HavrutaID:   sessionData.HavrutaID,
		LastSection: sessionData.LastSection,
	}, nil
}
