package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/domain"
)

// SessionRepository 是 repository.SessionRepository 的 Mock 实现
type SessionRepository struct {
	mock.Mock
}

func (m *SessionRepository) HasAccess(ctx context.Context, sessionID, userID string) (bool, error) {
	args := m.Called(ctx, sessionID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *SessionRepository) GetSnapshot(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionSnapshot), args.Error(1)
}
