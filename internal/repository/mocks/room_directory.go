// Package mocks 提供 repository 接口的 testify Mock 实现，仅用于测试。
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/domain"
)

// RoomDirectory 是 repository.RoomDirectory 的 Mock 实现
type RoomDirectory struct {
	mock.Mock
}

func (m *RoomDirectory) AddParticipant(ctx context.Context, roomID string, p domain.Participant) error {
	args := m.Called(ctx, roomID, p)
	return args.Error(0)
}

func (m *RoomDirectory) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

func (m *RoomDirectory) ListParticipants(ctx context.Context, roomID string) (map[string]domain.Participant, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]domain.Participant), args.Error(1)
}

func (m *RoomDirectory) CountParticipants(ctx context.Context, roomID string) (int, error) {
	args := m.Called(ctx, roomID)
	return args.Int(0), args.Error(1)
}

func (m *RoomDirectory) SaveRoomState(ctx context.Context, state *domain.RoomState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *RoomDirectory) GetRoomState(ctx context.Context, roomID string) (*domain.RoomState, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RoomState), args.Error(1)
}

func (m *RoomDirectory) DeleteRoom(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *RoomDirectory) ListActiveRoomIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
