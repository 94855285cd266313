package service

import (
	"context"
	"errors"
	"time"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/domain"
	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/gateway"
	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/repository"

	"github.com/sirupsen/logrus"
)

// defaultRoomTimeout 是清理任务判定房间废弃的不活跃阈值。
const defaultRoomTimeout = 60 * time.Minute

// RoomCoordinator 负责房间的加入/离开/断开/经文更新/清理协议。
// 共享状态只有 RoomDirectory 背后的外部存储；每个逻辑操作内的
// Directory 调用按顺序执行，成员写入总是先于派生元数据写入，
// 元数据的计数每次都从成员哈希重新计算，因此跨进程并发无需分布式锁。
type RoomCoordinator struct {
	directory repository.RoomDirectory
	sessions  repository.SessionRepository
	gw        gateway.Gateway

	roomTimeout time.Duration
}

// NewRoomCoordinator 创建 RoomCoordinator 实例。
// roomTimeout <= 0 时使用默认的 60 分钟。
func NewRoomCoordinator(
	directory repository.RoomDirectory,
	sessions repository.SessionRepository,
	gw gateway.Gateway,
	roomTimeout time.Duration,
) *RoomCoordinator {
	if directory == nil {
		panic("RoomDirectory cannot be nil for RoomCoordinator")
	}
	if sessions == nil {
		panic("SessionRepository cannot be nil for RoomCoordinator")
	}
	if gw == nil {
		panic("Gateway cannot be nil for RoomCoordinator")
	}
	if roomTimeout <= 0 {
		roomTimeout = defaultRoomTimeout
	}
	return &RoomCoordinator{
		directory:   directory,
		sessions:    sessions,
		gw:          gw,
		roomTimeout: roomTimeout,
	}
}

// JoinResult 是成功加入房间后返回给加入者的权威快照。
type JoinResult struct {
	State        *domain.RoomState
	Participants []domain.Participant
}

// LeaveResult 是离开房间的结果。
type LeaveResult struct {
	ParticipantCount int
	RoomDeleted      bool
}

// RoomStats 是按需计算的运维统计数据，不参与协议正确性，也从不缓存。
type RoomStats struct {
	RoomCount                  int     `json:"roomCount"`
	TotalParticipants          int     `json:"totalParticipants"`
	AverageParticipantsPerRoom float64 `json:"averageParticipantsPerRoom"`
}

// Join 处理一个连接加入会话房间的请求。
func (s *RoomCoordinator) Join(ctx context.Context, conn gateway.Conn, sessionID string) (*JoinResult, error) {
	// 1. 身份检查
	if conn == nil || conn.UserID() == "" {
		return nil, ErrNotAuthenticated
	}
	userID := conn.UserID()
	logCtx := logrus.WithFields(logrus.Fields{"session_id": sessionID, "user_id": userID})

	// 2. 访问检查：这是与被排除的持久化层唯一的集成点。
	//    会话已不存在与无权限是两种不同的用户可见失败。
	snapshot, err := s.sessions.GetSnapshot(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			logCtx.Warn("Join rejected: session no longer exists")
			return nil, ErrSessionNotFound
		}
		logCtx.WithError(err).Error("Join failed: session lookup error")
		return nil, ErrStoreUnavailable
	}
	allowed, err := s.sessions.HasAccess(ctx, sessionID, userID)
	if err != nil {
		logCtx.WithError(err).Error("Join failed: access check error")
		return nil, ErrStoreUnavailable
	}
	if !allowed {
		logCtx.Warn("Join rejected: access denied")
		return nil, ErrAccessDenied
	}

	// 3. 先注册广播组，后续任何失败都会撤销注册，
	//    保证失败的加入不会让连接留在任何广播组里。
	s.gw.JoinGroup(conn, sessionID)

	// 4. 写入参与者条目。同一用户重新加入时 upsert 会替换旧条目
	//    (包括连接句柄)，成员数不会变成 2。
	entry := domain.Participant{
		UserID:       userID,
		DisplayName:  conn.DisplayName(),
		ConnectionID: conn.ID(),
		JoinedAt:     time.Now().UTC(),
	}
	if err := s.directory.AddParticipant(ctx, sessionID, entry); err != nil {
		s.unwindJoin(conn, sessionID, false)
		logCtx.WithError(err).Error("Join failed: could not write participant entry")
		return nil, ErrStoreUnavailable
	}

	// 5. 读取实时成员列表，计数从这里的大小派生，绝不自增。
	members, err := s.directory.ListParticipants(ctx, sessionID)
	if err != nil {
		s.unwindJoin(conn, sessionID, true)
		logCtx.WithError(err).Error("Join failed: could not read membership")
		return nil, ErrStoreUnavailable
	}

	// 6. 读取或合成房间元数据并持久化刷新。
	now := time.Now().UTC()
	state, err := s.directory.GetRoomState(ctx, sessionID)
	switch {
	case err == nil:
		// 已有房间：刷新活跃时间并重新计算计数
	case errors.Is(err, repository.ErrRoomNotFound):
		// 第一个加入者：用外部会话快照播种元数据
		state = &domain.RoomState{
			SessionID:      sessionID,
			HavrutaID:      snapshot.HavrutaID,
			CurrentSection: snapshot.LastSection,
			CreatedAt:      now,
		}
		logCtx.Info("Room created for session")
	default:
		s.unwindJoin(conn, sessionID, true)
		logCtx.WithError(err).Error("Join failed: could not read room state")
		return nil, ErrStoreUnavailable
	}
	state.ParticipantCount = len(members)
	state.LastActivity = now
	if err := s.directory.SaveRoomState(ctx, state); err != nil {
		s.unwindJoin(conn, sessionID, true)
		logCtx.WithError(err).Error("Join failed: could not persist room state")
		return nil, ErrStoreUnavailable
	}

	// 7. Directory 写入落盘之后才广播，其他成员收到事件后立即查询
	//    就能看到加入者，不存在读己之写间隙。
	s.gw.EmitToGroup(sessionID, gateway.EventParticipantJoined, gateway.PresencePayload{
		UserID:           userID,
		UserName:         entry.DisplayName,
		ParticipantCount: state.ParticipantCount,
	}, conn)

	logCtx.WithField("participant_count", state.ParticipantCount).Info("User joined room")
	return &JoinResult{State: state, Participants: participantList(members)}, nil
}

// unwindJoin 撤销一次失败加入的中间效果：移出广播组，
// 以及 (如果成员条目已写入) 尽力删除该条目。
func (s *RoomCoordinator) unwindJoin(conn gateway.Conn, sessionID string, entryWritten bool) {
	s.gw.LeaveGroup(conn, sessionID)
	if entryWritten {
		// 撤销用独立的后台 context：加入已经开始收尾，不可被取消
		if err := s.directory.RemoveParticipant(context.Background(), sessionID, conn.UserID()); err != nil {
			logrus.WithFields(logrus.Fields{"session_id": sessionID, "user_id": conn.UserID()}).
				WithError(err).Warn("Failed to unwind participant entry after join failure")
		}
	}
}

// Leave 处理一个连接离开会话房间的请求。
func (s *RoomCoordinator) Leave(ctx context.Context, conn gateway.Conn, sessionID string) (*LeaveResult, error) {
	// 1. 身份检查。离开失败是安静的失败，调用方不必大声传播。
	if conn == nil || conn.UserID() == "" {
		return nil, ErrNotAuthenticated
	}
	userID := conn.UserID()
	logCtx := logrus.WithFields(logrus.Fields{"session_id": sessionID, "user_id": userID})

	// 2. 无论后面的 Directory 写入是否成功，都先把连接移出广播组，
	//    避免客户端以为已离开却还收到房间广播。
	s.gw.LeaveGroup(conn, sessionID)

	// 3. 删除成员条目
	if err := s.directory.RemoveParticipant(ctx, sessionID, userID); err != nil {
		logCtx.WithError(err).Error("Leave failed: could not remove participant entry")
		return nil, ErrStoreUnavailable
	}

	// 4. 从实时成员哈希重新计算计数
	count, err := s.directory.CountParticipants(ctx, sessionID)
	if err != nil {
		logCtx.WithError(err).Error("Leave failed: could not count participants")
		return nil, ErrStoreUnavailable
	}

	// 5. 最后一人离开则整体回收房间，否则刷新元数据
	roomDeleted := false
	if count == 0 {
		if err := s.directory.DeleteRoom(ctx, sessionID); err != nil {
			logCtx.WithError(err).Error("Leave failed: could not delete empty room")
			return nil, ErrStoreUnavailable
		}
		roomDeleted = true
		logCtx.Info("Last participant left, room deleted")
	} else {
		state, err := s.directory.GetRoomState(ctx, sessionID)
		switch {
		case err == nil:
			state.ParticipantCount = count
			state.LastActivity = time.Now().UTC()
			if err := s.directory.SaveRoomState(ctx, state); err != nil {
				logCtx.WithError(err).Error("Leave failed: could not refresh room state")
				return nil, ErrStoreUnavailable
			}
		case errors.Is(err, repository.ErrRoomNotFound):
			// 元数据已经没了 (并发清理)，不复活它
		default:
			logCtx.WithError(err).Error("Leave failed: could not read room state")
			return nil, ErrStoreUnavailable
		}
	}

	// 6. 通知剩余成员
	s.gw.EmitToGroup(sessionID, gateway.EventParticipantLeft, gateway.PresencePayload{
		UserID:           userID,
		UserName:         conn.DisplayName(),
		ParticipantCount: count,
	}, conn)

	logCtx.WithFields(logrus.Fields{"participant_count": count, "room_deleted": roomDeleted}).Info("User left room")
	return &LeaveResult{ParticipantCount: count, RoomDeleted: roomDeleted}, nil
}

// HandleDisconnect 处理连接层的断开事件。
// 事件不携带房间 ID (客户端可能在多个房间，也可能一个都不在)，
// 因此枚举所有活跃房间逐一检查。活跃房间数量受并发会话约束，O(n) 可接受。
func (s *RoomCoordinator) HandleDisconnect(ctx context.Context, conn gateway.Conn) {
	if conn == nil || conn.UserID() == "" {
		return
	}
	userID := conn.UserID()
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "connection_id": conn.ID()})

	roomIDs, err := s.directory.ListActiveRoomIDs(ctx)
	if err != nil {
		// 清理是尽力而为的，24h 安全 TTL 兜底
		logCtx.WithError(err).Error("Disconnect sweep failed: could not enumerate active rooms")
		return
	}

	for _, roomID := range roomIDs {
		members, err := s.directory.ListParticipants(ctx, roomID)
		if err != nil {
			logCtx.WithError(err).WithField("session_id", roomID).Warn("Disconnect sweep: skipping room, membership unreadable")
			continue
		}
		entry, ok := members[userID]
		if !ok {
			continue
		}
		// 所有权检查：条目里的连接句柄必须还是这条正在断开的连接。
		// 用户快速重连后条目已被新连接替换，这条旧连接的断开事件
		// 绝不能把重连后的成员资格清掉。
		if entry.ConnectionID != conn.ID() {
			logCtx.WithField("session_id", roomID).Debug("Disconnect sweep: entry owned by a newer connection, leaving it alone")
			continue
		}
		if _, err := s.Leave(ctx, conn, roomID); err != nil {
			logCtx.WithError(err).WithField("session_id", roomID).Warn("Disconnect sweep: leave failed for room")
		}
	}
}

// UpdateSection 处理参与者切换当前学习经文的请求。
// 不重新做访问检查：调用方持有的连接只能通过一次成功的加入进入广播组。
func (s *RoomCoordinator) UpdateSection(ctx context.Context, conn gateway.Conn, sessionID, section string) error {
	if conn == nil || conn.UserID() == "" {
		return ErrNotAuthenticated
	}
	logCtx := logrus.WithFields(logrus.Fields{"session_id": sessionID, "user_id": conn.UserID(), "section": section})

	// 1. 房间不存在时 no-op：不允许一条迟到的更新复活已回收的房间
	state, err := s.directory.GetRoomState(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			logCtx.Debug("Section update ignored: room does not exist")
			return ErrRoomNotFound
		}
		logCtx.WithError(err).Error("Section update failed: could not read room state")
		return ErrStoreUnavailable
	}

	// 2. 最后写入者获胜
	now := time.Now().UTC()
	state.CurrentSection = section
	state.LastActivity = now
	if err := s.directory.SaveRoomState(ctx, state); err != nil {
		logCtx.WithError(err).Error("Section update failed: could not persist room state")
		return ErrStoreUnavailable
	}

	// 3. 持久化之后才广播
	s.gw.EmitToGroup(sessionID, gateway.EventSectionUpdated, gateway.SectionUpdatedPayload{
		Section:   section,
		UpdatedBy: conn.UserID(),
		Timestamp: now,
	}, conn)

	logCtx.Debug("Section updated")
	return nil
}

// Sweep 扫描并回收废弃的房间，返回删除的数量。
// 删除条件：元数据缺失 (孤儿成员)、实时成员数为零、
// 或 lastActivity 早于房间超时。单个房间的失败只记录并跳过。
func (s *RoomCoordinator) Sweep(ctx context.Context) (int, error) {
	log := logrus.WithField("component", "room_sweep")

	roomIDs, err := s.directory.ListActiveRoomIDs(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	now := time.Now().UTC()
	for _, roomID := range roomIDs {
		logCtx := log.WithField("session_id", roomID)

		state, err := s.directory.GetRoomState(ctx, roomID)
		if err != nil && !errors.Is(err, repository.ErrRoomNotFound) {
			logCtx.WithError(err).Warn("Sweep: skipping room, state unreadable")
			continue
		}
		if errors.Is(err, repository.ErrRoomNotFound) {
			// 有成员哈希却没有元数据：无条件回收
			if err := s.directory.DeleteRoom(ctx, roomID); err != nil {
				logCtx.WithError(err).Warn("Sweep: failed to delete orphaned room")
				continue
			}
			logCtx.Info("Sweep: deleted orphaned room without state")
			removed++
			continue
		}

		count, err := s.directory.CountParticipants(ctx, roomID)
		if err != nil {
			logCtx.WithError(err).Warn("Sweep: skipping room, membership unreadable")
			continue
		}
		if count > 0 && now.Sub(state.LastActivity) <= s.roomTimeout {
			continue // 房间仍然活跃
		}

		if err := s.directory.DeleteRoom(ctx, roomID); err != nil {
			logCtx.WithError(err).Warn("Sweep: failed to delete inactive room")
			continue
		}
		logCtx.WithFields(logrus.Fields{
			"participant_count": count,
			"last_activity":     state.LastActivity,
		}).Info("Sweep: deleted inactive room")
		removed++
	}

	log.WithFields(logrus.Fields{"scanned": len(roomIDs), "removed": removed}).Info("Room sweep completed")
	return removed, nil
}

// Stats 按需计算运维统计数据。
func (s *RoomCoordinator) Stats(ctx context.Context) (*RoomStats, error) {
	roomIDs, err := s.directory.ListActiveRoomIDs(ctx)
	if err != nil {
		logrus.WithError(err).Error("Stats failed: could not enumerate active rooms")
		return nil, ErrStoreUnavailable
	}

	total := 0
	for _, roomID := range roomIDs {
		count, err := s.directory.CountParticipants(ctx, roomID)
		if err != nil {
			logrus.WithError(err).WithField("session_id", roomID).Error("Stats failed: could not count participants")
			return nil, ErrStoreUnavailable
		}
		total += count
	}

	stats := &RoomStats{RoomCount: len(roomIDs), TotalParticipants: total}
	if stats.RoomCount > 0 {
		stats.AverageParticipantsPerRoom = float64(total) / float64(stats.RoomCount)
	}
	return stats, nil
}

// RoomSnapshot 返回单个房间的元数据和成员列表，供监控查询使用。
func (s *RoomCoordinator) RoomSnapshot(ctx context.Context, roomID string) (*domain.RoomState, []domain.Participant, error) {
	state, err := s.directory.GetRoomState(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, nil, ErrRoomNotFound
		}
		logrus.WithError(err).WithField("session_id", roomID).Error("Room snapshot failed: could not read room state")
		return nil, nil, ErrStoreUnavailable
	}
	members, err := s.directory.ListParticipants(ctx, roomID)
	if err != nil {
		logrus.WithError(err).WithField("session_id", roomID).Error("Room snapshot failed: could not read membership")
		return nil, nil, ErrStoreUnavailable
	}
	return state, participantList(members), nil
}

// participantList 将成员映射展开为 slice，顺序无关紧要。
func participantList(members map[string]domain.Participant) []domain.Participant {
	list := make([]domain.Participant, 0, len(members))
	for _, p := range members {
		list = append(list, p)
	}
	return list
}
