package gateway

import (
	"time"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/domain"
)

// 入站事件 (客户端 -> 服务端)
const (
	EventJoinSession   = "join-session"
	EventLeaveSession  = "leave-session"
	EventUpdateSection = "update-section"
)

// 出站事件 (服务端 -> 客户端)
const (
	EventSessionJoined     = "session-joined"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventSectionUpdated    = "section-updated"
	EventError             = "error"
)

// JoinSessionPayload 是 join-session / leave-session 的入站数据。
type JoinSessionPayload struct {
	SessionID string `json:"sessionId"`
}

// UpdateSectionPayload 是 update-section 的入站数据。
type UpdateSectionPayload struct {
	SessionID string `json:"sessionId"`
	Section   string `json:"section"`
}

// SessionJoinedPayload 单播给刚加入的客户端：权威的房间快照和完整成员列表。
type SessionJoinedPayload struct {
	RoomState    *domain.RoomState    `json:"roomState"`
	Participants []domain.Participant `json:"participants"`
}

// PresencePayload 用于 participant-joined 和 participant-left 广播。
// 计数是广播前刚从成员哈希重新计算出来的值。
type PresencePayload struct {
	UserID           string `json:"userId"`
	UserName         string `json:"userName"`
	ParticipantCount int    `json:"participantCount"`
}

// SectionUpdatedPayload 用于 section-updated 广播。
type SectionUpdatedPayload struct {
	Section   string    `json:"section"`
	UpdatedBy string    `json:"updatedBy"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload 是发回给单个客户端的错误消息。
type ErrorPayload struct {
	Message string `json:"message"`
}
