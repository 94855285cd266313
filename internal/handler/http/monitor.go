package http

import (
	"errors"
	"net/http"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/domain"
	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// MonitorHandler 暴露房间引擎的运维查询接口：
// 全局统计、单个房间的状态和成员列表。只读，不参与协议。
type MonitorHandler struct {
	coordinator *service.RoomCoordinator
}

// NewMonitorHandler 创建 MonitorHandler 实例
func NewMonitorHandler(coordinator *service.RoomCoordinator) *MonitorHandler {
	if coordinator == nil {
		panic("RoomCoordinator cannot be nil for MonitorHandler")
	}
	return &MonitorHandler{coordinator: coordinator}
}

// GetStats 处理 GET /api/rooms/stats
func (h *MonitorHandler) GetStats(c *gin.Context) {
	stats, err := h.coordinator.Stats(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Handler.GetStats: Failed to compute room stats")
		ErrorResponse(c, http.StatusServiceUnavailable, "Failed to compute room statistics")
		return
	}
	SuccessResponse(c, http.StatusOK, stats)
}

// RoomSnapshotResponse 定义单个房间查询的响应结构体
type RoomSnapshotResponse struct {
	RoomState    *domain.RoomState    `json:"roomState"`
	Participants []domain.Participant `json:"participants"`
}

// GetRoom 处理 GET /api/rooms/:roomId
func (h *MonitorHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		ErrorResponse(c, http.StatusBadRequest, "Room ID is required")
		return
	}

	state, participants, err := h.coordinator.RoomSnapshot(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			ErrorResponse(c, http.StatusNotFound, "Room not found")
			return
		}
		logrus.WithError(err).WithField("room_id", roomID).Error("Handler.GetRoom: Failed to read room snapshot")
		ErrorResponse(c, http.StatusServiceUnavailable, "Failed to read room state")
		return
	}
	SuccessResponse(c, http.StatusOK, RoomSnapshotResponse{RoomState: state, Participants: participants})
}

// GetRoomParticipants 处理 GET /api/rooms/:roomId/participants
func (h *MonitorHandler) GetRoomParticipants(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		ErrorResponse(c, http.StatusBadRequest, "Room ID is required")
		return
	}

	_, participants, err := h.coordinator.RoomSnapshot(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			ErrorResponse(c, http.StatusNotFound, "Room not found")
			return
		}
		logrus.WithError(err).WithField("room_id", roomID).Error("Handler.GetRoomParticipants: Failed to read membership")
		ErrorResponse(c, http.StatusServiceUnavailable, "Failed to read participants")
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"participants": participants, "count": len(participants)})
}
