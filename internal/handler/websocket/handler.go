package websocket

import (
	"net/http"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/hub"
	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler 负责处理 WebSocket 升级请求和客户端注册。
// 房间的加入在连接建立之后通过 join-session 事件完成，
// 因此这里只做身份提取和升级，不做任何房间校验。
type WebSocketHandler struct {
	upgrader websocket.Upgrader // WebSocket 升级器
	hub      *hub.Hub           // 依赖 Hub
}

// NewWebSocketHandler 创建 WebSocketHandler 实例
func NewWebSocketHandler(h *hub.Hub) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 允许所有来源连接 (生产环境应配置具体的允许来源)
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return &WebSocketHandler{
		upgrader: upgrader,
		hub:      h,
	}
}

// HandleConnection 处理 WebSocket 连接请求，URL: /ws
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	// 1. 获取认证身份 (由 Auth 中间件设置)
	userIDAny, exists := c.Get(middleware.ContextUserID)
	if !exists {
		logrus.Warn("WS Handler: User ID not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return // 返回 HTTP 错误，因为此时还未升级到 WebSocket
	}
	userID, ok := userIDAny.(string)
	if !ok || userID == "" {
		logrus.Error("WS Handler: User ID in context is not a string")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	displayName := c.GetString(middleware.ContextDisplayName)
	logCtx := logrus.WithField("user_id", userID)

	// 2. 升级 HTTP 连接到 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 方法会自动发送 HTTP 错误响应，这里只需要记录日志
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	// 3. 创建 Client 并注册到 Hub
	client := hub.NewClient(h.hub, conn, userID, displayName)
	registerMsg := hub.HubMessage{Type: "register", Client: client}
	if !h.hub.QueueMessage(registerMsg) {
		logCtx.Error("WS Handler: Hub message channel full, failed to register client")
		client.CloseConn()
		return
	}

	// 4. 启动客户端的读写 goroutine，后续通信由读写泵处理
	client.Run()
}
