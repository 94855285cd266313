package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024
)

// Client 代表一个连接到 Hub 的 WebSocket 客户端。
// 它同时实现了 gateway.Conn：连接句柄 + 认证身份。
type Client struct {
	hub         *Hub            // 指向其所属的 Hub
	conn        *websocket.Conn // WebSocket 连接
	id          string          // 连接句柄，进程内唯一
	userID      string          // 认证用户 ID
	displayName string          // 加入时冗余存储的显示名称
	send        chan []byte     // 用于向此客户端发送消息的缓冲通道
}

// NewClient 创建一个新的 Client 实例。
// 连接句柄用 uuid 生成，断开事件的所有权检查依赖它的唯一性。
func NewClient(hub *Hub, conn *websocket.Conn, userID, displayName string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		id:          uuid.NewString(),
		userID:      userID,
		displayName: displayName,
		send:        make(chan []byte, 256),
	}
}

// --- gateway.Conn 实现 ---

func (c *Client) ID() string          { return c.id }
func (c *Client) UserID() string      { return c.userID }
func (c *Client) DisplayName() string { return c.displayName }

// CloseConn 直接关闭底层 WebSocket 连接
func (c *Client) CloseConn() { c.conn.Close() }

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// ReadPump 将消息从 WebSocket 连接泵送到 Hub 的处理通道。
// 它在自己的 goroutine 中运行。
func (c *Client) ReadPump() {
	defer func() {
		// 清理操作：请求 Hub 注销此客户端 (会触发 Coordinator 的断开清理)。
		// messageChan 永远不关闭，这里的发送不会 panic；
		// Hub 已经收到关闭信号时放弃注销，遗留条目由 key 过期兜底。
		unregisterMsg := HubMessage{Type: messageUnregister, Client: c}
		select {
		case c.hub.messageChan <- unregisterMsg:
		case <-c.hub.done:
			logrus.WithFields(logrus.Fields{"user_id": c.userID, "connection_id": c.id}).Debug("Hub closed, skipping unregister message")
		case <-time.After(1 * time.Second):
			logrus.WithFields(logrus.Fields{"user_id": c.userID, "connection_id": c.id}).Warn("Timeout sending unregister message to Hub channel")
		}
		c.conn.Close()
		logrus.WithFields(logrus.Fields{"user_id": c.userID, "connection_id": c.id}).Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait)) // 收到 Pong 后重置读取超时
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			logCtx := logrus.WithFields(logrus.Fields{"user_id": c.userID, "connection_id": c.id})
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logCtx.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				logCtx.Debug("WebSocket connection closed normally or read error")
			}
			break // 退出循环，触发 defer 中的注销
		}

		if messageType != websocket.TextMessage {
			logrus.WithFields(logrus.Fields{"user_id": c.userID, "connection_id": c.id}).Debugf("Received non-text message type: %d", messageType)
			continue
		}

		// 解析入站事件信封 {"event": "...", "data": {...}}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			logrus.WithFields(logrus.Fields{"user_id": c.userID, "connection_id": c.id}).Warn("Dropping malformed inbound message")
			continue
		}

		eventMsg := HubMessage{
			Type:    messageEvent,
			Client:  c,
			Event:   env.Event,
			RawData: env.Data,
		}

		// 非阻塞发送到 Hub，如果 Hub 处理不过来则丢弃
		select {
		case c.hub.messageChan <- eventMsg:
		default:
			logrus.WithFields(logrus.Fields{"user_id": c.userID, "event": env.Event}).Warn("Hub message channel full, dropping client message")
		}
	}
}

// WritePump 将消息从 Client 的 send 通道泵送到 WebSocket 连接。
// 它在自己的 goroutine 中运行。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		logrus.WithFields(logrus.Fields{"user_id": c.userID, "connection_id": c.id}).Info("writePump exited")
		// 不需要在这里 unregister，readPump 退出会处理
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// send 通道被 Hub 关闭了 (注销时)
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logrus.WithFields(logrus.Fields{"user_id": c.userID, "connection_id": c.id}).WithError(err).Warn("Failed to write message to websocket")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})

		case <-ticker.C:
			// 定期发送 Ping 以保持连接活跃并检测断开
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logrus.WithFields(logrus.Fields{"user_id": c.userID, "connection_id": c.id}).WithError(err).Warn("Failed to send ping message")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})
		}
	}
}
