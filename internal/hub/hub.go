package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/gateway"
	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/service"

	"github.com/sirupsen/logrus"
)

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type    string          // messageRegister / messageUnregister / messageEvent
	Client  *Client         // 事件来源的客户端
	Event   string          // 仅用于 messageEvent：入站事件名
	RawData json.RawMessage // 仅用于 messageEvent：事件数据
}

const (
	messageRegister   = "register"
	messageUnregister = "unregister"
	messageEvent      = "event"
)

// Envelope 是入站和出站消息共用的线格式。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub 维护本进程的活跃客户端集合和房间广播组，并实现 gateway.Gateway。
// 入站连接事件 (join/leave/section/断开) 在 Run 的主循环中逐个处理：
// 单进程内事件是串行的，跨进程的并发由 Directory 的协议保证安全。
type Hub struct {
	// 内部通道，处理所有来自 Client 的事件。
	// 这个通道永远不关闭：读写泵在连接断开时仍会向它发送注销消息，
	// 关闭信号走独立的 done 通道。
	messageChan chan HubMessage
	// 关闭信号，Close 之后所有入队都被丢弃，Run 排空后退出
	done      chan struct{}
	closeOnce sync.Once

	// 广播组，按房间 ID 组织：map[roomID]map[*Client]bool
	rooms map[string]map[*Client]bool
	// 本进程所有已注册的客户端
	clients map[*Client]bool
	// 保护 rooms 和 clients 的读写锁
	mu sync.RWMutex

	// 注入的 Coordinator，处理房间协议
	coordinator *service.RoomCoordinator
}

// NewHub 创建并返回一个新的 Hub 实例。
// Coordinator 依赖 Hub 作为 Gateway，因此在构造后用 AttachCoordinator 注入。
func NewHub() *Hub {
	return &Hub{
		messageChan: make(chan HubMessage, 512),
		done:        make(chan struct{}),
		rooms:       make(map[string]map[*Client]bool),
		clients:     make(map[*Client]bool),
	}
}

// AttachCoordinator 注入房间协调器，必须在 Run 之前调用。
func (h *Hub) AttachCoordinator(coordinator *service.RoomCoordinator) {
	if coordinator == nil {
		panic("RoomCoordinator cannot be nil for Hub")
	}
	h.coordinator = coordinator
}

// Run 启动 Hub 的主事件处理循环。
// 它应该在一个单独的 goroutine 中运行。
func (h *Hub) Run() {
	if h.coordinator == nil {
		panic("Hub.Run called before AttachCoordinator")
	}
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")

	// 持续从 messageChan 读取并串行处理消息，
	// 收到关闭信号后先排空已入队的消息再退出
	for {
		select {
		case msg := <-h.messageChan:
			h.dispatch(msg)
		case <-h.done:
			for {
				select {
				case msg := <-h.messageChan:
					h.dispatch(msg)
				default:
					log.Info("Hub is shutting down...")
					return
				}
			}
		}
	}
}

func (h *Hub) dispatch(msg HubMessage) {
	switch msg.Type {
	case messageRegister:
		h.registerClient(msg.Client)
	case messageUnregister:
		h.unregisterClient(msg.Client)
	case messageEvent:
		h.handleClientEvent(msg)
	default:
		logrus.WithField("component", "hub").Warnf("Received unknown message type: %s", msg.Type)
	}
}

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)。
// 返回 true 如果消息成功入队，false 如果队列已满或 Hub 已关闭。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case <-h.done:
		logrus.WithField("message_type", msg.Type).Debug("Hub is closed, dropping message")
		return false
	default:
	}
	select {
	case h.messageChan <- msg:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"message_type": msg.Type,
			"event":        msg.Event,
		}).Warn("Hub message channel full, dropping message")
		return false
	}
}

// Close 发出关闭信号，使 Run 排空队列后退出。
// 消息通道本身保持打开：还在收尾的读写泵可能仍会向它发送注销消息，
// 多次调用 Close 是安全的。
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// registerClient 将客户端加入本进程的连接集合
func (h *Hub) registerClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return
	}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"user_id":       client.UserID(),
		"connection_id": client.ID(),
	}).Info("Client registered to Hub")
}

// unregisterClient 处理客户端注销：从本地集合移除后，
// 交给 Coordinator 做跨进程的断开清理 (含所有权检查)。
func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{
		"user_id":       client.UserID(),
		"connection_id": client.ID(),
	})

	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		logCtx.Warn("Client not found in Hub during unregister")
		return
	}
	delete(h.clients, client)
	// 从所有本地广播组移除
	for roomID, roomClients := range h.rooms {
		if _, ok := roomClients[client]; ok {
			delete(roomClients, client)
			if len(roomClients) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	// 关闭此客户端的 send 通道，这将导致其 WritePump 退出。
	// 上面的 clients 检查保证每个客户端只会注销一次，
	// 通道里尚未发出的消息在关闭后仍可被 WritePump 读完。
	close(client.send)
	h.mu.Unlock()
	logCtx.Info("Client unregistered from Hub")

	// 断开清理：Coordinator 枚举活跃房间并移除仍由这条连接持有的条目。
	// 使用后台 context：断开清理一旦开始就不应被取消。
	h.coordinator.HandleDisconnect(context.Background(), client)
}

// handleClientEvent 分发一条入站事件到 Coordinator 的对应协议。
func (h *Hub) handleClientEvent(msg HubMessage) {
	client := msg.Client
	logCtx := logrus.WithFields(logrus.Fields{
		"user_id":       client.UserID(),
		"connection_id": client.ID(),
		"event":         msg.Event,
	})
	ctx := context.Background()

	switch msg.Event {
	case gateway.EventJoinSession:
		var p gateway.JoinSessionPayload
		if err := json.Unmarshal(msg.RawData, &p); err != nil || p.SessionID == "" {
			h.emitError(client, "invalid join-session payload")
			return
		}
		result, err := h.coordinator.Join(ctx, client, p.SessionID)
		if err != nil {
			h.emitProtocolError(logCtx, client, err)
			return
		}
		// 权威快照单播给加入者本人
		h.EmitToConn(client, gateway.EventSessionJoined, gateway.SessionJoinedPayload{
			RoomState:    result.State,
			Participants: result.Participants,
		})

	case gateway.EventLeaveSession:
		var p gateway.JoinSessionPayload
		if err := json.Unmarshal(msg.RawData, &p); err != nil || p.SessionID == "" {
			h.emitError(client, "invalid leave-session payload")
			return
		}
		if _, err := h.coordinator.Leave(ctx, client, p.SessionID); err != nil {
			h.emitProtocolError(logCtx, client, err)
		}

	case gateway.EventUpdateSection:
		var p gateway.UpdateSectionPayload
		if err := json.Unmarshal(msg.RawData, &p); err != nil || p.SessionID == "" {
			h.emitError(client, "invalid update-section payload")
			return
		}
		err := h.coordinator.UpdateSection(ctx, client, p.SessionID, p.Section)
		if err != nil && !errors.Is(err, service.ErrRoomNotFound) {
			// 幽灵房间的更新静默忽略，其余错误反馈给发送者
			h.emitProtocolError(logCtx, client, err)
		}

	default:
		logCtx.Warn("Received unknown client event")
		h.emitError(client, "unknown event")
	}
}

// emitProtocolError 把协议错误反馈给发送者。
// 预期中的业务失败只记 Warn，存储不可用在 Coordinator 里已记过 Error。
func (h *Hub) emitProtocolError(logCtx *logrus.Entry, client *Client, err error) {
	switch {
	case errors.Is(err, service.ErrNotAuthenticated),
		errors.Is(err, service.ErrAccessDenied),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrRoomNotFound):
		logCtx.WithError(err).Warn("Client event rejected")
		h.emitError(client, err.Error())
	default:
		h.emitError(client, "action could not be completed, please retry")
	}
}

func (h *Hub) emitError(client *Client, message string) {
	h.EmitToConn(client, gateway.EventError, gateway.ErrorPayload{Message: message})
}

// --- gateway.Gateway 实现 ---

// JoinGroup 将连接加入房间的广播组
func (h *Hub) JoinGroup(conn gateway.Conn, roomID string) {
	client, ok := conn.(*Client)
	if !ok {
		logrus.Error("Hub.JoinGroup: conn is not a hub client")
		return
	}
	h.mu.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
	h.mu.Unlock()
}

// LeaveGroup 将连接移出房间的广播组，不在组内时为 no-op
func (h *Hub) LeaveGroup(conn gateway.Conn, roomID string) {
	client, ok := conn.(*Client)
	if !ok {
		logrus.Error("Hub.LeaveGroup: conn is not a hub client")
		return
	}
	h.mu.Lock()
	if roomClients, ok := h.rooms[roomID]; ok {
		delete(roomClients, client)
		if len(roomClients) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
}

// EmitToGroup 将事件广播给房间广播组内的所有客户端，except 不为 nil 时跳过它。
func (h *Hub) EmitToGroup(roomID, event string, payload interface{}, except gateway.Conn) {
	message, err := marshalEnvelope(event, payload)
	if err != nil {
		logrus.WithError(err).WithField("event", event).Error("Hub: failed to marshal broadcast payload")
		return
	}

	h.mu.RLock()
	roomClients, ok := h.rooms[roomID]
	// 创建接收者列表的副本，避免发送时长时间持有锁
	clientsToSend := make([]*Client, 0, len(roomClients))
	if ok {
		for client := range roomClients {
			if except == nil || client.ID() != except.ID() {
				clientsToSend = append(clientsToSend, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range clientsToSend {
		// 非阻塞发送，避免单个慢客户端阻塞广播
		select {
		case client.send <- message:
		default:
			logrus.WithFields(logrus.Fields{
				"receiver_user_id": client.UserID(),
				"event":            event,
			}).Warn("Client send channel full during broadcast, skipping this client")
		}
	}
}

// EmitToConn 向单个连接发送事件
func (h *Hub) EmitToConn(conn gateway.Conn, event string, payload interface{}) {
	client, ok := conn.(*Client)
	if !ok {
		logrus.Error("Hub.EmitToConn: conn is not a hub client")
		return
	}
	message, err := marshalEnvelope(event, payload)
	if err != nil {
		logrus.WithError(err).WithField("event", event).Error("Hub: failed to marshal unicast payload")
		return
	}
	select {
	case client.send <- message:
	default:
		logrus.WithFields(logrus.Fields{
			"receiver_user_id": client.UserID(),
			"event":            event,
		}).Warn("Client send channel full during unicast, message dropped")
	}
}

// ConnectionsForUser 枚举本进程内属于该用户的所有连接
func (h *Hub) ConnectionsForUser(userID string) []gateway.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var conns []gateway.Conn
	for client := range h.clients {
		if client.UserID() == userID {
			conns = append(conns, client)
		}
	}
	return conns
}

func marshalEnvelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
