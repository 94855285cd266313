package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/domain"
	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/gateway"
	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/repository"
	"github.com/DaveDushi/Havruta-Kiro-sub001/internal/service"
)

// emptyDirectory 是一个永远为空的 RoomDirectory，断开清理在它上面是 no-op
type emptyDirectory struct{}

func (emptyDirectory) AddParticipant(context.Context, string, domain.Participant) error { return nil }
func (emptyDirectory) RemoveParticipant(context.Context, string, string) error          { return nil }
func (emptyDirectory) ListParticipants(context.Context, string) (map[string]domain.Participant, error) {
	return map[string]domain.Participant{}, nil
}
func (emptyDirectory) CountParticipants(context.Context, string) (int, error) { return 0, nil }
func (emptyDirectory) SaveRoomState(context.Context, *domain.RoomState) error { return nil }
func (emptyDirectory) GetRoomState(context.Context, string) (*domain.RoomState, error) {
	return nil, repository.ErrRoomNotFound
}
func (emptyDirectory) DeleteRoom(context.Context, string) error          { return nil }
func (emptyDirectory) ListActiveRoomIDs(context.Context) ([]string, error) { return nil, nil }

type emptySessions struct{}

func (emptySessions) HasAccess(context.Context, string, string) (bool, error) { return false, nil }
func (emptySessions) GetSnapshot(context.Context, string) (*domain.SessionSnapshot, error) {
	return nil, repository.ErrSessionNotFound
}

func newNoopCoordinator(h *Hub) *service.RoomCoordinator {
	return service.NewRoomCoordinator(emptyDirectory{}, emptySessions{}, h, 0)
}

// memDir 是一个进程内的 RoomDirectory，给入站事件分发测试提供完整的加入/离开路径
type memDir struct {
	mu      sync.Mutex
	members map[string]map[string]domain.Participant
	states  map[string]*domain.RoomState
}

func newMemDir() *memDir {
	return &memDir{
		members: make(map[string]map[string]domain.Participant),
		states:  make(map[string]*domain.RoomState),
	}
}

func (d *memDir) AddParticipant(_ context.Context, roomID string, p domain.Participant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.members[roomID] == nil {
		d.members[roomID] = make(map[string]domain.Participant)
	}
	d.members[roomID][p.UserID] = p
	return nil
}

func (d *memDir) RemoveParticipant(_ context.Context, roomID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members[roomID], userID)
	return nil
}

func (d *memDir) ListParticipants(_ context.Context, roomID string) (map[string]domain.Participant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]domain.Participant, len(d.members[roomID]))
	for k, v := range d.members[roomID] {
		out[k] = v
	}
	return out, nil
}

func (d *memDir) CountParticipants(_ context.Context, roomID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.members[roomID]), nil
}

func (d *memDir) SaveRoomState(_ context.Context, state *domain.RoomState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *state
	d.states[state.SessionID] = &copied
	return nil
}

func (d *memDir) GetRoomState(_ context.Context, roomID string) (*domain.RoomState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.states[roomID]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	copied := *state
	return &copied, nil
}

func (d *memDir) DeleteRoom(_ context.Context, roomID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.members, roomID)
	delete(d.states, roomID)
	return nil
}

func (d *memDir) ListActiveRoomIDs(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for roomID, m := range d.members {
		if len(m) > 0 && !seen[roomID] {
			seen[roomID] = true
			ids = append(ids, roomID)
		}
	}
	for roomID := range d.states {
		if !seen[roomID] {
			seen[roomID] = true
			ids = append(ids, roomID)
		}
	}
	return ids, nil
}

// stubSessions 允许任何用户访问已登记的会话
type stubSessions struct {
	snapshots map[string]*domain.SessionSnapshot
}

func (s stubSessions) HasAccess(_ context.Context, sessionID, _ string) (bool, error) {
	_, ok := s.snapshots[sessionID]
	return ok, nil
}

func (s stubSessions) GetSnapshot(_ context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	snap, ok := s.snapshots[sessionID]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return snap, nil
}

// newEventHub 组装一个在内存目录上跑完整房间协议的 Hub
func newEventHub(sessionIDs ...string) *Hub {
	h := NewHub()
	sessions := stubSessions{snapshots: make(map[string]*domain.SessionSnapshot)}
	for _, id := range sessionIDs {
		sessions.snapshots[id] = &domain.SessionSnapshot{SessionID: id, HavrutaID: "hav-1", LastSection: "Genesis 1:1"}
	}
	h.AttachCoordinator(service.NewRoomCoordinator(newMemDir(), sessions, h, 0))
	return h
}

func eventMessage(t *testing.T, client *Client, event string, payload interface{}) HubMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return HubMessage{Type: messageEvent, Client: client, Event: event, RawData: data}
}

func clientInRoom(h *Hub, roomID string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID][c]
}

// newTestClient 构造一个不带底层 WebSocket 连接的客户端，
// 广播和单播只接触 send 通道，读写泵不参与。
func newTestClient(h *Hub, id, userID, displayName string) *Client {
	return &Client{
		hub:         h,
		id:          id,
		userID:      userID,
		displayName: displayName,
		send:        make(chan []byte, 8),
	}
}

// receiveEnvelope 从客户端的 send 通道非阻塞地取一条消息并解析信封
func receiveEnvelope(t *testing.T, c *Client) *Envelope {
	t.Helper()
	select {
	case raw := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return &env
	default:
		return nil
	}
}

func TestJoinGroupAndEmitToGroup(t *testing.T) {
	h := NewHub()
	alice := newTestClient(h, "conn-a", "user-1", "Alice")
	bob := newTestClient(h, "conn-b", "user-2", "Bob")

	h.JoinGroup(alice, "sess-1")
	h.JoinGroup(bob, "sess-1")

	h.EmitToGroup("sess-1", gateway.EventSectionUpdated, gateway.SectionUpdatedPayload{
		Section:   "Genesis 2:4",
		UpdatedBy: "user-1",
	}, nil)

	for _, c := range []*Client{alice, bob} {
		env := receiveEnvelope(t, c)
		require.NotNil(t, env, "client %s should have received the broadcast", c.ID())
		assert.Equal(t, gateway.EventSectionUpdated, env.Event)

		var payload gateway.SectionUpdatedPayload
		require.NoError(t, json.Unmarshal(env.Data, &payload))
		assert.Equal(t, "Genesis 2:4", payload.Section)
	}
}

func TestEmitToGroupExcludesSender(t *testing.T) {
	h := NewHub()
	alice := newTestClient(h, "conn-a", "user-1", "Alice")
	bob := newTestClient(h, "conn-b", "user-2", "Bob")

	h.JoinGroup(alice, "sess-1")
	h.JoinGroup(bob, "sess-1")

	h.EmitToGroup("sess-1", gateway.EventParticipantJoined, gateway.PresencePayload{
		UserID: "user-1", UserName: "Alice", ParticipantCount: 2,
	}, alice)

	assert.Nil(t, receiveEnvelope(t, alice), "sender should not receive its own broadcast")
	require.NotNil(t, receiveEnvelope(t, bob))
}

func TestLeaveGroupStopsDelivery(t *testing.T) {
	h := NewHub()
	alice := newTestClient(h, "conn-a", "user-1", "Alice")
	bob := newTestClient(h, "conn-b", "user-2", "Bob")

	h.JoinGroup(alice, "sess-1")
	h.JoinGroup(bob, "sess-1")
	h.LeaveGroup(alice, "sess-1")

	h.EmitToGroup("sess-1", gateway.EventParticipantLeft, gateway.PresencePayload{UserID: "user-1"}, nil)

	assert.Nil(t, receiveEnvelope(t, alice))
	assert.NotNil(t, receiveEnvelope(t, bob))

	// 重复离开是 no-op
	h.LeaveGroup(alice, "sess-1")
	h.LeaveGroup(alice, "sess-unknown")
}

func TestEmitToConnEnvelopeFormat(t *testing.T) {
	h := NewHub()
	alice := newTestClient(h, "conn-a", "user-1", "Alice")

	h.EmitToConn(alice, gateway.EventError, gateway.ErrorPayload{Message: "access denied"})

	env := receiveEnvelope(t, alice)
	require.NotNil(t, env)
	assert.Equal(t, gateway.EventError, env.Event)

	var payload gateway.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "access denied", payload.Message)
}

func TestEmitToGroupSkipsSlowClient(t *testing.T) {
	h := NewHub()
	slow := newTestClient(h, "conn-slow", "user-1", "Alice")
	slow.send = make(chan []byte) // 无缓冲且无人读取
	fast := newTestClient(h, "conn-fast", "user-2", "Bob")

	h.JoinGroup(slow, "sess-1")
	h.JoinGroup(fast, "sess-1")

	// 慢客户端被跳过，广播不能阻塞
	h.EmitToGroup("sess-1", gateway.EventSectionUpdated, gateway.SectionUpdatedPayload{Section: "Exodus 1:1"}, nil)

	assert.NotNil(t, receiveEnvelope(t, fast))
}

func TestConnectionsForUser(t *testing.T) {
	h := NewHub()
	first := newTestClient(h, "conn-1", "user-1", "Alice")
	second := newTestClient(h, "conn-2", "user-1", "Alice")
	other := newTestClient(h, "conn-3", "user-2", "Bob")

	h.registerClient(first)
	h.registerClient(second)
	h.registerClient(other)

	conns := h.ConnectionsForUser("user-1")
	require.Len(t, conns, 2)
	for _, c := range conns {
		assert.Equal(t, "user-1", c.UserID())
	}

	assert.Empty(t, h.ConnectionsForUser("user-unknown"))
}

func TestUnregisterRemovesClientFromAllGroups(t *testing.T) {
	h := NewHub()
	// unregister 会调用 Coordinator 做断开清理，这里只验证本地簿记，
	// 因此挂一个指向空目录的协调器即可 —— 见 service 包对断开协议的覆盖。
	h.coordinator = newNoopCoordinator(h)

	alice := newTestClient(h, "conn-a", "user-1", "Alice")
	bob := newTestClient(h, "conn-b", "user-2", "Bob")
	h.registerClient(alice)
	h.registerClient(bob)
	h.JoinGroup(alice, "sess-1")
	h.JoinGroup(alice, "sess-2")
	h.JoinGroup(bob, "sess-1")

	h.unregisterClient(alice)

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.NotContains(t, h.clients, alice)
	assert.NotContains(t, h.rooms["sess-1"], alice)
	assert.Contains(t, h.rooms["sess-1"], bob)
	// alice 是 sess-2 里唯一的本地成员，组随之消失
	assert.NotContains(t, h.rooms, "sess-2")
}

func TestQueueMessageDropsWhenFull(t *testing.T) {
	h := NewHub()
	// 塞满消息通道
	for {
		if ok := h.QueueMessage(HubMessage{Type: messageEvent, Event: "noop"}); !ok {
			break
		}
	}
	assert.False(t, h.QueueMessage(HubMessage{Type: messageEvent, Event: "one-more"}))
}

// --- 入站事件分发 ---

func TestDispatchJoinSessionUnicastsSnapshot(t *testing.T) {
	h := newEventHub("sess-1")
	alice := newTestClient(h, "conn-a", "user-1", "Alice")

	h.handleClientEvent(eventMessage(t, alice, gateway.EventJoinSession, gateway.JoinSessionPayload{SessionID: "sess-1"}))

	// 加入者收到权威快照的单播
	env := receiveEnvelope(t, alice)
	require.NotNil(t, env)
	assert.Equal(t, gateway.EventSessionJoined, env.Event)

	var payload gateway.SessionJoinedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.NotNil(t, payload.RoomState)
	assert.Equal(t, "sess-1", payload.RoomState.SessionID)
	assert.Equal(t, 1, payload.RoomState.ParticipantCount)
	require.Len(t, payload.Participants, 1)
	assert.Equal(t, "user-1", payload.Participants[0].UserID)
}

func TestDispatchJoinSessionNotifiesExistingMembers(t *testing.T) {
	h := newEventHub("sess-1")
	alice := newTestClient(h, "conn-a", "user-1", "Alice")
	bob := newTestClient(h, "conn-b", "user-2", "Bob")

	h.handleClientEvent(eventMessage(t, alice, gateway.EventJoinSession, gateway.JoinSessionPayload{SessionID: "sess-1"}))
	require.NotNil(t, receiveEnvelope(t, alice)) // session-joined

	h.handleClientEvent(eventMessage(t, bob, gateway.EventJoinSession, gateway.JoinSessionPayload{SessionID: "sess-1"}))

	// 在场成员收到 participant-joined 广播，计数已刷新
	env := receiveEnvelope(t, alice)
	require.NotNil(t, env)
	assert.Equal(t, gateway.EventParticipantJoined, env.Event)
	var presence gateway.PresencePayload
	require.NoError(t, json.Unmarshal(env.Data, &presence))
	assert.Equal(t, "user-2", presence.UserID)
	assert.Equal(t, 2, presence.ParticipantCount)
}

func TestDispatchJoinRejectionEmitsErrorFrame(t *testing.T) {
	h := newEventHub() // 没有任何已知会话
	alice := newTestClient(h, "conn-a", "user-1", "Alice")

	h.handleClientEvent(eventMessage(t, alice, gateway.EventJoinSession, gateway.JoinSessionPayload{SessionID: "sess-unknown"}))

	env := receiveEnvelope(t, alice)
	require.NotNil(t, env)
	assert.Equal(t, gateway.EventError, env.Event)
	var payload gateway.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, service.ErrSessionNotFound.Error(), payload.Message)
	assert.False(t, clientInRoom(h, "sess-unknown", alice))
}

func TestDispatchMalformedPayloadEmitsErrorFrame(t *testing.T) {
	h := newEventHub("sess-1")
	alice := newTestClient(h, "conn-a", "user-1", "Alice")

	// sessionId 缺失
	h.handleClientEvent(HubMessage{Type: messageEvent, Client: alice, Event: gateway.EventJoinSession, RawData: []byte(`{}`)})
	env := receiveEnvelope(t, alice)
	require.NotNil(t, env)
	assert.Equal(t, gateway.EventError, env.Event)

	// 非法 JSON
	h.handleClientEvent(HubMessage{Type: messageEvent, Client: alice, Event: gateway.EventUpdateSection, RawData: []byte(`{`)})
	env = receiveEnvelope(t, alice)
	require.NotNil(t, env)
	assert.Equal(t, gateway.EventError, env.Event)
}

func TestDispatchUnknownEventEmitsErrorFrame(t *testing.T) {
	h := newEventHub("sess-1")
	alice := newTestClient(h, "conn-a", "user-1", "Alice")

	h.handleClientEvent(HubMessage{Type: messageEvent, Client: alice, Event: "delete-universe", RawData: []byte(`{}`)})

	env := receiveEnvelope(t, alice)
	require.NotNil(t, env)
	assert.Equal(t, gateway.EventError, env.Event)
}

func TestDispatchLeaveSessionNotifiesRemainingMembers(t *testing.T) {
	h := newEventHub("sess-1")
	alice := newTestClient(h, "conn-a", "user-1", "Alice")
	bob := newTestClient(h, "conn-b", "user-2", "Bob")

	h.handleClientEvent(eventMessage(t, alice, gateway.EventJoinSession, gateway.JoinSessionPayload{SessionID: "sess-1"}))
	h.handleClientEvent(eventMessage(t, bob, gateway.EventJoinSession, gateway.JoinSessionPayload{SessionID: "sess-1"}))
	for receiveEnvelope(t, alice) != nil {
	}
	for receiveEnvelope(t, bob) != nil {
	}

	h.handleClientEvent(eventMessage(t, alice, gateway.EventLeaveSession, gateway.JoinSessionPayload{SessionID: "sess-1"}))

	env := receiveEnvelope(t, bob)
	require.NotNil(t, env)
	assert.Equal(t, gateway.EventParticipantLeft, env.Event)
	var presence gateway.PresencePayload
	require.NoError(t, json.Unmarshal(env.Data, &presence))
	assert.Equal(t, "user-1", presence.UserID)
	assert.Equal(t, 1, presence.ParticipantCount)

	// 离开者自己收不到任何回执，也不再在广播组里
	assert.Nil(t, receiveEnvelope(t, alice))
	assert.False(t, clientInRoom(h, "sess-1", alice))
}

func TestDispatchSectionUpdateBroadcasts(t *testing.T) {
	h := newEventHub("sess-1")
	alice := newTestClient(h, "conn-a", "user-1", "Alice")
	bob := newTestClient(h, "conn-b", "user-2", "Bob")

	h.handleClientEvent(eventMessage(t, alice, gateway.EventJoinSession, gateway.JoinSessionPayload{SessionID: "sess-1"}))
	h.handleClientEvent(eventMessage(t, bob, gateway.EventJoinSession, gateway.JoinSessionPayload{SessionID: "sess-1"}))
	for receiveEnvelope(t, alice) != nil {
	}
	for receiveEnvelope(t, bob) != nil {
	}

	h.handleClientEvent(eventMessage(t, alice, gateway.EventUpdateSection, gateway.UpdateSectionPayload{SessionID: "sess-1", Section: "Genesis 2:4"}))

	env := receiveEnvelope(t, bob)
	require.NotNil(t, env)
	assert.Equal(t, gateway.EventSectionUpdated, env.Event)
	var payload gateway.SectionUpdatedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "Genesis 2:4", payload.Section)
	assert.Equal(t, "user-1", payload.UpdatedBy)

	// 发起者不会收到自己的更新回显
	assert.Nil(t, receiveEnvelope(t, alice))
}

func TestDispatchGhostSectionUpdateStaysSilent(t *testing.T) {
	h := newEventHub("sess-1")
	alice := newTestClient(h, "conn-a", "user-1", "Alice")

	// 针对不存在房间的更新：既没有错误帧，也没有广播
	h.handleClientEvent(eventMessage(t, alice, gateway.EventUpdateSection, gateway.UpdateSectionPayload{SessionID: "sess-gone", Section: "Genesis 2:4"}))

	assert.Nil(t, receiveEnvelope(t, alice))
}

// --- 关闭语义 ---

func TestQueueMessageAfterCloseDropsWithoutPanic(t *testing.T) {
	h := NewHub()
	h.Close()

	assert.NotPanics(t, func() {
		assert.False(t, h.QueueMessage(HubMessage{Type: messageEvent, Event: "late"}))
	})
	// 重复关闭也安全
	assert.NotPanics(t, func() { h.Close() })
}

func TestRunDrainsQueuedMessagesOnClose(t *testing.T) {
	h := newEventHub("sess-1")
	alice := newTestClient(h, "conn-a", "user-1", "Alice")

	// 关闭前已入队的消息在 Run 退出前被串行处理完
	require.True(t, h.QueueMessage(HubMessage{Type: messageRegister, Client: alice}))
	require.True(t, h.QueueMessage(eventMessage(t, alice, gateway.EventJoinSession, gateway.JoinSessionPayload{SessionID: "sess-1"})))
	h.Close()
	h.Run()

	h.mu.RLock()
	_, registered := h.clients[alice]
	h.mu.RUnlock()
	assert.True(t, registered)

	env := receiveEnvelope(t, alice)
	require.NotNil(t, env)
	assert.Equal(t, gateway.EventSessionJoined, env.Event)
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	h := NewHub()
	h.coordinator = newNoopCoordinator(h)
	alice := newTestClient(h, "conn-a", "user-1", "Alice")
	h.registerClient(alice)

	// 通道里还挂着一条未发出的消息，注销后它仍可被读出，然后通道关闭
	alice.send <- []byte("pending")
	h.unregisterClient(alice)

	msg, ok := <-alice.send
	assert.True(t, ok)
	assert.Equal(t, []byte("pending"), msg)
	_, ok = <-alice.send
	assert.False(t, ok, "send channel should be closed after unregister")
}
