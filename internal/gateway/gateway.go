// Package gateway 定义了 Coordinator 与连接层之间的边界契约。
// Coordinator 不关心具体的传输实现 (WebSocket)，只依赖这里的接口，
// 测试时可以用假实现替换整个连接层。
package gateway

// Conn 表示一条已通过握手的长连接及其上的身份信息。
type Conn interface {
	// ID 返回连接句柄，进程内唯一，用于断开事件的所有权检查。
	ID() string

	// UserID 返回连接上的认证用户 ID，未认证时为空字符串。
	UserID() string

	// DisplayName 返回加入时冗余存储的显示名称。
	DisplayName() string
}

// Gateway 是每个进程持有的连接层操作集合：
// 把连接加入/移出某个房间的广播组、向组或单连接发送事件、按用户枚举本进程连接。
type Gateway interface {
	// JoinGroup 将连接加入房间的广播组。
	JoinGroup(conn Conn, roomID string)

	// LeaveGroup 将连接移出房间的广播组，不在组内时为 no-op。
	LeaveGroup(conn Conn, roomID string)

	// EmitToGroup 向房间广播组内的所有连接发送事件。
	// except 不为 nil 时跳过该连接 (通常是事件的发起者)。
	EmitToGroup(roomID, event string, payload interface{}, except Conn)

	// EmitToConn 向单个连接发送事件。
	EmitToConn(conn Conn, event string, payload interface{})

	// ConnectionsForUser 枚举本进程内属于该用户的所有连接。
	ConnectionsForUser(userID string) []Conn
}
