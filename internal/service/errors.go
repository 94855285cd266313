package service

import "errors"

// 房间协议的业务错误分类。
// 前三个是预期中的用户可见失败，返回给调用方展示，不作为错误日志记录；
// ErrStoreUnavailable 记录为错误并作为通用失败返回，由调用方提示用户重试。
var (
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	ErrAccessDenied     = errors.New("user is not a participant of this session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrRoomNotFound     = errors.New("room not found")
	ErrStoreUnavailable = errors.New("shared state store unavailable")
)
