package session

import (
	"errors"

	"github.com/junbin-yang/aiservice-go/pkg/protocol"
)

var (
	// 连接相关错误
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrAuthRejected         = errors.New("authentication rejected")

	// 发送相关错误
	ErrNotReady  = errors.New("session not ready")
	ErrQueueFull = errors.New("send queue full")

	// 参数错误
	ErrInvalidArgument = errors.New("invalid argument")

	// 协议层错误
	ErrCryptoFailure = protocol.ErrCryptoFailure
	ErrEncodeFailure = protocol.ErrEncodeFailure
	ErrParseFailure  = protocol.ErrParseFailure
)
