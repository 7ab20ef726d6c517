package transport

import "fmt"

// EventKind 传输层事件类型
type EventKind int

const (
	EventError   EventKind = iota // 连接出错
	EventOpen                     // WebSocket已建立
	EventMessage                  // 收到二进制消息
	EventClosed                   // 连接已关闭
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event 传输层事件
type Event struct {
	Kind EventKind
	Data []byte // EventMessage 的原始字节，可能包含多个MQTT帧
	Err  error  // EventError/EventClosed 的原因
}
