package session

import "fmt"

// State 会话状态
type State int32

const (
	StateDisconnected   State = iota // 未连接
	StateConnecting                  // 正在建立WebSocket
	StateAuthenticating              // 已发送MQTT登录，等待CONNACK并上线认证
	StateReady                       // 可以发送请求
	StateDraining                    // 认证被拒，正在拆除连接
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateReady:
		return "Ready"
	case StateDraining:
		return "Draining"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Input 驱动状态机的事件
type Input int

const (
	InputConnectRequested Input = iota // 调用Connect
	InputDialFailed                    // 传输层创建失败
	InputOpen                          // 传输层已打开
	InputConnAckAccepted               // CONNACK 原因码为0
	InputConnAckRejected               // CONNACK 原因码非0
	InputAuthenticated                 // connect信封已发布
	InputPublish                       // 收到PUBLISH
	InputError                         // 传输层错误
	InputClosed                        // 传输层关闭
)

func (i Input) String() string {
	names := [...]string{
		"ConnectRequested", "DialFailed", "Open", "ConnAckAccepted", "ConnAckRejected",
		"Authenticated", "Publish", "Error", "Closed",
	}
	if i < 0 || int(i) >= len(names) {
		return fmt.Sprintf("Input(%d)", int(i))
	}
	return names[i]
}

// Effect 状态转换产生的动作，由Client执行
type Effect int

const (
	EffectDial         Effect = iota + 1 // 打开传输层
	EffectLogin                          // 发送MQTT CONNECT
	EffectAuthenticate                   // 订阅响应主题、签名并发布connect信封
	EffectDrain                          // 关闭传输层，等待关闭事件
	EffectDispatch                       // 处理入站PUBLISH
	EffectMarkDone                       // 标记本次连接结束，进入重连
)

// Transition 状态转换表，纯函数
// 不适用的 (状态, 事件) 组合保持原状态且不产生动作
func Transition(s State, in Input) (State, []Effect) {
	switch in {
	case InputConnectRequested:
		if s == StateDisconnected {
			return StateConnecting, []Effect{EffectDial}
		}
	case InputDialFailed:
		if s == StateConnecting {
			return StateDisconnected, []Effect{EffectMarkDone}
		}
	case InputOpen:
		if s == StateConnecting {
			return StateAuthenticating, []Effect{EffectLogin}
		}
	case InputConnAckAccepted:
		if s == StateAuthenticating {
			return StateAuthenticating, []Effect{EffectAuthenticate}
		}
	case InputConnAckRejected:
		if s == StateAuthenticating {
			return StateDraining, []Effect{EffectDrain}
		}
	case InputAuthenticated:
		if s == StateAuthenticating {
			return StateReady, nil
		}
	case InputPublish:
		if s == StateReady || s == StateDraining {
			return s, []Effect{EffectDispatch}
		}
	case InputError, InputClosed:
		if s != StateDisconnected {
			return StateDisconnected, []Effect{EffectMarkDone}
		}
	}
	return s, nil
}
