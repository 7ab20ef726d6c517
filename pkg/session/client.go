package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/junbin-yang/aiservice-go/pkg/device"
	"github.com/junbin-yang/aiservice-go/pkg/display"
	"github.com/junbin-yang/aiservice-go/pkg/protocol"
	"github.com/junbin-yang/aiservice-go/pkg/transport"
	log "github.com/junbin-yang/aiservice-go/pkg/utils/logger"
)

// 默认参数
const (
	DefaultPollTimeout       = time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultSendQueue         = 64
)

// 显示层提示
const (
	MsgParseFailure   = "解析响应失败"
	MsgPublishFailure = "发布消息失败"
	MsgEncodeFailure  = "构建请求失败"
	MsgSentPrefix     = "已发送: "
)

// Transport 会话使用的底层连接
// 除Events返回的通道外，所有方法只由运行循环调用
type Transport interface {
	Dial(ctx context.Context) error
	Events() <-chan transport.Event
	Login(opts transport.LoginOptions) error
	Subscribe(topic string, qos byte) error
	Publish(topic string, payload []byte, qos byte) error
	Ack(packetID uint16) error
	Close() error
}

// Options 会话选项
type Options struct {
	Username          string
	Password          string
	PollTimeout       time.Duration // 单次轮询的最长等待
	ReconnectInterval time.Duration // 固定重连间隔，无退避、无上限
	SendQueue         int           // 发送队列容量
	Policy            RequestPolicy

	// 以下用于测试注入，默认分别为 protocol.Sign、time.Now 和可被ctx打断的定时器
	Signer protocol.Signer
	Clock  func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

// outbound 待发布的请求
type outbound struct {
	id      uint64
	text    string
	payload []byte
}

// Client 单设备单会话客户端
type Client struct {
	identity *device.Identity
	topics   protocol.Topics
	link     Transport
	sink     display.Sink
	opts     Options

	state     *atomic.Int32
	requestID *atomic.Uint64
	connID    *atomic.String
	outbox    chan outbound

	// 以下字段只由运行循环访问
	events <-chan transport.Event
	done   bool
}

// NewClient 创建会话客户端
// 请求ID计数器在此处用当前毫秒时间戳初始化，之后每次Send递增
func NewClient(id *device.Identity, link Transport, sink display.Sink, opts Options) (*Client, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: identity is nil", ErrInvalidArgument)
	}
	if link == nil {
		return nil, fmt.Errorf("%w: transport is nil", ErrInvalidArgument)
	}
	if sink == nil {
		sink = display.LogSink{}
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	opts.Policy = opts.Policy.withDefaults()
	if opts.Signer == nil {
		opts.Signer = protocol.Sign
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &Client{
		identity:  id,
		topics:    protocol.NewTopics(id),
		link:      link,
		sink:      sink,
		opts:      opts,
		state:     atomic.NewInt32(int32(StateDisconnected)),
		requestID: atomic.NewUint64(uint64(opts.Clock().UnixMilli())),
		connID:    atomic.NewString(""),
		outbox:    make(chan outbound, opts.SendQueue),
	}, nil
}

// State 当前状态快照
func (c *Client) State() State { return State(c.state.Load()) }

// Topics 会话主题
func (c *Client) Topics() protocol.Topics { return c.topics }

// DeviceID 设备ID
func (c *Client) DeviceID() string { return c.identity.DeviceID }

// ConnectionID 最近一次创建传输层时分配的连接ID
func (c *Client) ConnectionID() string { return c.connID.Load() }

// Send 发送一条用户文本
// 仅在Ready状态有效；信封在调用方goroutine构建，再交给运行循环发布，不阻塞调用方
func (c *Client) Send(text string) error {
	if st := c.State(); st != StateReady {
		return fmt.Errorf("%w: state %s", ErrNotReady, st)
	}

	id := c.requestID.Inc()
	payload, err := protocol.EncodeRequest(c.identity, strconv.FormatUint(id, 10), text,
		c.opts.Policy.options(c.identity, text))
	if err != nil {
		log.Errorf("[SESSION] 构建请求失败: id=%d, %v", id, err)
		c.sink.Notify(protocol.RoleAssistant, MsgEncodeFailure)
		return err
	}

	select {
	case c.outbox <- outbound{id: id, text: text, payload: []byte(payload)}:
		return nil
	default:
		log.Warnf("[SESSION] 发送队列已满，丢弃请求: id=%d", id)
		return ErrQueueFull
	}
}

// Connect 打开传输层
// 由运行循环调用；失败时返回ErrTransportUnavailable并标记本次连接结束
func (c *Client) Connect(ctx context.Context) error {
	return c.step(ctx, InputConnectRequested, nil)
}

// Run 运行循环：轮询传输层事件和发送队列；连接结束后按固定间隔无限重连
// 仅在ctx取消时返回
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()

	if err := c.Connect(ctx); err != nil {
		log.Errorf("[SESSION] 连接失败: %v", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.done {
			if err := c.opts.Sleep(ctx, c.opts.ReconnectInterval); err != nil {
				return err
			}
			log.Info("[SESSION] 重新连接...")
			if err := c.Connect(ctx); err != nil {
				log.Errorf("[SESSION] 重连失败: %v", err)
			}
			continue
		}

		if err := c.poll(ctx); err != nil {
			return err
		}
	}
}

// poll 等待一个传输层事件、一条待发请求或轮询超时
func (c *Client) poll(ctx context.Context) error {
	timer := time.NewTimer(c.opts.PollTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev, ok := <-c.events:
		if !ok {
			c.events = nil
			c.step(ctx, InputClosed, nil)
			c.done = true
			return nil
		}
		c.handleEvent(ctx, ev)
	case out := <-c.outbox:
		c.publishRequest(out)
	case <-timer.C:
	}
	return nil
}

func (c *Client) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpen:
		c.step(ctx, InputOpen, nil)
	case transport.EventMessage:
		c.handleMessage(ctx, ev.Data)
	case transport.EventError:
		log.Errorf("[SESSION] 连接错误: conn=%s, %v", c.connID.Load(), ev.Err)
		c.step(ctx, InputError, nil)
	case transport.EventClosed:
		log.Warnf("[SESSION] 连接已关闭: conn=%s, %v", c.connID.Load(), ev.Err)
		c.step(ctx, InputClosed, nil)
	}
}

// handleMessage 依次处理一条WebSocket消息中的所有MQTT帧
func (c *Client) handleMessage(ctx context.Context, data []byte) {
	log.Debugf("[SESSION] 收到 %d 字节", len(data))

	pkts, err := transport.ParseFrames(data)
	for _, p := range pkts {
		switch p.Type {
		case transport.PacketConnack:
			if p.ReasonCode != 0 {
				log.Errorf("[SESSION] %v: conn=%s, code=%d", ErrAuthRejected, c.connID.Load(), p.ReasonCode)
				c.step(ctx, InputConnAckRejected, nil)
				continue
			}
			log.Infof("[SESSION] MQTT登录成功: conn=%s", c.connID.Load())
			c.step(ctx, InputConnAckAccepted, nil)
		case transport.PacketPublish:
			c.step(ctx, InputPublish, p)
		case transport.PacketSuback:
			if p.ReasonCode >= 0x80 {
				log.Errorf("[SESSION] 订阅被拒绝: code=%d", p.ReasonCode)
			}
		case transport.PacketDisconnect:
			log.Warnf("[SESSION] 服务端断开: code=%d", p.ReasonCode)
		default:
			log.Debugf("[SESSION] 忽略报文 %s", transport.PacketName(p.Type))
		}
	}
	if err != nil {
		log.Warnf("[SESSION] 解析MQTT帧失败: %v", err)
	}
}

// step 执行一次状态转换及其动作，返回第一个失败动作的错误
func (c *Client) step(ctx context.Context, in Input, pkt *transport.Packet) error {
	prev := c.State()
	next, effects := Transition(prev, in)
	if next != prev {
		c.state.Store(int32(next))
		log.Infof("[SESSION] 状态 %s -> %s (%s)", prev, next, in)
	}

	var firstErr error
	for _, e := range effects {
		if err := c.execute(ctx, e, pkt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) execute(ctx context.Context, e Effect, pkt *transport.Packet) error {
	switch e {
	case EffectDial:
		return c.dial(ctx)

	case EffectLogin:
		err := c.link.Login(transport.LoginOptions{
			ClientID:   c.identity.DeviceID,
			Username:   c.opts.Username,
			Password:   c.opts.Password,
			CleanStart: true,
			KeepAlive:  0,
		})
		if err != nil {
			log.Errorf("[SESSION] 发送MQTT登录失败: %v", err)
		}
		return err

	case EffectAuthenticate:
		if err := c.authenticate(); err != nil {
			log.Errorf("[SESSION] 上线认证失败，等待重连: %v", err)
			return err
		}
		return c.step(ctx, InputAuthenticated, nil)

	case EffectDrain:
		if err := c.link.Close(); err != nil {
			log.Warnf("[SESSION] 关闭连接失败: %v", err)
		}
		return nil

	case EffectDispatch:
		c.onPublish(pkt)
		return nil

	case EffectMarkDone:
		c.done = true
		return nil
	}
	return nil
}

// dial 打开传输层，成功后等待EventOpen
func (c *Client) dial(ctx context.Context) error {
	c.connID.Store(uuid.NewString())
	if err := c.link.Dial(ctx); err != nil {
		err = fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
		c.step(ctx, InputDialFailed, nil)
		return err
	}
	c.events = c.link.Events()
	c.done = false
	log.Infof("[SESSION] 传输层已创建: conn=%s, device=%s", c.connID.Load(), c.identity.DeviceID)
	return nil
}

// authenticate 订阅响应主题，计算签名并发布connect信封
// 签名失败时不发布，状态保持Authenticating，只能通过完整重连重试
func (c *Client) authenticate() error {
	if err := c.link.Subscribe(c.topics.Response, protocol.QoSAtLeastOnce); err != nil {
		return fmt.Errorf("订阅 %s 失败: %w", c.topics.Response, err)
	}

	ts := protocol.Timestamp(c.opts.Clock())
	canonical := protocol.CanonicalString(ts, c.identity)
	sign, err := c.opts.Signer([]byte(c.identity.AppKey), []byte(canonical))
	if err != nil {
		if !errors.Is(err, ErrCryptoFailure) {
			err = fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		return err
	}
	log.Debugf("[SESSION] 签名: appTime=%s, sign=%s", ts, sign)

	payload, err := protocol.EncodeConnect(c.identity, sign, ts)
	if err != nil {
		return err
	}
	if err := c.link.Publish(c.topics.Connect, []byte(payload), protocol.QoSAtLeastOnce); err != nil {
		return fmt.Errorf("发布connect信封失败: %w", err)
	}
	log.Infof("[SESSION] 已发布上线信息: topic=%s", c.topics.Connect)
	return nil
}

// onPublish 处理入站PUBLISH，结果广播到显示层，不与请求ID关联
func (c *Client) onPublish(p *transport.Packet) {
	if p == nil {
		return
	}
	if p.QoS > 0 {
		if err := c.link.Ack(p.PacketID); err != nil {
			log.Warnf("[SESSION] PUBACK失败: id=%d, %v", p.PacketID, err)
		}
	}
	log.Infof("[SESSION] topic=%s, message=%s", p.Topic, p.Payload)

	if p.Topic != c.topics.Response {
		log.Warnf("[SESSION] 忽略非响应主题消息: %s", p.Topic)
		return
	}

	resp, err := protocol.DecodeResponse(p.Payload)
	if err != nil {
		log.Errorf("[SESSION] %v", err)
		c.sink.Notify(protocol.RoleAssistant, MsgParseFailure)
		return
	}
	if resp.HasPayload() {
		c.sink.Notify(protocol.RoleAssistant, resp.Payload)
		return
	}
	if !resp.Success() {
		c.sink.Notify(protocol.RoleAssistant, fmt.Sprintf("code: %d, %s", resp.Code, resp.Message))
	}
}

// publishRequest 在运行循环中发布排队的请求（QoS 0）
func (c *Client) publishRequest(out outbound) {
	if st := c.State(); st != StateReady {
		log.Warnf("[SESSION] 状态 %s 下丢弃排队请求: id=%d", st, out.id)
		c.sink.Notify(protocol.RoleAssistant, MsgPublishFailure)
		return
	}
	if err := c.link.Publish(c.topics.Request, out.payload, protocol.QoSAtMostOnce); err != nil {
		log.Errorf("[SESSION] 发布请求失败: id=%d, %v", out.id, err)
		c.sink.Notify(protocol.RoleAssistant, MsgPublishFailure)
		return
	}
	log.Infof("[SESSION] 已发布请求: id=%d, topic=%s", out.id, c.topics.Request)
	c.sink.Notify(protocol.RoleAssistant, MsgSentPrefix+out.text)
}

// shutdown 进程退出时关闭传输层
func (c *Client) shutdown() {
	if err := c.link.Close(); err != nil {
		log.Warnf("[SESSION] 关闭连接失败: %v", err)
	}
	c.state.Store(int32(StateDisconnected))
	c.events = nil
	log.Info("[SESSION] 会话已停止")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
