package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	log "github.com/junbin-yang/aiservice-go/pkg/utils/logger"
)

const (
	// Subprotocol MQTT over WebSocket 子协议
	Subprotocol = "mqtt"

	// DefaultHandshakeTimeout WebSocket握手超时
	DefaultHandshakeTimeout = 10 * time.Second
	defaultEventBuffer      = 64
)

// Options WebSocket连接选项
type Options struct {
	URL                string        // ws:// 或 wss://
	Proxy              string        // socks5:// 或 http(s)://，为空时直连
	InsecureSkipVerify bool          // wss时跳过证书校验（仅调试）
	HandshakeTimeout   time.Duration // 握手超时
	EventBuffer        int           // 事件通道容量
}

// Conn MQTT over WebSocket 连接
// 写操作只应由会话的运行循环调用；读由内部goroutine完成并通过事件通道投递
type Conn struct {
	opts   Options
	dialer *websocket.Dialer

	mu       sync.Mutex
	ws       *websocket.Conn
	events   chan Event
	stop     chan struct{}
	send     bytes.Buffer // 发送缓冲区
	packetID uint16
}

// New 创建连接对象（不发起连接）
func New(opts Options) (*Conn, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	dialer := &websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: opts.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}
	}
	if err := applyProxy(dialer, opts.Proxy); err != nil {
		return nil, err
	}

	return &Conn{opts: opts, dialer: dialer}, nil
}

// applyProxy 配置代理：SOCKS5走x/net/proxy，HTTP(S)走gorilla自带的CONNECT代理
func applyProxy(d *websocket.Dialer, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProxy, err)
	}

	switch u.Scheme {
	case "http", "https":
		d.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		pd, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProxy, err)
		}
		d.Proxy = nil
		if cd, ok := pd.(proxy.ContextDialer); ok {
			d.NetDialContext = cd.DialContext
		} else {
			d.NetDial = pd.Dial
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxy, u.Scheme)
	}
	return nil
}

// Dial 建立WebSocket连接，成功后在事件通道投递EventOpen
func (c *Conn) Dial(ctx context.Context) error {
	c.Close()

	ws, resp, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: %v (status %d)", ErrDialFailed, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	if ws.Subprotocol() != Subprotocol {
		log.Warnf("[TRANSPORT] 服务端未确认子协议 %q: %q", Subprotocol, ws.Subprotocol())
	}

	events := make(chan Event, c.opts.EventBuffer)
	stop := make(chan struct{})
	events <- Event{Kind: EventOpen}

	c.mu.Lock()
	c.ws = ws
	c.events = events
	c.stop = stop
	c.send.Reset()
	c.mu.Unlock()

	log.Infof("[TRANSPORT] 已连接到 %s", c.opts.URL)
	go c.readLoop(ws, events, stop)
	return nil
}

// Events 当前连接的事件通道，连接结束后通道被关闭
func (c *Conn) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// readLoop 读取消息并投递事件，结束时投递终止事件并关闭通道
func (c *Conn) readLoop(ws *websocket.Conn, events chan Event, stop chan struct{}) {
	defer close(events)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			ev := Event{Kind: EventError, Err: err}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				ev.Kind = EventClosed
			}
			select {
			case events <- ev:
			default:
			}
			return
		}
		if mt != websocket.BinaryMessage {
			log.Warnf("[TRANSPORT] 忽略非二进制消息: type=%d, %d字节", mt, len(data))
			continue
		}

		select {
		case events <- Event{Kind: EventMessage, Data: data}:
		case <-stop:
			return
		}
	}
}

// writePacket 先把MQTT字节追加到发送缓冲区，再把本次追加的字节区间包装成一个二进制帧发送
func (c *Conn) writePacket(encode func(w io.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws == nil {
		return ErrNotConnected
	}

	mark := c.send.Len()
	defer c.send.Truncate(mark)

	if err := encode(&c.send); err != nil {
		return fmt.Errorf("MQTT编码失败: %w", err)
	}
	frame := c.send.Bytes()[mark:]
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("发送WebSocket帧失败: %w", err)
	}
	return nil
}

func (c *Conn) nextPacketID() uint16 {
	c.packetID++
	if c.packetID == 0 {
		c.packetID = 1
	}
	return c.packetID
}

// Login 发送MQTT CONNECT
func (c *Conn) Login(opts LoginOptions) error {
	return c.writePacket(func(w io.Writer) error {
		return encodeConnect(w, opts)
	})
}

// Subscribe 订阅主题
func (c *Conn) Subscribe(topic string, qos byte) error {
	return c.writePacket(func(w io.Writer) error {
		return encodeSubscribe(w, c.nextPacketID(), topic, qos)
	})
}

// Publish 发布消息
func (c *Conn) Publish(topic string, payload []byte, qos byte) error {
	return c.writePacket(func(w io.Writer) error {
		return encodePublish(w, c.nextPacketID(), topic, payload, qos)
	})
}

// Ack 确认QoS 1的入站消息
func (c *Conn) Ack(packetID uint16) error {
	return c.writePacket(func(w io.Writer) error {
		return encodePuback(w, packetID)
	})
}

// Close 关闭连接，读循环随后投递EventClosed并关闭事件通道
func (c *Conn) Close() error {
	c.mu.Lock()
	ws, stop := c.ws, c.stop
	c.ws, c.stop = nil, nil
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	close(stop)

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return ws.Close()
}
