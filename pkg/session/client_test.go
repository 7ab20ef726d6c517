package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/junbin-yang/aiservice-go/pkg/device"
	"github.com/junbin-yang/aiservice-go/pkg/protocol"
	"github.com/junbin-yang/aiservice-go/pkg/transport"
)

type published struct {
	topic   string
	payload []byte
	qos     byte
}

// fakeLink 记录会话对传输层的调用
type fakeLink struct {
	mu         sync.Mutex
	dialErr    error
	onDial     func(n int, ch chan transport.Event, hangup func())
	dials      int
	closes     int
	logins     []transport.LoginOptions
	subscribes []string
	publishes  []published
	acks       []uint16
	events     chan transport.Event
	closed     bool
}

func (f *fakeLink) Dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return f.dialErr
	}
	f.events = make(chan transport.Event, 16)
	f.closed = false
	if f.onDial != nil {
		f.onDial(f.dials, f.events, f.closeEvents)
	}
	return nil
}

func (f *fakeLink) Events() <-chan transport.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeLink) Login(opts transport.LoginOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, opts)
	return nil
}

func (f *fakeLink) Subscribe(topic string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, topic)
	return nil
}

func (f *fakeLink) Publish(topic string, payload []byte, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, published{topic, payload, qos})
	return nil
}

func (f *fakeLink) Ack(packetID uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, packetID)
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.closeEvents()
	return nil
}

// closeEvents 与真实传输层一致，关闭后事件通道随之关闭，调用方需持有mu
func (f *fakeLink) closeEvents() {
	if f.events != nil && !f.closed {
		close(f.events)
		f.closed = true
	}
}

func (f *fakeLink) snapshot() fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeLink{
		dials:      f.dials,
		closes:     f.closes,
		logins:     append([]transport.LoginOptions(nil), f.logins...),
		subscribes: append([]string(nil), f.subscribes...),
		publishes:  append([]published(nil), f.publishes...),
		acks:       append([]uint16(nil), f.acks...),
	}
}

// recorder 记录显示层收到的消息
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Notify(role, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, role+"|"+text)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

var fixedNow = time.UnixMilli(1700000000000)

func testIdentity() *device.Identity {
	return &device.Identity{
		DeviceID:           "aa:bb:cc:dd:ee:ff",
		ChipModel:          "esp32s3",
		AppLicenseID:       "lic-001",
		RegionCode:         "cn-east",
		ServerToken:        "tok",
		AppKey:             "secret",
		ServicePackageCode: "0",
	}
}

func newTestClient(t *testing.T, opts Options) (*Client, *fakeLink, *recorder) {
	t.Helper()
	link := &fakeLink{}
	sink := &recorder{}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return fixedNow }
	}
	c, err := NewClient(testIdentity(), link, sink, opts)
	require.NoError(t, err)
	return c, link, sink
}

func connackFrame(t *testing.T, code byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := (&packets.Connack{ReasonCode: code, Properties: &packets.Properties{}}).WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func publishFrame(t *testing.T, topic string, payload string, qos byte, id uint16) []byte {
	t.Helper()
	p := &packets.Publish{Topic: topic, Payload: []byte(payload), QoS: qos, Properties: &packets.Properties{}}
	if qos > 0 {
		p.PacketID = id
	}
	var buf bytes.Buffer
	_, err := p.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

// toReady 驱动客户端走完握手
func toReady(t *testing.T, c *Client) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	c.handleEvent(ctx, transport.Event{Kind: transport.EventOpen})
	c.handleEvent(ctx, transport.Event{Kind: transport.EventMessage, Data: connackFrame(t, 0)})
	require.Equal(t, StateReady, c.State())
}

func TestNewClientInvalid(t *testing.T) {
	_, err := NewClient(nil, &fakeLink{}, nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewClient(testIdentity(), nil, nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	c, err := NewClient(testIdentity(), &fakeLink{}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultReconnectInterval, c.opts.ReconnectInterval)
	assert.Equal(t, DefaultPollTimeout, c.opts.PollTimeout)
	assert.Equal(t, DefaultSendQueue, cap(c.outbox))
	assert.Equal(t, DefaultAction, c.opts.Policy.Action)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientHandshake(t *testing.T) {
	c, link, sink := newTestClient(t, Options{Username: "u", Password: "p"})
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, StateConnecting, c.State())
	assert.NotEmpty(t, c.ConnectionID())

	c.handleEvent(ctx, transport.Event{Kind: transport.EventOpen})
	assert.Equal(t, StateAuthenticating, c.State())
	got := link.snapshot()
	require.Len(t, got.logins, 1)
	assert.Equal(t, transport.LoginOptions{
		ClientID: "aa:bb:cc:dd:ee:ff", Username: "u", Password: "p", CleanStart: true,
	}, got.logins[0])

	c.handleEvent(ctx, transport.Event{Kind: transport.EventMessage, Data: connackFrame(t, 0)})
	assert.Equal(t, StateReady, c.State())

	got = link.snapshot()
	assert.Equal(t, []string{"response/lic-001/aa:bb:cc:dd:ee:ff"}, got.subscribes)
	require.Len(t, got.publishes, 1)
	assert.Equal(t, "connect/online", got.publishes[0].topic)
	assert.Equal(t, byte(1), got.publishes[0].qos)

	ts := "1700000000000"
	wantSign, err := protocol.Sign([]byte("secret"), []byte(ts+"lic-001"+"aa:bb:cc:dd:ee:ff"+"0"+"secret"))
	require.NoError(t, err)
	var env protocol.ConnectEnvelope
	require.NoError(t, json.Unmarshal(got.publishes[0].payload, &env))
	assert.Equal(t, wantSign, env.Sign)
	assert.Equal(t, ts, env.AppTime)
	assert.Equal(t, "esp32s3", env.DeviceType)
	assert.Empty(t, sink.all(), "握手过程不应通知显示层")
}

func TestSendNotReady(t *testing.T) {
	c, link, _ := newTestClient(t, Options{})
	assert.ErrorIs(t, c.Send("hi"), ErrNotReady)

	require.NoError(t, c.Connect(context.Background()))
	assert.ErrorIs(t, c.Send("hi"), ErrNotReady)
	assert.Empty(t, link.snapshot().publishes)
}

func TestSendRequest(t *testing.T) {
	c, link, sink := newTestClient(t, Options{})
	toReady(t, c)

	require.NoError(t, c.Send("讲个故事"))
	c.publishRequest(<-c.outbox)

	got := link.snapshot()
	require.Len(t, got.publishes, 2)
	req := got.publishes[1]
	assert.Equal(t, "request/lic-001/aa:bb:cc:dd:ee:ff", req.topic)
	assert.Equal(t, byte(0), req.qos)

	var env protocol.RequestEnvelope
	require.NoError(t, json.Unmarshal(req.payload, &env))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", env.DeviceID)
	assert.Equal(t, strconv.FormatInt(fixedNow.UnixMilli()+1, 10), env.Request.ID)
	assert.Equal(t, "讲个故事", env.Request.Text)
	assert.Equal(t, "playAudio", env.Request.Action)
	assert.Equal(t, []string{"extendParam", "cloudphoneInfo"}, env.Request.ResultType)
	assert.Equal(t, "讲个故事", env.Request.Params["content"])
	assert.Equal(t, "listen_audiobook", env.Request.Params["intent"])
	assert.Equal(t, true, env.Request.Params["isRecommend"])

	assert.Equal(t, []string{"assistant|已发送: 讲个故事"}, sink.all())
}

// 连续快速调用时请求ID严格递增
func TestSendIDsIncrease(t *testing.T) {
	c, _, _ := newTestClient(t, Options{SendQueue: 16})
	toReady(t, c)

	var prev uint64
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Send("x"))
		out := <-c.outbox
		assert.Greater(t, out.id, prev)
		prev = out.id
	}
}

func TestSendConcurrentUniqueIDs(t *testing.T) {
	const n = 50
	c, _, _ := newTestClient(t, Options{SendQueue: n})
	toReady(t, c)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Send("x"))
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		out := <-c.outbox
		assert.False(t, seen[out.id], "请求ID重复: %d", out.id)
		seen[out.id] = true
	}
}

func TestSendEncodeFailure(t *testing.T) {
	c, _, sink := newTestClient(t, Options{})
	toReady(t, c)

	assert.ErrorIs(t, c.Send(""), ErrEncodeFailure)
	assert.Equal(t, []string{"assistant|" + MsgEncodeFailure}, sink.all())
	assert.Len(t, c.outbox, 0)
}

func TestSendQueueFull(t *testing.T) {
	c, _, _ := newTestClient(t, Options{SendQueue: 1})
	toReady(t, c)

	require.NoError(t, c.Send("a"))
	assert.ErrorIs(t, c.Send("b"), ErrQueueFull)
}

// 排队期间连接断开，发布时报告失败
func TestQueuedRequestAfterDisconnect(t *testing.T) {
	c, link, sink := newTestClient(t, Options{})
	toReady(t, c)

	require.NoError(t, c.Send("a"))
	c.handleEvent(context.Background(), transport.Event{Kind: transport.EventClosed})
	c.publishRequest(<-c.outbox)

	assert.Len(t, link.snapshot().publishes, 1, "只有connect信封被发布")
	assert.Equal(t, []string{"assistant|" + MsgPublishFailure}, sink.all())
}

func TestInboundResponses(t *testing.T) {
	response := "response/lic-001/aa:bb:cc:dd:ee:ff"
	cases := []struct {
		name    string
		topic   string
		payload string
		want    []string
	}{
		{"payload", response, `{"code":1000,"message":"ok","result":{"extendParam":{"x":1}}}`, []string{`assistant|{"x":1}`}},
		{"error code", response, `{"code":500,"message":"err"}`, []string{"assistant|code: 500, err"}},
		{"success without payload", response, `{"code":1000,"message":"ok"}`, nil},
		{"parse failure", response, `not json`, []string{"assistant|" + MsgParseFailure}},
		{"other topic", "response/other/x", `{"code":500,"message":"err"}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, sink := newTestClient(t, Options{})
			toReady(t, c)
			c.handleEvent(context.Background(), transport.Event{
				Kind: transport.EventMessage,
				Data: publishFrame(t, tc.topic, tc.payload, 0, 0),
			})
			assert.Equal(t, tc.want, sink.all())
			assert.Equal(t, StateReady, c.State())
		})
	}
}

func TestInboundQoS1Acked(t *testing.T) {
	c, link, sink := newTestClient(t, Options{})
	toReady(t, c)

	data := append(publishFrame(t, c.Topics().Response, `{"code":1000,"message":"ok","result":{"extendParam":"a"}}`, 1, 7),
		publishFrame(t, c.Topics().Response, `{"code":1000,"message":"ok","result":{"extendParam":"b"}}`, 1, 8)...)
	c.handleEvent(context.Background(), transport.Event{Kind: transport.EventMessage, Data: data})

	assert.Equal(t, []uint16{7, 8}, link.snapshot().acks)
	assert.Equal(t, []string{`assistant|"a"`, `assistant|"b"`}, sink.all())
}

// 认证前收到的PUBLISH不分发
func TestInboundBeforeReadyIgnored(t *testing.T) {
	c, _, sink := newTestClient(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	c.handleEvent(ctx, transport.Event{Kind: transport.EventOpen})
	c.handleEvent(ctx, transport.Event{
		Kind: transport.EventMessage,
		Data: publishFrame(t, c.Topics().Response, `{"code":500,"message":"err"}`, 0, 0),
	})
	assert.Empty(t, sink.all())
}

func TestConnAckRejected(t *testing.T) {
	c, link, _ := newTestClient(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	c.handleEvent(ctx, transport.Event{Kind: transport.EventOpen})
	c.handleEvent(ctx, transport.Event{Kind: transport.EventMessage, Data: connackFrame(t, 0x87)})

	assert.Equal(t, StateDraining, c.State())
	got := link.snapshot()
	assert.Equal(t, 1, got.closes)
	assert.Empty(t, got.subscribes)
	assert.Empty(t, got.publishes)
	assert.False(t, c.done)

	c.handleEvent(ctx, transport.Event{Kind: transport.EventClosed})
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, c.done)
}

// 签名失败时不发布connect信封，停留在Authenticating
func TestSignerFailure(t *testing.T) {
	c, link, _ := newTestClient(t, Options{
		Signer: func(key, message []byte) (string, error) { return "", errors.New("hmac unavailable") },
	})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	c.handleEvent(ctx, transport.Event{Kind: transport.EventOpen})
	c.handleEvent(ctx, transport.Event{Kind: transport.EventMessage, Data: connackFrame(t, 0)})

	assert.Equal(t, StateAuthenticating, c.State())
	assert.Empty(t, link.snapshot().publishes)
	assert.ErrorIs(t, c.Send("hi"), ErrNotReady)
}

func TestDialFailure(t *testing.T) {
	c, link, _ := newTestClient(t, Options{})
	link.dialErr = errors.New("refused")

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, c.done)
}

// 每个重连间隔恰好一次连接尝试，直到ctx取消
func TestRunReconnectsOncePerInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleeps []time.Duration
	c, link, _ := newTestClient(t, Options{
		ReconnectInterval: 3 * time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			if len(sleeps) == 3 {
				cancel()
				return ctx.Err()
			}
			return nil
		},
	})
	link.dialErr = errors.New("refused")

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, sleeps)
	assert.Equal(t, 3, link.snapshot().dials)
	assert.Equal(t, StateDisconnected, c.State())
}

// 事件通道关闭后进入重连
func TestRunReconnectAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, link, _ := newTestClient(t, Options{
		PollTimeout: 10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})
	link.onDial = func(n int, ch chan transport.Event, hangup func()) {
		ch <- transport.Event{Kind: transport.EventOpen}
		hangup()
	}

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	got := link.snapshot()
	assert.Equal(t, 1, got.dials)
	assert.Len(t, got.logins, 1)
	assert.GreaterOrEqual(t, got.closes, 1, "退出时应关闭传输层")
}

// CONNACK被拒绝后关闭连接，按间隔重连，不订阅也不发布
func TestRunReconnectAfterConnAckRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		sleeps []time.Duration
		states []State
		c      *Client
	)
	c, link, sink := newTestClient(t, Options{
		PollTimeout:       10 * time.Millisecond,
		ReconnectInterval: 2 * time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			states = append(states, c.State())
			if len(sleeps) == 3 {
				cancel()
				return ctx.Err()
			}
			return nil
		},
	})
	rejected := connackFrame(t, 0x87)
	link.onDial = func(n int, ch chan transport.Event, _ func()) {
		ch <- transport.Event{Kind: transport.EventOpen}
		ch <- transport.Event{Kind: transport.EventMessage, Data: rejected}
	}

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second}, sleeps)
	assert.Equal(t, []State{StateDisconnected, StateDisconnected, StateDisconnected}, states, "每次重连前应已断开")

	got := link.snapshot()
	assert.Equal(t, 3, got.dials)
	assert.Len(t, got.logins, 3)
	assert.GreaterOrEqual(t, got.closes, 3)
	assert.Empty(t, got.subscribes)
	assert.Empty(t, got.publishes)
	assert.Empty(t, sink.all())
}

// Run 在循环中发布排队的请求
func TestRunPublishesQueuedRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, link, sink := newTestClient(t, Options{PollTimeout: 10 * time.Millisecond})
	connack := connackFrame(t, 0)
	link.onDial = func(n int, ch chan transport.Event, _ func()) {
		ch <- transport.Event{Kind: transport.EventOpen}
		ch <- transport.Event{Kind: transport.EventMessage, Data: connack}
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == StateReady }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Send("hi"))
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"assistant|已发送: hi"}, sink.all())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run 未退出")
	}
	assert.Len(t, link.snapshot().publishes, 2)
}

func TestDefaultRequestPolicy(t *testing.T) {
	p := DefaultRequestPolicy()
	id := testIdentity()

	opts := p.options(id, "hello")
	assert.Equal(t, "playAudio", opts.Action)
	assert.Equal(t, []string{"extendParam", "cloudphoneInfo"}, opts.ResultTypes)
	assert.Equal(t, "hello", opts.Params["content"])
	_, polluted := p.Params["content"]
	assert.False(t, polluted, "策略自身的参数不应被修改")

	id.ServicePackageCode = "1"
	assert.Equal(t, []string{"extendParam"}, p.options(id, "x").ResultTypes)
}

// 只给出部分字段时，其余字段补默认值，已给出的字段保留
func TestRequestPolicyPartialDefaults(t *testing.T) {
	c, _, _ := newTestClient(t, Options{Policy: RequestPolicy{
		LaunchApp:    "music",
		AgentIndices: []string{"a1"},
	}})
	p := c.opts.Policy
	assert.Equal(t, "music", p.LaunchApp)
	assert.Equal(t, []string{"a1"}, p.AgentIndices)
	assert.Equal(t, DefaultAction, p.Action)
	assert.Equal(t, DefaultRequestPolicy().Params, p.Params)
	assert.Equal(t, protocol.DefaultCloudphonePkgCode, p.CloudphonePkgCode)

	c, _, _ = newTestClient(t, Options{Policy: RequestPolicy{
		Action: "playMusic",
		Params: map[string]interface{}{},
	}})
	assert.Equal(t, "playMusic", c.opts.Policy.Action)
	assert.Empty(t, c.opts.Policy.Params, "显式给出的空参数不应被替换")
	assert.NotNil(t, c.opts.Policy.Params)
}
