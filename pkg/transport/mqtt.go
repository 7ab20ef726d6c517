package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/eclipse/paho.golang/packets"
)

// MQTT 报文类型（会话层关心的子集）
const (
	PacketConnack    byte = packets.CONNACK
	PacketPublish    byte = packets.PUBLISH
	PacketPuback     byte = packets.PUBACK
	PacketSuback     byte = packets.SUBACK
	PacketDisconnect byte = packets.DISCONNECT
)

// ProtocolVersion MQTT协议版本
const ProtocolVersion = 5

// LoginOptions MQTT CONNECT参数
type LoginOptions struct {
	ClientID   string
	Username   string
	Password   string
	CleanStart bool
	KeepAlive  uint16 // 秒，0表示关闭保活
}

// Packet 解析后的MQTT报文
type Packet struct {
	Type       byte
	ReasonCode byte   // CONNACK/PUBACK/DISCONNECT 的原因码
	Topic      string // PUBLISH
	Payload    []byte // PUBLISH
	QoS        byte   // PUBLISH
	PacketID   uint16 // PUBLISH/PUBACK/SUBACK
}

// encodeConnect 追加CONNECT报文
func encodeConnect(w io.Writer, opts LoginOptions) error {
	c := &packets.Connect{
		ProtocolName:    "MQTT",
		ProtocolVersion: ProtocolVersion,
		ClientID:        opts.ClientID,
		CleanStart:      opts.CleanStart,
		KeepAlive:       opts.KeepAlive,
		Properties:      &packets.Properties{},
	}
	if opts.Username != "" {
		c.UsernameFlag = true
		c.Username = opts.Username
	}
	if opts.Password != "" {
		c.PasswordFlag = true
		c.Password = []byte(opts.Password)
	}
	_, err := c.WriteTo(w)
	return err
}

// encodeSubscribe 追加SUBSCRIBE报文
func encodeSubscribe(w io.Writer, packetID uint16, topic string, qos byte) error {
	s := &packets.Subscribe{
		PacketID:      packetID,
		Properties:    &packets.Properties{},
		Subscriptions: []packets.SubOptions{{Topic: topic, QoS: qos}},
	}
	_, err := s.WriteTo(w)
	return err
}

// encodePublish 追加PUBLISH报文，QoS 0时不带报文ID
func encodePublish(w io.Writer, packetID uint16, topic string, payload []byte, qos byte) error {
	p := &packets.Publish{
		Topic:      topic,
		Payload:    payload,
		QoS:        qos,
		Properties: &packets.Properties{},
	}
	if qos > 0 {
		p.PacketID = packetID
	}
	_, err := p.WriteTo(w)
	return err
}

// encodePuback 追加PUBACK报文
func encodePuback(w io.Writer, packetID uint16) error {
	a := &packets.Puback{
		PacketID:   packetID,
		ReasonCode: packets.PubackSuccess,
		Properties: &packets.Properties{},
	}
	_, err := a.WriteTo(w)
	return err
}

// ParseFrame 从缓冲区头部解析一个MQTT帧
// 返回解析出的报文和消耗的字节数
func ParseFrame(buf []byte) (*Packet, int, error) {
	if len(buf) == 0 {
		return nil, 0, io.EOF
	}

	r := bytes.NewReader(buf)
	cp, err := packets.ReadPacket(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: %v", ErrIncompleteFrame, err)
		}
		return nil, 0, err
	}
	consumed := len(buf) - r.Len()

	p := &Packet{Type: cp.Type}
	switch c := cp.Content.(type) {
	case *packets.Connack:
		p.ReasonCode = c.ReasonCode
	case *packets.Publish:
		p.Topic = c.Topic
		p.Payload = c.Payload
		p.QoS = c.QoS
		p.PacketID = c.PacketID
	case *packets.Puback:
		p.PacketID = c.PacketID
		p.ReasonCode = c.ReasonCode
	case *packets.Suback:
		p.PacketID = c.PacketID
		if len(c.Reasons) > 0 {
			p.ReasonCode = c.Reasons[0]
		}
	case *packets.Disconnect:
		p.ReasonCode = c.ReasonCode
	}
	return p, consumed, nil
}

// ParseFrames 解析一条WebSocket消息中的全部MQTT帧
// 遇到不完整或非法帧时返回已解析的部分和错误
func ParseFrames(buf []byte) ([]*Packet, error) {
	var out []*Packet
	for len(buf) > 0 {
		p, n, err := ParseFrame(buf)
		if err != nil {
			return out, err
		}
		out = append(out, p)
		buf = buf[n:]
	}
	return out, nil
}

// PacketName 报文类型名称，用于日志
func PacketName(t byte) string {
	switch t {
	case packets.CONNECT:
		return "CONNECT"
	case packets.CONNACK:
		return "CONNACK"
	case packets.PUBLISH:
		return "PUBLISH"
	case packets.PUBACK:
		return "PUBACK"
	case packets.SUBSCRIBE:
		return "SUBSCRIBE"
	case packets.SUBACK:
		return "SUBACK"
	case packets.PINGRESP:
		return "PINGRESP"
	case packets.DISCONNECT:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("TYPE(%d)", t)
	}
}
