package mqtt

import "errors"

// MQTT 3.1.1 控制报文类型
const (
	TypeConnect    = 1
	TypeConnack    = 2
	TypePublish    = 3
	TypePuback     = 4
	TypeSubscribe  = 8
	TypeSuback     = 9
	TypePingreq    = 12
	TypePingresp   = 13
	TypeDisconnect = 14
)

// CONNACK返回码
const (
	ConnackAccepted            = 0
	ConnackUnacceptableVersion = 1
	ConnackNotAuthorized       = 5
)

var (
	// ErrMalformedLength 剩余长度varint超过4字节
	ErrMalformedLength = errors.New("剩余长度编码超过4字节")
	// ErrMalformedPacket 报文字段不完整或越界
	ErrMalformedPacket = errors.New("报文格式错误")
	// ErrUnsupportedQoS 仅支持QoS0的PUBLISH
	ErrUnsupportedQoS = errors.New("不支持的QoS等级")
	// ErrUnsupportedType 未实现的报文类型
	ErrUnsupportedType = errors.New("不支持的报文类型")
)

// Packet 解码后的控制报文
type Packet interface {
	Type() byte
}

// ConnectPacket CONNECT报文
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel byte
	CleanSession  bool
	KeepAlive     uint16 // 秒
	ClientID      string
	Username      string
	HasUsername   bool
	Password      string
	HasPassword   bool
	WillTopic     string
	WillPayload   []byte
}

func (p *ConnectPacket) Type() byte { return TypeConnect }

// PublishPacket PUBLISH报文（仅QoS0）
type PublishPacket struct {
	Topic   string
	Payload []byte
	Dup     bool
	Retain  bool
}

func (p *PublishPacket) Type() byte { return TypePublish }

// SubscribePacket SUBSCRIBE报文
type SubscribePacket struct {
	PacketID uint16
	Topics   []TopicFilter
}

// TopicFilter 单个订阅项
type TopicFilter struct {
	Filter string
	QoS    byte
}

func (p *SubscribePacket) Type() byte { return TypeSubscribe }

// PingreqPacket PINGREQ报文
type PingreqPacket struct{}

func (p *PingreqPacket) Type() byte { return TypePingreq }

// DisconnectPacket DISCONNECT报文
type DisconnectPacket struct{}

func (p *DisconnectPacket) Type() byte { return TypeDisconnect }
