package mqtt

import (
	"encoding/binary"
	"fmt"
)

// DecodeRemainingLength 解码base-128变长剩余长度
// 返回(长度, 消耗字节数)；数据不足时返回(0, 0, nil)，超过4字节返回ErrMalformedLength
func DecodeRemainingLength(buf []byte) (int, int, error) {
	length := 0
	multiplier := 1
	for i := 0; ; i++ {
		if i >= 4 {
			return 0, 0, ErrMalformedLength
		}
		if i >= len(buf) {
			return 0, 0, nil
		}
		b := buf[i]
		length += int(b&0x7F) * multiplier
		multiplier *= 128
		if b&0x80 == 0 {
			return length, i + 1, nil
		}
	}
}

// EncodeRemainingLength 编码base-128变长剩余长度（1-4字节）
func EncodeRemainingLength(length int) []byte {
	out := make([]byte, 0, 4)
	for {
		b := byte(length % 128)
		length /= 128
		if length > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if length == 0 {
			return out
		}
	}
}

// Decoder 流式报文解码器，可按任意边界投喂TCP字节流
type Decoder struct {
	buf []byte
}

// Feed 追加字节流并返回其中完整的报文
// 返回错误时连接应视为不可恢复并关闭
func (d *Decoder) Feed(data []byte) ([]Packet, error) {
	d.buf = append(d.buf, data...)

	var packets []Packet
	for {
		if len(d.buf) < 2 {
			return packets, nil
		}
		remLen, lenBytes, err := DecodeRemainingLength(d.buf[1:])
		if err != nil {
			return packets, err
		}
		if lenBytes == 0 {
			return packets, nil
		}
		total := 1 + lenBytes + remLen
		if len(d.buf) < total {
			return packets, nil
		}

		fixedHeader := d.buf[0]
		body := d.buf[1+lenBytes : total]
		d.buf = d.buf[total:]

		pkt, err := parsePacket(fixedHeader, body)
		if err != nil {
			return packets, err
		}
		packets = append(packets, pkt)
	}
}

func parsePacket(fixedHeader byte, body []byte) (Packet, error) {
	packetType := fixedHeader >> 4
	flags := fixedHeader & 0x0F

	switch packetType {
	case TypeConnect:
		return parseConnect(body)
	case TypePublish:
		return parsePublish(flags, body)
	case TypeSubscribe:
		return parseSubscribe(body)
	case TypePingreq:
		return &PingreqPacket{}, nil
	case TypeDisconnect:
		return &DisconnectPacket{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, packetType)
	}
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrMalformedPacket
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readUint16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, ErrMalformedPacket
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) readBytes() ([]byte, error) {
	n, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, ErrMalformedPacket
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) readString() (string, error) {
	b, err := r.readBytes()
	return string(b), err
}

func (r *reader) rest() []byte {
	return r.buf[r.pos:]
}

func parseConnect(body []byte) (*ConnectPacket, error) {
	r := &reader{buf: body}

	name, err := r.readString()
	if err != nil {
		return nil, err
	}
	level, err := r.readByte()
	if err != nil {
		return nil, err
	}
	connFlags, err := r.readByte()
	if err != nil {
		return nil, err
	}
	keepAlive, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	clientID, err := r.readString()
	if err != nil {
		return nil, err
	}

	pkt := &ConnectPacket{
		ProtocolName:  name,
		ProtocolLevel: level,
		CleanSession:  connFlags&0x02 != 0,
		KeepAlive:     keepAlive,
		ClientID:      clientID,
	}

	if connFlags&0x04 != 0 { // will flag
		if pkt.WillTopic, err = r.readString(); err != nil {
			return nil, err
		}
		if pkt.WillPayload, err = r.readBytes(); err != nil {
			return nil, err
		}
	}
	if connFlags&0x80 != 0 { // username flag
		if pkt.Username, err = r.readString(); err != nil {
			return nil, err
		}
		pkt.HasUsername = true
	}
	if connFlags&0x40 != 0 { // password flag
		if pkt.Password, err = r.readString(); err != nil {
			return nil, err
		}
		pkt.HasPassword = true
	}
	return pkt, nil
}

func parsePublish(flags byte, body []byte) (*PublishPacket, error) {
	qos := (flags >> 1) & 0x03
	if qos != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedQoS, qos)
	}

	r := &reader{buf: body}
	topic, err := r.readString()
	if err != nil {
		return nil, err
	}

	return &PublishPacket{
		Topic:   topic,
		Payload: r.rest(),
		Dup:     flags&0x08 != 0,
		Retain:  flags&0x01 != 0,
	}, nil
}

func parseSubscribe(body []byte) (*SubscribePacket, error) {
	r := &reader{buf: body}
	packetID, err := r.readUint16()
	if err != nil {
		return nil, err
	}

	pkt := &SubscribePacket{PacketID: packetID}
	for r.pos < len(r.buf) {
		filter, err := r.readString()
		if err != nil {
			return nil, err
		}
		qos, err := r.readByte()
		if err != nil {
			return nil, err
		}
		pkt.Topics = append(pkt.Topics, TopicFilter{Filter: filter, QoS: qos})
	}
	if len(pkt.Topics) == 0 {
		return nil, ErrMalformedPacket
	}
	return pkt, nil
}

// EncodeConnack 编码CONNACK报文
func EncodeConnack(sessionPresent bool, returnCode byte) []byte {
	sp := byte(0)
	if sessionPresent {
		sp = 1
	}
	return []byte{TypeConnack << 4, 2, sp, returnCode}
}

// EncodePublish 编码QoS0的PUBLISH报文
func EncodePublish(topic string, payload []byte) []byte {
	remLen := 2 + len(topic) + len(payload)
	lenBytes := EncodeRemainingLength(remLen)

	out := make([]byte, 0, 1+len(lenBytes)+remLen)
	out = append(out, TypePublish<<4)
	out = append(out, lenBytes...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(topic)))
	out = append(out, topic...)
	out = append(out, payload...)
	return out
}

// EncodeSuback 编码SUBACK报文，每个订阅项授予QoS0
func EncodeSuback(packetID uint16, count int) []byte {
	remLen := 2 + count
	out := make([]byte, 0, 2+remLen)
	out = append(out, TypeSuback<<4)
	out = append(out, EncodeRemainingLength(remLen)...)
	out = binary.BigEndian.AppendUint16(out, packetID)
	for i := 0; i < count; i++ {
		out = append(out, 0)
	}
	return out
}

// EncodePingresp 编码PINGRESP报文
func EncodePingresp() []byte {
	return []byte{TypePingresp << 4, 0}
}
