package udp

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize UDP数据包头部长度
const HeaderSize = 16

// PacketTypeAudio 音频数据包类型标记
const PacketTypeAudio = 0x01

// Header 16字节大端数据包头部，同时作为AES-CTR的IV
// 格式: [type(1B)][flags(1B)][payloadLen(2B)][connID(4B)][timestamp(4B)][sequence(4B)]
type Header struct {
	Type       byte
	Flags      byte
	PayloadLen uint16
	ConnID     uint32
	Timestamp  uint32
	Sequence   uint32
}

// Marshal 序列化为16字节
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Type
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[4:8], h.ConnID)
	binary.BigEndian.PutUint32(buf[8:12], h.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], h.Sequence)
	return buf
}

// ParseHeader 从数据包起始16字节解析头部
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("数据包长度不足%d字节: %d", HeaderSize, len(data))
	}
	return Header{
		Type:       data[0],
		Flags:      data[1],
		PayloadLen: binary.BigEndian.Uint16(data[2:4]),
		ConnID:     binary.BigEndian.Uint32(data[4:8]),
		Timestamp:  binary.BigEndian.Uint32(data[8:12]),
		Sequence:   binary.BigEndian.Uint32(data[12:16]),
	}, nil
}

// PeekConnID 读取数据包中的连接ID，不做完整解析
func PeekConnID(data []byte) (uint32, bool) {
	if len(data) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[4:8]), true
}
