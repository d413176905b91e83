package udp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrStaleSequence 序列号早于会话当前进度，数据包应静默丢弃
var ErrStaleSequence = errors.New("序列号过期")

// Session 单设备的UDP加密会话状态
// 每次hello握手重建，密钥不跨会话复用
type Session struct {
	mu sync.Mutex

	ConnID    uint32
	key       [16]byte
	startTime uint32 // 握手时刻，写入nonce的timestamp槽位

	localSeq   uint32
	remoteSeq  uint32
	remoteAddr *net.UDPAddr
	lastActive time.Time
	closed     bool
}

// NewSession 创建会话并生成新密钥
func NewSession(connID uint32) (*Session, error) {
	key, err := GenerateAESKey()
	if err != nil {
		return nil, err
	}
	return &Session{
		ConnID:     connID,
		key:        key,
		startTime:  uint32(time.Now().Unix()),
		lastActive: time.Now(),
	}, nil
}

// KeyHex 返回hex编码的AES密钥（下发给设备）
func (s *Session) KeyHex() string {
	return hex.EncodeToString(s.key[:])
}

// NonceHex 返回hex编码的nonce模板（长度和序列号槽位为零）
// 设备以此为模板构造后续数据包头部
func (s *Session) NonceHex() string {
	h := Header{
		Type:      PacketTypeAudio,
		ConnID:    s.ConnID,
		Timestamp: s.startTime,
	}
	return hex.EncodeToString(h.Marshal())
}

// Seal 加密下行载荷，返回完整数据包（头部+密文）
func (s *Session) Seal(payload []byte, timestamp uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("会话已关闭")
	}

	s.localSeq++
	h := Header{
		Type:       PacketTypeAudio,
		PayloadLen: uint16(len(payload)),
		ConnID:     s.ConnID,
		Timestamp:  timestamp,
		Sequence:   s.localSeq,
	}
	iv := h.Marshal()

	encrypted, err := EncryptAESCTR(iv, s.key[:], payload)
	if err != nil {
		return nil, fmt.Errorf("加密失败: %v", err)
	}

	packet := make([]byte, HeaderSize+len(encrypted))
	copy(packet[:HeaderSize], iv)
	copy(packet[HeaderSize:], encrypted)

	s.lastActive = time.Now()
	return packet, nil
}

// Open 解密上行数据包，返回明文载荷和头部
// 过期序列号返回ErrStaleSequence，此时不做任何状态变更
func (s *Session) Open(packet []byte) ([]byte, Header, error) {
	h, err := ParseHeader(packet)
	if err != nil {
		return nil, Header{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, h, fmt.Errorf("会话已关闭")
	}

	// 过期包在任何状态变更之前丢弃
	if h.Sequence < s.remoteSeq {
		return nil, h, ErrStaleSequence
	}

	encrypted := packet[HeaderSize:]
	if int(h.PayloadLen) != len(encrypted) {
		return nil, h, fmt.Errorf("数据长度不匹配: 头部声明%d, 实际%d", h.PayloadLen, len(encrypted))
	}

	decrypted, err := DecryptAESCTR(packet[:HeaderSize], s.key[:], encrypted)
	if err != nil {
		return nil, h, fmt.Errorf("解密失败: %v", err)
	}

	s.remoteSeq = h.Sequence
	s.lastActive = time.Now()
	return decrypted, h, nil
}

// LearnAddr 记录或更新设备地址
// 返回(是否变化, 旧地址)，地址变化即NAT重绑定由调用方记录日志
func (s *Session) LearnAddr(addr *net.UDPAddr) (bool, *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.remoteAddr == nil {
		s.remoteAddr = addr
		return true, nil
	}
	if s.remoteAddr.String() != addr.String() {
		old := s.remoteAddr
		s.remoteAddr = addr
		return true, old
	}
	return false, nil
}

// RemoteAddr 返回当前设备地址，尚未学习到时为nil
func (s *Session) RemoteAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

// LastActive 返回最后活跃时间
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch 更新活跃时间
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Close 关闭会话，后续加解密操作全部拒绝
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
