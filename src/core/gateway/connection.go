package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"am-voice-gateway/src/core/auth"
	"am-voice-gateway/src/core/bridge"
	"am-voice-gateway/src/core/transport/udp"
	"am-voice-gateway/src/core/utils"
)

const (
	// 协议版本，hello消息仅接受此版本
	protocolVersion = 3
	// 重复hello时等待旧桥接退出的上限
	duplicateHelloGrace = 500 * time.Millisecond
	// 桥接建立总超时
	bridgeConnectTimeout = 15 * time.Second
)

var pingPrefix = []byte("ping:")

// ControlLink 设备控制通道的发送端
// 直连TCP和broker转发两种接入方式各自实现
type ControlLink interface {
	// SendMessage 向设备下行JSON消息
	SendMessage(payload []byte) error
	// Close 关闭底层控制通道
	Close() error
}

// Connection 单台设备的网关连接
// 持有控制通道、UDP加密会话和音频桥，负责会话状态机
type Connection struct {
	ID       uint32
	ClientID string
	Identity *auth.DeviceIdentity

	link      ControlLink
	factory   bridge.Factory
	udpServer *udp.Server
	logger    *utils.Logger

	mu sync.Mutex
	// 1.5倍声明值，0表示不检查
	keepAliveInterval time.Duration
	session           *udp.Session
	bridge            bridge.AudioBridge
	sessionID         string
	startTime         time.Time
	lastActivity      time.Time
	closing           bool
	closed            bool
}

// NewConnection 创建设备连接
func NewConnection(id uint32, clientID string, identity *auth.DeviceIdentity, link ControlLink, factory bridge.Factory, udpServer *udp.Server, logger *utils.Logger) *Connection {
	return &Connection{
		ID:           id,
		ClientID:     clientID,
		Identity:     identity,
		link:         link,
		factory:      factory,
		udpServer:    udpServer,
		logger:       logger,
		lastActivity: time.Now(),
	}
}

// SetKeepAlive 按CONNECT声明值设置心跳检查间隔
// 注册后心跳巡检协程会并发读取，必须持锁写入
func (c *Connection) SetKeepAlive(seconds uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seconds == 0 {
		c.keepAliveInterval = 0
		return
	}
	c.keepAliveInterval = time.Duration(seconds) * time.Second * 3 / 2
}

// Touch 记录协议活动
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// KeepAliveExpired 检查心跳是否超时
func (c *Connection) KeepAliveExpired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keepAliveInterval == 0 {
		return false
	}
	return now.Sub(c.lastActivity) > c.keepAliveInterval
}

// HandleControlPayload 处理设备上行控制消息
// 返回错误表示连接不可恢复，调用方应关闭连接
func (c *Connection) HandleControlPayload(raw []byte) error {
	msg, err := ParseControlMessage(raw)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case *HelloMessage:
		if m.Version != protocolVersion {
			return fmt.Errorf("不支持的协议版本: %d", m.Version)
		}
		c.handleHello(m)
		return nil
	case *GoodbyeMessage:
		c.handleGoodbye()
		return nil
	case *ForwardMessage:
		c.handleForward(m)
		return nil
	default:
		return nil
	}
}

// handleHello 建立新会话：新密钥、新桥接，重复hello先关闭旧桥
func (c *Connection) handleHello(msg *HelloMessage) {
	c.mu.Lock()
	old := c.bridge
	c.bridge = nil
	c.mu.Unlock()

	if old != nil {
		c.logger.Info("收到重复hello，关闭旧桥接: client=%s", c.ClientID)
		old.Close()
		select {
		case <-old.Done():
		case <-time.After(duplicateHelloGrace):
			c.logger.Warn("等待旧桥接退出超时: client=%s", c.ClientID)
		}
	}

	session, err := udp.NewSession(c.ID)
	if err != nil {
		c.logger.Error("创建UDP会话失败: client=%s, error=%v", c.ClientID, err)
		c.sendError("Failed to process hello message")
		return
	}

	c.mu.Lock()
	if c.session != nil {
		c.session.Close()
	}
	c.session = session
	c.startTime = time.Now()
	c.mu.Unlock()

	params := bridge.ConnectParams{
		DeviceID: c.Identity.MacAddress,
		ClientID: c.ClientID,
		UUID:     c.Identity.UUID,
		Audio:    msg.Audio,
		Features: msg.Features,
		UserData: c.Identity.UserData,
	}
	br, err := c.factory.Create(c, params)
	if err != nil {
		c.logger.Error("创建桥接失败: client=%s, error=%v", c.ClientID, err)
		c.sendError("Failed to process hello message")
		return
	}

	c.logger.Info("通话开始: client=%s, version=%d", c.ClientID, msg.Version)

	ctx, cancel := context.WithTimeout(context.Background(), bridgeConnectTimeout)
	defer cancel()
	result, err := br.Connect(ctx)
	if err != nil {
		c.logger.Error("桥接连接失败: client=%s, error=%v", c.ClientID, err)
		br.Close()
		c.sendError("Failed to process hello message")
		return
	}

	c.mu.Lock()
	c.bridge = br
	c.sessionID = result.SessionID
	sessionID := c.sessionID
	c.mu.Unlock()

	go c.watchBridge(br, sessionID)

	reply := helloReply{
		Type:      "hello",
		Version:   msg.Version,
		SessionID: result.SessionID,
		Transport: "udp",
		UDP: helloUDPInfo{
			Server:     c.udpServer.ExternalHost(),
			Port:       c.udpServer.ExternalPort(),
			Encryption: "aes-128-ctr",
			Key:        session.KeyHex(),
			Nonce:      session.NonceHex(),
		},
		AudioParams: result.Audio,
	}
	if err := c.link.SendMessage(mustJSON(reply)); err != nil {
		c.logger.Error("发送hello应答失败: client=%s, error=%v", c.ClientID, err)
	}
}

// watchBridge 桥接退出后回发goodbye，关闭中的连接随之释放控制通道
func (c *Connection) watchBridge(br bridge.AudioBridge, sessionID string) {
	<-br.Done()

	c.mu.Lock()
	if c.bridge == br {
		c.bridge = nil
	}
	duration := time.Since(c.startTime)
	shouldCloseLink := c.closing && c.bridge == nil && !c.closed
	if shouldCloseLink {
		c.closed = true
	}
	c.mu.Unlock()

	c.logger.Info("通话结束: client=%s, session=%s, 时长=%.1fs",
		c.ClientID, sessionID, duration.Seconds())

	if err := c.link.SendMessage(mustJSON(goodbyeMessage{Type: "goodbye", SessionID: sessionID})); err != nil {
		c.logger.Debug("发送goodbye失败: client=%s, error=%v", c.ClientID, err)
	}

	if shouldCloseLink {
		c.link.Close()
	}
}

// handleGoodbye 设备主动结束会话
func (c *Connection) handleGoodbye() {
	c.mu.Lock()
	br := c.bridge
	c.bridge = nil
	c.mu.Unlock()

	if br != nil {
		br.Close()
	}
}

// handleForward 无桥接时回goodbye，有桥接时透传
func (c *Connection) handleForward(msg *ForwardMessage) {
	c.mu.Lock()
	br := c.bridge
	c.mu.Unlock()

	if br == nil {
		if msg.Type != "goodbye" {
			c.link.SendMessage(mustJSON(goodbyeMessage{Type: "goodbye", SessionID: msg.SessionID}))
		}
		return
	}

	if err := br.HandleControl(msg.Raw); err != nil {
		c.logger.Warn("转发控制消息失败: client=%s, type=%s, error=%v", c.ClientID, msg.Type, err)
	}
}

// HandleUDPPacket 处理该连接的上行UDP数据包
func (c *Connection) HandleUDPPacket(addr *net.UDPAddr, data []byte) {
	c.mu.Lock()
	session := c.session
	br := c.bridge
	c.mu.Unlock()

	if session == nil {
		return
	}

	payload, header, err := session.Open(data)
	if err != nil {
		if err == udp.ErrStaleSequence {
			c.logger.Debug("丢弃过期UDP包: client=%s, seq=%d", c.ClientID, header.Sequence)
		} else {
			c.logger.Warn("解密UDP包失败: client=%s, error=%v", c.ClientID, err)
		}
		return
	}

	// 解密成功后才学习设备地址
	if changed, old := session.LearnAddr(addr); changed {
		if old != nil {
			c.logger.Info("设备UDP地址变更: client=%s, 旧地址=%s, 新地址=%s",
				c.ClientID, old.String(), addr.String())
		} else {
			c.logger.Info("记录设备UDP地址: client=%s, addr=%s", c.ClientID, addr.String())
		}
	}

	// ping包仅用于地址学习，不进入音频桥
	if bytes.HasPrefix(payload, pingPrefix) {
		c.logger.Debug("收到UDP ping: client=%s, payload=%s", c.ClientID, string(payload))
		return
	}

	if br == nil {
		return
	}
	if err := br.SendAudio(payload, header.Timestamp); err != nil {
		c.logger.Warn("上行音频失败: client=%s, error=%v", c.ClientID, err)
	}
}

// sendError 向设备下发错误消息
func (c *Connection) sendError(message string) {
	if err := c.link.SendMessage(mustJSON(errorMessage{Type: "error", Message: message})); err != nil {
		c.logger.Debug("发送错误消息失败: client=%s, error=%v", c.ClientID, err)
	}
}

// Close 关闭连接：有桥接时等桥接退出后释放控制通道
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closing = true
	br := c.bridge
	session := c.session
	if br == nil {
		c.closed = true
	}
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if br != nil {
		br.Close()
		return
	}
	c.link.Close()
}

// Active 当前是否处于通话中
func (c *Connection) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridge != nil
}

// --- bridge.DeviceLink 实现 ---

// SessionID 当前会话ID
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// DeviceID 设备MAC地址
func (c *Connection) DeviceID() string {
	return c.Identity.MacAddress
}

// SendAudio 下行音频，按会话起点生成毫秒时间戳
func (c *Connection) SendAudio(payload []byte) error {
	c.mu.Lock()
	session := c.session
	start := c.startTime
	c.mu.Unlock()

	if session == nil {
		return fmt.Errorf("UDP会话未建立")
	}
	addr := session.RemoteAddr()
	if addr == nil {
		return fmt.Errorf("设备UDP地址未知")
	}

	timestamp := uint32(time.Since(start).Milliseconds())
	packet, err := session.Seal(payload, timestamp)
	if err != nil {
		return err
	}
	return c.udpServer.WriteTo(packet, addr)
}

// SendTTSStart 通知设备播报开始
func (c *Connection) SendTTSStart() error {
	return c.link.SendMessage(mustJSON(ttsMessage{Type: "tts", State: "start", SessionID: c.SessionID()}))
}

// SendTTSStop 通知设备播报结束
func (c *Connection) SendTTSStop() error {
	return c.link.SendMessage(mustJSON(ttsMessage{Type: "tts", State: "stop", SessionID: c.SessionID()}))
}

// SendSTT 下发识别文本
func (c *Connection) SendSTT(text string) error {
	return c.link.SendMessage(mustJSON(sttMessage{Type: "stt", Text: text, SessionID: c.SessionID()}))
}

// SendRaw 透传JSON给设备
func (c *Connection) SendRaw(payload []byte) error {
	return c.link.SendMessage(payload)
}
