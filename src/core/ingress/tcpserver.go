package ingress

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"am-voice-gateway/src/core/auth"
	"am-voice-gateway/src/core/gateway"
	"am-voice-gateway/src/core/protocol/mqtt"
	"am-voice-gateway/src/core/utils"
)

// TCPServer 直连MQTT接入：设备TCP直连网关，网关自行解析MQTT子集
type TCPServer struct {
	port      int
	gateway   *gateway.Gateway
	validator *auth.CredentialValidator
	logger    *utils.Logger

	listener net.Listener
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTCPServer 创建直连MQTT服务
func NewTCPServer(port int, gw *gateway.Gateway, validator *auth.CredentialValidator, logger *utils.Logger) *TCPServer {
	return &TCPServer{
		port:      port,
		gateway:   gw,
		validator: validator,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start 开始监听
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("MQTT服务监听失败: %v", err)
	}
	s.listener = listener

	if !s.validator.Enabled() {
		s.logger.Warn("未配置签名密钥，设备凭证校验已跳过")
	}
	s.logger.Info("MQTT服务已启动: port=%d", s.port)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr 返回实际监听地址，未启动时为nil
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 停止监听并等待处理协程退出
func (s *TCPServer) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			stopErr = s.listener.Close()
		}
		s.wg.Wait()
		s.logger.Info("MQTT服务已停止")
	})
	return stopErr
}

func (s *TCPServer) isStopping() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isStopping() {
				return
			}
			s.logger.Error("接受连接失败: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn 单设备连接的读取与报文分发
func (s *TCPServer) handleConn(sock net.Conn) {
	defer sock.Close()

	var (
		decoder   mqtt.Decoder
		link      *tcpLink
		conn      *gateway.Connection
		connected bool
	)

	defer func() {
		if conn != nil {
			s.gateway.Remove(conn)
			conn.Close()
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := sock.Read(buf)
		if err != nil {
			if conn != nil {
				s.logger.Debug("设备连接断开: client=%s, error=%v", conn.ClientID, err)
			}
			return
		}

		packets, err := decoder.Feed(buf[:n])
		if err != nil {
			s.logger.Warn("协议错误，关闭连接: addr=%s, error=%v", sock.RemoteAddr(), err)
			s.dispatchPackets(sock, packets, &link, &conn, &connected)
			return
		}
		if !s.dispatchPackets(sock, packets, &link, &conn, &connected) {
			return
		}
	}
}

// dispatchPackets 处理一批报文，返回false表示连接应关闭
func (s *TCPServer) dispatchPackets(sock net.Conn, packets []mqtt.Packet, link **tcpLink, conn **gateway.Connection, connected *bool) bool {
	for _, pkt := range packets {
		if !*connected {
			connect, ok := pkt.(*mqtt.ConnectPacket)
			if !ok {
				// CONNECT之前的任何报文都不可恢复
				s.logger.Warn("收到CONNECT之前的报文，关闭连接: addr=%s, type=%d", sock.RemoteAddr(), pkt.Type())
				return false
			}
			if !s.handleConnect(sock, connect, link, conn) {
				return false
			}
			*connected = true
			continue
		}

		(*conn).Touch()

		switch p := pkt.(type) {
		case *mqtt.ConnectPacket:
			s.logger.Warn("收到重复CONNECT，关闭连接: client=%s", (*conn).ClientID)
			return false
		case *mqtt.PublishPacket:
			if err := (*conn).HandleControlPayload(p.Payload); err != nil {
				s.logger.Warn("控制消息处理失败，关闭连接: client=%s, error=%v", (*conn).ClientID, err)
				return false
			}
		case *mqtt.SubscribePacket:
			(*link).write(mqtt.EncodeSuback(p.PacketID, len(p.Topics)))
		case *mqtt.PingreqPacket:
			(*link).write(mqtt.EncodePingresp())
		case *mqtt.DisconnectPacket:
			s.logger.Debug("设备主动断开: client=%s", (*conn).ClientID)
			return false
		}
	}
	return true
}

// handleConnect 处理CONNECT：协议版本、凭证校验、连接注册
func (s *TCPServer) handleConnect(sock net.Conn, pkt *mqtt.ConnectPacket, link **tcpLink, conn **gateway.Connection) bool {
	l := &tcpLink{sock: sock}

	if pkt.ProtocolLevel != 4 {
		s.logger.Warn("不支持的协议级别: addr=%s, level=%d", sock.RemoteAddr(), pkt.ProtocolLevel)
		l.write(mqtt.EncodeConnack(false, mqtt.ConnackUnacceptableVersion))
		return false
	}

	identity, err := auth.ParseClientID(pkt.ClientID)
	if err != nil {
		s.logger.Warn("clientId无效: addr=%s, clientId=%s, error=%v", sock.RemoteAddr(), pkt.ClientID, err)
		return false
	}

	// 三段式clientId执行完整凭证校验，两段式仅校验MAC格式
	if identity.UUID != "" {
		if !s.validator.Validate(pkt.ClientID, pkt.Username, pkt.Password) {
			s.logger.Warn("凭证校验失败: clientId=%s", pkt.ClientID)
			return false
		}
		userData, err := auth.ParseUserData(pkt.Username)
		if err != nil {
			s.logger.Warn("用户数据解析失败: clientId=%s, error=%v", pkt.ClientID, err)
			return false
		}
		identity.UserData = userData
	}

	l.topic = gateway.DeviceReplyTopic(pkt.ClientID)

	c, err := s.gateway.Register(pkt.ClientID, identity, l)
	if err != nil {
		s.logger.Error("连接注册失败: clientId=%s, error=%v", pkt.ClientID, err)
		return false
	}
	c.SetKeepAlive(pkt.KeepAlive)

	*link = l
	*conn = c

	l.write(mqtt.EncodeConnack(false, mqtt.ConnackAccepted))
	return true
}

// tcpLink 经直连socket下行消息的控制通道
type tcpLink struct {
	mu    sync.Mutex
	sock  net.Conn
	topic string
}

// SendMessage 以PUBLISH下发JSON
func (l *tcpLink) SendMessage(payload []byte) error {
	return l.write(mqtt.EncodePublish(l.topic, payload))
}

func (l *tcpLink) write(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock == nil {
		return fmt.Errorf("连接已关闭")
	}
	if _, err := l.sock.Write(data); err != nil {
		return fmt.Errorf("写入socket失败: %v", err)
	}
	return nil
}

// Close 关闭socket
func (l *tcpLink) Close() error {
	l.mu.Lock()
	sock := l.sock
	l.sock = nil
	l.mu.Unlock()
	if sock != nil {
		return sock.Close()
	}
	return nil
}
