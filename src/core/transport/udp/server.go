package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"am-voice-gateway/src/core/utils"
)

// Router 将数据包按连接ID派发给对应的设备连接
type Router interface {
	// RoutePacket 派发加密数据包（含完整头部）
	RoutePacket(connID uint32, addr *net.UDPAddr, data []byte)
}

// Server UDP服务器，负责音频数据包的收发
type Server struct {
	conn         *net.UDPConn
	listenHost   string
	listenPort   int
	externalHost string
	externalPort int
	router       Router
	logger       *utils.Logger
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// ServerOptions UDP服务器配置
type ServerOptions struct {
	ListenHost   string
	ListenPort   int
	ExternalHost string
	ExternalPort int
}

// NewServer 创建UDP服务器
func NewServer(opts ServerOptions, router Router, logger *utils.Logger) *Server {
	return &Server{
		listenHost:   opts.ListenHost,
		listenPort:   opts.ListenPort,
		externalHost: opts.ExternalHost,
		externalPort: opts.ExternalPort,
		router:       router,
		logger:       logger,
		stopChan:     make(chan struct{}),
	}
}

// ExternalHost 返回下发给设备的地址
func (s *Server) ExternalHost() string { return s.externalHost }

// ExternalPort 返回下发给设备的端口
func (s *Server) ExternalPort() int { return s.externalPort }

// Start 启动UDP服务器
func (s *Server) Start() error {
	addr := &net.UDPAddr{
		IP:   net.ParseIP(s.listenHost),
		Port: s.listenPort,
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("UDP服务器启动失败: %v", err)
	}

	s.conn = conn
	s.logger.Info("UDP服务器已启动: 监听=%s:%d, 外部地址=%s:%d",
		s.listenHost, s.listenPort, s.externalHost, s.externalPort)

	s.wg.Add(1)
	go s.handlePackets()
	return nil
}

// Stop 停止UDP服务器
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		s.logger.Info("正在停止UDP服务器...")
		close(s.stopChan)
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				stopErr = err
			}
		}
		s.wg.Wait()
		s.logger.Info("UDP服务器已停止")
	})
	return stopErr
}

func (s *Server) isStopping() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// WriteTo 向设备地址发送数据包（带重试）
func (s *Server) WriteTo(data []byte, addr *net.UDPAddr) error {
	if addr == nil {
		return fmt.Errorf("设备UDP地址未知")
	}

	var err error
	maxRetries := 3
	for retry := 0; retry < maxRetries; retry++ {
		_, err = s.conn.WriteToUDP(data, addr)
		if err == nil {
			return nil
		}
		if errors.Is(err, net.ErrClosed) || s.isStopping() {
			return err
		}
		if retry < maxRetries-1 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	return fmt.Errorf("UDP发送失败（已重试%d次）: %v", maxRetries, err)
}

// handlePackets 接收循环
func (s *Server) handlePackets() {
	defer s.wg.Done()

	buffer := make([]byte, 65535)
	for {
		select {
		case <-s.stopChan:
			return
		default:
			s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))

			n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) || s.isStopping() {
					s.logger.Debug("UDP连接已关闭，退出监听")
					return
				}
				s.logger.Error("读取UDP数据包失败: %v", err)
				continue
			}

			data := make([]byte, n)
			copy(data, buffer[:n])
			s.processPacket(remoteAddr, data)
		}
	}
}

// processPacket 处理单个数据包
func (s *Server) processPacket(addr *net.UDPAddr, data []byte) {
	if len(data) < HeaderSize {
		s.logger.Warn("UDP数据包长度不足: addr=%s, len=%d", addr.String(), len(data))
		return
	}

	// 包类型校验：首字节必须是0x01
	if data[0] != PacketTypeAudio {
		// 云环境健康检查会给UDP端口发明文心跳，静默忽略
		if isHealthCheckPacket(data) {
			return
		}
		s.logger.Warn("收到非标准UDP包: addr=%s, 首字节=0x%02x", addr.String(), data[0])
		return
	}

	connID, ok := PeekConnID(data)
	if !ok {
		return
	}
	s.router.RoutePacket(connID, addr, data)
}

// isHealthCheckPacket 判断是否是健康检查包
// 健康检查包通常是较短的明文ASCII字符
func isHealthCheckPacket(data []byte) bool {
	if len(data) == 0 || len(data) > 100 {
		return false
	}

	checkLen := len(data)
	if checkLen > 30 {
		checkLen = 30
	}
	printableCount := 0
	for i := 0; i < checkLen; i++ {
		if (data[i] >= 0x20 && data[i] <= 0x7E) || data[i] == 0x09 || data[i] == 0x0A || data[i] == 0x0D {
			printableCount++
		}
	}
	return float64(printableCount)/float64(checkLen) > 0.8
}
