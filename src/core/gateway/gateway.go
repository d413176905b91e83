package gateway

import (
	"crypto/rand"
	"encoding/binary"
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
	// 心跳扫描周期
	keepAliveSweepInterval = 1 * time.Second
	// 连接数日志周期
	statsLogInterval = 60 * time.Second
	// 停机时等待桥接回发goodbye的宽限期
	shutdownGrace = 300 * time.Millisecond
)

// Gateway 设备连接注册表与生命周期管理
type Gateway struct {
	factory   bridge.Factory
	udpServer *udp.Server
	logger    *utils.Logger

	mu          sync.Mutex
	connections map[uint32]*Connection
	byClientID  map[string]*Connection

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGateway 创建网关
func NewGateway(factory bridge.Factory, logger *utils.Logger) *Gateway {
	return &Gateway{
		factory:     factory,
		logger:      logger,
		connections: make(map[uint32]*Connection),
		byClientID:  make(map[string]*Connection),
		stopChan:    make(chan struct{}),
	}
}

// AttachUDPServer 绑定UDP服务器（网关同时作为其路由器）
func (g *Gateway) AttachUDPServer(s *udp.Server) {
	g.udpServer = s
}

// Register 注册新设备连接，连接ID随机生成并保证唯一
// 同clientId的旧连接被新连接替换
func (g *Gateway) Register(clientID string, identity *auth.DeviceIdentity, link ControlLink) (*Connection, error) {
	g.mu.Lock()

	id, err := g.allocateConnIDLocked()
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}

	conn := NewConnection(id, clientID, identity, link, g.factory, g.udpServer, g.logger)
	g.connections[id] = conn

	old := g.byClientID[clientID]
	g.byClientID[clientID] = conn
	if old != nil {
		delete(g.connections, old.ID)
	}
	count := len(g.connections)
	g.mu.Unlock()

	if old != nil {
		g.logger.Info("同clientId连接被替换: client=%s, 旧连接=%d, 新连接=%d", clientID, old.ID, id)
		old.Close()
	}

	g.logger.Info("设备连接注册: client=%s, connID=%d, 当前连接数=%d", clientID, id, count)
	return conn, nil
}

// allocateConnIDLocked 随机生成连接ID，冲突时重试
func (g *Gateway) allocateConnIDLocked() (uint32, error) {
	var buf [4]byte
	for i := 0; i < 32; i++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("生成连接ID失败: %v", err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id == 0 {
			continue
		}
		if _, exists := g.connections[id]; !exists {
			return id, nil
		}
	}
	return 0, fmt.Errorf("连接ID分配重试耗尽")
}

// Remove 注销连接（仅当其仍是该clientId的当前连接时）
func (g *Gateway) Remove(conn *Connection) {
	g.mu.Lock()
	if g.connections[conn.ID] == conn {
		delete(g.connections, conn.ID)
	}
	if g.byClientID[conn.ClientID] == conn {
		delete(g.byClientID, conn.ClientID)
	}
	count := len(g.connections)
	g.mu.Unlock()

	g.logger.Info("设备连接注销: client=%s, connID=%d, 当前连接数=%d", conn.ClientID, conn.ID, count)
}

// Lookup 按连接ID查找
func (g *Gateway) Lookup(connID uint32) (*Connection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn, ok := g.connections[connID]
	return conn, ok
}

// LookupByClientID 按clientId查找
func (g *Gateway) LookupByClientID(clientID string) (*Connection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conn, ok := g.byClientID[clientID]
	return conn, ok
}

// RoutePacket 实现udp.Router，按连接ID派发数据包
func (g *Gateway) RoutePacket(connID uint32, addr *net.UDPAddr, data []byte) {
	conn, ok := g.Lookup(connID)
	if !ok {
		g.logger.Warn("未找到UDP连接: addr=%s, connID=%d", addr.String(), connID)
		return
	}
	conn.HandleUDPPacket(addr, data)
}

// Start 启动心跳扫描
func (g *Gateway) Start() {
	g.wg.Add(1)
	go g.sweepLoop()
}

// sweepLoop 周期检查心跳超时并定期记录连接数
func (g *Gateway) sweepLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(keepAliveSweepInterval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(statsLogInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-g.stopChan:
			return
		case now := <-ticker.C:
			g.sweepExpired(now)
		case <-statsTicker.C:
			g.mu.Lock()
			total := len(g.connections)
			active := 0
			for _, conn := range g.connections {
				if conn.Active() {
					active++
				}
			}
			g.mu.Unlock()
			g.logger.Info("连接统计: 总数=%d, 通话中=%d", total, active)
		}
	}
}

func (g *Gateway) sweepExpired(now time.Time) {
	g.mu.Lock()
	var expired []*Connection
	for _, conn := range g.connections {
		if conn.KeepAliveExpired(now) {
			expired = append(expired, conn)
		}
	}
	g.mu.Unlock()

	for _, conn := range expired {
		g.logger.Warn("心跳超时，关闭连接: client=%s", conn.ClientID)
		conn.Close()
		g.Remove(conn)
	}
}

// Stop 关闭所有连接并停止网关
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.logger.Info("正在停止网关...")
		close(g.stopChan)

		g.mu.Lock()
		conns := make([]*Connection, 0, len(g.connections))
		for _, conn := range g.connections {
			conns = append(conns, conn)
		}
		g.mu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
		// 留给桥接回发goodbye的时间
		time.Sleep(shutdownGrace)

		g.wg.Wait()
		g.logger.Info("网关已停止")
	})
}
