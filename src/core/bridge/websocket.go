package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"am-voice-gateway/src/core/utils"
)

const (
	wsDialTimeout  = 10 * time.Second
	wsHelloTimeout = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// WebSocketFactory WebSocket后端桥接工厂
// picker按设备MAC选择后端服务器地址
type WebSocketFactory struct {
	picker func(mac string) string
	logger *utils.Logger
}

// NewWebSocketFactory 创建WebSocket后端工厂
func NewWebSocketFactory(picker func(mac string) string, logger *utils.Logger) *WebSocketFactory {
	return &WebSocketFactory{picker: picker, logger: logger}
}

// Create 创建WebSocket桥接
func (f *WebSocketFactory) Create(link DeviceLink, params ConnectParams) (AudioBridge, error) {
	url := f.picker(params.DeviceID)
	if url == "" {
		return nil, fmt.Errorf("没有匹配设备的聊天服务器: mac=%s", params.DeviceID)
	}
	return &WebSocketBridge{
		url:    url,
		link:   link,
		params: params,
		logger: f.logger,
		done:   make(chan struct{}),
	}, nil
}

// WebSocketBridge WebSocket后端音频桥
// 音频走二进制帧，控制消息走文本帧原样透传
type WebSocketBridge struct {
	url    string
	link   DeviceLink
	params ConnectParams
	logger *utils.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// wsHello 与后端的hello握手消息
type wsHello struct {
	Type      string                 `json:"type"`
	Version   int                    `json:"version"`
	Transport string                 `json:"transport"`
	SessionID string                 `json:"session_id,omitempty"`
	Audio     *AudioParams           `json:"audio_params,omitempty"`
	Features  map[string]interface{} `json:"features,omitempty"`
}

// Connect 连接后端并完成hello握手
func (b *WebSocketBridge) Connect(ctx context.Context) (*ConnectResult, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	header := http.Header{}
	header.Set("device-id", b.params.DeviceID)
	header.Set("client-id", b.params.ClientID)
	header.Set("protocol-version", "1")

	b.logger.Info("正在连接聊天服务器: url=%s, device=%s", b.url, b.params.DeviceID)

	conn, _, err := dialer.DialContext(ctx, b.url, header)
	if err != nil {
		return nil, fmt.Errorf("连接聊天服务器失败: %v", err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	audio := b.params.Audio
	hello := wsHello{
		Type:      "hello",
		Version:   3,
		Transport: "websocket",
		Audio:     &audio,
		Features:  b.params.Features,
	}
	if err := b.writeJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("发送hello失败: %v", err)
	}

	// 等待服务端hello应答
	conn.SetReadDeadline(time.Now().Add(wsHelloTimeout))
	var reply wsHello
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("等待hello应答失败: %v", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := json.Unmarshal(data, &reply); err != nil || reply.Type != "hello" {
			continue
		}
		break
	}
	conn.SetReadDeadline(time.Time{})

	sessionID := reply.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	result := &ConnectResult{SessionID: sessionID}
	if reply.Audio != nil {
		result.Audio = *reply.Audio
	} else {
		result.Audio = AudioParams{Format: FormatOpus, SampleRate: 16000, Channels: 1, FrameDuration: 20}
	}

	b.wg.Add(1)
	go b.readLoop()

	b.logger.Info("聊天服务器桥接已建立: device=%s, session=%s", b.params.DeviceID, sessionID)
	return result, nil
}

// readLoop 接收后端消息：二进制帧下发音频，文本帧透传控制消息
func (b *WebSocketBridge) readLoop() {
	defer b.wg.Done()
	defer b.signalDone()

	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			b.logger.Info("聊天服务器连接断开: device=%s, error=%v", b.params.DeviceID, err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := b.link.SendAudio(data); err != nil {
				b.logger.Warn("下发音频失败: device=%s, error=%v", b.params.DeviceID, err)
			}
		case websocket.TextMessage:
			if err := b.link.SendRaw(data); err != nil {
				b.logger.Warn("透传控制消息失败: device=%s, error=%v", b.params.DeviceID, err)
			}
		}
	}
}

// SendAudio 上行设备音频，原样转发二进制帧
func (b *WebSocketBridge) SendAudio(payload []byte, timestamp uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("聊天服务器未连接")
	}
	b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := b.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("转发音频失败: %v", err)
	}
	return nil
}

// HandleControl 设备控制消息原样转发文本帧
func (b *WebSocketBridge) HandleControl(raw []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("聊天服务器未连接")
	}
	b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := b.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("转发控制消息失败: %v", err)
	}
	return nil
}

func (b *WebSocketBridge) writeJSON(v interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("聊天服务器未连接")
	}
	b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return b.conn.WriteJSON(v)
}

// Done 后端断开后关闭
func (b *WebSocketBridge) Done() <-chan struct{} {
	return b.done
}

func (b *WebSocketBridge) signalDone() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// Close 关闭桥接
func (b *WebSocketBridge) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	b.wg.Wait()
	b.signalDone()
	return nil
}
