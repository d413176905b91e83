package bridge

import (
	"context"
)

// AudioParams 设备协商的音频参数
type AudioParams struct {
	Format        string `json:"format"`         // "opus" 或 "pcm"
	SampleRate    int    `json:"sample_rate"`    // 采样率
	Channels      int    `json:"channels"`       // 声道数
	FrameDuration int    `json:"frame_duration"` // 帧时长(ms)
}

// DeviceLink 桥接层回写设备的通道
// 由网关连接实现，桥接层不感知具体控制通道形态
type DeviceLink interface {
	SessionID() string
	DeviceID() string
	// SendAudio 下行音频，经UDP加密通道发送，时间戳由连接侧生成
	SendAudio(payload []byte) error
	// SendTTSStart 通知设备语音播报开始
	SendTTSStart() error
	// SendTTSStop 通知设备语音播报结束
	SendTTSStop() error
	// SendSTT 下发识别出的用户语音文本
	SendSTT(text string) error
	// SendRaw 透传后端控制JSON给设备
	SendRaw(payload []byte) error
}

// ConnectParams 建立桥接所需的设备会话信息
type ConnectParams struct {
	DeviceID string // MAC地址
	ClientID string
	UUID     string // 设备UUID，可为空
	Audio    AudioParams
	Features map[string]interface{}
	UserData map[string]interface{}
}

// ConnectResult 后端连接建立后的会话信息，回填设备hello应答
type ConnectResult struct {
	SessionID string
	Audio     AudioParams
}

// AudioBridge 设备与语音后端之间的音频桥
// 实现决定后端形态：房间后端或WebSocket后端
type AudioBridge interface {
	// Connect 建立后端连接，失败时桥不可用
	Connect(ctx context.Context) (*ConnectResult, error)
	// SendAudio 上行设备音频到后端
	SendAudio(payload []byte, timestamp uint32) error
	// HandleControl 处理设备控制消息（listen/abort/mcp等）
	HandleControl(raw []byte) error
	// Done 后端断开时关闭
	Done() <-chan struct{}
	// Close 主动关闭桥接
	Close() error
}

// Factory 桥接工厂，按配置选择后端实现
type Factory interface {
	Create(link DeviceLink, params ConnectParams) (AudioBridge, error)
}
