package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"am-voice-gateway/src/core/bridge"
)

// DeviceReplyTopic 设备下行主题，取clientId第二段（下划线分隔MAC）
func DeviceReplyTopic(clientID string) string {
	parts := strings.Split(clientID, "@@@")
	if len(parts) >= 2 {
		return "devices/p2p/" + parts[1]
	}
	return "devices/p2p/" + clientID
}

// ControlMessage 设备上行控制消息的类型联合
type ControlMessage interface {
	controlMessage()
}

// HelloMessage 会话发起消息
type HelloMessage struct {
	Version   int                    `json:"version"`
	Transport string                 `json:"transport"`
	Audio     bridge.AudioParams     `json:"audio_params"`
	Features  map[string]interface{} `json:"features"`
}

func (*HelloMessage) controlMessage() {}

// GoodbyeMessage 会话结束消息
type GoodbyeMessage struct {
	SessionID string `json:"session_id"`
}

func (*GoodbyeMessage) controlMessage() {}

// ForwardMessage 其他控制消息，透传给桥接层
type ForwardMessage struct {
	Type      string
	SessionID string
	Raw       []byte
}

func (*ForwardMessage) controlMessage() {}

// ParseControlMessage 解析设备上行JSON为类型化消息
func ParseControlMessage(raw []byte) (ControlMessage, error) {
	var envelope struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("解析控制消息失败: %v", err)
	}

	switch envelope.Type {
	case "hello":
		var msg HelloMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("解析hello消息失败: %v", err)
		}
		return &msg, nil
	case "goodbye":
		return &GoodbyeMessage{SessionID: envelope.SessionID}, nil
	default:
		return &ForwardMessage{Type: envelope.Type, SessionID: envelope.SessionID, Raw: raw}, nil
	}
}

// helloUDPInfo hello应答中的UDP通道信息
type helloUDPInfo struct {
	Server     string `json:"server"`
	Port       int    `json:"port"`
	Encryption string `json:"encryption"`
	Key        string `json:"key"`
	Nonce      string `json:"nonce"`
}

// helloReply hello应答
type helloReply struct {
	Type        string             `json:"type"`
	Version     int                `json:"version"`
	SessionID   string             `json:"session_id"`
	Transport   string             `json:"transport"`
	UDP         helloUDPInfo       `json:"udp"`
	AudioParams bridge.AudioParams `json:"audio_params"`
}

// goodbyeMessage 下行goodbye
type goodbyeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// ttsMessage 下行播报状态
type ttsMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

// sttMessage 下行识别文本
type sttMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// errorMessage 下行错误
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// 所有下行消息结构均可序列化
		panic(err)
	}
	return data
}
