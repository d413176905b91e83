// Package ingress 提供设备控制通道的两种接入方式：
// 直连TCP监听的MQTT子集服务，或消费EMQX规则转发消息的broker客户端。
package ingress

// Ingress 控制通道接入
type Ingress interface {
	Start() error
	Stop() error
}
