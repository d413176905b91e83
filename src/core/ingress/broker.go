package ingress

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"am-voice-gateway/src/configs"
	"am-voice-gateway/src/core/auth"
	"am-voice-gateway/src/core/gateway"
	"am-voice-gateway/src/core/utils"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ingestEnvelope EMQX republish规则转发的消息包装
// 字段名orginal_payload为broker侧规则既定拼写，不可更正
type ingestEnvelope struct {
	SenderClientID  string          `json:"sender_client_id"`
	OriginalPayload json.RawMessage `json:"orginal_payload"`
}

// BrokerIngress EMQX broker接入方式
// 设备连接EMQX，republish规则把设备消息连同clientId转发到汇聚主题；
// 网关订阅汇聚主题并按clientId维护虚拟连接，下行走devices/p2p/<mac>主题
type BrokerIngress struct {
	cfg     *configs.Config
	gateway *gateway.Gateway
	logger  *utils.Logger

	client mqtt.Client
	token  *auth.BrokerToken

	// 按clientId串行的处理队列，订阅回调只投递不处理
	mu      sync.Mutex
	workers map[string]chan []byte

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewBrokerIngress(cfg *configs.Config, gw *gateway.Gateway, logger *utils.Logger) (*BrokerIngress, error) {
	b := &BrokerIngress{
		cfg:      cfg,
		gateway:  gw,
		logger:   logger,
		workers:  make(map[string]chan []byte),
		stopChan: make(chan struct{}),
	}
	if key := cfg.Mqtt.Broker.TokenKey; key != "" {
		tk, err := auth.NewBrokerToken(key)
		if err != nil {
			return nil, fmt.Errorf("初始化broker令牌签发器失败: %v", err)
		}
		b.token = tk
	}
	return b, nil
}

// Start 连接broker并订阅汇聚主题
func (b *BrokerIngress) Start() error {
	bc := b.cfg.Mqtt.Broker

	opts := mqtt.NewClientOptions()
	opts.AddBroker(bc.URL)
	clientID := fmt.Sprintf("%s-%d", bc.ClientIDPrefix, time.Now().UnixNano())
	opts.SetClientID(clientID)

	if b.token != nil {
		// JWT模式：username为clientId，password为带ACL的令牌
		pass, err := b.token.Generate(clientID, bc.IngestTopic)
		if err != nil {
			return fmt.Errorf("签发broker接入令牌失败: %v", err)
		}
		opts.SetUsername(clientID)
		opts.SetPassword(pass)
		b.logger.Info("MQTT broker使用JWT认证连接: clientID=%s", clientID)
	} else if bc.Username != "" {
		opts.SetUsername(bc.Username)
		if bc.Password != "" {
			opts.SetPassword(bc.Password)
		}
		b.logger.Info("MQTT broker使用认证连接: username=%s", bc.Username)
	} else {
		b.logger.Warn("MQTT broker未配置认证信息，使用匿名连接")
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("MQTT broker连接丢失: %v", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.logger.Info("MQTT broker已连接，订阅汇聚主题: %s", bc.IngestTopic)
		tk := c.Subscribe(bc.IngestTopic, byte(bc.Qos), b.onMessage)
		tk.Wait()
		if err := tk.Error(); err != nil {
			b.logger.Error("订阅汇聚主题失败: %v", err)
		}
	})

	client := mqtt.NewClient(opts)
	con := client.Connect()
	con.Wait()
	if err := con.Error(); err != nil {
		return fmt.Errorf("MQTT broker连接失败: %v", err)
	}
	b.client = client
	b.logger.Info("MQTT broker接入已启动: %s", bc.URL)
	return nil
}

// Stop 断开broker连接并等待处理队列退出
func (b *BrokerIngress) Stop() error {
	b.stopOnce.Do(func() {
		if b.client != nil && b.client.IsConnected() {
			b.client.Disconnect(250)
		}
		close(b.stopChan)
		b.wg.Wait()
		b.logger.Info("MQTT broker接入已停止")
	})
	return nil
}

// onMessage 处理republish规则转发的设备消息
// 回调内只解析和投递，hello建桥等耗时操作不得阻塞其他设备的消息
func (b *BrokerIngress) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var env ingestEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		b.logger.Warn("汇聚消息格式错误: %v", err)
		return
	}
	if env.SenderClientID == "" || len(env.OriginalPayload) == 0 {
		b.logger.Warn("汇聚消息缺少sender_client_id或orginal_payload")
		return
	}
	b.dispatch(env.SenderClientID, env.OriginalPayload)
}

// dispatch 投递到该clientId的串行队列，首条消息时启动处理协程
func (b *BrokerIngress) dispatch(clientID string, payload []byte) {
	b.mu.Lock()
	queue, ok := b.workers[clientID]
	if !ok {
		queue = make(chan []byte, 16)
		b.workers[clientID] = queue
		b.wg.Add(1)
		go b.workerLoop(clientID, queue)
	}
	b.mu.Unlock()

	select {
	case queue <- payload:
	default:
		b.logger.Warn("设备消息队列已满，丢弃: clientID=%s", clientID)
	}
}

// workerLoop 单设备消息串行处理，连接不可恢复时退出
func (b *BrokerIngress) workerLoop(clientID string, queue chan []byte) {
	defer b.wg.Done()
	for {
		select {
		case payload := <-queue:
			if !b.handlePayload(clientID, payload) {
				b.mu.Lock()
				if b.workers[clientID] == queue {
					delete(b.workers, clientID)
				}
				b.mu.Unlock()
				return
			}
		case <-b.stopChan:
			return
		}
	}
}

// handlePayload 处理单条设备消息，返回false表示连接已关闭
func (b *BrokerIngress) handlePayload(clientID string, payload []byte) bool {
	conn, ok := b.gateway.LookupByClientID(clientID)
	if !ok {
		c, err := b.register(clientID)
		if err != nil {
			b.logger.Warn("注册虚拟连接失败: clientID=%s, %v", clientID, err)
			return true
		}
		conn = c
	}

	conn.Touch()
	if err := conn.HandleControlPayload(payload); err != nil {
		b.logger.Warn("处理设备消息失败: clientID=%s, %v", clientID, err)
		conn.Close()
		b.gateway.Remove(conn)
		return false
	}
	return true
}

// register 为首次出现的clientId创建虚拟连接
// broker侧已完成设备认证，这里只解析身份；两段式clientId补一个虚拟UUID
func (b *BrokerIngress) register(clientID string) (*gateway.Connection, error) {
	identity, err := auth.ParseClientID(clientID)
	if err != nil {
		return nil, err
	}
	if identity.UUID == "" {
		identity.UUID = fmt.Sprintf("virtual-%d", time.Now().UnixMilli())
	}

	link := &brokerLink{
		client: b.client,
		topic:  gateway.DeviceReplyTopic(clientID),
		qos:    byte(b.cfg.Mqtt.Broker.Qos),
	}
	conn, err := b.gateway.Register(clientID, identity, link)
	if err != nil {
		return nil, err
	}
	b.logger.Info("虚拟连接已建立: clientID=%s, mac=%s, 下行主题=%s",
		clientID, identity.MacAddress, link.topic)
	return conn, nil
}

// brokerLink 经broker下发控制消息的虚拟链路
type brokerLink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

func (l *brokerLink) SendMessage(payload []byte) error {
	tk := l.client.Publish(l.topic, l.qos, false, payload)
	tk.Wait()
	if err := tk.Error(); err != nil {
		return fmt.Errorf("发布下行消息失败: %v", err)
	}
	return nil
}

// Close 虚拟链路无底层连接可关闭
func (l *brokerLink) Close() error { return nil }
