package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"am-voice-gateway/src/configs"
	"am-voice-gateway/src/core/auth"
	"am-voice-gateway/src/core/bridge"
	"am-voice-gateway/src/core/gateway"
	"am-voice-gateway/src/core/transport/udp"
	"am-voice-gateway/src/core/utils"
)

const brokerHello = `{"type":"hello","version":3,"transport":"udp","audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":20}}`

// recordLink 记录下行控制消息
type recordLink struct {
	mu       sync.Mutex
	messages [][]byte
}

func (l *recordLink) SendMessage(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, append([]byte(nil), payload...))
	return nil
}

func (l *recordLink) Close() error { return nil }

func (l *recordLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func (l *recordLink) message(i int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.messages) {
		return nil
	}
	return l.messages[i]
}

// laggedBridge 建桥耗时可控的桥接
type laggedBridge struct {
	delay     time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func (b *laggedBridge) Connect(ctx context.Context) (*bridge.ConnectResult, error) {
	time.Sleep(b.delay)
	return &bridge.ConnectResult{
		SessionID: "lag-session",
		Audio:     bridge.AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 20},
	}, nil
}

func (b *laggedBridge) SendAudio([]byte, uint32) error { return nil }
func (b *laggedBridge) HandleControl([]byte) error     { return nil }
func (b *laggedBridge) Done() <-chan struct{}          { return b.done }

func (b *laggedBridge) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

type laggedFactory struct {
	delays map[string]time.Duration
}

func (f laggedFactory) Create(_ bridge.DeviceLink, params bridge.ConnectParams) (bridge.AudioBridge, error) {
	return &laggedBridge{delay: f.delays[params.ClientID], done: make(chan struct{})}, nil
}

func newBrokerIngressTest(t *testing.T, factory bridge.Factory) (*BrokerIngress, *gateway.Gateway) {
	t.Helper()
	logger, err := utils.NewLogger(utils.LoggerOptions{Level: "error", Console: true})
	require.NoError(t, err)

	gw := gateway.NewGateway(factory, logger)
	gw.AttachUDPServer(udp.NewServer(udp.ServerOptions{
		ListenHost: "127.0.0.1", ListenPort: 18886,
		ExternalHost: "203.0.113.1", ExternalPort: 8884,
	}, gw, logger))

	ing, err := NewBrokerIngress(&configs.Config{}, gw, logger)
	require.NoError(t, err)
	t.Cleanup(func() { ing.Stop() })
	return ing, gw
}

// fakeIngestMessage 模拟broker推送的订阅消息
type fakeIngestMessage struct {
	payload []byte
}

func (m *fakeIngestMessage) Duplicate() bool   { return false }
func (m *fakeIngestMessage) Qos() byte         { return 0 }
func (m *fakeIngestMessage) Retained() bool    { return false }
func (m *fakeIngestMessage) Topic() string     { return "internal/server-ingest" }
func (m *fakeIngestMessage) MessageID() uint16 { return 0 }
func (m *fakeIngestMessage) Payload() []byte   { return m.payload }
func (m *fakeIngestMessage) Ack()              {}

func ingestMessage(t *testing.T, clientID, payload string) mqtt.Message {
	t.Helper()
	data, err := json.Marshal(map[string]json.RawMessage{
		"sender_client_id": json.RawMessage(fmt.Sprintf("%q", clientID)),
		"orginal_payload":  json.RawMessage(payload),
	})
	require.NoError(t, err)
	return &fakeIngestMessage{payload: data}
}

func registerBrokerConn(t *testing.T, gw *gateway.Gateway, clientID string) (*gateway.Connection, *recordLink) {
	t.Helper()
	identity, err := auth.ParseClientID(clientID)
	require.NoError(t, err)
	link := &recordLink{}
	conn, err := gw.Register(clientID, identity, link)
	require.NoError(t, err)
	return conn, link
}

func TestBrokerSlowHelloDoesNotBlockOthers(t *testing.T) {
	clientSlow := "GID_test@@@aa_bb_cc_dd_ee_01@@@uuid-slow"
	clientFast := "GID_test@@@aa_bb_cc_dd_ee_02@@@uuid-fast"

	factory := laggedFactory{delays: map[string]time.Duration{clientSlow: 400 * time.Millisecond}}
	ing, gw := newBrokerIngressTest(t, factory)

	_, linkSlow := registerBrokerConn(t, gw, clientSlow)
	_, linkFast := registerBrokerConn(t, gw, clientFast)

	// 慢设备先到，快设备的hello应答不得等慢设备建桥完成
	ing.onMessage(nil, ingestMessage(t, clientSlow, brokerHello))
	ing.onMessage(nil, ingestMessage(t, clientFast, brokerHello))

	require.Eventually(t, func() bool { return linkFast.count() >= 1 },
		300*time.Millisecond, 10*time.Millisecond, "快设备应答被慢设备阻塞")
	assert.Zero(t, linkSlow.count(), "慢设备建桥尚未完成")

	require.Eventually(t, func() bool { return linkSlow.count() >= 1 },
		2*time.Second, 20*time.Millisecond)
}

func TestBrokerSameDeviceStaysSerialized(t *testing.T) {
	clientID := "GID_test@@@aa_bb_cc_dd_ee_03@@@uuid-3"
	factory := laggedFactory{delays: map[string]time.Duration{clientID: 100 * time.Millisecond}}
	ing, gw := newBrokerIngressTest(t, factory)

	conn, link := registerBrokerConn(t, gw, clientID)

	// 同一设备的消息串行处理：goodbye必须等hello建桥完成后生效
	ing.onMessage(nil, ingestMessage(t, clientID, brokerHello))
	ing.onMessage(nil, ingestMessage(t, clientID, `{"type":"goodbye"}`))

	require.Eventually(t, func() bool { return link.count() >= 2 },
		2*time.Second, 20*time.Millisecond)

	var first, second struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(link.message(0), &first))
	require.NoError(t, json.Unmarshal(link.message(1), &second))
	assert.Equal(t, "hello", first.Type)
	assert.Equal(t, "goodbye", second.Type)
	assert.False(t, conn.Active())
}

func TestBrokerMalformedEnvelopeIgnored(t *testing.T) {
	ing, _ := newBrokerIngressTest(t, laggedFactory{})

	ing.onMessage(nil, &fakeIngestMessage{payload: []byte("not-json")})
	ing.onMessage(nil, &fakeIngestMessage{payload: []byte(`{"sender_client_id":""}`)})

	ing.mu.Lock()
	defer ing.mu.Unlock()
	assert.Empty(t, ing.workers, "非法消息不应创建处理队列")
}
