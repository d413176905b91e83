package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"am-voice-gateway/src/core/auth"
	"am-voice-gateway/src/core/bridge"
	"am-voice-gateway/src/core/transport/udp"
	"am-voice-gateway/src/core/utils"
)

func testLogger(t *testing.T) *utils.Logger {
	t.Helper()
	logger, err := utils.NewLogger(utils.LoggerOptions{Level: "error", Console: true})
	require.NoError(t, err)
	return logger
}

// fakeControlLink 记录下行控制消息
type fakeControlLink struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (l *fakeControlLink) SendMessage(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, append([]byte(nil), payload...))
	return nil
}

func (l *fakeControlLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeControlLink) message(i int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.messages) {
		return nil
	}
	return l.messages[i]
}

func (l *fakeControlLink) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// fakeBridge 记录音频与事件顺序
type fakeBridge struct {
	id      string
	events  *eventLog
	session string

	mu      sync.Mutex
	audio   [][]byte
	control [][]byte

	done      chan struct{}
	closeOnce sync.Once
}

func (b *fakeBridge) Connect(ctx context.Context) (*bridge.ConnectResult, error) {
	b.events.add(b.id + ":connect")
	return &bridge.ConnectResult{
		SessionID: b.session,
		Audio:     bridge.AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 20},
	}, nil
}

func (b *fakeBridge) SendAudio(payload []byte, timestamp uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audio = append(b.audio, append([]byte(nil), payload...))
	return nil
}

func (b *fakeBridge) HandleControl(raw []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.control = append(b.control, append([]byte(nil), raw...))
	return nil
}

func (b *fakeBridge) Done() <-chan struct{} { return b.done }

func (b *fakeBridge) Close() error {
	b.closeOnce.Do(func() {
		b.events.add(b.id + ":close")
		close(b.done)
	})
	return nil
}

func (b *fakeBridge) audioCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.audio)
}

func (b *fakeBridge) controlCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.control)
}

// eventLog 跨桥接记录时序
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(ev string) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

// fakeFactory 按创建顺序编号桥接
type fakeFactory struct {
	events *eventLog

	mu      sync.Mutex
	bridges []*fakeBridge
}

func (f *fakeFactory) Create(link bridge.DeviceLink, params bridge.ConnectParams) (bridge.AudioBridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	br := &fakeBridge{
		id:      fmt.Sprintf("bridge%d", len(f.bridges)+1),
		events:  f.events,
		session: fmt.Sprintf("session-%d", len(f.bridges)+1),
		done:    make(chan struct{}),
	}
	f.bridges = append(f.bridges, br)
	return br, nil
}

func (f *fakeFactory) bridge(i int) *fakeBridge {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.bridges) {
		return nil
	}
	return f.bridges[i]
}

func newTestGateway(t *testing.T) (*Gateway, *fakeFactory) {
	t.Helper()
	logger := testLogger(t)
	factory := &fakeFactory{events: &eventLog{}}
	gw := NewGateway(factory, logger)
	gw.AttachUDPServer(udp.NewServer(udp.ServerOptions{
		ListenHost:   "127.0.0.1",
		ListenPort:   18884,
		ExternalHost: "203.0.113.1",
		ExternalPort: 8884,
	}, gw, logger))
	return gw, factory
}

func testIdentity() *auth.DeviceIdentity {
	return &auth.DeviceIdentity{
		GroupID:    "GID_test",
		MacAddress: "aa:bb:cc:dd:ee:ff",
		UUID:       "uuid-1234",
	}
}

const helloJSON = `{"type":"hello","version":3,"transport":"udp","audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":20}}`

// helloReplyView 解析下行hello应答
type helloReplyView struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Transport string `json:"transport"`
	UDP       struct {
		Server     string `json:"server"`
		Port       int    `json:"port"`
		Encryption string `json:"encryption"`
		Key        string `json:"key"`
		Nonce      string `json:"nonce"`
	} `json:"udp"`
	AudioParams bridge.AudioParams `json:"audio_params"`
}

func TestRegisterAssignsUniqueIDs(t *testing.T) {
	gw, _ := newTestGateway(t)

	seen := make(map[uint32]bool)
	for i := 0; i < 10000; i++ {
		conn, err := gw.Register(fmt.Sprintf("GID@@@aa_bb_cc_dd_ee_%02x", i%256), testIdentity(), &fakeControlLink{})
		require.NoError(t, err)
		assert.NotZero(t, conn.ID)
		assert.False(t, seen[conn.ID], "连接ID重复: %d", conn.ID)
		seen[conn.ID] = true
	}
}

func TestRegisterReplacesSameClientID(t *testing.T) {
	gw, _ := newTestGateway(t)
	clientID := "GID@@@aa_bb_cc_dd_ee_ff"

	link1 := &fakeControlLink{}
	conn1, err := gw.Register(clientID, testIdentity(), link1)
	require.NoError(t, err)

	conn2, err := gw.Register(clientID, testIdentity(), &fakeControlLink{})
	require.NoError(t, err)

	// 旧连接被替换并关闭
	assert.True(t, link1.closed)
	_, ok := gw.Lookup(conn1.ID)
	assert.False(t, ok)

	got, ok := gw.LookupByClientID(clientID)
	require.True(t, ok)
	assert.Equal(t, conn2, got)
}

func TestHelloHandshake(t *testing.T) {
	gw, factory := newTestGateway(t)
	link := &fakeControlLink{}
	conn, err := gw.Register("GID@@@aa_bb_cc_dd_ee_ff", testIdentity(), link)
	require.NoError(t, err)

	require.NoError(t, conn.HandleControlPayload([]byte(helloJSON)))
	require.Equal(t, 1, link.count())

	var reply helloReplyView
	require.NoError(t, json.Unmarshal(link.message(0), &reply))
	assert.Equal(t, "hello", reply.Type)
	assert.Equal(t, 3, reply.Version)
	assert.Equal(t, "session-1", reply.SessionID)
	assert.Equal(t, "udp", reply.Transport)
	assert.Equal(t, "203.0.113.1", reply.UDP.Server)
	assert.Equal(t, 8884, reply.UDP.Port)
	assert.Equal(t, "aes-128-ctr", reply.UDP.Encryption)
	assert.Len(t, reply.UDP.Key, 32)
	assert.Len(t, reply.UDP.Nonce, 32)
	assert.Equal(t, "opus", reply.AudioParams.Format)
	assert.Equal(t, 16000, reply.AudioParams.SampleRate)

	assert.True(t, conn.Active())
	assert.Equal(t, "session-1", conn.SessionID())
	require.NotNil(t, factory.bridge(0))
}

func TestHelloVersionRejected(t *testing.T) {
	gw, factory := newTestGateway(t)
	conn, err := gw.Register("GID@@@aa_bb_cc_dd_ee_ff", testIdentity(), &fakeControlLink{})
	require.NoError(t, err)

	err = conn.HandleControlPayload([]byte(`{"type":"hello","version":2}`))
	assert.Error(t, err)
	assert.Nil(t, factory.bridge(0))
}

func TestDuplicateHelloClosesOldBridgeFirst(t *testing.T) {
	gw, factory := newTestGateway(t)
	link := &fakeControlLink{}
	conn, err := gw.Register("GID@@@aa_bb_cc_dd_ee_ff", testIdentity(), link)
	require.NoError(t, err)

	require.NoError(t, conn.HandleControlPayload([]byte(helloJSON)))
	require.NoError(t, conn.HandleControlPayload([]byte(helloJSON)))

	events := factory.events.all()
	require.Len(t, events, 3)
	assert.Equal(t, "bridge1:connect", events[0])
	// 旧桥接先关闭再建新桥
	assert.Equal(t, "bridge1:close", events[1])
	assert.Equal(t, "bridge2:connect", events[2])

	assert.Equal(t, "session-2", conn.SessionID())
}

// deviceSeal 按设备侧逻辑加密上行数据包
func deviceSeal(t *testing.T, keyHex string, connID uint32, seq uint32, payload []byte) []byte {
	t.Helper()
	key, err := hex.DecodeString(keyHex)
	require.NoError(t, err)

	h := udp.Header{
		Type:       udp.PacketTypeAudio,
		PayloadLen: uint16(len(payload)),
		ConnID:     connID,
		Sequence:   seq,
	}
	iv := h.Marshal()
	encrypted, err := udp.EncryptAESCTR(iv, key, payload)
	require.NoError(t, err)
	return append(iv, encrypted...)
}

func TestUDPPingLearnsAddrWithoutReachingBridge(t *testing.T) {
	gw, factory := newTestGateway(t)
	link := &fakeControlLink{}
	conn, err := gw.Register("GID@@@aa_bb_cc_dd_ee_ff", testIdentity(), link)
	require.NoError(t, err)
	require.NoError(t, conn.HandleControlPayload([]byte(helloJSON)))

	var reply helloReplyView
	require.NoError(t, json.Unmarshal(link.message(0), &reply))

	addr := &net.UDPAddr{IP: net.ParseIP("10.1.2.3"), Port: 40000}
	br := factory.bridge(0)

	// ping包仅学习地址，不进入音频桥
	gw.RoutePacket(conn.ID, addr, deviceSeal(t, reply.UDP.Key, conn.ID, 1, []byte("ping:1234")))
	assert.Equal(t, 0, br.audioCount())

	// 后续音频包正常进桥
	gw.RoutePacket(conn.ID, addr, deviceSeal(t, reply.UDP.Key, conn.ID, 2, []byte{0x78, 1, 2, 3}))
	assert.Equal(t, 1, br.audioCount())
}

func TestUDPStalePacketDropped(t *testing.T) {
	gw, factory := newTestGateway(t)
	link := &fakeControlLink{}
	conn, err := gw.Register("GID@@@aa_bb_cc_dd_ee_ff", testIdentity(), link)
	require.NoError(t, err)
	require.NoError(t, conn.HandleControlPayload([]byte(helloJSON)))

	var reply helloReplyView
	require.NoError(t, json.Unmarshal(link.message(0), &reply))

	addr := &net.UDPAddr{IP: net.ParseIP("10.1.2.3"), Port: 40000}
	br := factory.bridge(0)

	gw.RoutePacket(conn.ID, addr, deviceSeal(t, reply.UDP.Key, conn.ID, 10, []byte("frame-10")))
	require.Equal(t, 1, br.audioCount())

	// 过期序列号静默丢弃
	gw.RoutePacket(conn.ID, addr, deviceSeal(t, reply.UDP.Key, conn.ID, 3, []byte("frame-03")))
	assert.Equal(t, 1, br.audioCount())
}

func TestKeepAliveExpiry(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn, err := gw.Register("GID@@@aa_bb_cc_dd_ee_ff", testIdentity(), &fakeControlLink{})
	require.NoError(t, err)

	// 声明10秒，实际按15秒检查
	conn.SetKeepAlive(10)
	now := time.Now()
	assert.False(t, conn.KeepAliveExpired(now.Add(14*time.Second)))
	assert.True(t, conn.KeepAliveExpired(now.Add(16*time.Second)))

	// 协议活动重置计时
	conn.Touch()
	assert.False(t, conn.KeepAliveExpired(now.Add(16*time.Second)))

	// 0表示不检查
	conn.SetKeepAlive(0)
	assert.False(t, conn.KeepAliveExpired(now.Add(time.Hour)))
}

// 注册先于SetKeepAlive发生，心跳巡检协程可能并发读取间隔值
func TestKeepAliveConcurrentWithSweep(t *testing.T) {
	gw, _ := newTestGateway(t)
	conn, err := gw.Register("GID@@@aa_bb_cc_dd_ee_ff", testIdentity(), &fakeControlLink{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			conn.SetKeepAlive(uint16(i % 30))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			conn.KeepAliveExpired(time.Now())
			conn.Touch()
		}
	}()
	wg.Wait()

	conn.SetKeepAlive(10)
	assert.False(t, conn.KeepAliveExpired(time.Now()))
}

func TestForwardWithoutBridgeRepliesGoodbye(t *testing.T) {
	gw, _ := newTestGateway(t)
	link := &fakeControlLink{}
	conn, err := gw.Register("GID@@@aa_bb_cc_dd_ee_ff", testIdentity(), link)
	require.NoError(t, err)

	require.NoError(t, conn.HandleControlPayload([]byte(`{"type":"listen","session_id":"s1","state":"start"}`)))
	require.Equal(t, 1, link.count())

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(link.message(0), &msg))
	assert.Equal(t, "goodbye", msg["type"])
	assert.Equal(t, "s1", msg["session_id"])
}

func TestForwardWithBridgePassesThrough(t *testing.T) {
	gw, factory := newTestGateway(t)
	link := &fakeControlLink{}
	conn, err := gw.Register("GID@@@aa_bb_cc_dd_ee_ff", testIdentity(), link)
	require.NoError(t, err)
	require.NoError(t, conn.HandleControlPayload([]byte(helloJSON)))

	raw := `{"type":"listen","session_id":"session-1","state":"start"}`
	require.NoError(t, conn.HandleControlPayload([]byte(raw)))

	br := factory.bridge(0)
	require.Equal(t, 1, br.controlCount())
}

func TestGoodbyeClosesBridge(t *testing.T) {
	gw, factory := newTestGateway(t)
	link := &fakeControlLink{}
	conn, err := gw.Register("GID@@@aa_bb_cc_dd_ee_ff", testIdentity(), link)
	require.NoError(t, err)
	require.NoError(t, conn.HandleControlPayload([]byte(helloJSON)))

	require.NoError(t, conn.HandleControlPayload([]byte(`{"type":"goodbye","session_id":"session-1"}`)))

	br := factory.bridge(0)
	select {
	case <-br.Done():
	case <-time.After(time.Second):
		t.Fatal("goodbye后桥接未关闭")
	}
	// 桥接退出后向设备回发goodbye
	require.Eventually(t, func() bool {
		for i := 0; i < link.count(); i++ {
			var msg map[string]interface{}
			if json.Unmarshal(link.message(i), &msg) == nil && msg["type"] == "goodbye" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, conn.Active())
}

func TestParseControlMessage(t *testing.T) {
	msg, err := ParseControlMessage([]byte(helloJSON))
	require.NoError(t, err)
	hello, ok := msg.(*HelloMessage)
	require.True(t, ok)
	assert.Equal(t, 3, hello.Version)
	assert.Equal(t, "opus", hello.Audio.Format)

	msg, err = ParseControlMessage([]byte(`{"type":"goodbye","session_id":"s1"}`))
	require.NoError(t, err)
	goodbye, ok := msg.(*GoodbyeMessage)
	require.True(t, ok)
	assert.Equal(t, "s1", goodbye.SessionID)

	msg, err = ParseControlMessage([]byte(`{"type":"abort","session_id":"s1"}`))
	require.NoError(t, err)
	fwd, ok := msg.(*ForwardMessage)
	require.True(t, ok)
	assert.Equal(t, "abort", fwd.Type)

	_, err = ParseControlMessage([]byte("not-json"))
	assert.Error(t, err)
}

func TestDeviceReplyTopic(t *testing.T) {
	assert.Equal(t, "devices/p2p/aa_bb_cc_dd_ee_ff", DeviceReplyTopic("GID_test@@@aa_bb_cc_dd_ee_ff@@@uuid"))
	assert.Equal(t, "devices/p2p/aa_bb_cc_dd_ee_ff", DeviceReplyTopic("GID_test@@@aa_bb_cc_dd_ee_ff"))
	assert.Equal(t, "devices/p2p/weird", DeviceReplyTopic("weird"))
}
