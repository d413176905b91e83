package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/livekit/media-sdk"
	"github.com/livekit/protocol/auth"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"

	"am-voice-gateway/src/configs"
	"am-voice-gateway/src/core/utils"
)

const roomConnectTimeout = 10 * time.Second

// RoomFactory 房间后端桥接工厂
// 每次建桥时取当前配置快照，配置热加载对新会话生效
type RoomFactory struct {
	cfg    func() configs.RoomConfig
	logger *utils.Logger
}

// NewRoomFactory 创建房间后端工厂
func NewRoomFactory(cfg func() configs.RoomConfig, logger *utils.Logger) *RoomFactory {
	return &RoomFactory{cfg: cfg, logger: logger}
}

// Create 创建房间桥接
func (f *RoomFactory) Create(link DeviceLink, params ConnectParams) (AudioBridge, error) {
	return &RoomBridge{
		cfg:            f.cfg(),
		link:           link,
		params:         params,
		logger:         f.logger,
		connectFn:      lksdk.ConnectToRoomWithToken,
		connectTimeout: roomConnectTimeout,
		done:           make(chan struct{}),
	}, nil
}

// RoomBridge 房间后端音频桥
// 设备音频发布为房间音轨，智能体音轨与数据通道事件回传设备
type RoomBridge struct {
	cfg    configs.RoomConfig
	link   DeviceLink
	params ConnectParams
	logger *utils.Logger

	connectFn      func(url, token string, callback *lksdk.RoomCallback, opts ...lksdk.ConnectOption) (*lksdk.Room, error)
	connectTimeout time.Duration

	mu           sync.Mutex
	room         *lksdk.Room
	publishTrack *lkmedia.PCMLocalTrack
	remoteTracks []*lkmedia.PCMRemoteTrack
	opusDecoder  *utils.OpusDecoder
	format       string // 首包后锁定

	done      chan struct{}
	closeOnce sync.Once
}

// Connect 接入房间并发布设备音轨
// 房间名取设备UUID，无UUID时回退MAC地址
func (b *RoomBridge) Connect(ctx context.Context) (*ConnectResult, error) {
	roomName := b.params.UUID
	if roomName == "" {
		roomName = b.params.DeviceID
	}

	token, err := b.buildToken(roomName)
	if err != nil {
		return nil, err
	}

	callback := &lksdk.RoomCallback{
		OnDisconnected: func() {
			b.logger.Info("房间连接已断开: room=%s, device=%s", roomName, b.params.DeviceID)
			b.signalDone()
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: b.onTrackSubscribed,
			OnDataPacket:      b.onDataPacket,
		},
	}

	b.logger.Info("正在接入房间: room=%s, device=%s", roomName, b.params.DeviceID)

	// 带超时的连接，失败时及时回报设备
	resCh := make(chan *lksdk.Room, 1)
	errCh := make(chan error, 1)
	go func() {
		room, err := b.connectFn(b.cfg.URL, token, callback)
		if err != nil {
			errCh <- err
			return
		}
		resCh <- room
	}()

	// 放弃等待后后台连接仍可能成功，需排空并断开迟到的房间
	abandon := func() {
		go func() {
			select {
			case room := <-resCh:
				if room != nil {
					b.logger.Warn("迟到的房间连接已断开: room=%s", roomName)
					room.Disconnect()
				}
			case <-errCh:
			}
		}()
	}

	select {
	case room := <-resCh:
		b.mu.Lock()
		b.room = room
		b.mu.Unlock()
	case err := <-errCh:
		return nil, fmt.Errorf("接入房间失败: %v", err)
	case <-time.After(b.connectTimeout):
		abandon()
		return nil, fmt.Errorf("接入房间超时: room=%s", roomName)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}

	// 16kHz单声道发布音轨，SDK内部上采样到48kHz
	track, err := lkmedia.NewPCMLocalTrack(16000, 1, nil)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("创建发布音轨失败: %v", err)
	}
	b.mu.Lock()
	b.publishTrack = track
	b.mu.Unlock()

	if _, err := b.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name: "microphone",
	}); err != nil {
		b.Close()
		return nil, fmt.Errorf("发布音轨失败: %v", err)
	}

	b.logger.Info("房间桥接已建立: room=%s, device=%s", roomName, b.params.DeviceID)

	return &ConnectResult{
		SessionID: roomName,
		Audio: AudioParams{
			Format:        FormatOpus,
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 20,
		},
	}, nil
}

func (b *RoomBridge) buildToken(roomName string) (string, error) {
	canPublish := true
	canSubscribe := true
	at := auth.NewAccessToken(b.cfg.APIKey, b.cfg.APISecret)
	at.SetIdentity(b.params.DeviceID).
		SetValidFor(time.Hour).
		SetVideoGrant(&auth.VideoGrant{
			Room:         roomName,
			RoomJoin:     true,
			RoomCreate:   true,
			CanPublish:   &canPublish,
			CanSubscribe: &canSubscribe,
		})
	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("生成房间令牌失败: %v", err)
	}
	return token, nil
}

// SendAudio 上行设备音频到房间
// 协商format优先，未协商时按首包启发式判断并锁定
func (b *RoomBridge) SendAudio(payload []byte, timestamp uint32) error {
	b.mu.Lock()
	track := b.publishTrack
	if b.format == "" {
		if b.params.Audio.Format != "" {
			b.format = b.params.Audio.Format
		} else {
			b.format = DetectFormat(payload)
			b.logger.Info("音频格式识别结果: device=%s, format=%s", b.params.DeviceID, b.format)
		}
	}
	format := b.format
	b.mu.Unlock()

	if track == nil {
		return fmt.Errorf("发布音轨尚未就绪")
	}

	pcm := payload
	if format == FormatOpus {
		decoder, err := b.ensureDecoder()
		if err != nil {
			return err
		}
		decoded, err := decoder.Decode(payload)
		if err != nil {
			return fmt.Errorf("解码设备音频失败: %v", err)
		}
		pcm = decoded
	}

	samples := make(media.PCM16Sample, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	if len(samples) == 0 {
		return nil
	}
	if err := track.WriteSample(samples); err != nil {
		return fmt.Errorf("写入发布音轨失败: %v", err)
	}
	return nil
}

func (b *RoomBridge) ensureDecoder() (*utils.OpusDecoder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opusDecoder != nil {
		return b.opusDecoder, nil
	}
	sampleRate := b.params.Audio.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := b.params.Audio.Channels
	if channels == 0 {
		channels = 1
	}
	decoder, err := utils.NewOpusDecoder(&utils.OpusDecoderConfig{
		SampleRate:  sampleRate,
		MaxChannels: channels,
	})
	if err != nil {
		return nil, err
	}
	b.opusDecoder = decoder
	return decoder, nil
}

// onTrackSubscribed 订阅智能体音轨，48kHz取流后本地降采样到16kHz
func (b *RoomBridge) onTrackSubscribed(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		b.logger.Debug("忽略非音频音轨: participant=%s, kind=%s", rp.Identity(), track.Kind())
		return
	}

	b.logger.Info("订阅智能体音轨: participant=%s, track=%s", rp.Identity(), publication.SID())

	writer := newAgentAudioWriter(b.link, b.logger, b.params.DeviceID)
	pcmTrack, err := lkmedia.NewPCMRemoteTrack(track, writer,
		lkmedia.WithTargetSampleRate(48000),
		lkmedia.WithTargetChannels(1),
		lkmedia.WithHandleJitter(true),
	)
	if err != nil {
		b.logger.Error("创建远端音轨读取器失败: %v", err)
		return
	}

	b.mu.Lock()
	b.remoteTracks = append(b.remoteTracks, pcmTrack)
	b.mu.Unlock()
}

// roomEvent 房间数据通道事件
type roomEvent struct {
	Type string `json:"type"`
	Data struct {
		OldState   string `json:"old_state"`
		NewState   string `json:"new_state"`
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
	} `json:"data"`
}

// onDataPacket 翻译房间数据通道事件为设备控制消息
func (b *RoomBridge) onDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	user, ok := data.(*lksdk.UserDataPacket)
	if !ok {
		return
	}

	var event roomEvent
	if err := json.Unmarshal(user.Payload, &event); err != nil {
		b.logger.Warn("数据通道事件解析失败: device=%s, error=%v", b.params.DeviceID, err)
		return
	}

	switch event.Type {
	case "agent_state_changed":
		if event.Data.OldState == "speaking" && event.Data.NewState == "listening" {
			if err := b.link.SendTTSStop(); err != nil {
				b.logger.Warn("下发播报结束失败: %v", err)
			}
		}
	case "user_input_transcribed":
		text := event.Data.Text
		if text == "" {
			text = event.Data.Transcript
		}
		if text != "" {
			if err := b.link.SendSTT(text); err != nil {
				b.logger.Warn("下发识别文本失败: %v", err)
			}
		}
	case "speech_created":
		if err := b.link.SendTTSStart(); err != nil {
			b.logger.Warn("下发播报开始失败: %v", err)
		}
	default:
		b.logger.Debug("未处理的数据通道事件: type=%s", event.Type)
	}
}

// HandleControl 房间后端只回传自身事件，设备控制消息不转发
func (b *RoomBridge) HandleControl(raw []byte) error {
	b.logger.Debug("忽略设备控制消息: device=%s, payload=%s", b.params.DeviceID, string(raw))
	return nil
}

// Done 房间断开后关闭
func (b *RoomBridge) Done() <-chan struct{} {
	return b.done
}

func (b *RoomBridge) signalDone() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// Close 关闭桥接并释放房间资源
func (b *RoomBridge) Close() error {
	b.mu.Lock()
	room := b.room
	track := b.publishTrack
	remotes := b.remoteTracks
	decoder := b.opusDecoder
	b.room = nil
	b.publishTrack = nil
	b.remoteTracks = nil
	b.opusDecoder = nil
	b.mu.Unlock()

	for _, rt := range remotes {
		rt.Close()
	}
	if track != nil {
		track.Close()
	}
	if room != nil {
		room.Disconnect()
	}
	if decoder != nil {
		decoder.Close()
	}
	b.signalDone()
	return nil
}

// agentAudioWriter 接收48kHz智能体音频，降采样重组后下发设备
type agentAudioWriter struct {
	link      DeviceLink
	logger    *utils.Logger
	deviceID  string
	resampler *Resampler
	assembler *FrameAssembler
	mu        sync.Mutex
}

func newAgentAudioWriter(link DeviceLink, logger *utils.Logger, deviceID string) *agentAudioWriter {
	resampler, _ := NewResampler(48000, 16000)
	return &agentAudioWriter{
		link:      link,
		logger:    logger,
		deviceID:  deviceID,
		resampler: resampler,
		assembler: NewFrameAssembler(),
	}
}

// WriteSample 处理一段48kHz样本
func (w *agentAudioWriter) WriteSample(sample media.PCM16Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	resampled := w.resampler.Process([]int16(sample))
	if len(resampled) == 0 {
		return nil
	}

	buf := make([]byte, len(resampled)*2)
	for i, s := range resampled {
		binary.LittleEndian.PutUint16(buf[i*2:i*2+2], uint16(s))
	}

	for _, frame := range w.assembler.Push(buf) {
		if err := w.link.SendAudio(frame); err != nil {
			w.logger.Warn("下发音频帧失败: device=%s, error=%v", w.deviceID, err)
			return nil
		}
	}
	return nil
}

// Close 音轨结束，冲刷残余数据并通知设备播报结束
func (w *agentAudioWriter) Close() error {
	w.mu.Lock()
	frame := w.assembler.Flush()
	w.resampler.Reset()
	w.mu.Unlock()

	if frame != nil {
		if err := w.link.SendAudio(frame); err != nil {
			w.logger.Warn("下发残余音频失败: device=%s, error=%v", w.deviceID, err)
		}
	}
	if err := w.link.SendTTSStop(); err != nil {
		w.logger.Warn("下发播报结束失败: device=%s, error=%v", w.deviceID, err)
	}
	return nil
}
