package utils

import (
	"fmt"

	opus "github.com/qrtc/opus-go"
)

// OpusDecoderConfig Opus解码器配置
type OpusDecoderConfig struct {
	SampleRate  int // 采样率
	MaxChannels int // 最大声道数
}

// OpusDecoder Opus解码器，解码输出16位小端PCM
type OpusDecoder struct {
	decoder *opus.OpusDecoder
	buf     []byte
}

// NewOpusDecoder 创建Opus解码器
func NewOpusDecoder(config *OpusDecoderConfig) (*OpusDecoder, error) {
	if config == nil {
		return nil, fmt.Errorf("解码器配置不能为空")
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.MaxChannels <= 0 {
		config.MaxChannels = 1
	}

	dec, err := opus.CreateOpusDecoder(&opus.OpusDecoderConfig{
		SampleRate:  config.SampleRate,
		MaxChannels: config.MaxChannels,
	})
	if err != nil {
		return nil, fmt.Errorf("创建Opus解码器失败: %v", err)
	}

	return &OpusDecoder{
		decoder: dec,
		// 120ms @ 48kHz 立体声上限
		buf: make([]byte, 4*5760*2),
	}, nil
}

// Decode 解码单个Opus包，返回PCM数据
func (d *OpusDecoder) Decode(data []byte) ([]byte, error) {
	if d.decoder == nil {
		return nil, fmt.Errorf("解码器已关闭")
	}
	n, err := d.decoder.Decode(data, d.buf)
	if err != nil {
		return nil, fmt.Errorf("Opus解码失败: %v", err)
	}
	out := make([]byte, n)
	copy(out, d.buf[:n])
	return out, nil
}

// Close 关闭解码器并释放资源
func (d *OpusDecoder) Close() error {
	if d.decoder == nil {
		return nil
	}
	err := d.decoder.Close()
	d.decoder = nil
	return err
}
