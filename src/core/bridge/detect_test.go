package bridge

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectFormatOpusSizes(t *testing.T) {
	// 常见Opus包长度且TOC字节合法
	for _, size := range []int{20, 40, 60, 80, 120, 160, 240, 320, 480, 640, 960} {
		data := make([]byte, size)
		data[0] = 0x78 // config=15
		assert.Equal(t, FormatOpus, DetectFormat(data), "size=%d", size)
	}
}

func TestDetectFormatFallsBackToPCM(t *testing.T) {
	// 非典型长度不识别为Opus
	data := make([]byte, 333)
	assert.Equal(t, FormatPCM, DetectFormat(data))

	// 过短数据
	assert.Equal(t, FormatPCM, DetectFormat([]byte{0x78, 0x00}))
}

// 构造给定幅度的正弦PCM数据
func sinePCM(samples int, amplitude float64) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(float64(i)*0.3))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestLooksLikePCM(t *testing.T) {
	assert.True(t, LooksLikePCM(sinePCM(320, 2000)))

	// 全零数据不像语音PCM
	assert.False(t, LooksLikePCM(make([]byte, 640)))

	// 过短数据
	assert.False(t, LooksLikePCM(make([]byte, 16)))
}

func TestAnalyzePCM(t *testing.T) {
	stats := AnalyzePCM(sinePCM(320, 2000))
	assert.Greater(t, stats.AvgAmplitude, 10.0)
	assert.Greater(t, stats.MaxAmplitude, 100)
	assert.Less(t, stats.ZeroRatio, 0.8)

	zero := AnalyzePCM(nil)
	assert.Equal(t, PCMStats{}, zero)
}

func TestEntropyOrdering(t *testing.T) {
	uniform := make([]byte, 256)
	for i := range uniform {
		uniform[i] = byte(i)
	}
	constant := make([]byte, 256)

	// 压缩数据（均匀分布）的熵高于常数数据
	assert.Greater(t, calculateEntropy(uniform), calculateEntropy(constant))
	assert.Equal(t, 0.0, calculateEntropy(nil))
}
