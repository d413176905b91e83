package bridge

import (
	"encoding/binary"
	"math"
)

// 16kHz下常见的Opus包长度
var commonOpusSizes = map[int]bool{
	20: true, 40: true, 60: true, 80: true, 120: true,
	160: true, 240: true, 320: true, 480: true, 640: true, 960: true,
}

// FormatOpus Opus编码音频
const FormatOpus = "opus"

// FormatPCM 16位小端PCM音频
const FormatPCM = "pcm"

// DetectFormat 启发式判断音频包格式
// 仅在设备未协商format时使用，协商值始终优先
func DetectFormat(data []byte) string {
	if looksLikeOpus(data) {
		return FormatOpus
	}
	return FormatPCM
}

// looksLikeOpus 检查数据是否像Opus包
// TOC字节: bits 7-3为config(0-31)，bit 2为立体声标记，bits 1-0为帧数编码
func looksLikeOpus(data []byte) bool {
	if len(data) < 8 {
		return false
	}

	config := (data[0] >> 3) & 0x1F
	validConfig := config <= 31

	return validConfig && commonOpusSizes[len(data)]
}

// PCMStats PCM特征统计，用于格式分析日志
type PCMStats struct {
	AvgAmplitude float64
	MaxAmplitude int
	ZeroRatio    float64
	Entropy      float64
}

// LooksLikePCM 检查数据是否像裸PCM
func LooksLikePCM(data []byte) bool {
	if len(data) < 32 {
		return false
	}
	stats := AnalyzePCM(data)

	reasonableAmplitude := stats.AvgAmplitude > 10 && stats.AvgAmplitude < 10000
	hasVariation := stats.MaxAmplitude > 100
	notTooManyZeros := stats.ZeroRatio < 0.8
	// 16kHz下10ms到240ms
	reasonableSize := len(data) >= 160 && len(data) <= 3840

	return reasonableAmplitude && hasVariation && notTooManyZeros && reasonableSize
}

// AnalyzePCM 计算PCM特征统计（取前16个样本）
func AnalyzePCM(data []byte) PCMStats {
	sampleCount := len(data) / 2
	if sampleCount > 16 {
		sampleCount = 16
	}
	if sampleCount == 0 {
		return PCMStats{}
	}

	sum := 0
	maxAbs := 0
	zeroCount := 0
	for i := 0; i < sampleCount; i++ {
		v := int(int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2])))
		abs := v
		if abs < 0 {
			abs = -abs
		}
		sum += abs
		if abs > maxAbs {
			maxAbs = abs
		}
		if v == 0 {
			zeroCount++
		}
	}

	return PCMStats{
		AvgAmplitude: float64(sum) / float64(sampleCount),
		MaxAmplitude: maxAbs,
		ZeroRatio:    float64(zeroCount) / float64(sampleCount),
		Entropy:      calculateEntropy(data),
	}
}

// calculateEntropy 字节分布香农熵，压缩数据熵值更高
func calculateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	entropy := 0.0
	total := float64(len(data))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
