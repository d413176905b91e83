package bridge

import "fmt"

// Resampler 整数倍降采样器，跨调用保留不足一组的残余样本
// 每组取均值作为简易低通，避免纯抽取的混叠
type Resampler struct {
	factor  int
	pending []int16
}

// NewResampler 创建降采样器，源采样率必须是目标采样率的整数倍
func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("采样率无效: %d -> %d", srcRate, dstRate)
	}
	if srcRate%dstRate != 0 {
		return nil, fmt.Errorf("仅支持整数倍降采样: %d -> %d", srcRate, dstRate)
	}
	return &Resampler{factor: srcRate / dstRate}, nil
}

// Factor 返回降采样倍数
func (r *Resampler) Factor() int { return r.factor }

// Process 处理一段样本，返回降采样结果
func (r *Resampler) Process(samples []int16) []int16 {
	if r.factor == 1 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}

	merged := samples
	if len(r.pending) > 0 {
		merged = append(r.pending, samples...)
		r.pending = nil
	}

	n := len(merged) / r.factor
	out := make([]int16, 0, n)
	for i := 0; i < n; i++ {
		sum := 0
		for j := 0; j < r.factor; j++ {
			sum += int(merged[i*r.factor+j])
		}
		out = append(out, int16(sum/r.factor))
	}

	if rem := len(merged) % r.factor; rem > 0 {
		r.pending = append(r.pending, merged[len(merged)-rem:]...)
	}
	return out
}

// Reset 清空残余样本
func (r *Resampler) Reset() {
	r.pending = nil
}
