package bridge

// 16kHz单声道20ms帧: 320样本 = 640字节
const (
	// FrameBytes 完整下行音频帧字节数
	FrameBytes = 640
	// MinFlushBytes 流结束时残余数据达到该阈值才补齐下发，否则丢弃
	MinFlushBytes = 320
)

// FrameAssembler 将任意长度的PCM字节流重组为固定长度音频帧
type FrameAssembler struct {
	buf []byte
}

// NewFrameAssembler 创建帧重组器
func NewFrameAssembler() *FrameAssembler {
	return &FrameAssembler{buf: make([]byte, 0, FrameBytes*2)}
}

// Push 追加数据并返回所有完整帧
func (a *FrameAssembler) Push(data []byte) [][]byte {
	a.buf = append(a.buf, data...)

	var frames [][]byte
	for len(a.buf) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, a.buf[:FrameBytes])
		a.buf = a.buf[FrameBytes:]
		frames = append(frames, frame)
	}
	return frames
}

// Buffered 返回当前缓冲的字节数
func (a *FrameAssembler) Buffered() int {
	return len(a.buf)
}

// Flush 流结束时输出最后的残余数据
// 达到阈值时用静音补齐为完整帧，不足阈值直接丢弃
func (a *FrameAssembler) Flush() []byte {
	defer func() { a.buf = a.buf[:0] }()

	if len(a.buf) < MinFlushBytes {
		return nil
	}
	frame := make([]byte, FrameBytes)
	copy(frame, a.buf)
	return frame
}

// Reset 丢弃缓冲数据
func (a *FrameAssembler) Reset() {
	a.buf = a.buf[:0]
}
