package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameAssemblerExactFrames(t *testing.T) {
	a := NewFrameAssembler()

	frames := a.Push(make([]byte, FrameBytes*2))
	require.Len(t, frames, 2)
	assert.Len(t, frames[0], FrameBytes)
	assert.Equal(t, 0, a.Buffered())
}

func TestFrameAssemblerPartialAccumulation(t *testing.T) {
	a := NewFrameAssembler()

	assert.Empty(t, a.Push(make([]byte, 400)))
	assert.Equal(t, 400, a.Buffered())

	frames := a.Push(make([]byte, 400))
	require.Len(t, frames, 1)
	assert.Equal(t, 160, a.Buffered())
}

func TestFrameAssemblerFlushPadsToFullFrame(t *testing.T) {
	a := NewFrameAssembler()
	data := make([]byte, MinFlushBytes)
	for i := range data {
		data[i] = 0xAB
	}
	a.Push(data)

	frame := a.Flush()
	require.Len(t, frame, FrameBytes)
	assert.Equal(t, byte(0xAB), frame[0])
	// 补齐部分为静音
	assert.Equal(t, byte(0), frame[FrameBytes-1])
	assert.Equal(t, 0, a.Buffered())
}

func TestFrameAssemblerFlushDropsShortTail(t *testing.T) {
	a := NewFrameAssembler()
	a.Push(make([]byte, MinFlushBytes-1))

	assert.Nil(t, a.Flush())
	assert.Equal(t, 0, a.Buffered())
}

func TestResamplerDecimation(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Factor())

	out := r.Process([]int16{3, 3, 3, 6, 6, 6})
	assert.Equal(t, []int16{3, 6}, out)
}

func TestResamplerCarriesRemainder(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)

	// 4个样本：1组完整 + 1个残余
	out := r.Process([]int16{9, 9, 9, 30})
	assert.Equal(t, []int16{9}, out)

	// 残余样本与后续数据拼成下一组
	out = r.Process([]int16{30, 30})
	assert.Equal(t, []int16{30}, out)
}

func TestResamplerIdentity(t *testing.T) {
	r, err := NewResampler(16000, 16000)
	require.NoError(t, err)

	in := []int16{1, -2, 3}
	assert.Equal(t, in, r.Process(in))
}

func TestResamplerRejectsNonIntegerRatio(t *testing.T) {
	_, err := NewResampler(44100, 16000)
	assert.Error(t, err)
	_, err = NewResampler(0, 16000)
	assert.Error(t, err)
}

func TestResamplerReset(t *testing.T) {
	r, err := NewResampler(48000, 16000)
	require.NoError(t, err)

	r.Process([]int16{1, 2})
	r.Reset()
	// 残余被清空，新数据独立成组
	out := r.Process([]int16{6, 6, 6})
	assert.Equal(t, []int16{6}, out)
}
