package tools

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/wohnpro/livevoice/shared"
)

// pcmScale maps [-1, 1] floats onto signed 16-bit PCM and back.
const pcmScale = 32768.0

// AudioFrame is one block of mono 16-bit PCM. Frames are not mutated after
// they are produced.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

func NewAudioFrame(samples []float32, sampleRate int) AudioFrame {
	return AudioFrame{
		Samples:    Quantize(samples),
		SampleRate: sampleRate,
		Channels:   1,
	}
}

// PCM returns the frame in wire format (16-bit little-endian).
func (f AudioFrame) PCM() []byte {
	out := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// FloatBuffer is decoded audio ready for the playback scheduler.
type FloatBuffer struct {
	Samples    []float32
	SampleRate int
}

func (b FloatBuffer) Duration() time.Duration {
	return SamplesDuration(len(b.Samples), b.SampleRate)
}

// Quantize scales by 32768 and clamps to the int16 range. No dithering.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * pcmScale
		switch {
		case v >= math.MaxInt16:
			out[i] = math.MaxInt16
		case v <= math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// Encode converts float samples in [-1, 1] to 16-bit little-endian PCM.
func Encode(samples []float32) []byte {
	return AudioFrame{Samples: Quantize(samples)}.PCM()
}

// Decode is the inverse of Encode. An odd byte count is a malformed chunk.
func Decode(data []byte, sampleRate int) (FloatBuffer, error) {
	if len(data)%2 != 0 {
		return FloatBuffer{}, fmt.Errorf("%w: odd byte count %d", shared.ErrDecode, len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(float64(s) / pcmScale)
	}
	return FloatBuffer{Samples: out, SampleRate: sampleRate}, nil
}

// PCMToInt16 reinterprets little-endian PCM bytes as samples.
func PCMToInt16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", shared.ErrDecode, len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(float64(s) / pcmScale)
	}
	return out
}
