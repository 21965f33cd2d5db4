package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/wohnpro/livevoice/shared"
	"github.com/wohnpro/livevoice/tools"

	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// Microphone reads raw samples from the default input device.
type Microphone struct {
	mu     sync.Mutex
	track  mediadevices.Track
	reader audio.Reader
	rate   int
}

var _ Source = (*Microphone)(nil)

func NewMicrophone() *Microphone {
	return &Microphone{}
}

func (m *Microphone) Open(sampleRate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track != nil {
		return shared.ErrSessionAlreadyRunning
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(sampleRate)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
	})
	if err != nil {
		return fmt.Errorf("%w: getting microphone stream: %w", shared.ErrDeviceUnavailable, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return fmt.Errorf("%w: no audio track in microphone stream", shared.ErrDeviceUnavailable)
	}
	at, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		_ = tracks[0].Close()
		return fmt.Errorf("%w: unexpected track type %T", shared.ErrDeviceUnavailable, tracks[0])
	}
	m.track = at
	m.reader = at.NewReader(false)
	m.rate = sampleRate
	return nil
}

// Read returns the first channel of the next chunk, resampled to the rate
// requested in Open when the driver delivers something else.
func (m *Microphone) Read() ([]float32, error) {
	m.mu.Lock()
	reader, rate := m.reader, m.rate
	m.mu.Unlock()
	if reader == nil {
		return nil, errors.New("microphone not open")
	}

	chunk, release, err := reader.Read()
	if err != nil {
		return nil, err
	}
	defer release()

	info := chunk.ChunkInfo()
	out := make([]float32, info.Len)
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		for i := range out {
			out[i] = float32(c.Data[i*info.Channels]) / 32768
		}
	case *wave.Int16NonInterleaved:
		for i := range out {
			out[i] = float32(c.Data[0][i]) / 32768
		}
	case *wave.Float32Interleaved:
		for i := range out {
			out[i] = c.Data[i*info.Channels]
		}
	case *wave.Float32NonInterleaved:
		copy(out, c.Data[0])
	default:
		return nil, fmt.Errorf("unsupported sample format %T", chunk)
	}
	return tools.Resample(out, info.SamplingRate, rate), nil
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.track == nil {
		return nil
	}
	err := m.track.Close()
	m.track = nil
	m.reader = nil
	return err
}
