package playback

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/wohnpro/livevoice/shared"
	"go.uber.org/zap"
)

// oto allows a single context per process; every Speaker shares it.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func sharedContext(sampleRate int, buffer time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   buffer,
		})
		if otoErr == nil {
			<-ready
			otoRate = sampleRate
		}
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("audio context already running at %d Hz", otoRate)
	}
	return otoCtx, nil
}

// Speaker plays rendered audio on the default output device. Its position
// counts the samples handed to the device.
type Speaker struct {
	logger shared.LoggerAdapter
	rate   int
	buffer time.Duration

	mu     sync.Mutex
	player *oto.Player
	pos    atomic.Int64
}

var _ Output = (*Speaker)(nil)

// NewSpeaker prepares a speaker; the device opens on Start. All speakers of a
// process share one output context, so once a session has played at one
// sample rate, starting a speaker at another rate fails with ErrPlaybackFault.
func NewSpeaker(logger shared.LoggerAdapter, sampleRate int, buffer time.Duration) (*Speaker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Speaker{
		logger: logger.With(zap.String("component", "speaker")),
		rate:   sampleRate,
		buffer: buffer,
	}, nil
}

func (sp *Speaker) Position() int64 {
	return sp.pos.Load()
}

func (sp *Speaker) Start(r Renderer) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.player != nil {
		return shared.ErrSessionAlreadyRunning
	}
	ctx, err := sharedContext(sp.rate, sp.buffer)
	if err != nil {
		return fmt.Errorf("%w: opening output device: %w", shared.ErrPlaybackFault, err)
	}
	sp.player = ctx.NewPlayer(&renderReader{renderer: r, pos: &sp.pos})
	sp.player.Play()
	sp.logger.Info(
		"speaker started",
		zap.Int("sampleRate", sp.rate),
		zap.Duration("buffer", sp.buffer),
	)
	return nil
}

func (sp *Speaker) Err() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.player == nil {
		return nil
	}
	if err := sp.player.Err(); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrPlaybackFault, err)
	}
	return nil
}

func (sp *Speaker) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.player == nil {
		return nil
	}
	sp.player.Pause()
	err := sp.player.Close()
	sp.player = nil
	if err != nil {
		return fmt.Errorf("closing player: %w", err)
	}
	return nil
}

// renderReader adapts a Renderer to the io.Reader oto pulls from. It never
// returns an error; an idle scheduler renders silence.
type renderReader struct {
	renderer Renderer
	pos      *atomic.Int64
	scratch  []float32
}

func (rr *renderReader) Read(p []byte) (int, error) {
	n := len(p) / 4
	if n == 0 {
		return 0, nil
	}
	if cap(rr.scratch) < n {
		rr.scratch = make([]float32, n)
	}
	buf := rr.scratch[:n]
	from := rr.pos.Load()
	rr.renderer.Render(buf, from)
	for i, v := range buf {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	rr.pos.Store(from + int64(n))
	return n * 4, nil
}
