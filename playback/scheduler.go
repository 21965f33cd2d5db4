package playback

import (
	"fmt"
	"sync"

	"github.com/wohnpro/livevoice/shared"
	"github.com/wohnpro/livevoice/tools"
	"go.uber.org/zap"
)

// Clock reports how many output samples the device has consumed. It only
// moves forward.
type Clock interface {
	Position() int64
}

// Renderer fills dst with whatever is scheduled in [from, from+len(dst)).
type Renderer interface {
	Render(dst []float32, from int64)
}

// Output is an audio device driven by a Renderer. Its clock is the one the
// Scheduler plans against. Err reports a device failure after Start.
type Output interface {
	Clock
	Start(r Renderer) error
	Err() error
	Close() error
}

type segment struct {
	start   int64
	samples []float32
}

func (s segment) end() int64 {
	return s.start + int64(len(s.samples))
}

// Scheduler places decoded buffers back to back on the output clock. All
// positions are sample offsets at the output rate, so scheduling is integer
// arithmetic and never sleeps.
type Scheduler struct {
	logger   shared.LoggerAdapter
	clock    Clock
	rate     int
	analyser *tools.Analyser

	mu        sync.Mutex
	watermark int64
	segments  []segment
	closed    bool
}

var _ Renderer = (*Scheduler)(nil)

func NewScheduler(logger shared.LoggerAdapter, clock Clock, sampleRate int) (*Scheduler, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: no output clock", shared.ErrPlaybackFault)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", shared.ErrPlaybackFault, sampleRate)
	}
	return &Scheduler{
		logger:    logger.With(zap.String("component", "playback")),
		clock:     clock,
		rate:      sampleRate,
		analyser:  tools.NewAnalyser(tools.DefaultFFTSize, tools.DefaultSmoothing),
		watermark: clock.Position(),
	}, nil
}

// Enqueue schedules buf to start where the previous buffer ends, or at the
// clock's current position if that is later. It returns the start position.
func (s *Scheduler) Enqueue(buf tools.FloatBuffer) (int64, error) {
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != s.rate {
		samples = tools.Resample(samples, buf.SampleRate, s.rate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("%w: scheduler closed", shared.ErrPlaybackFault)
	}
	start := max(s.watermark, s.clock.Position())
	if len(samples) == 0 {
		return start, nil
	}
	s.segments = append(s.segments, segment{start: start, samples: samples})
	s.watermark = start + int64(len(samples))
	s.logger.Trace(
		"buffer scheduled",
		zap.Int64("start", start),
		zap.Int("samples", len(samples)),
	)
	return start, nil
}

// FlushAll drops every playing and queued buffer and pulls the watermark back
// to the clock, so the next Enqueue starts now rather than after the discarded
// audio.
func (s *Scheduler) FlushAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.segments)
	s.segments = nil
	s.watermark = s.clock.Position()
	if n > 0 {
		s.logger.Debug("playback flushed", zap.Int("segments", n), zap.Int64("watermark", s.watermark))
	}
	return n
}

// Render mixes the scheduled segments overlapping the requested window into
// dst and forgets segments that have finished.
func (s *Scheduler) Render(dst []float32, from int64) {
	clear(dst)
	to := from + int64(len(dst))

	s.mu.Lock()
	kept := s.segments[:0]
	for _, seg := range s.segments {
		if seg.start < to && seg.end() > from {
			lo := max(seg.start, from)
			hi := min(seg.end(), to)
			copy(dst[lo-from:hi-from], seg.samples[lo-seg.start:hi-seg.start])
		}
		if seg.end() > to {
			kept = append(kept, seg)
		}
	}
	clear(s.segments[len(kept):])
	s.segments = kept
	s.mu.Unlock()

	s.analyser.Process(dst)
}

func (s *Scheduler) Watermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Pending reports how many buffers are playing or waiting.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

// Snapshot returns the latest output spectrum.
func (s *Scheduler) Snapshot() tools.Spectrum {
	return s.analyser.Spectrum()
}

func (s *Scheduler) SampleRate() int {
	return s.rate
}

// Close flushes and rejects further buffers.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.segments = nil
}
