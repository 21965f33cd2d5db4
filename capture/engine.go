package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/wohnpro/livevoice/shared"
	"github.com/wohnpro/livevoice/tools"
	"go.uber.org/zap"
)

const (
	DefaultBlockSize = 4096
	DefaultQueue     = 32
)

// Source is a mono audio input. Read blocks until samples are available and
// must return once Close is called.
type Source interface {
	Open(sampleRate int) error
	Read() ([]float32, error)
	Close() error
}

// Engine turns a Source into a stream of fixed-size AudioFrames. The frame
// channel is bounded; when the consumer falls behind, frames are dropped so
// the device callback never stalls.
type Engine struct {
	logger    shared.LoggerAdapter
	source    Source
	blockSize int
	queue     int
	analyser  *tools.Analyser

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	dropped atomic.Uint64
}

func NewEngine(logger shared.LoggerAdapter, source Source, blockSize, queue int) (*Engine, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if source == nil {
		return nil, fmt.Errorf("%w: no capture source", shared.ErrDeviceUnavailable)
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Engine{
		logger:    logger.With(zap.String("component", "capture")),
		source:    source,
		blockSize: blockSize,
		queue:     queue,
		analyser:  tools.NewAnalyser(tools.DefaultFFTSize, tools.DefaultSmoothing),
	}, nil
}

// Start opens the source and begins producing frames. The returned channel is
// closed when the engine stops, either through Stop or because the source
// failed; Err reports the latter.
func (e *Engine) Start(ctx context.Context, sampleRate int) (<-chan tools.AudioFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, shared.ErrSessionAlreadyRunning
	}
	if err := e.source.Open(sampleRate); err != nil {
		if errors.Is(err, shared.ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", shared.ErrDeviceUnavailable, err)
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.err = nil
	e.running = true
	frames := make(chan tools.AudioFrame, e.queue)
	go e.run(ctx, sampleRate, frames)
	e.logger.Info(
		"capture started",
		zap.Int("sampleRate", sampleRate),
		zap.Int("blockSize", e.blockSize),
	)
	return frames, nil
}

func (e *Engine) run(ctx context.Context, sampleRate int, frames chan<- tools.AudioFrame) {
	defer close(e.done)
	defer close(frames)

	pending := make([]float32, 0, e.blockSize*2)
	for {
		samples, err := e.source.Read()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Error("reading capture source", err)
			}
			e.mu.Lock()
			e.err = fmt.Errorf("%w: %w", shared.ErrDeviceUnavailable, err)
			e.mu.Unlock()
			return
		}
		pending = append(pending, samples...)
		for len(pending) >= e.blockSize {
			block := pending[:e.blockSize]
			e.analyser.Process(block)
			e.emit(frames, tools.NewAudioFrame(block, sampleRate))
			pending = append(pending[:0], pending[e.blockSize:]...)
		}
	}
}

func (e *Engine) emit(frames chan<- tools.AudioFrame, frame tools.AudioFrame) {
	select {
	case frames <- frame:
	default:
		if n := e.dropped.Add(1); n == 1 || n%100 == 0 {
			e.logger.Warn("capture queue full, dropping frame", zap.Uint64("dropped", n))
		}
	}
}

// Stop closes the source and waits for the producer to exit. Safe to call
// more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	done := e.done
	e.mu.Unlock()

	err := e.source.Close()
	<-done
	e.logger.Info("capture stopped", zap.Uint64("dropped", e.dropped.Load()))
	if err != nil {
		return fmt.Errorf("closing capture source: %w", err)
	}
	return nil
}

func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Snapshot returns the latest input spectrum without blocking the producer.
func (e *Engine) Snapshot() tools.Spectrum {
	return e.analyser.Spectrum()
}

func (e *Engine) Dropped() uint64 {
	return e.dropped.Load()
}
