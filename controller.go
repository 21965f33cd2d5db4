package livevoice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wohnpro/livevoice/capture"
	"github.com/wohnpro/livevoice/playback"
	"github.com/wohnpro/livevoice/shared"
	"github.com/wohnpro/livevoice/tools"
	"github.com/wohnpro/livevoice/transcript"
	"github.com/wohnpro/livevoice/transport"
	"go.uber.org/zap"
)

// playbackCheckInterval is how often the event loop polls the output device
// for faults.
const playbackCheckInterval = 100 * time.Millisecond

// Callbacks are the only outputs of a session. They are invoked from the
// session's goroutines and must not block.
type Callbacks struct {
	OnStatusChange func(state SessionState)
	// OnCitations receives every citation of the current turn whenever a new
	// one is found, and an empty list when a turn starts over.
	OnCitations          func(citations []transcript.Citation)
	OnTranscriptFragment func(role transcript.Role, text string)
	OnClose              func(history []transcript.Turn)
}

// Dependencies are the devices and the remote endpoint a session runs on.
type Dependencies struct {
	Dialer transport.Dialer
	Source capture.Source
	Output playback.Output
	Corpus *transcript.Corpus
}

// Telemetry is a point-in-time view for visualizations.
type Telemetry struct {
	Input          tools.Spectrum
	Output         tools.Spectrum
	Volume         float64
	DroppedFrames  uint64
	DroppedChunks  uint64
	PendingBuffers int
}

// Controller runs one voice session. It is not reusable: once closed, build a
// new one.
type Controller struct {
	logger shared.LoggerAdapter
	cfg    *shared.Config
	deps   Dependencies
	cb     Callbacks
	id     string

	capture    *capture.Engine
	scheduler  *playback.Scheduler
	aggregator *transcript.Aggregator
	extractor  *transcript.Extractor
	meter      *tools.VolumeMeter

	mu      sync.Mutex
	state   SessionState
	err     error
	started bool
	looping bool
	session transport.Session
	cancel  context.CancelFunc
	history []transcript.Turn

	closing       bool
	closeOnce     sync.Once
	done          chan struct{}
	loopDone      chan struct{}
	droppedChunks atomic.Uint64
}

func NewController(logger shared.LoggerAdapter, cfg *shared.Config, deps Dependencies, cb Callbacks) (*Controller, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if deps.Dialer == nil {
		return nil, shared.ErrNoDialer
	}
	if deps.Output == nil {
		return nil, fmt.Errorf("%w: no audio output", shared.ErrPlaybackFault)
	}
	if deps.Corpus == nil {
		deps.Corpus = transcript.NewCorpus()
	}

	id := uuid.NewString()
	logger = logger.With(
		zap.String("session_id", id),
		zap.String("provider", cfg.Provider),
	)
	engine, err := capture.NewEngine(logger, deps.Source, cfg.CaptureBlockSize, cfg.FrameQueue)
	if err != nil {
		return nil, err
	}
	scheduler, err := playback.NewScheduler(logger, deps.Output, cfg.OutputSampleRate)
	if err != nil {
		return nil, err
	}
	return &Controller{
		logger:     logger,
		cfg:        cfg,
		deps:       deps,
		cb:         cb,
		id:         id,
		capture:    engine,
		scheduler:  scheduler,
		aggregator: transcript.NewAggregator(cfg.CitationKeyword),
		extractor:  transcript.NewExtractor(logger, deps.Corpus, cfg.CitationKeyword),
		meter:      tools.NewVolumeMeter(),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}, nil
}

func (c *Controller) ID() string {
	return c.id
}

// Start connects to the remote model, opens the output device and the
// microphone, and begins streaming. Any failure ends the session in
// StateError; the error is returned and also available from Err.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	if c.state.Terminal() {
		c.mu.Unlock()
		return shared.ErrSessionClosed
	}
	c.started = true
	parent := ctx
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.setState(StateConnecting)

	if err := c.deps.Output.Start(c.scheduler); err != nil {
		if !errors.Is(err, shared.ErrPlaybackFault) {
			err = fmt.Errorf("%w: %w", shared.ErrPlaybackFault, err)
		}
		return c.fail(err)
	}

	session, err := c.deps.Dialer.Connect(ctx, transport.Config{
		SystemInstruction: transcript.SystemInstruction(c.cfg.SystemInstruction, c.deps.Corpus),
		Model:             c.cfg.Model,
		Voice:             c.cfg.Voice,
		InputSampleRate:   c.cfg.InputSampleRate,
		OutputSampleRate:  c.cfg.OutputSampleRate,
		APIKey:            c.cfg.APIKey,
		BaseURL:           c.cfg.BaseURL,
		EventQueue:        c.cfg.EventQueue,
	})
	if err != nil {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return shared.ErrSessionClosed
		}
		if !errors.Is(err, shared.ErrConnectionFailed) {
			err = fmt.Errorf("%w: %w", shared.ErrConnectionFailed, err)
		}
		return c.fail(err)
	}
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if err := session.Close(); err != nil {
			c.logger.Warn("closing transport", zap.Error(err))
		}
		return shared.ErrSessionClosed
	}
	c.session = session
	c.mu.Unlock()

	frames, err := c.capture.Start(ctx, c.cfg.InputSampleRate)
	if err != nil {
		return c.fail(err)
	}

	c.setState(StateActive)
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if err := c.capture.Stop(); err != nil {
			c.logger.Warn("stopping capture", zap.Error(err))
		}
		return shared.ErrSessionClosed
	}
	c.looping = true
	c.mu.Unlock()
	go c.eventLoop(ctx, parent, session.Events())
	go c.sendLoop(ctx, session, frames)
	c.logger.Info("voice session active", zap.Int("documents", c.deps.Corpus.Len()))
	return nil
}

// sendLoop forwards capture frames to the transport.
func (c *Controller) sendLoop(ctx context.Context, session transport.Session, frames <-chan tools.AudioFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if err := c.capture.Err(); err != nil {
					c.fail(err)
				}
				return
			}
			if err := session.Send(frame); err != nil {
				if errors.Is(err, shared.ErrSessionClosed) {
					return
				}
				c.logger.Warn("sending audio frame failed", zap.Error(err))
			}
		}
	}
}

// eventLoop is the single consumer of the transport's events. It alone
// touches the aggregator, the extractor and the scheduler's watermark. A
// cancelled parent context ends the session like Close does.
func (c *Controller) eventLoop(ctx, parent context.Context, events <-chan transport.Event) {
	defer close(c.loopDone)
	faults := time.NewTicker(playbackCheckInterval)
	defer faults.Stop()
	for {
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				c.logger.Info("context cancelled, ending session", zap.Error(context.Cause(parent)))
				c.teardown(StateClosed, nil)
			}
			return
		case <-faults.C:
			if err := c.deps.Output.Err(); err != nil {
				if !errors.Is(err, shared.ErrPlaybackFault) {
					err = fmt.Errorf("%w: %w", shared.ErrPlaybackFault, err)
				}
				c.fail(err)
				return
			}
		case ev, ok := <-events:
			if !ok {
				c.teardown(StateClosed, nil)
				return
			}
			if !c.handle(ev) {
				return
			}
		}
	}
}

func (c *Controller) handle(ev transport.Event) bool {
	switch ev.Kind {
	case transport.EventUserTranscript:
		if c.aggregator.OnUserDelta(ev.Text) {
			c.resetCitations()
		}
		c.fragment(transcript.RoleUser, ev.Text)

	case transport.EventModelTranscript:
		text := c.aggregator.OnModelDelta(ev.Text)
		c.fragment(transcript.RoleModel, ev.Text)
		if found := c.extractor.Scan(text); len(found) > 0 {
			for _, cit := range found {
				c.logger.Debug("citation found",
					zap.String("document", cit.DocumentName),
					zap.String("snippet", cit.Snippet),
				)
			}
			c.citations(c.extractor.Active())
		}

	case transport.EventAudioChunk:
		rate := ev.SampleRate
		if rate <= 0 {
			rate = c.cfg.OutputSampleRate
		}
		buf, err := tools.Decode(ev.Audio, rate)
		if err != nil {
			n := c.droppedChunks.Add(1)
			c.logger.Warn("dropping audio chunk", zap.Error(err), zap.Uint64("dropped", n))
			return true
		}
		if _, err := c.scheduler.Enqueue(buf); err != nil {
			c.fail(err)
			return false
		}

	case transport.EventInterrupted:
		c.interrupt()

	case transport.EventTurnComplete:
		for _, turn := range c.aggregator.OnTurnComplete() {
			c.logger.Debug("turn finalized", zap.String("role", string(turn.Role)), zap.Int("chars", len(turn.Text)))
		}

	case transport.EventError:
		err := ev.Err
		if err == nil {
			err = shared.ErrConnectionDropped
		}
		c.fail(err)
		return false

	case transport.EventClosed:
		c.teardown(StateClosed, nil)
		return false
	}
	return true
}

// interrupt handles barge-in: playback goes silent, the model's unfinished
// utterance and the turn's citations are dropped. The session stays active.
func (c *Controller) interrupt() {
	flushed := c.scheduler.FlushAll()
	c.aggregator.OnInterrupted()
	c.logger.Debug("interrupted", zap.Int("flushed", flushed))
	c.notify(StateInterrupted)
	c.resetCitations()
	c.notify(StateActive)
}

func (c *Controller) resetCitations() {
	c.extractor.Reset()
	c.citations([]transcript.Citation{})
}

func (c *Controller) fail(err error) error {
	select {
	case <-c.done:
		return err
	default:
	}
	c.logger.Error("voice session failed", err)
	c.teardown(StateError, err)
	return err
}

// teardown runs once. Capture stops first so nothing new is sent, the
// transport gets CloseTimeout to shut down, then playback is released.
func (c *Controller) teardown(final SessionState, cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		cancel, session := c.cancel, c.session
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		if err := c.capture.Stop(); err != nil {
			c.logger.Warn("stopping capture", zap.Error(err))
		}
		if session != nil {
			closed := make(chan error, 1)
			go func() { closed <- session.Close() }()
			select {
			case err := <-closed:
				if err != nil {
					c.logger.Warn("closing transport", zap.Error(err))
				}
			case <-time.After(c.cfg.CloseTimeout()):
				c.logger.Warn("transport close timed out", zap.Duration("timeout", c.cfg.CloseTimeout()))
			}
		}
		c.scheduler.FlushAll()
		c.scheduler.Close()
		if err := c.deps.Output.Close(); err != nil {
			c.logger.Warn("closing audio output", zap.Error(err))
		}

		history := c.aggregator.History()
		c.mu.Lock()
		c.history = history
		c.err = cause
		c.mu.Unlock()
		c.setState(final)
		c.logger.Info("voice session ended",
			zap.String("state", final.String()),
			zap.Int("turns", len(history)),
		)
		if c.cb.OnClose != nil {
			c.cb.OnClose(history)
		}
		close(c.done)
	})
}

// Close ends the session and returns the finalized history. The error is
// the failure that ended the session earlier, if any.
func (c *Controller) Close() ([]transcript.Turn, error) {
	c.teardown(StateClosed, nil)
	c.mu.Lock()
	looping := c.looping
	c.mu.Unlock()
	if looping {
		select {
		case <-c.loopDone:
		case <-time.After(c.cfg.CloseTimeout()):
		}
	}
	return c.History(), c.Err()
}

// Done is closed once the session has ended and OnClose has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// History returns the finalized turns so far.
func (c *Controller) History() []transcript.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.history != nil {
		out := make([]transcript.Turn, len(c.history))
		copy(out, c.history)
		return out
	}
	return c.aggregator.History()
}

func (c *Controller) Telemetry() Telemetry {
	in, out := c.capture.Snapshot(), c.scheduler.Snapshot()
	return Telemetry{
		Input:          in,
		Output:         out,
		Volume:         c.meter.Update(in.Level, out.Level),
		DroppedFrames:  c.capture.Dropped(),
		DroppedChunks:  c.droppedChunks.Load(),
		PendingBuffers: c.scheduler.Pending(),
	}
}

func (c *Controller) setState(s SessionState) {
	c.mu.Lock()
	if c.state == s || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("session state changed", zap.String("prev", prev.String()), zap.String("new", s.String()))
	c.notify(s)
}

func (c *Controller) notify(s SessionState) {
	if c.cb.OnStatusChange != nil {
		c.cb.OnStatusChange(s)
	}
}

func (c *Controller) citations(list []transcript.Citation) {
	if c.cb.OnCitations != nil {
		c.cb.OnCitations(list)
	}
}

func (c *Controller) fragment(role transcript.Role, text string) {
	if c.cb.OnTranscriptFragment != nil && text != "" {
		c.cb.OnTranscriptFragment(role, text)
	}
}
