package transport

import (
	"context"
	"sync"

	"github.com/wohnpro/livevoice/tools"
)

type EventKind int

const (
	EventUserTranscript EventKind = iota + 1
	EventModelTranscript
	EventAudioChunk
	EventTurnComplete
	EventInterrupted
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventUserTranscript:
		return "user_transcript"
	case EventModelTranscript:
		return "model_transcript"
	case EventAudioChunk:
		return "audio_chunk"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item of a session's ordered event stream. Text is set for
// transcript deltas, Audio (16-bit little-endian mono PCM) and SampleRate for
// audio chunks, Err for errors.
type Event struct {
	Kind       EventKind
	Text       string
	Audio      []byte
	SampleRate int
	Err        error
}

// Config is passed through to the remote model untouched.
type Config struct {
	SystemInstruction string
	Model             string
	Voice             string
	InputSampleRate   int
	OutputSampleRate  int
	APIKey            string
	BaseURL           string
	EventQueue        int
}

func (c Config) eventQueue() int {
	if c.EventQueue <= 0 {
		return 256
	}
	return c.EventQueue
}

// Session is a connected duplex channel. Events is closed after a terminal
// Error or Closed event, or once Close returns.
type Session interface {
	Send(frame tools.AudioFrame) error
	Events() <-chan Event
	Close() error
}

// Dialer opens sessions. Connect does not retry.
type Dialer interface {
	Connect(ctx context.Context, cfg Config) (Session, error)
}

// eventStream serializes emitters into one bounded channel and closes it
// exactly once. Emitters block while the queue is full until the stream is
// stopped.
type eventStream struct {
	ch   chan Event
	quit chan struct{}

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
	doneOnce sync.Once
}

func newEventStream(size int) *eventStream {
	return &eventStream{
		ch:   make(chan Event, size),
		quit: make(chan struct{}),
	}
}

func (s *eventStream) emit(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.quit:
		return false
	}
}

// finish delivers a terminal event, if anyone is still listening, and closes
// the channel.
func (s *eventStream) finish(ev Event) {
	s.doneOnce.Do(func() {
		s.emit(ev)
		s.stop()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// stop unblocks pending emitters; later emits are discarded.
func (s *eventStream) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

func (s *eventStream) events() <-chan Event {
	return s.ch
}
