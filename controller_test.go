package livevoice

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wohnpro/livevoice/playback"
	"github.com/wohnpro/livevoice/shared"
	"github.com/wohnpro/livevoice/tools"
	"github.com/wohnpro/livevoice/transcript"
	"github.com/wohnpro/livevoice/transport"
)

const waitFor = time.Second

type fakeSession struct {
	events chan transport.Event
	sent   chan tools.AudioFrame
	closed atomic.Bool
	once   sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events: make(chan transport.Event, 64),
		sent:   make(chan tools.AudioFrame, 64),
	}
}

func (s *fakeSession) Send(frame tools.AudioFrame) error {
	if s.closed.Load() {
		return shared.ErrSessionClosed
	}
	select {
	case s.sent <- frame:
	default:
	}
	return nil
}

func (s *fakeSession) Events() <-chan transport.Event { return s.events }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// end closes the event stream like a transport does after a terminal event.
func (s *fakeSession) end(ev transport.Event) {
	s.once.Do(func() {
		s.events <- ev
		close(s.events)
	})
}

type fakeDialer struct {
	session *fakeSession
	err     error
	cfg     transport.Config

	// entered and release, when set, hold Connect until the test lets go.
	entered chan struct{}
	release chan struct{}
}

func (d *fakeDialer) Connect(_ context.Context, cfg transport.Config) (transport.Session, error) {
	d.cfg = cfg
	if d.release != nil {
		close(d.entered)
		<-d.release
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

type fakeSource struct {
	blocks chan []float32
	closed chan struct{}
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{blocks: make(chan []float32, 16), closed: make(chan struct{})}
}

func (s *fakeSource) Open(int) error { return nil }

func (s *fakeSource) Read() ([]float32, error) {
	select {
	case b := <-s.blocks:
		return b, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeOutput struct {
	pos      atomic.Int64
	renderer playback.Renderer
	closed   atomic.Bool

	mu    sync.Mutex
	fault error
}

func (o *fakeOutput) Position() int64 { return o.pos.Load() }

func (o *fakeOutput) Start(r playback.Renderer) error {
	o.renderer = r
	return nil
}

func (o *fakeOutput) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fault
}

func (o *fakeOutput) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fault = err
}

func (o *fakeOutput) Close() error {
	o.closed.Store(true)
	return nil
}

type recorder struct {
	mu        sync.Mutex
	states    []SessionState
	citations [][]transcript.Citation
	fragments []string
	history   []transcript.Turn
	closes    int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStatusChange: func(s SessionState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnCitations: func(list []transcript.Citation) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.citations = append(r.citations, list)
		},
		OnTranscriptFragment: func(role transcript.Role, text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.fragments = append(r.fragments, string(role)+":"+text)
		},
		OnClose: func(history []transcript.Turn) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.history = history
			r.closes++
		},
	}
}

func (r *recorder) sawState(s SessionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

func (r *recorder) statesSeen() []SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionState(nil), r.states...)
}

func (r *recorder) closedWith() []transcript.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history
}

func (r *recorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func (r *recorder) citationCalls() [][]transcript.Citation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]transcript.Citation(nil), r.citations...)
}

type harness struct {
	ctrl    *Controller
	session *fakeSession
	dialer  *fakeDialer
	source  *fakeSource
	output  *fakeOutput
	rec     *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := shared.DefaultConfig()
	cfg.APIKey = "test"
	cfg.Model = "test-model"
	cfg.Voice = "Fenrir"
	cfg.CaptureBlockSize = 4
	cfg.CloseTimeoutMs = 200

	h := &harness{
		session: newFakeSession(),
		source:  newFakeSource(),
		output:  new(fakeOutput),
		rec:     new(recorder),
	}
	h.dialer = &fakeDialer{session: h.session}
	corpus := transcript.NewCorpus(
		transcript.Document{ID: "d1", Name: "Satzung.pdf", Content: "Paragraphen"},
		transcript.Document{ID: "d2", Name: "Finanzen.pdf", Content: "Zahlen"},
	)
	ctrl, err := NewController(shared.NewNopLogger(), cfg, Dependencies{
		Dialer: h.dialer,
		Source: h.source,
		Output: h.output,
		Corpus: corpus,
	}, h.rec.callbacks())
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(func() { _, _ = ctrl.Close() })
	return h
}

func (h *harness) push(evs ...transport.Event) {
	for _, ev := range evs {
		h.session.events <- ev
	}
}

func chunk(n int) transport.Event {
	return transport.Event{
		Kind:       transport.EventAudioChunk,
		Audio:      tools.Encode(make([]float32, n)),
		SampleRate: 24000,
	}
}

func TestControllerStartPassesConfig(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(t.Context()))

	assert.Equal(t, StateActive, h.ctrl.State())
	assert.Equal(t, []SessionState{StateConnecting, StateActive}, h.rec.statesSeen())
	assert.Equal(t, "test-model", h.dialer.cfg.Model)
	assert.Equal(t, "Fenrir", h.dialer.cfg.Voice)
	assert.Equal(t, 16000, h.dialer.cfg.InputSampleRate)
	assert.Equal(t, 24000, h.dialer.cfg.OutputSampleRate)
	assert.Contains(t, h.dialer.cfg.SystemInstruction, "Wissen aus Dokumenten:\n[DOKUMENT Satzung.pdf]: Paragraphen")
	assert.NotNil(t, h.output.renderer)

	assert.ErrorIs(t, h.ctrl.Start(t.Context()), shared.ErrSessionAlreadyRunning)
}

func TestControllerForwardsCaptureFrames(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(t.Context()))

	h.source.blocks <- []float32{0.5, 0.5, 0.5, 0.5}
	select {
	case f := <-h.session.sent:
		assert.Equal(t, []int16{16384, 16384, 16384, 16384}, f.Samples)
		assert.Equal(t, 16000, f.SampleRate)
	case <-time.After(waitFor):
		t.Fatal("frame was not sent")
	}
}

func TestControllerInterruptionMidAnswer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(t.Context()))

	h.push(
		transport.Event{Kind: transport.EventUserTranscript, Text: "Erzähl mir"},
		transport.Event{Kind: transport.EventModelTranscript, Text: "Also, die Satzung"},
		chunk(480), chunk(480), chunk(480),
	)
	require.Eventually(t, func() bool { return h.ctrl.scheduler.Pending() == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int64(1440), h.ctrl.scheduler.Watermark())

	h.output.pos.Store(100)
	h.push(transport.Event{Kind: transport.EventInterrupted})
	require.Eventually(t, func() bool { return h.rec.sawState(StateInterrupted) }, waitFor, 5*time.Millisecond)

	assert.Zero(t, h.ctrl.scheduler.Pending())
	assert.Equal(t, int64(100), h.ctrl.scheduler.Watermark())
	assert.Empty(t, h.ctrl.aggregator.ModelText())
	assert.Equal(t, StateActive, h.ctrl.State())

	dst := make([]float32, 32)
	h.output.renderer.Render(dst, 100)
	assert.Equal(t, make([]float32, 32), dst)

	h.push(transport.Event{Kind: transport.EventTurnComplete})
	require.Eventually(t, func() bool { return len(h.ctrl.History()) == 1 }, waitFor, 5*time.Millisecond)
	history, err := h.ctrl.Close()
	require.NoError(t, err)
	assert.Equal(t, []transcript.Turn{{Role: transcript.RoleUser, Text: "Erzähl mir"}}, history)
}

func TestControllerCitationSplitAcrossDeltas(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(t.Context()))

	h.push(
		transport.Event{Kind: transport.EventUserTranscript, Text: "Was gilt?"},
		transport.Event{Kind: transport.EventModelTranscript, Text: "Laut der Satzung [Quelle: Sat"},
		transport.Event{Kind: transport.EventModelTranscript, Text: "zung.pdf]"},
		transport.Event{Kind: transport.EventModelTranscript, Text: " Nochmal [Quelle: Satzung.pdf]"},
		transport.Event{Kind: transport.EventTurnComplete},
	)
	require.Eventually(t, func() bool { return len(h.ctrl.History()) == 2 }, waitFor, 5*time.Millisecond)

	calls := h.rec.citationCalls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0])
	require.Len(t, calls[1], 1)
	assert.Equal(t, "d1", calls[1][0].DocumentID)
	assert.Equal(t, "Laut der Satzung", calls[1][0].Snippet)

	history := h.ctrl.History()
	assert.Equal(t, transcript.Turn{Role: transcript.RoleModel, Text: "Laut der Satzung  Nochmal"}, history[1])
}

func TestControllerNewUserTurnResetsCitations(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(t.Context()))

	h.push(
		transport.Event{Kind: transport.EventUserTranscript, Text: "Frage eins"},
		transport.Event{Kind: transport.EventModelTranscript, Text: "Siehe [Quelle: Finanzen]"},
		transport.Event{Kind: transport.EventTurnComplete},
		transport.Event{Kind: transport.EventUserTranscript, Text: "Frage zwei"},
		transport.Event{Kind: transport.EventModelTranscript, Text: "Wieder [Quelle: Finanzen]"},
	)
	require.Eventually(t, func() bool { return len(h.rec.citationCalls()) == 4 }, waitFor, 5*time.Millisecond)

	calls := h.rec.citationCalls()
	assert.Empty(t, calls[0])
	assert.Len(t, calls[1], 1)
	assert.Empty(t, calls[2])
	assert.Len(t, calls[3], 1)
}

func TestControllerDecodeErrorIsRecovered(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(t.Context()))

	h.push(
		transport.Event{Kind: transport.EventAudioChunk, Audio: []byte{1, 2, 3}, SampleRate: 24000},
		chunk(240),
	)
	require.Eventually(t, func() bool { return h.ctrl.scheduler.Pending() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateActive, h.ctrl.State())
	assert.Equal(t, uint64(1), h.ctrl.Telemetry().DroppedChunks)
}

func TestControllerTransportErrorYieldsHistory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(t.Context()))

	h.push(
		transport.Event{Kind: transport.EventUserTranscript, Text: "Hallo"},
		transport.Event{Kind: transport.EventModelTranscript, Text: "Willkommen"},
		transport.Event{Kind: transport.EventTurnComplete},
		transport.Event{Kind: transport.EventModelTranscript, Text: "Und dann"},
	)
	h.session.end(transport.Event{Kind: transport.EventError, Err: shared.ErrConnectionDropped})

	select {
	case <-h.ctrl.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	want := []transcript.Turn{
		{Role: transcript.RoleUser, Text: "Hallo"},
		{Role: transcript.RoleModel, Text: "Willkommen"},
	}
	assert.Equal(t, StateError, h.ctrl.State())
	assert.ErrorIs(t, h.ctrl.Err(), shared.ErrConnectionDropped)
	assert.Equal(t, want, h.rec.closedWith())
	assert.True(t, h.session.closed.Load())
	assert.True(t, h.output.closed.Load())

	history, err := h.ctrl.Close()
	assert.Equal(t, want, history)
	assert.ErrorIs(t, err, shared.ErrConnectionDropped)
	assert.Equal(t, 1, h.rec.closeCount())
}

func TestControllerRemoteCloseEndsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(t.Context()))
	h.session.end(transport.Event{Kind: transport.EventClosed})

	select {
	case <-h.ctrl.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	assert.Equal(t, StateClosed, h.ctrl.State())
	assert.NoError(t, h.ctrl.Err())
}

func TestControllerCloseReturnsHistory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(t.Context()))
	h.push(
		transport.Event{Kind: transport.EventUserTranscript, Text: "Danke"},
		transport.Event{Kind: transport.EventTurnComplete},
	)
	require.Eventually(t, func() bool { return len(h.ctrl.History()) == 1 }, waitFor, 5*time.Millisecond)

	history, err := h.ctrl.Close()
	require.NoError(t, err)
	assert.Equal(t, []transcript.Turn{{Role: transcript.RoleUser, Text: "Danke"}}, history)
	assert.Equal(t, StateClosed, h.ctrl.State())
	assert.True(t, h.session.closed.Load())
	assert.Equal(t, history, h.rec.closedWith())

	_, err = h.ctrl.Close()
	require.NoError(t, err)
	assert.Equal(t, 1, h.rec.closeCount())
	assert.ErrorIs(t, h.ctrl.Start(t.Context()), shared.ErrSessionAlreadyRunning)
}

func TestControllerConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.err = errors.New("refused")

	err := h.ctrl.Start(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrConnectionFailed)
	assert.Equal(t, StateError, h.ctrl.State())
	assert.Equal(t, []SessionState{StateConnecting, StateError}, h.rec.statesSeen())
	assert.Equal(t, 1, h.rec.closeCount())
	assert.Empty(t, h.rec.closedWith())
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "interrupted", StateInterrupted.String())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateActive.Terminal())
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
}

func TestControllerParentCancelEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, h.ctrl.Start(ctx))

	h.push(
		transport.Event{Kind: transport.EventUserTranscript, Text: "Tschüss"},
		transport.Event{Kind: transport.EventTurnComplete},
	)
	require.Eventually(t, func() bool { return len(h.ctrl.History()) == 1 }, waitFor, 5*time.Millisecond)
	cancel()
	waitDone(t, h.ctrl)

	assert.Equal(t, StateClosed, h.ctrl.State())
	assert.NoError(t, h.ctrl.Err())
	assert.True(t, h.session.closed.Load())
	assert.True(t, h.output.closed.Load())
	assert.Equal(t, 1, h.rec.closeCount())
	assert.Equal(t, []transcript.Turn{{Role: transcript.RoleUser, Text: "Tschüss"}}, h.rec.closedWith())
}

func TestControllerCloseDuringConnect(t *testing.T) {
	h := newHarness(t)
	h.dialer.entered = make(chan struct{})
	h.dialer.release = make(chan struct{})

	started := make(chan error, 1)
	go func() { started <- h.ctrl.Start(t.Context()) }()
	<-h.dialer.entered

	_, err := h.ctrl.Close()
	require.NoError(t, err)
	close(h.dialer.release)

	select {
	case err := <-started:
		assert.ErrorIs(t, err, shared.ErrSessionClosed)
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
	assert.True(t, h.session.closed.Load())
	assert.Equal(t, StateClosed, h.ctrl.State())
	assert.Equal(t, 1, h.rec.closeCount())

	h.source.blocks <- []float32{0.1, 0.1, 0.1, 0.1}
	select {
	case <-h.session.sent:
		t.Fatal("capture ran after the session was closed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestControllerPlaybackFaultEndsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(t.Context()))

	h.output.fail(errors.New("device unplugged"))
	waitDone(t, h.ctrl)

	assert.Equal(t, StateError, h.ctrl.State())
	assert.ErrorIs(t, h.ctrl.Err(), shared.ErrPlaybackFault)
	assert.True(t, h.session.closed.Load())
	assert.True(t, h.rec.sawState(StateError))
}
