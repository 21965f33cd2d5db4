package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/valyala/fasthttp"
	"github.com/wohnpro/livevoice/shared"
	"github.com/wohnpro/livevoice/tools"
	"go.uber.org/zap"
)

const (
	DefaultRealtimeBaseURL = "https://api.openai.com/v1"

	realtimeFrame          = 20 * time.Millisecond
	realtimeMaxPacket      = 1275
	realtimeMaxFrame       = 120 * time.Millisecond
	realtimeSendBufferTime = 2 * time.Second
	realtimeCloseGrace     = time.Second
	realtimeTranscription  = "whisper-1"
)

// RealtimeDialer connects to the OpenAI Realtime API over WebRTC. Audio flows
// as opus RTP in both directions; transcripts and turn events arrive on the
// "oai" data channel.
type RealtimeDialer struct {
	logger shared.LoggerAdapter
}

var _ Dialer = (*RealtimeDialer)(nil)

func NewRealtimeDialer(logger shared.LoggerAdapter) (*RealtimeDialer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &RealtimeDialer{logger: logger.With(zap.String("component", "realtime"))}, nil
}

// SessionParams builds the session description sent with the SDP offer.
func SessionParams(cfg Config) *realtime.RealtimeSessionCreateRequestParam {
	p := &realtime.RealtimeSessionCreateRequestParam{
		Model: realtime.RealtimeSessionCreateRequestModel(cfg.Model),
		Audio: realtime.RealtimeAudioConfigParam{
			Input: realtime.RealtimeAudioConfigInputParam{
				TurnDetection: realtime.RealtimeAudioInputTurnDetectionUnionParam{
					OfSemanticVad: &realtime.RealtimeAudioInputTurnDetectionSemanticVadParam{
						CreateResponse:    param.NewOpt(true),
						InterruptResponse: param.NewOpt(true),
						Eagerness:         "medium",
					},
				},
				Transcription: realtime.AudioTranscriptionParam{
					Model: realtime.AudioTranscriptionModel(realtimeTranscription),
				},
			},
			Output: realtime.RealtimeAudioConfigOutputParam{
				Voice: realtime.RealtimeAudioConfigOutputVoice(cfg.Voice),
			},
		},
	}
	if cfg.SystemInstruction != "" {
		p.Instructions = param.NewOpt(cfg.SystemInstruction)
	}
	return p
}

func (d *RealtimeDialer) Connect(ctx context.Context, cfg Config) (Session, error) {
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultRealtimeBaseURL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}

	s, err := newRealtimeSession(d.logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrConnectionFailed, err)
	}
	if err := s.negotiate(ctx, baseURL, cfg.APIKey, SessionParams(cfg)); err != nil {
		_ = s.Close()
		return nil, err
	}

	select {
	case <-s.connected:
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("%w: %w", shared.ErrConnectionFailed, ctx.Err())
	}
	if state := s.State(); state != webrtc.PeerConnectionStateConnected {
		_ = s.Close()
		return nil, fmt.Errorf("%w: peer connection %s", shared.ErrConnectionFailed, state)
	}

	s.wg.Add(1)
	go s.pumpLocal()
	d.logger.Info("realtime session established", zap.String("model", cfg.Model), zap.String("voice", cfg.Voice))
	return s, nil
}

type realtimeSession struct {
	logger     shared.LoggerAdapter
	stream     *eventStream
	inputRate  int
	outputRate int

	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	track   *webrtc.TrackLocalStaticSample
	encoder *opus.Encoder
	pending *tools.AudioBuffer
	order   *turnOrder

	mu            sync.Mutex
	state         webrtc.PeerConnectionState
	connected     chan struct{}
	connectedOnce sync.Once

	closing atomic.Bool
	wg      sync.WaitGroup
}

var _ Session = (*realtimeSession)(nil)

func newRealtimeSession(logger shared.LoggerAdapter, cfg Config) (s *realtimeSession, err error) {
	encoder, err := opus.NewEncoder(cfg.InputSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("creating opus encoder: %w", err)
	}
	s = &realtimeSession{
		logger:     logger,
		stream:     newEventStream(cfg.eventQueue()),
		inputRate:  cfg.InputSampleRate,
		outputRate: cfg.OutputSampleRate,
		encoder:    encoder,
		pending:    tools.NewAudioBuffer(int(realtimeSendBufferTime.Seconds() * float64(cfg.InputSampleRate) * 2)),
		connected:  make(chan struct{}),
	}
	s.order = newTurnOrder(logger, s.stream.emit, realtimeTranscriptWait)

	if s.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{}); err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	s.pc.OnConnectionStateChange(s.onStateChange)

	s.track, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		_ = s.pc.Close()
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err = s.pc.AddTrack(s.track); err != nil {
		_ = s.pc.Close()
		return nil, fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio || s.closing.Load() {
			return
		}
		s.wg.Add(1)
		go s.playRemote(track)
	})

	if s.dc, err = s.pc.CreateDataChannel("oai", nil); err != nil {
		_ = s.pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	s.dc.OnMessage(s.onMessage)
	s.dc.OnClose(func() {
		s.logger.Debug("data channel closed")
		s.stream.finish(Event{Kind: EventClosed})
	})
	return s, nil
}

func (s *realtimeSession) onStateChange(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	s.logger.Trace(
		"peer connection state changed",
		zap.String("prev", prev.String()),
		zap.String("new", state.String()),
	)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.connectedOnce.Do(func() { close(s.connected) })
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		s.connectedOnce.Do(func() { close(s.connected) })
		if s.closing.Load() {
			return
		}
		s.stream.finish(Event{
			Kind: EventError,
			Err:  fmt.Errorf("%w: peer connection %s", shared.ErrConnectionDropped, state),
		})
	case webrtc.PeerConnectionStateClosed:
		s.connectedOnce.Do(func() { close(s.connected) })
		s.stream.finish(Event{Kind: EventClosed})
	}
}

func (s *realtimeSession) State() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *realtimeSession) onMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		s.logger.Warn("received non-string message on data channel")
		return
	}
	ev := new(realtimeEvent)
	if err := ev.UnmarshalJSON(msg.Data); err != nil {
		if errors.Is(err, errUnhandledEvent) {
			s.logger.Trace("ignoring event", zap.String("type", string(ev.Type)))
			return
		}
		s.logger.Error("can not unmarshal event", err, zap.ByteString("data", msg.Data))
		return
	}
	s.logger.Debug("received event", zap.String("type", string(ev.Type)), zap.String("event_id", ev.EventId))
	if p, ok := ev.Param.(*realtimeTranscriptionFailedParam); ok {
		s.logger.Warn("user transcription failed", zap.String("item_id", p.ItemId), zap.Any("error", p.Error))
	}
	if err := ev.apply(s.order); err != nil {
		// Server errors are not fatal; only a dropped peer connection is.
		s.logger.Warn("server reported error", zap.Error(err))
	}
}

// negotiate performs the SDP exchange against /realtime/calls.
func (s *realtimeSession) negotiate(ctx context.Context, baseURL *url.URL, apiKey string, params *realtime.RealtimeSessionCreateRequestParam) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: creating offer: %w", shared.ErrConnectionFailed, err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err = s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: setting local description: %w", shared.ErrConnectionFailed, err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", shared.ErrConnectionFailed, ctx.Err())
	}
	answer, err := createCall(ctx, baseURL, apiKey, params, s.pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("%w: setting remote description: %w", shared.ErrConnectionFailed, err)
	}
	return nil
}

func createCall(ctx context.Context, baseURL *url.URL, apiKey string, params *realtime.RealtimeSessionCreateRequestParam, offer string) (string, error) {
	sessBytes, err := params.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshaling session config: %w", err)
	}
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	// SDP part
	sdpHeaders := textproto.MIMEHeader{}
	sdpHeaders.Set("Content-Disposition", `form-data; name="sdp"`)
	sdpHeaders.Set("Content-Type", "application/sdp")
	sdpPart, err := writer.CreatePart(sdpHeaders)
	if err != nil {
		return "", fmt.Errorf("creating SDP part: %w", err)
	}
	if _, err = sdpPart.Write([]byte(offer)); err != nil {
		return "", fmt.Errorf("writing SDP part: %w", err)
	}

	// Session part
	sessionHeaders := textproto.MIMEHeader{}
	sessionHeaders.Set("Content-Disposition", `form-data; name="session"`)
	sessionHeaders.Set("Content-Type", "application/json")
	sessionPart, err := writer.CreatePart(sessionHeaders)
	if err != nil {
		return "", fmt.Errorf("creating session part: %w", err)
	}
	if _, err = sessionPart.Write(sessBytes); err != nil {
		return "", fmt.Errorf("writing session part: %w", err)
	}
	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(baseURL.JoinPath("/realtime/calls").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBody(body.Bytes())

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", shared.ErrConnectionFailed, ctx.Err())
	case err := <-errC:
		if err != nil {
			return "", fmt.Errorf("%w: performing HTTP request: %w", shared.ErrConnectionFailed, err)
		}
	}

	status := resp.StatusCode()
	switch status {
	case fasthttp.StatusCreated, fasthttp.StatusOK:
		return string(resp.Body()), nil
	case fasthttp.StatusUnauthorized:
		return "", fmt.Errorf("%w: %w: %s", shared.ErrConnectionFailed, shared.ErrUnauthorized, resp.Body())
	case fasthttp.StatusForbidden:
		return "", fmt.Errorf("%w: %w: %s", shared.ErrConnectionFailed, shared.ErrForbidden, resp.Body())
	default:
		return "", fmt.Errorf("%w: unexpected status code: %d, body: %s", shared.ErrConnectionFailed, status, resp.Body())
	}
}

func (s *realtimeSession) Events() <-chan Event {
	return s.stream.events()
}

// Send queues the frame for the opus pump. When the pump falls behind the
// oldest audio is dropped.
func (s *realtimeSession) Send(frame tools.AudioFrame) error {
	if s.closing.Load() {
		return shared.ErrSessionClosed
	}
	pcm := frame.PCM()
	if frame.SampleRate > 0 && frame.SampleRate != s.inputRate {
		pcm = tools.Encode(tools.Resample(tools.Int16ToFloat(frame.Samples), frame.SampleRate, s.inputRate))
	}
	if dropped := s.pending.Write(pcm); dropped > 0 {
		s.logger.Warn("send buffer dropped data", zap.Int("droppedBytes", dropped))
	}
	return nil
}

// pumpLocal encodes queued PCM into 20ms opus packets for the local track.
func (s *realtimeSession) pumpLocal() {
	defer s.wg.Done()
	frame := make([]byte, tools.FrameSamples(realtimeFrame, s.inputRate, 1)*2)
	packet := make([]byte, realtimeMaxPacket)
	for {
		if _, err := io.ReadFull(s.pending, frame); err != nil {
			return
		}
		samples, err := tools.PCMToInt16(frame)
		if err != nil {
			continue
		}
		n, err := s.encoder.Encode(samples, packet)
		if err != nil {
			s.logger.Error("encoding opus frame", err)
			continue
		}
		if err := s.track.WriteSample(media.Sample{
			Data:     append([]byte(nil), packet[:n]...),
			Duration: realtimeFrame,
		}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			s.logger.Error("failed to write sample to track", err)
		}
	}
}

// playRemote decodes the model's opus stream into PCM audio chunks.
func (s *realtimeSession) playRemote(track *webrtc.TrackRemote) {
	defer s.wg.Done()
	codec := track.Codec()
	s.logger.Info(
		"receiving remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("clockRate", int(codec.ClockRate)),
	)
	decoder, err := opus.NewDecoder(s.outputRate, 1)
	if err != nil {
		s.logger.Error("creating opus decoder", err)
		return
	}
	pcm := make([]int16, tools.FrameSamples(realtimeMaxFrame, s.outputRate, 1))
	for {
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closing.Load() {
				s.logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			s.logger.Warn("dropping undecodable opus packet", zap.Error(err))
			continue
		}
		chunk := tools.AudioFrame{Samples: pcm[:n], SampleRate: s.outputRate, Channels: 1}
		if !s.stream.emit(Event{Kind: EventAudioChunk, Audio: chunk.PCM(), SampleRate: s.outputRate}) {
			return
		}
	}
}

func (s *realtimeSession) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.stream.stop()
	s.order.Stop()
	_ = s.pending.Close()
	err := s.pc.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(realtimeCloseGrace):
		s.logger.Warn("realtime media loops did not exit in time")
	}
	s.stream.finish(Event{Kind: EventClosed})
	if err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}
