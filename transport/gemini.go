package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/wohnpro/livevoice/shared"
	"github.com/wohnpro/livevoice/tools"
	"go.uber.org/zap"
)

const (
	GeminiLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	geminiHandshakeTimeout = 10 * time.Second
	geminiWriteTimeout     = 5 * time.Second
	geminiCloseGrace       = time.Second
)

// Gemini Live wire messages. Only the fields this engine reads or writes are
// modelled.
type (
	geminiSetupMessage struct {
		Setup geminiSetup `json:"setup"`
	}
	geminiSetup struct {
		Model                    string                 `json:"model"`
		GenerationConfig         geminiGenerationConfig `json:"generationConfig"`
		SystemInstruction        *geminiContent         `json:"systemInstruction,omitempty"`
		InputAudioTranscription  *struct{}              `json:"inputAudioTranscription,omitempty"`
		OutputAudioTranscription *struct{}              `json:"outputAudioTranscription,omitempty"`
	}
	geminiGenerationConfig struct {
		ResponseModalities []string            `json:"responseModalities"`
		SpeechConfig       *geminiSpeechConfig `json:"speechConfig,omitempty"`
	}
	geminiSpeechConfig struct {
		VoiceConfig geminiVoiceConfig `json:"voiceConfig"`
	}
	geminiVoiceConfig struct {
		PrebuiltVoiceConfig geminiPrebuiltVoice `json:"prebuiltVoiceConfig"`
	}
	geminiPrebuiltVoice struct {
		VoiceName string `json:"voiceName"`
	}
	geminiContent struct {
		Parts []geminiPart `json:"parts"`
	}
	geminiPart struct {
		Text       string      `json:"text,omitempty"`
		InlineData *geminiBlob `json:"inlineData,omitempty"`
	}
	geminiBlob struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	}
	geminiRealtimeInputMessage struct {
		RealtimeInput geminiRealtimeInput `json:"realtimeInput"`
	}
	geminiRealtimeInput struct {
		Audio geminiBlob `json:"audio"`
	}
	geminiServerMessage struct {
		SetupComplete *struct{}            `json:"setupComplete,omitempty"`
		ServerContent *geminiServerContent `json:"serverContent,omitempty"`
		GoAway        *geminiGoAway        `json:"goAway,omitempty"`
	}
	geminiServerContent struct {
		ModelTurn           *geminiContent       `json:"modelTurn,omitempty"`
		InputTranscription  *geminiTranscription `json:"inputTranscription,omitempty"`
		OutputTranscription *geminiTranscription `json:"outputTranscription,omitempty"`
		Interrupted         bool                 `json:"interrupted,omitempty"`
		TurnComplete        bool                 `json:"turnComplete,omitempty"`
	}
	geminiTranscription struct {
		Text string `json:"text"`
	}
	geminiGoAway struct {
		TimeLeft string `json:"timeLeft"`
	}
)

// GeminiDialer connects to the Gemini Live bidirectional streaming endpoint.
type GeminiDialer struct {
	logger shared.LoggerAdapter
	dialer *websocket.Dialer
}

var _ Dialer = (*GeminiDialer)(nil)

func NewGeminiDialer(logger shared.LoggerAdapter) (*GeminiDialer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &GeminiDialer{
		logger: logger.With(zap.String("component", "gemini")),
		dialer: &websocket.Dialer{HandshakeTimeout: geminiHandshakeTimeout},
	}, nil
}

func (d *GeminiDialer) Connect(ctx context.Context, cfg Config) (Session, error) {
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = GeminiLiveURL
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", cfg.APIKey)
	u.RawQuery = q.Encode()

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, dialError(resp, err)
	}

	s := &geminiSession{
		logger:     d.logger,
		conn:       conn,
		stream:     newEventStream(cfg.eventQueue()),
		inputMime:  "audio/pcm;rate=" + strconv.Itoa(cfg.InputSampleRate),
		outputRate: cfg.OutputSampleRate,
		done:       make(chan struct{}),
	}
	if err := s.setup(ctx, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go s.readLoop()
	d.logger.Info("gemini session established", zap.String("model", cfg.Model), zap.String("voice", cfg.Voice))
	return s, nil
}

func dialError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("%w: %w", shared.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w: %s", shared.ErrConnectionFailed, shared.ErrUnauthorized, detail)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w: %s", shared.ErrConnectionFailed, shared.ErrForbidden, detail)
	default:
		return fmt.Errorf("%w: %s", shared.ErrConnectionFailed, detail)
	}
}

type geminiSession struct {
	logger     shared.LoggerAdapter
	conn       *websocket.Conn
	stream     *eventStream
	inputMime  string
	outputRate int

	writeMu sync.Mutex
	closing atomic.Bool
	done    chan struct{}
}

var _ Session = (*geminiSession)(nil)

// setup sends the session configuration and waits for setupComplete.
func (s *geminiSession) setup(ctx context.Context, cfg Config) error {
	msg := geminiSetupMessage{Setup: geminiSetup{
		Model: modelResource(cfg.Model),
		GenerationConfig: geminiGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &geminiSpeechConfig{
			VoiceConfig: geminiVoiceConfig{PrebuiltVoiceConfig: geminiPrebuiltVoice{VoiceName: cfg.Voice}},
		}
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: cfg.SystemInstruction}}}
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("%w: sending setup: %w", shared.ErrConnectionFailed, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", shared.ErrConnectionFailed, ctx.Err())
			}
			return fmt.Errorf("%w: awaiting setup: %w", shared.ErrConnectionFailed, err)
		}
		var reply geminiServerMessage
		if err := sonic.Unmarshal(data, &reply); err != nil {
			return fmt.Errorf("%w: decoding setup reply: %w", shared.ErrConnectionFailed, err)
		}
		if reply.SetupComplete != nil {
			return s.conn.SetReadDeadline(time.Time{})
		}
	}
}

func modelResource(model string) string {
	if model == "" || strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

func (s *geminiSession) Events() <-chan Event {
	return s.stream.events()
}

// Send streams one capture frame as base64 PCM.
func (s *geminiSession) Send(frame tools.AudioFrame) error {
	if s.closing.Load() {
		return shared.ErrSessionClosed
	}
	msg := geminiRealtimeInputMessage{RealtimeInput: geminiRealtimeInput{
		Audio: geminiBlob{
			MimeType: s.inputMime,
			Data:     base64.StdEncoding.EncodeToString(frame.PCM()),
		},
	}}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrConnectionDropped, err)
	}
	return nil
}

func (s *geminiSession) writeJSON(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(geminiWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *geminiSession) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finishWith(err)
			return
		}
		var msg geminiServerMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping undecodable server message", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if msg.GoAway != nil {
			s.logger.Warn("server announced disconnect", zap.String("timeLeft", msg.GoAway.TimeLeft))
		}
		if msg.ServerContent != nil && !s.dispatch(msg.ServerContent) {
			return
		}
	}
}

// dispatch emits the events carried by one server message in a fixed order:
// transcripts, audio, interruption, turn end.
func (s *geminiSession) dispatch(sc *geminiServerContent) bool {
	var events []Event
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, Event{Kind: EventUserTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, Event{Kind: EventModelTranscript, Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				s.logger.Warn("dropping malformed audio chunk", zap.Error(err))
				continue
			}
			events = append(events, Event{
				Kind:       EventAudioChunk,
				Audio:      pcm,
				SampleRate: mimeRate(part.InlineData.MimeType, s.outputRate),
			})
		}
	}
	if sc.Interrupted {
		events = append(events, Event{Kind: EventInterrupted})
	}
	if sc.TurnComplete {
		events = append(events, Event{Kind: EventTurnComplete})
	}
	for _, ev := range events {
		if !s.stream.emit(ev) {
			return false
		}
	}
	return true
}

// mimeRate reads the rate parameter of "audio/pcm;rate=24000".
func mimeRate(mime string, def int) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && k == "rate" {
			if r, err := strconv.Atoi(v); err == nil && r > 0 {
				return r
			}
		}
	}
	return def
}

func (s *geminiSession) finishWith(err error) {
	if s.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info("gemini session closed")
		s.stream.finish(Event{Kind: EventClosed})
		return
	}
	s.logger.Error("gemini session dropped", err)
	s.stream.finish(Event{Kind: EventError, Err: fmt.Errorf("%w: %w", shared.ErrConnectionDropped, err)})
}

// Close sends a close frame and tears the socket down. It waits for the read
// loop for a short grace period only.
func (s *geminiSession) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.stream.stop()
	s.writeMu.Lock()
	werr := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(geminiCloseGrace),
	)
	s.writeMu.Unlock()
	cerr := s.conn.Close()
	select {
	case <-s.done:
	case <-time.After(geminiCloseGrace):
		s.logger.Warn("gemini read loop did not exit in time")
	}
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		s.logger.Debug("sending close frame failed", zap.Error(werr))
	}
	return cerr
}
