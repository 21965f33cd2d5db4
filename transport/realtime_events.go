package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type realtimeEventType string

// Data-channel server events the session reacts to.
const (
	realtimeEventError                    realtimeEventType = "error"
	realtimeEventSessionCreated           realtimeEventType = "session.created"
	realtimeEventSessionUpdated           realtimeEventType = "session.updated"
	realtimeEventInputTranscriptDelta     realtimeEventType = "conversation.item.input_audio_transcription.delta"
	realtimeEventInputTranscriptCompleted realtimeEventType = "conversation.item.input_audio_transcription.completed"
	realtimeEventInputTranscriptFailed    realtimeEventType = "conversation.item.input_audio_transcription.failed"
	realtimeEventSpeechStarted            realtimeEventType = "input_audio_buffer.speech_started"
	realtimeEventInputCommitted           realtimeEventType = "input_audio_buffer.committed"
	realtimeEventOutputTranscriptDelta    realtimeEventType = "response.output_audio_transcript.delta"
	realtimeEventResponseDone             realtimeEventType = "response.done"
)

var errUnhandledEvent = errors.New("unhandled event type")

type realtimeEventParam interface {
	New(map[string]any) error
}

type realtimeEvent struct {
	EventId string
	Type    realtimeEventType
	Param   realtimeEventParam
}

func (e *realtimeEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
		delete(raw, "event_id")
	} else {
		return errors.New("missing event_id")
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = realtimeEventType(v)
		delete(raw, "type")
	} else {
		return errors.New("missing type")
	}
	switch e.Type {
	case realtimeEventError:
		e.Param = new(realtimeErrorParam)
	case realtimeEventSessionCreated, realtimeEventSessionUpdated:
		e.Param = new(realtimeSessionParam)
	case realtimeEventInputTranscriptDelta, realtimeEventOutputTranscriptDelta:
		e.Param = new(realtimeDeltaParam)
	case realtimeEventInputTranscriptCompleted:
		e.Param = new(realtimeTranscriptionCompletedParam)
	case realtimeEventInputTranscriptFailed:
		e.Param = new(realtimeTranscriptionFailedParam)
	case realtimeEventSpeechStarted:
		e.Param = new(realtimeSpeechStartedParam)
	case realtimeEventInputCommitted:
		e.Param = new(realtimeCommittedParam)
	case realtimeEventResponseDone:
		e.Param = new(realtimeResponseDoneParam)
	default:
		return fmt.Errorf("%w: %s", errUnhandledEvent, e.Type)
	}
	return e.Param.New(raw)
}

// apply feeds the server event into the turn order. A server error event is
// returned so the caller can report it.
func (e *realtimeEvent) apply(o *turnOrder) error {
	switch p := e.Param.(type) {
	case *realtimeDeltaParam:
		if p.Delta == "" {
			return nil
		}
		if e.Type == realtimeEventInputTranscriptDelta {
			o.UserDelta(p.ItemId, p.Delta)
			return nil
		}
		o.Model(Event{Kind: EventModelTranscript, Text: p.Delta})
	case *realtimeTranscriptionCompletedParam:
		o.UserCompleted(p.ItemId, p.Transcript)
	case *realtimeTranscriptionFailedParam:
		o.UserFailed(p.ItemId)
	case *realtimeSpeechStartedParam:
		o.SpeechStarted(p.ItemId)
	case *realtimeCommittedParam:
		o.Committed(p.ItemId)
	case *realtimeResponseDoneParam:
		// A barge-in cancels the response; the user is still mid-turn.
		if p.Status() == "cancelled" {
			return nil
		}
		o.Model(Event{Kind: EventTurnComplete})
	case *realtimeErrorParam:
		return p
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// error
type realtimeErrorParam struct {
	Type    string
	Code    string
	Message string
}

func (p *realtimeErrorParam) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return errors.New("missing error")
	}
	if v, ok := errObj["type"].(string); ok {
		p.Type = v
	} else {
		return errors.New("missing error.type")
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	// code is null for some error types
	p.Code, _ = errObj["code"].(string)
	return nil
}

func (p *realtimeErrorParam) Error() string {
	if p.Code != "" {
		return fmt.Sprintf("%s (%s): %s", p.Type, p.Code, p.Message)
	}
	return fmt.Sprintf("%s: %s", p.Type, p.Message)
}

// session.created, session.updated
type realtimeSessionParam struct {
	Session map[string]any
}

func (p *realtimeSessionParam) New(m map[string]any) error {
	if v, ok := m["session"].(map[string]any); ok {
		p.Session = v
	} else {
		return errors.New("missing session")
	}
	return nil
}

// conversation.item.input_audio_transcription.delta,
// response.output_audio_transcript.delta
type realtimeDeltaParam struct {
	ItemId       string
	ContentIndex int
	Delta        string
}

func (p *realtimeDeltaParam) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := asInt(m["content_index"]); ok {
		p.ContentIndex = v
	}
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	return nil
}

// conversation.item.input_audio_transcription.completed
type realtimeTranscriptionCompletedParam struct {
	ItemId     string
	Transcript string
}

func (p *realtimeTranscriptionCompletedParam) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	return nil
}

// conversation.item.input_audio_transcription.failed
type realtimeTranscriptionFailedParam struct {
	ItemId string
	Error  map[string]any
}

func (p *realtimeTranscriptionFailedParam) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	p.Error, _ = m["error"].(map[string]any)
	return nil
}

// input_audio_buffer.speech_started
type realtimeSpeechStartedParam struct {
	AudioStartMs int
	ItemId       string
}

func (p *realtimeSpeechStartedParam) New(m map[string]any) error {
	if v, ok := asInt(m["audio_start_ms"]); ok {
		p.AudioStartMs = v
	} else {
		return errors.New("missing audio_start_ms")
	}
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	return nil
}

// input_audio_buffer.committed
type realtimeCommittedParam struct {
	ItemId string
}

func (p *realtimeCommittedParam) New(m map[string]any) error {
	if v, ok := m["item_id"].(string); ok {
		p.ItemId = v
	} else {
		return errors.New("missing item_id")
	}
	return nil
}

// response.done
type realtimeResponseDoneParam struct {
	Response map[string]any
}

func (p *realtimeResponseDoneParam) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
	} else {
		return errors.New("missing response")
	}
	return nil
}

// Status reports how the response ended, e.g. "completed" or "cancelled".
func (p *realtimeResponseDoneParam) Status() string {
	s, _ := p.Response["status"].(string)
	return s
}
