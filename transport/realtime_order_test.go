package transport

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/wohnpro/livevoice/shared"
)

const (
	speechStarted = `{"event_id":"a","type":"input_audio_buffer.speech_started","audio_start_ms":0,"item_id":"%s"}`
	committed     = `{"event_id":"b","type":"input_audio_buffer.committed","previous_item_id":null,"item_id":"%s"}`
	userDelta     = `{"event_id":"c","type":"conversation.item.input_audio_transcription.delta","item_id":"%s","content_index":0,"delta":"%s"}`
	userDone      = `{"event_id":"d","type":"conversation.item.input_audio_transcription.completed","item_id":"%s","content_index":0,"transcript":"%s"}`
	userFailed    = `{"event_id":"e","type":"conversation.item.input_audio_transcription.failed","item_id":"%s","content_index":0,"error":{"message":"x"}}`
	modelDelta    = `{"event_id":"f","type":"response.output_audio_transcript.delta","item_id":"m","content_index":0,"delta":"%s"}`
	responseDone  = `{"event_id":"g","type":"response.done","response":{"status":"completed"}}`
)

func newOrderUnderTest(wait time.Duration) (*turnOrder, *collector) {
	c := new(collector)
	return newTurnOrder(shared.NewNopLogger(), c.emit, wait), c
}

func userEv(text string) Event  { return Event{Kind: EventUserTranscript, Text: text} }
func modelEv(text string) Event { return Event{Kind: EventModelTranscript, Text: text} }

func TestTurnOrderHoldsAnswerForLateTranscription(t *testing.T) {
	o, c := newOrderUnderTest(time.Minute)
	feed(t, o,
		fmt.Sprintf(speechStarted, "i1"),
		fmt.Sprintf(committed, "i1"),
		fmt.Sprintf(modelDelta, "Laut [Quelle: Satzung]"),
		responseDone,
	)
	assert.Equal(t, []Event{{Kind: EventInterrupted}}, c.got())

	feed(t, o,
		fmt.Sprintf(userDelta, "i1", "Was gilt"),
		fmt.Sprintf(userDelta, "i1", "?"),
	)
	assert.Equal(t, []Event{{Kind: EventInterrupted}, userEv("Was gilt"), userEv("?")}, c.got())

	feed(t, o, fmt.Sprintf(userDone, "i1", "Was gilt?"))
	assert.Equal(t, []Event{
		{Kind: EventInterrupted},
		userEv("Was gilt"),
		userEv("?"),
		modelEv("Laut [Quelle: Satzung]"),
		{Kind: EventTurnComplete},
	}, c.got())
}

func TestTurnOrderCompletedWithoutDeltas(t *testing.T) {
	o, c := newOrderUnderTest(time.Minute)
	feed(t, o,
		fmt.Sprintf(speechStarted, "i1"),
		fmt.Sprintf(modelDelta, "Hallo"),
		fmt.Sprintf(userDone, "i1", "Guten Tag"),
	)
	assert.Equal(t, []Event{{Kind: EventInterrupted}, userEv("Guten Tag"), modelEv("Hallo")}, c.got())
}

func TestTurnOrderFailedTranscriptionReleases(t *testing.T) {
	o, c := newOrderUnderTest(time.Minute)
	feed(t, o,
		fmt.Sprintf(speechStarted, "i1"),
		fmt.Sprintf(modelDelta, "Hallo"),
		responseDone,
		fmt.Sprintf(userFailed, "i1"),
	)
	assert.Equal(t, []Event{{Kind: EventInterrupted}, modelEv("Hallo"), {Kind: EventTurnComplete}}, c.got())
}

func TestTurnOrderKeepsTurnsApart(t *testing.T) {
	o, c := newOrderUnderTest(time.Minute)
	feed(t, o,
		fmt.Sprintf(speechStarted, "i1"),
		fmt.Sprintf(modelDelta, "Eins"),
		responseDone,
		fmt.Sprintf(speechStarted, "i2"),
		fmt.Sprintf(userDelta, "i2", "Zwei"),
		fmt.Sprintf(modelDelta, "Antwort zwei"),
	)
	assert.Equal(t, []Event{{Kind: EventInterrupted}}, c.got())

	feed(t, o, fmt.Sprintf(userDone, "i1", "Frage eins"))
	assert.Equal(t, []Event{
		{Kind: EventInterrupted},
		userEv("Frage eins"),
		modelEv("Eins"),
		{Kind: EventTurnComplete},
		{Kind: EventInterrupted},
		userEv("Zwei"),
	}, c.got())
}

func TestTurnOrderReleasesAfterWait(t *testing.T) {
	o, c := newOrderUnderTest(20 * time.Millisecond)
	feed(t, o,
		fmt.Sprintf(speechStarted, "i1"),
		fmt.Sprintf(modelDelta, "Hallo"),
		responseDone,
	)
	assert.Eventually(t, func() bool { return len(c.got()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Event{{Kind: EventInterrupted}, modelEv("Hallo"), {Kind: EventTurnComplete}}, c.got())
}

func TestTurnOrderStopDropsHeldEvents(t *testing.T) {
	o, c := newOrderUnderTest(20 * time.Millisecond)
	feed(t, o,
		fmt.Sprintf(speechStarted, "i1"),
		fmt.Sprintf(modelDelta, "Hallo"),
	)
	o.Stop()
	feed(t, o, fmt.Sprintf(userDone, "i1", "Tschüss"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []Event{{Kind: EventInterrupted}}, c.got())
}
