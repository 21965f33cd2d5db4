package transport

import (
	"sync"
	"time"

	"github.com/wohnpro/livevoice/shared"
	"go.uber.org/zap"
)

// realtimeTranscriptWait bounds how long model events wait behind a user
// transcription that never completes.
const realtimeTranscriptWait = 3 * time.Second

// orderEntry is either a ready event or a slot for a user item whose
// transcription is still running.
type orderEntry struct {
	event *Event

	item  string
	texts []string
	spoke bool
	done  bool
	timer *time.Timer
}

// turnOrder puts a turn's events in conversation order. The Realtime API
// transcribes user audio asynchronously, so its text can land after the
// model already answered. Every event after a user item queues behind that
// item's slot until the transcription completed, failed or timed out.
type turnOrder struct {
	logger shared.LoggerAdapter
	emit   func(Event) bool
	wait   time.Duration

	mu     sync.Mutex
	queue  []*orderEntry
	slots  map[string]*orderEntry
	closed bool
}

func newTurnOrder(logger shared.LoggerAdapter, emit func(Event) bool, wait time.Duration) *turnOrder {
	return &turnOrder{
		logger: logger,
		emit:   emit,
		wait:   wait,
		slots:  make(map[string]*orderEntry),
	}
}

// SpeechStarted reports a barge-in and opens the slot for the new user item.
func (o *turnOrder) SpeechStarted(item string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.push(Event{Kind: EventInterrupted})
	o.open(item)
	o.drain()
}

// Committed opens the slot for an item whose speech start was not seen.
func (o *turnOrder) Committed(item string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open(item)
	o.drain()
}

func (o *turnOrder) UserDelta(item, text string) {
	if text == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if slot, ok := o.slots[item]; ok {
		slot.texts = append(slot.texts, text)
		slot.spoke = true
	} else {
		o.push(Event{Kind: EventUserTranscript, Text: text})
	}
	o.drain()
}

// UserCompleted closes the slot. The final transcript is only forwarded
// when no delta carried the text already.
func (o *turnOrder) UserCompleted(item, transcript string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	slot, ok := o.slots[item]
	switch {
	case !ok && transcript != "":
		o.push(Event{Kind: EventUserTranscript, Text: transcript})
	case ok:
		if !slot.spoke && transcript != "" {
			slot.texts = append(slot.texts, transcript)
		}
		slot.done = true
	}
	o.drain()
}

func (o *turnOrder) UserFailed(item string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if slot, ok := o.slots[item]; ok {
		slot.done = true
	}
	o.drain()
}

// Model queues a model-side event: transcript text or the end of a turn.
func (o *turnOrder) Model(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.push(ev)
	o.drain()
}

func (o *turnOrder) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for _, e := range o.queue {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	o.queue = nil
	clear(o.slots)
}

func (o *turnOrder) push(ev Event) {
	o.queue = append(o.queue, &orderEntry{event: &ev})
}

func (o *turnOrder) open(item string) {
	if item == "" {
		return
	}
	if _, ok := o.slots[item]; ok {
		return
	}
	slot := &orderEntry{item: item}
	o.slots[item] = slot
	o.queue = append(o.queue, slot)
}

// drain emits from the head of the queue until it reaches an open slot.
// Must hold o.mu.
func (o *turnOrder) drain() {
	if o.closed {
		return
	}
	for len(o.queue) > 0 {
		head := o.queue[0]
		if head.event != nil {
			o.emit(*head.event)
			o.queue = o.queue[1:]
			continue
		}
		for _, text := range head.texts {
			o.emit(Event{Kind: EventUserTranscript, Text: text})
		}
		head.texts = nil
		if !head.done {
			if head.timer == nil && len(o.queue) > 1 {
				head.timer = time.AfterFunc(o.wait, func() { o.expire(head) })
			}
			return
		}
		if head.timer != nil {
			head.timer.Stop()
		}
		delete(o.slots, head.item)
		o.queue = o.queue[1:]
	}
}

func (o *turnOrder) expire(slot *orderEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || slot.done {
		return
	}
	o.logger.Warn("user transcription did not complete, releasing held events",
		zap.String("item_id", slot.item),
		zap.Duration("waited", o.wait),
	)
	slot.done = true
	o.drain()
}
