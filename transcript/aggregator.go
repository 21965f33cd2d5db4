package transcript

import (
	"regexp"
	"strings"
	"sync"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one finalized utterance. Turns are never modified after they are
// appended to the history.
type Turn struct {
	Role Role   `json:"role" yaml:"role"`
	Text string `json:"text" yaml:"text"`
}

// Aggregator collects transcript deltas for the unfinished turn of each role
// and finalizes them into the conversation history.
type Aggregator struct {
	mu      sync.Mutex
	user    strings.Builder
	model   strings.Builder
	history []Turn
	markers *regexp.Regexp
}

// NewAggregator strips citation markers using keyword from model turns
// before they are stored.
func NewAggregator(keyword string) *Aggregator {
	return &Aggregator{markers: MarkerPattern(keyword)}
}

// OnUserDelta appends to the user buffer. It reports true when the buffer was
// empty before, which marks the start of a new user turn.
func (a *Aggregator) OnUserDelta(text string) (newTurn bool) {
	if text == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	newTurn = a.user.Len() == 0
	a.user.WriteString(text)
	return newTurn
}

// OnModelDelta appends to the model buffer and returns everything the model
// has said in the current turn.
func (a *Aggregator) OnModelDelta(text string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.WriteString(text)
	return a.model.String()
}

// OnTurnComplete moves non-empty buffers into the history and clears both.
// It returns the turns that were appended.
func (a *Aggregator) OnTurnComplete() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	var added []Turn
	if text := strings.TrimSpace(a.user.String()); text != "" {
		added = append(added, Turn{Role: RoleUser, Text: text})
	}
	if text := strings.TrimSpace(a.markers.ReplaceAllString(a.model.String(), "")); text != "" {
		added = append(added, Turn{Role: RoleModel, Text: text})
	}
	a.history = append(a.history, added...)
	a.user.Reset()
	a.model.Reset()
	return added
}

// OnInterrupted discards the model's unfinished utterance. The user buffer is
// kept because barge-in usually means the user is still talking.
func (a *Aggregator) OnInterrupted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.Reset()
}

func (a *Aggregator) UserText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user.String()
}

func (a *Aggregator) ModelText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model.String()
}

// History returns a copy of the finalized turns.
func (a *Aggregator) History() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.history))
	copy(out, a.history)
	return out
}
