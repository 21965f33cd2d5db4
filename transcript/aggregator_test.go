package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregatorFinalizesUserTurn(t *testing.T) {
	a := NewAggregator("Quelle")
	assert.True(t, a.OnUserDelta("Hallo"))
	assert.False(t, a.OnUserDelta("Welt"))

	added := a.OnTurnComplete()
	assert.Equal(t, []Turn{{Role: RoleUser, Text: "HalloWelt"}}, added)
	assert.Equal(t, []Turn{{Role: RoleUser, Text: "HalloWelt"}}, a.History())
	assert.Empty(t, a.UserText())
	assert.True(t, a.OnUserDelta("Neu"))
}

func TestAggregatorStripsMarkersFromModelTurn(t *testing.T) {
	a := NewAggregator("Quelle")
	a.OnUserDelta("  Wie hoch ist die Miete?  ")
	assert.Equal(t, "Die Miete ", a.OnModelDelta("Die Miete "))
	assert.Equal(t, "Die Miete ist fair. [quelle: Finanzen.pdf]", a.OnModelDelta("ist fair. [quelle: Finanzen.pdf]"))

	a.OnTurnComplete()
	assert.Equal(t, []Turn{
		{Role: RoleUser, Text: "Wie hoch ist die Miete?"},
		{Role: RoleModel, Text: "Die Miete ist fair."},
	}, a.History())
}

func TestAggregatorSkipsBlankTurns(t *testing.T) {
	a := NewAggregator("")
	a.OnUserDelta("   ")
	a.OnModelDelta("[Quelle: Satzung]")
	assert.Empty(t, a.OnTurnComplete())
	assert.Empty(t, a.History())
}

func TestAggregatorInterruptKeepsUserBuffer(t *testing.T) {
	a := NewAggregator("Quelle")
	a.OnModelDelta("Also, die Satzung sagt")
	a.OnUserDelta("Moment")
	a.OnInterrupted()

	assert.Empty(t, a.ModelText())
	assert.Equal(t, "Moment", a.UserText())

	a.OnTurnComplete()
	assert.Equal(t, []Turn{{Role: RoleUser, Text: "Moment"}}, a.History())
}

func TestAggregatorHistoryIsACopy(t *testing.T) {
	a := NewAggregator("Quelle")
	a.OnUserDelta("eins")
	a.OnTurnComplete()

	h := a.History()
	h[0].Text = "verändert"
	assert.Equal(t, "eins", a.History()[0].Text)
}
