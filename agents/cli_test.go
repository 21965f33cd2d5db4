package agents

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wohnpro/livevoice/shared"
	"github.com/wohnpro/livevoice/transcript"
	"github.com/wohnpro/livevoice/transport"
)

type bufferCloser struct{ bytes.Buffer }

func (*bufferCloser) Close() error { return nil }

func newTestAgent(t *testing.T) (*CLIAgent, *bufferCloser) {
	t.Helper()
	out := new(bufferCloser)
	printer, err := shared.NewPrinter("", shared.NewWriteCloser(out))
	require.NoError(t, err)
	return &CLIAgent{
		logger:  shared.NewNopLogger(),
		printer: printer,
		cfg:     shared.DefaultConfig(),
		state:   NewCLIState(),
	}, out
}

func TestNewDialer(t *testing.T) {
	logger := shared.NewNopLogger()

	d, err := NewDialer(logger, shared.ProviderGemini)
	require.NoError(t, err)
	assert.IsType(t, &transport.GeminiDialer{}, d)

	d, err = NewDialer(logger, shared.ProviderOpenAI)
	require.NoError(t, err)
	assert.IsType(t, &transport.RealtimeDialer{}, d)

	_, err = NewDialer(logger, "acme")
	assert.Error(t, err)
}

func TestCLIAgentRendersTranscript(t *testing.T) {
	a, out := newTestAgent(t)

	a.onFragment(transcript.RoleUser, "Wann ist")
	a.onFragment(transcript.RoleUser, " das Plenum?")
	a.onFragment(transcript.RoleModel, "Laut Protokoll")
	a.onCitations([]transcript.Citation{{DocumentName: "Protokoll.docx", Snippet: "Laut Protokoll"}})
	a.onCitations(nil)

	assert.Equal(t,
		"\n🧑 Wann ist das Plenum?\n🤖 Laut Protokoll\n📄 Protokoll: Laut Protokoll\n",
		out.String(),
	)
}

func TestCLIAgentExportWithoutPathIsNoop(t *testing.T) {
	a, _ := newTestAgent(t)
	a.cfg.TranscriptPath = ""
	assert.NoError(t, a.export(nil, nil))
}
