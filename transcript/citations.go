package transcript

import (
	"regexp"
	"strings"
	"time"

	"github.com/wohnpro/livevoice/shared"
	"go.uber.org/zap"
)

// DefaultSnippet is used when no sentence text precedes a marker.
const DefaultSnippet = "Information gefunden"

// MarkerPattern matches inline citation markers of the form
// "[<keyword>: <name>]". The keyword is case-insensitive and the name is
// captured in group 1.
func MarkerPattern(keyword string) *regexp.Regexp {
	if keyword == "" {
		keyword = shared.DefaultCitationKeyword
	}
	return regexp.MustCompile(`(?i)\[` + regexp.QuoteMeta(keyword) + `:\s*([^\]]+)\]`)
}

var sentenceEnd = regexp.MustCompile(`[.!?]`)

type Citation struct {
	DocumentID   string    `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Snippet      string    `json:"snippet"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// DisplayName is the document name without its file extension.
func (c Citation) DisplayName() string {
	name := c.DocumentName
	for _, ext := range []string{".pdf", ".docx"} {
		if len(name) > len(ext) && strings.EqualFold(name[len(name)-len(ext):], ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// Extractor finds citation markers in the model's running transcript and
// resolves them against a corpus. It remembers which documents were already
// cited in the current turn, so rescanning a growing transcript only yields
// citations that are new.
type Extractor struct {
	logger  shared.LoggerAdapter
	corpus  *Corpus
	pattern *regexp.Regexp
	now     func() time.Time

	seen       map[string]struct{}
	unresolved map[string]struct{}
	active     []Citation
}

func NewExtractor(logger shared.LoggerAdapter, corpus *Corpus, keyword string) *Extractor {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	if corpus == nil {
		corpus = NewCorpus()
	}
	return &Extractor{
		logger:     logger.With(zap.String("component", "citations")),
		corpus:     corpus,
		pattern:    MarkerPattern(keyword),
		now:        time.Now,
		seen:       make(map[string]struct{}),
		unresolved: make(map[string]struct{}),
	}
}

// Scan matches every marker in text, which is the whole model transcript of
// the current turn, and returns the citations not reported before.
func (x *Extractor) Scan(text string) []Citation {
	var found []Citation
	for _, m := range x.pattern.FindAllStringSubmatchIndex(text, -1) {
		name := strings.TrimSpace(text[m[2]:m[3]])
		doc, ok := x.corpus.Lookup(name)
		if !ok {
			key := strings.ToLower(name)
			if _, logged := x.unresolved[key]; !logged {
				x.unresolved[key] = struct{}{}
				x.logger.Debug(
					shared.ErrUnresolvedCitation.Error(),
					zap.String("name", name),
				)
			}
			continue
		}
		if _, dup := x.seen[doc.ID]; dup {
			continue
		}
		x.seen[doc.ID] = struct{}{}
		c := Citation{
			DocumentID:   doc.ID,
			DocumentName: doc.Name,
			Snippet:      x.snippet(text[:m[0]]),
			DiscoveredAt: x.now(),
		}
		x.active = append(x.active, c)
		found = append(found, c)
	}
	return found
}

// snippet returns the sentence fragment right before a marker. Earlier
// markers are removed first so their document names do not count as
// sentence boundaries.
func (x *Extractor) snippet(before string) string {
	before = x.pattern.ReplaceAllString(before, "")
	parts := sentenceEnd.Split(before, -1)
	if s := strings.TrimSpace(parts[len(parts)-1]); s != "" {
		return s
	}
	return DefaultSnippet
}

// Reset starts a new turn.
func (x *Extractor) Reset() {
	clear(x.seen)
	clear(x.unresolved)
	x.active = nil
}

// Active returns the citations of the current turn in discovery order.
func (x *Extractor) Active() []Citation {
	out := make([]Citation, len(x.active))
	copy(out, x.active)
	return out
}
