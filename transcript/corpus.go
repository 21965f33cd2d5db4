package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

// DefaultInstruction is the voice persona used when no system instruction is
// configured.
const DefaultInstruction = `Du bist der Wohnpro Guide, der das Wohnprojekt in und auswendig kennt.
Du hast eine tiefe, warme und beruhigende männliche Stimme. Du bist die Seele des Wohnprojekts und erklärst mit Ruhe und Herzlichkeit, wie wir hier zusammenleben und wie du in diesem Wohnprojekt leben kannst.

DEIN FOKUS:
- Erkläre die rechtliche Struktur so, dass man sich geborgen fühlt.
- Beschreibe Entscheidungsprozesse und wie das Wohnprojekt sich das Zusammenleben vorstellt.
- Vermittle das echte Lebensgefühl, welches das Wohnprojekt erzielen möchte.
- Beschreibe in einfachen Worten, wie Finanzierung und Kosten sich gestalten.

REGELN:
- Sei prägnant, fachlich versiert und empathisch.
- Nutze NUR das bereitgestellte Wissen.
- Nenne Quellen am Ende: [Quelle: Name].
- Wenn du Fragen zum Wohnprojekt nicht beantworten kannst, verweise auf die Wohnprojekt-Teilhaber.
- Bei Fragen, welche nicht zu Wohnprojekten passen, lenke das Gespräch auf das Wohnprojekt zurück.`

const knowledgeHeader = "\n\nWissen aus Dokumenten:\n"

// corpusNamespace seeds stable document ids for loaded files.
var corpusNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("livevoice/corpus"))

type Document struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Content string `yaml:"content" json:"content"`
}

// Corpus is an ordered, read-only set of documents.
type Corpus struct {
	docs []Document
}

func NewCorpus(docs ...Document) *Corpus {
	c := &Corpus{docs: make([]Document, len(docs))}
	copy(c.docs, docs)
	return c
}

func (c *Corpus) Len() int {
	return len(c.docs)
}

func (c *Corpus) Documents() []Document {
	out := make([]Document, len(c.docs))
	copy(out, c.docs)
	return out
}

// Lookup finds the first document whose name contains name, or whose name
// without extension is contained in name. Matching ignores case. When several
// documents match, corpus order decides.
func (c *Corpus) Lookup(name string) (Document, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return Document{}, false
	}
	for _, doc := range c.docs {
		docName := strings.ToLower(doc.Name)
		if strings.Contains(docName, needle) {
			return doc, true
		}
		stem := strings.TrimSpace(strings.TrimSuffix(docName, filepath.Ext(docName)))
		if stem != "" && strings.Contains(needle, stem) {
			return doc, true
		}
	}
	return Document{}, false
}

// ContextString renders the corpus for the remote model, one
// "[DOKUMENT <name>]: <content>" entry per line.
func (c *Corpus) ContextString() string {
	var b strings.Builder
	for i, doc := range c.docs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[DOKUMENT ")
		b.WriteString(doc.Name)
		b.WriteString("]: ")
		b.WriteString(doc.Content)
	}
	return b.String()
}

// SystemInstruction appends the corpus knowledge to instruction. An empty
// instruction selects DefaultInstruction.
func SystemInstruction(instruction string, c *Corpus) string {
	if strings.TrimSpace(instruction) == "" {
		instruction = DefaultInstruction
	}
	if c == nil {
		c = NewCorpus()
	}
	return instruction + knowledgeHeader + c.ContextString()
}

type manifest struct {
	Documents []struct {
		Document `yaml:",inline"`
		File     string `yaml:"file"`
	} `yaml:"documents"`
}

// LoadCorpus reads documents from path. A directory contributes every .txt
// and .md file in name order; a .yaml or .yml file is read as a manifest
// whose entries carry inline content or a file path relative to it. An empty
// path yields an empty corpus.
func LoadCorpus(path string) (*Corpus, error) {
	if path == "" {
		return NewCorpus(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening corpus: %w", err)
	}
	if info.IsDir() {
		return loadDir(path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadManifest(path)
	default:
		doc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		return NewCorpus(doc), nil
	}
}

func loadDir(dir string) (*Corpus, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading corpus directory: %w", err)
	}
	var docs []Document
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".txt", ".md":
		default:
			continue
		}
		doc, err := loadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return NewCorpus(docs...), nil
}

func loadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading document: %w", err)
	}
	name := filepath.Base(path)
	return Document{
		ID:      documentID(name),
		Name:    name,
		Content: strings.TrimSpace(string(data)),
	}, nil
}

func loadManifest(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading corpus manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing corpus manifest: %w", err)
	}
	base := filepath.Dir(path)
	docs := make([]Document, 0, len(m.Documents))
	for i, entry := range m.Documents {
		doc := entry.Document
		if entry.File != "" {
			file := entry.File
			if !filepath.IsAbs(file) {
				file = filepath.Join(base, file)
			}
			loaded, err := loadFile(file)
			if err != nil {
				return nil, err
			}
			if doc.Name == "" {
				doc.Name = loaded.Name
			}
			if doc.Content == "" {
				doc.Content = loaded.Content
			}
		}
		if doc.Name == "" {
			return nil, fmt.Errorf("corpus manifest entry %d has no name", i)
		}
		if doc.ID == "" {
			doc.ID = documentID(doc.Name)
		}
		docs = append(docs, doc)
	}
	return NewCorpus(docs...), nil
}

func documentID(name string) string {
	return uuid.NewSHA1(corpusNamespace, []byte(name)).String()
}
