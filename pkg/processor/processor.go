package processor

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
	"github.com/xhad/handbookqa/internal/models"
)

type ProcessorConfig struct {
	// MaxCharacters is the hard upper bound on chunk length.
	MaxCharacters int
	// Sections shorter than CombineUnder are merged with the following section.
	CombineUnder int
	// Overlap between consecutive pieces of an element that had to be split.
	Overlap int
}

type Processor struct {
	config   ProcessorConfig
	splitter textsplitter.RecursiveCharacter
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.MaxCharacters == 0 {
		config.MaxCharacters = 1000
	}
	if config.CombineUnder == 0 {
		config.CombineUnder = 800
	}
	if config.CombineUnder >= config.MaxCharacters {
		config.CombineUnder = config.MaxCharacters / 2
	}
	if config.Overlap < 0 || config.Overlap >= config.MaxCharacters {
		config.Overlap = 0
	}

	return Processor{
		config: config,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.MaxCharacters),
			textsplitter.WithChunkOverlap(config.Overlap),
		),
	}
}

const elementSeparator = "\n\n"

type pending struct {
	text  strings.Builder
	page  int
	kind  models.ElementKind
	empty bool
}

// Chunk turns a parsed document into bounded chunks. Titles open new sections,
// tables are always emitted on their own, and every chunk carries the source
// filename.
func (p *Processor) Chunk(doc *models.Document) []models.Chunk {
	var texts []chunkText
	cur := &pending{empty: true}

	flush := func() {
		if cur.empty {
			return
		}
		texts = append(texts, chunkText{text: cur.text.String(), page: cur.page, kind: cur.kind})
		cur = &pending{empty: true}
	}
	add := func(text string, page int, kind models.ElementKind) {
		if cur.empty {
			cur.page = page
			cur.kind = kind
			cur.empty = false
		} else {
			cur.text.WriteString(elementSeparator)
			if kind == models.KindText {
				cur.kind = models.KindText
			}
		}
		cur.text.WriteString(text)
	}

	for _, el := range doc.Elements {
		text := p.cleanText(el.Text)
		if text == "" {
			continue
		}
		size := runeLen(text)

		switch {
		case el.Kind == models.KindTable:
			flush()
			for _, piece := range p.split(text) {
				texts = append(texts, chunkText{text: piece, page: el.Page, kind: models.KindTable})
			}
			continue

		case size > p.config.MaxCharacters:
			flush()
			for _, piece := range p.split(text) {
				texts = append(texts, chunkText{text: piece, page: el.Page, kind: models.KindText})
			}
			continue

		case el.Kind == models.KindTitle:
			// a new section; small sections are combined with the next one
			if !cur.empty && runeLen(cur.text.String()) >= p.config.CombineUnder {
				flush()
			}
		}

		if !cur.empty && runeLen(cur.text.String())+len(elementSeparator)+size > p.config.MaxCharacters {
			flush()
		}
		add(text, el.Page, el.Kind)
	}
	flush()

	texts = p.mergeTrailing(texts)

	chunks := make([]models.Chunk, 0, len(texts))
	for i, t := range texts {
		chunks = append(chunks, models.Chunk{
			ID:   models.ChunkID(doc.Filename, i),
			Text: t.text,
			Metadata: models.ChunkMetadata{
				Filename: doc.Filename,
				Page:     t.page,
				Kind:     t.kind,
				Index:    i,
			},
		})
	}
	return chunks
}

type chunkText struct {
	text string
	page int
	kind models.ElementKind
}

// mergeTrailing folds a short final fragment into its predecessor when both
// are prose and the result still fits.
func (p *Processor) mergeTrailing(texts []chunkText) []chunkText {
	n := len(texts)
	if n < 2 {
		return texts
	}
	last, prev := texts[n-1], texts[n-2]
	if last.kind == models.KindTable || prev.kind == models.KindTable {
		return texts
	}
	if runeLen(last.text) >= p.config.CombineUnder {
		return texts
	}
	if runeLen(prev.text)+len(elementSeparator)+runeLen(last.text) > p.config.MaxCharacters {
		return texts
	}
	texts[n-2].text = prev.text + elementSeparator + last.text
	return texts[:n-1]
}

func (p *Processor) split(text string) []string {
	if runeLen(text) <= p.config.MaxCharacters {
		return []string{text}
	}

	pieces, err := p.splitter.SplitText(text)
	if err != nil || len(pieces) == 0 {
		pieces = []string{text}
	}

	var out []string
	for _, piece := range pieces {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		out = append(out, hardWrap(piece, p.config.MaxCharacters)...)
	}
	return out
}

// hardWrap cuts text into pieces of at most max runes.
func hardWrap(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}
	var out []string
	for len(runes) > 0 {
		n := max
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// cleanText drops invalid UTF-8 and control characters and collapses runs of
// spaces, keeping line breaks inside tables.
func (p *Processor) cleanText(text string) string {
	text = sanitizeUTF8(text)

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func sanitizeUTF8(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == utf8.RuneError:
			return -1
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, strings.ToValidUTF8(s, ""))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
