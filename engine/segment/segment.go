// Package segment turns raw per-page PDF text into Page records and derives
// character-based chunks with a hierarchical separator splitter.
package segment

import (
	"log/slog"
	"maps"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/WessleyAI/pdfstudy/engine/domain"
)

// Defaults for page chunking.
const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 200
)

// DefaultSeparators are tried in order: paragraph, line, sentence, word, character.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// RecursiveSplitter splits text on the highest-priority separator present,
// merges the pieces back up to ChunkSize characters with Overlap carried
// between chunks, and recurses with the next separator into any piece that
// is still too large. Separators are kept at the start of the piece that
// follows them. Lengths are counted in runes.
type RecursiveSplitter struct {
	ChunkSize  int
	Overlap    int
	Separators []string

	splitter textsplitter.RecursiveCharacter
}

// NewRecursiveSplitter validates the parameters.
func NewRecursiveSplitter(chunkSize, overlap int, separators []string) (*RecursiveSplitter, error) {
	if chunkSize <= 0 {
		return nil, domain.NewConfigError("chunkSize", chunkSize, "must be positive")
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, domain.NewConfigError("chunkOverlap", overlap, "must be in [0, chunkSize)")
	}
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	return &RecursiveSplitter{
		ChunkSize:  chunkSize,
		Overlap:    overlap,
		Separators: separators,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators(separators),
			textsplitter.WithKeepSeparator(true),
		),
	}, nil
}

// DefaultSplitter returns the 1000/200 splitter used for pages.
func DefaultSplitter() *RecursiveSplitter {
	s, _ := NewRecursiveSplitter(DefaultChunkSize, DefaultOverlap, DefaultSeparators)
	return s
}

// Split returns the chunks of text. Whitespace-only input yields no chunks.
func (s *RecursiveSplitter) Split(text string) []string {
	chunks, err := s.splitter.SplitText(text)
	if err != nil {
		slog.Warn("split failed, page has no chunks", "err", err)
		return nil
	}
	return chunks
}

// Segment produces one Page per raw page text, numbered from 1, with chunks
// derived by the default splitter. meta is copied into every page.
func Segment(rawPageTexts []string, meta map[string]string) []domain.Page {
	return SegmentWith(DefaultSplitter(), rawPageTexts, meta)
}

// SegmentWith is Segment with a caller-supplied splitter.
func SegmentWith(s *RecursiveSplitter, rawPageTexts []string, meta map[string]string) []domain.Page {
	pages := make([]domain.Page, len(rawPageTexts))
	for i, text := range rawPageTexts {
		var m map[string]string
		if len(meta) > 0 {
			m = maps.Clone(meta)
		}
		pages[i] = domain.Page{
			PageNumber: i + 1,
			Content:    text,
			Chunks:     s.Split(text),
			Metadata:   m,
		}
	}
	return pages
}
