// Package tokenizer counts, truncates and windows text in cl100k_base BPE
// tokens, the scheme used by the OpenAI embedding and chat models. Every
// budgeting decision in the pipeline goes through it.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Encoding is the BPE scheme used for all budgets.
const Encoding = "cl100k_base"

// Codec converts between text and token ids.
type Codec interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenCodec struct{ enc *tiktoken.Tiktoken }

func (c tiktokenCodec) Encode(text string) []int   { return c.enc.Encode(text, nil, nil) }
func (c tiktokenCodec) Decode(tokens []int) string { return c.enc.Decode(tokens) }

// Tokenizer applies token budgets using a Codec.
type Tokenizer struct {
	codec Codec
}

// New returns a cl100k_base tokenizer. BPE ranks are loaded from the
// embedded offline loader, so no network access is needed.
func New() (*Tokenizer, error) {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	enc, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load %s: %w", Encoding, err)
	}
	return &Tokenizer{codec: tiktokenCodec{enc: enc}}, nil
}

// NewWithCodec wraps an arbitrary codec.
func NewWithCodec(c Codec) *Tokenizer { return &Tokenizer{codec: c} }

var defaultTokenizer = sync.OnceValues(New)

// Default returns the shared cl100k_base tokenizer. The encoder is immutable
// once built and safe for concurrent use.
func Default() *Tokenizer {
	t, err := defaultTokenizer()
	if err != nil {
		panic(err)
	}
	return t
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.codec.Encode(text))
}

// Truncate returns text unchanged when it fits in maxTokens, otherwise the
// decoded first maxTokens tokens. When the cut falls inside a multi-byte
// character the prefix backs off token by token until it decodes cleanly.
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	tokens := t.codec.Encode(text)
	if len(tokens) <= maxTokens {
		return text
	}
	for n := maxTokens; n > 0; n-- {
		if s := t.codec.Decode(tokens[:n]); utf8.ValidString(s) {
			return s
		}
	}
	return ""
}

// Split windows text into chunks of at most maxTokens tokens, consecutive
// windows sharing overlap tokens. See SplitTokens for the window layout.
func (t *Tokenizer) Split(text string, maxTokens, overlap int) ([]string, error) {
	tokens := t.codec.Encode(text)
	windows, err := SplitTokens(tokens, maxTokens, overlap)
	if err != nil {
		return nil, err
	}
	if len(windows) == 1 {
		return []string{text}, nil
	}
	out := make([]string, len(windows))
	for i, w := range windows {
		// Window edges can cut a multi-byte rune; drop the dangling bytes.
		out[i] = strings.ToValidUTF8(t.codec.Decode(w), "")
	}
	return out, nil
}

// SplitTokens returns sliding windows over tokens of size max with stride
// max-overlap. A sequence that fits returns as one window. When the next
// window would be the last one and shorter than max/3, a single full-size
// window ending at the last token is emitted instead, so there is no
// degenerate tail and coverage stays contiguous.
func SplitTokens(tokens []int, max, overlap int) ([][]int, error) {
	switch {
	case max <= 0:
		return nil, domain.NewConfigError("maxTokens", max, "must be positive")
	case overlap < 0:
		return nil, domain.NewConfigError("overlap", overlap, "must not be negative")
	case overlap >= max:
		return nil, domain.NewConfigError("overlap", overlap, fmt.Sprintf("must be less than maxTokens (%d)", max))
	}

	n := len(tokens)
	if n <= max {
		return [][]int{tokens}, nil
	}

	stride := max - overlap
	var out [][]int
	for start := 0; ; {
		end := start + max
		if end >= n {
			out = append(out, tokens[start:n:n])
			return out, nil
		}
		out = append(out, tokens[start:end:end])

		next := start + stride
		if rest := n - next; rest <= max && rest < max/3 {
			out = append(out, tokens[n-max:n:n])
			return out, nil
		}
		start = next
	}
}

// CountTokens counts cl100k_base tokens in text.
func CountTokens(text string) int { return Default().Count(text) }

// TruncateToTokenLimit cuts text to at most maxTokens cl100k_base tokens.
func TruncateToTokenLimit(text string, maxTokens int) string {
	return Default().Truncate(text, maxTokens)
}

// SplitTextIntoTokenChunks windows text into overlapping cl100k_base token chunks.
func SplitTextIntoTokenChunks(text string, maxTokens, overlap int) ([]string, error) {
	return Default().Split(text, maxTokens, overlap)
}
