package chapters

import (
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/pdfstudy/engine/domain"
)

const (
	sampleWindow = 10

	// LargeDocumentPages switches content extraction to the marker regime.
	LargeDocumentPages = 200
	largeSpanChars     = 10000
	lastSpanChars      = 50000
)

// Sample picks the pages used for structure analysis: the first ten, ten
// around the midpoint when there are more than 20 pages, and the last ten
// when there are more than 10. Pages may repeat for short documents.
func Sample(pages []string) string {
	n := len(pages)
	sample := append([]string(nil), pages[:min(sampleWindow, n)]...)
	if n > 2*sampleWindow {
		start := n/2 - sampleWindow/2
		sample = append(sample, pages[start:min(start+sampleWindow, n)]...)
	}
	if n > sampleWindow {
		sample = append(sample, pages[max(0, n-sampleWindow):]...)
	}
	return strings.Join(sample, "\n\n")
}

// ResolveCap returns the maximum number of chapters to summarise.
func ResolveCap(a Analysis, pageCount int) int {
	if a.RecommendedChapterLimit > 0 {
		return a.RecommendedChapterLimit
	}
	switch {
	case pageCount > 300:
		return 20
	case pageCount > 100:
		return 15
	default:
		return 10
	}
}

// Prune trims plans to limit entries. High importance entries are always
// kept, even beyond limit; remaining slots go to medium entries, then to the
// rest, each in document order. The result keeps document order.
func Prune(plans []domain.ChapterPlan, limit int) []domain.ChapterPlan {
	if len(plans) <= limit {
		return plans
	}
	keep := make([]bool, len(plans))
	slots := limit
	for i, p := range plans {
		if p.Importance.Rank() == domain.ImportanceHigh.Rank() {
			keep[i] = true
			slots--
		}
	}
	for _, rank := range []int{domain.ImportanceMedium.Rank(), domain.ImportanceLow.Rank(), 0} {
		for i, p := range plans {
			if slots <= 0 {
				break
			}
			if !keep[i] && p.Importance.Rank() == rank {
				keep[i] = true
				slots--
			}
		}
	}
	out := make([]domain.ChapterPlan, 0, max(limit, 0))
	for i, p := range plans {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// ExtractContent assigns a span of fullText to each plan. Documents above
// LargeDocumentPages take a fixed window after each marker found and fall
// back to an even split covering the whole text when fewer than half are
// found. Smaller documents run from marker to marker, splitting evenly where
// a marker is missing. Lengths are counted in characters.
func ExtractContent(fullText string, plans []domain.ChapterPlan, pageCount int) []domain.ChapterContent {
	if len(plans) == 0 {
		return nil
	}
	text := []rune(fullText)
	if pageCount > LargeDocumentPages {
		return extractLarge(fullText, text, plans)
	}
	return extractSmall(fullText, text, plans)
}

func extractLarge(fullText string, text []rune, plans []domain.ChapterPlan) []domain.ChapterContent {
	var out []domain.ChapterContent
	for _, p := range plans {
		if strings.TrimSpace(p.StartMarker) == "" {
			continue
		}
		start := runeIndex(fullText, p.StartMarker)
		if start < 0 {
			continue
		}
		out = append(out, domain.ChapterContent{Title: p.Title, Content: span(text, start, start+largeSpanChars)})
	}
	if 2*len(out) >= len(plans) {
		return out
	}
	return evenSplit(text, plans)
}

func extractSmall(fullText string, text []rune, plans []domain.ChapterPlan) []domain.ChapterContent {
	if len(plans) == 1 {
		return []domain.ChapterContent{{Title: plans[0].Title, Content: fullText}}
	}
	even := evenSplit(text, plans)
	out := make([]domain.ChapterContent, len(plans))
	for i, p := range plans {
		last := i == len(plans)-1

		var content string
		start := -1
		if strings.TrimSpace(p.StartMarker) != "" {
			start = runeIndex(fullText, p.StartMarker)
		}
		switch {
		case start < 0:
			content = even[i].Content
		case !last && strings.TrimSpace(plans[i+1].StartMarker) != "":
			if end := runeIndex(fullText, plans[i+1].StartMarker); end > start {
				content = span(text, start, end)
			} else {
				content = span(text, start, len(text))
			}
		default:
			content = span(text, start, start+lastSpanChars)
		}
		out[i] = domain.ChapterContent{Title: p.Title, Content: content}
	}
	return out
}

// evenSplit cuts text into len(plans) equal spans in plan order. The last
// span absorbs the remainder so the spans cover the whole text.
func evenSplit(text []rune, plans []domain.ChapterPlan) []domain.ChapterContent {
	size := len(text) / len(plans)
	out := make([]domain.ChapterContent, len(plans))
	for i, p := range plans {
		end := (i + 1) * size
		if i == len(plans)-1 {
			end = len(text)
		}
		out[i] = domain.ChapterContent{Title: p.Title, Content: span(text, i*size, end)}
	}
	return out
}

// runeIndex is strings.Index measured in runes.
func runeIndex(s, substr string) int {
	i := strings.Index(s, substr)
	if i < 0 {
		return -1
	}
	return utf8.RuneCountInString(s[:i])
}

func span(text []rune, from, to int) string {
	from = min(max(from, 0), len(text))
	to = min(max(to, from), len(text))
	return string(text[from:to])
}

// truncateChars returns at most n characters of s.
func truncateChars(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
