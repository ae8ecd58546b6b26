package rag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/pkg/fn"
)

const systemPreamble = `You are an AI assistant that helps users understand PDF documents.
You have access to specific sections of a document that are relevant to the user's query.
Answer the user's question based ONLY on the provided document sections.`

// SystemPrompt builds the grounding prompt for results.
func SystemPrompt(results []domain.RetrievalResult) string {
	urls := map[int]string{}
	for _, r := range results {
		if r.PageURL != "" {
			urls[r.PageNumber] = r.PageURL
		}
	}

	var b strings.Builder
	b.WriteString(systemPreamble)
	b.WriteString("\n\nIMPORTANT FORMATTING INSTRUCTIONS:\n")
	if len(urls) > 0 {
		b.WriteString(`1. When referring to page numbers in your response, ALWAYS use the format "[Page X](pageUrl)" using the exact URLs provided below.` + "\n")
		b.WriteString(`2. Example format: "As discussed in [Page 5](url-to-page-5), the topic..."` + "\n")
		b.WriteString("3. Make sure to use the exact page URLs provided - do not modify or create new URLs.\n")
		b.WriteString("4. Every page number mention in your response should be a clickable link.\n")
	} else {
		b.WriteString(`1. When referring to page numbers in your response, use the format "[Page X]" or "According to page X".` + "\n")
		b.WriteString("2. Cite the page for every fact you take from the document sections.\n")
	}
	b.WriteString("Use markdown for structure: short paragraphs, bullet lists for enumerations and **bold** for key terms.\n")
	b.WriteString("\nIf the information in the document sections is not sufficient to answer the question, acknowledge that and don't make up information.\n")

	if len(urls) > 0 {
		pages := make([]int, 0, len(urls))
		for p := range urls {
			pages = append(pages, p)
		}
		sort.Ints(pages)
		b.WriteString("\nAvailable page URLs:\n")
		for _, p := range pages {
			fmt.Fprintf(&b, "Page %d: %s\n", p, urls[p])
		}
	}

	b.WriteString("\nDocument sections:\n")
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]: %s", excerptTag(r), r.Content)
	}
	return b.String()
}

func excerptTag(r domain.RetrievalResult) string {
	page := fmt.Sprintf("Page %d", r.PageNumber)
	if r.PageURL != "" {
		page = fmt.Sprintf("[Page %d](%s)", r.PageNumber, r.PageURL)
	}
	if r.ChunkIndex != nil {
		return fmt.Sprintf("%s, Chunk %d", page, *r.ChunkIndex)
	}
	return page
}

// ReferencedPages returns the ascending unique page numbers of results.
func ReferencedPages(results []domain.RetrievalResult) []int {
	return fn.SortedUnique(fn.Map(results, func(r domain.RetrievalResult) int { return r.PageNumber }))
}

func sourcesFrom(results []domain.RetrievalResult, previewChars int) []Source {
	return fn.Map(results, func(r domain.RetrievalResult) Source {
		return Source{
			PageNumber: r.PageNumber,
			Score:      r.Score,
			Preview:    preview(r.Content, previewChars),
			ChunkIndex: r.ChunkIndex,
			PageURL:    r.PageURL,
		}
	})
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// recentHistory returns at most n trailing turns.
func recentHistory(turns []domain.ChatTurn, n int) []domain.ChatTurn {
	if len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}
