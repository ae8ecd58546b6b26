package rag

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// EventType tags a stream event.
type EventType string

const (
	EventMetadata EventType = "metadata"
	EventContent  EventType = "content"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Source is one retrieved excerpt backing an answer.
type Source struct {
	PageNumber int     `json:"pageNumber"`
	Score      float32 `json:"score"`
	Preview    string  `json:"preview"`
	ChunkIndex *int    `json:"chunkIndex,omitempty"`
	PageURL    string  `json:"pageUrl,omitempty"`
}

// Event is one element of an answer stream. Which fields are set depends
// on Type: metadata carries sources and pages, content and error carry text.
type Event struct {
	Type            EventType
	Sources         []Source
	ReferencedPages []int
	// TargetPage is set on the metadata event of a page navigation answer.
	TargetPage int
	Content    string
}

// IsPageNavigation reports whether the event opens a navigation answer.
func (e Event) IsPageNavigation() bool { return e.TargetPage > 0 }

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventMetadata:
		sources, pages := e.Sources, e.ReferencedPages
		if sources == nil {
			sources = []Source{}
		}
		if pages == nil {
			pages = []int{}
		}
		return json.Marshal(struct {
			Type             EventType `json:"type"`
			Sources          []Source  `json:"sources"`
			ReferencedPages  []int     `json:"referencedPages"`
			IsPageNavigation bool      `json:"isPageNavigation,omitempty"`
			TargetPage       int       `json:"targetPage,omitempty"`
		}{e.Type, sources, pages, e.IsPageNavigation(), e.TargetPage})
	case EventContent:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Content})
	case EventError:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Error string    `json:"error"`
		}{e.Type, e.Content})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}

// WriteNDJSON writes events as newline-delimited JSON until the channel
// closes, flushing after each line when w supports it.
func WriteNDJSON(w io.Writer, events <-chan Event) error {
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			// Drain so the producer can finish.
			for range events {
			}
			return fmt.Errorf("rag: write event: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}
