package domain

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Document ids are opaque but must be safe to embed in vector ids and filters.
var documentIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// maxQuestionLength only rejects abusive input; queries are truncated to the
// embedding limit downstream.
const maxQuestionLength = 100_000

// ValidateDocumentID checks a document id before it is used as a filter key.
func ValidateDocumentID(id string) error {
	if !documentIDRegex.MatchString(id) {
		return NewValidationError("documentId", id, ErrInvalidDocumentID)
	}
	return nil
}

// ValidatePageTexts checks raw per-page text before ingestion or summarization.
// Individual pages may be empty (unreadable scans), the document may not.
func ValidatePageTexts(docID string, pages []string) error {
	if err := ValidateDocumentID(docID); err != nil {
		return err
	}
	if len(pages) == 0 {
		return NewValidationError("pages", fmt.Sprintf("%d", len(pages)), ErrEmptyDocument)
	}
	for _, p := range pages {
		if strings.TrimSpace(p) != "" {
			return nil
		}
	}
	return NewValidationError("pages", "all blank", ErrEmptyDocument)
}

// ValidateQuestion checks a user question.
func ValidateQuestion(q string) error {
	text := strings.TrimSpace(q)
	if text == "" {
		return NewValidationError("question", q, ErrEmptyQuestion)
	}
	if utf8.RuneCountInString(text) > maxQuestionLength {
		return NewValidationError("question", string([]rune(text)[:32])+"...", ErrQuestionTooLong)
	}
	return nil
}

// ValidateHistory checks prior conversation turns.
func ValidateHistory(turns []ChatTurn) error {
	for i, t := range turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return NewValidationError(fmt.Sprintf("history[%d].role", i), t.Role, ErrInvalidRole)
		}
	}
	return nil
}
