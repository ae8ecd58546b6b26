package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/engine/rag"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("33"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("33")).
			Padding(0, 1).
			Width(88)
)

// renderSummary lays out a summary as one bordered box per section.
func renderSummary(doc domain.SummaryDocument) string {
	sections := append([]domain.Section{doc.Overview, doc.KeyPoints}, doc.Chapters...)
	blocks := make([]string, 0, len(sections)+1)
	blocks = append(blocks, titleStyle.Render("Summary of "+doc.DocumentID))
	for _, s := range sections {
		if s.Title == "" && s.Content == "" {
			continue
		}
		body := titleStyle.Render(s.Title) + "\n\n" + strings.TrimSpace(s.Content)
		blocks = append(blocks, sectionStyle.Render(body))
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...)
}

func renderSources(meta rag.Event) string {
	if len(meta.Sources) == 0 {
		return ""
	}
	lines := []string{dimStyle.Render("Sources:")}
	for _, s := range meta.Sources {
		line := fmt.Sprintf("  page %d (%.2f) %s", s.PageNumber, s.Score, s.Preview)
		if s.PageURL != "" {
			line += " " + dimStyle.Render(s.PageURL)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func renderJob(j domain.Job) string {
	status := successStyle.Render(string(j.Status))
	if j.Status == domain.JobFailed {
		status = errorStyle.Render(string(j.Status))
	}
	out := fmt.Sprintf("%s %s  %s %s", dimStyle.Render("status:"), status, dimStyle.Render("kind:"), j.Kind)
	if j.Detail != "" {
		out += "  " + dimStyle.Render(j.Detail)
	}
	if j.Error != "" {
		out += "\n" + errorStyle.Render(j.Error)
	}
	return out
}
