package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/pdfstudy/engine/domain"
	"github.com/WessleyAI/pdfstudy/engine/rag"
	"github.com/WessleyAI/pdfstudy/engine/study"
	"github.com/WessleyAI/pdfstudy/engine/tokenizer"
	"github.com/WessleyAI/pdfstudy/pkg/pdftext"
)

var (
	docID   string
	pageURL string

	focusTopics   []string
	focusChapters []string
	instructions  string

	tokenMax     int
	tokenOverlap int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <pdf>",
	Short: "Extract, embed and index a PDF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pages, id, err := loadPDF(args[0])
		if err != nil {
			return err
		}
		stack, err := study.Wire(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()

		job, err := stack.Service.Ingest(ctx, id, pages, pageURL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("job:"), job.ID, dimStyle.Render("document:"), id)
		stack.Service.Wait()

		done, err := stack.Service.Job(context.WithoutCancel(ctx), job.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderJob(done))
		if done.Status == domain.JobFailed {
			return fmt.Errorf("ingest failed: %s", done.Error)
		}
		return nil
	},
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <pdf>",
	Short: "Build the overview, key points and chapter summaries of a PDF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pages, id, err := loadPDF(args[0])
		if err != nil {
			return err
		}
		stack, err := study.Wire(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()

		doc, err := stack.Service.Summarize(ctx, id, pages, domain.SummaryOptions{
			FocusTopics:        focusTopics,
			FocusChapters:      focusChapters,
			CustomInstructions: instructions,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderSummary(doc))
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <docID> <question>",
	Short: "Ask a question about an indexed document",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stack, err := study.Wire(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()

		events, err := stack.Service.AnswerStream(ctx, args[0], strings.Join(args[1:], " "), nil)
		if err != nil {
			return err
		}
		return printAnswer(cmd.OutOrStdout(), events)
	},
}

var tokensCmd = &cobra.Command{
	Use:   "tokens <file>",
	Short: "Count cl100k_base tokens of a text file or PDF",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readText(args[0])
		if err != nil {
			return err
		}
		tok := tokenizer.Default()
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("tokens:"), tok.Count(text))
		if tokenMax > 0 {
			chunks, err := tok.Split(text, tokenMax, tokenOverlap)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("chunks:"), len(chunks))
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{ingestCmd, summarizeCmd} {
		c.Flags().StringVar(&docID, "id", "", "document id (default: derived from the file name)")
	}
	ingestCmd.Flags().StringVar(&pageURL, "page-url", "", "viewer URL used for page links")

	summarizeCmd.Flags().StringSliceVar(&focusTopics, "focus-topic", nil, "topic to emphasise (repeatable)")
	summarizeCmd.Flags().StringSliceVar(&focusChapters, "focus-chapter", nil, "chapter to cover in more depth (repeatable)")
	summarizeCmd.Flags().StringVar(&instructions, "instructions", "", "extra instructions for every summary")

	tokensCmd.Flags().IntVar(&tokenMax, "max", 0, "also report the number of chunks of at most this many tokens")
	tokensCmd.Flags().IntVar(&tokenOverlap, "overlap", 0, "token overlap between chunks")
}

func loadPDF(path string) ([]string, string, error) {
	pages, err := pdftext.ExtractFile(path)
	if err != nil {
		return nil, "", err
	}
	id := docID
	if id == "" {
		id = docIDFromPath(path)
	}
	return pages, id, nil
}

func readText(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		pages, err := pdftext.ExtractFile(path)
		if err != nil {
			return "", err
		}
		return strings.Join(pages, "\n\n"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var idUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.:-]+`)

// docIDFromPath turns a file name into a valid document id.
func docIDFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	id := strings.TrimLeft(idUnsafe.ReplaceAllString(base, "-"), "_.:-")
	if len(id) > 128 {
		id = id[:128]
	}
	if id == "" {
		return "document"
	}
	return id
}

// printAnswer streams content deltas as they arrive, then lists sources.
func printAnswer(w io.Writer, events <-chan rag.Event) error {
	var meta rag.Event
	for ev := range events {
		switch ev.Type {
		case rag.EventMetadata:
			meta = ev
		case rag.EventContent:
			fmt.Fprint(w, ev.Content)
		case rag.EventError:
			fmt.Fprintln(w)
			return fmt.Errorf("%s", ev.Content)
		case rag.EventDone:
			fmt.Fprintln(w)
		}
	}
	if s := renderSources(meta); s != "" {
		fmt.Fprintln(w, s)
	}
	return nil
}
