package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/pdfstudy/pkg/config"
)

var (
	cfg      config.Config
	logLevel string
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "studyctl",
	Short: "Index, summarize and question PDF documents",
	Long: `studyctl drives the pdfstudy pipeline from the command line: it extracts the
text of a PDF, indexes it for retrieval, builds structured summaries and answers
questions with page citations. Settings come from the environment (and .env);
flags override them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = parseLevel(logLevel)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
		slog.SetDefault(logger)
	},
}

func init() {
	cfg = config.Load()

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.QdrantAddr, "qdrant", cfg.QdrantAddr, "Qdrant gRPC address")
	f.StringVar(&cfg.Collection, "collection", cfg.Collection, "Qdrant collection")
	f.StringVar(&cfg.Neo4jURL, "neo4j", cfg.Neo4jURL, "Neo4j bolt URL")
	f.StringVar(&cfg.ChatModel, "chat-model", cfg.ChatModel, "chat model for answers")
	f.StringVar(&cfg.SummaryModel, "summary-model", cfg.SummaryModel, "chat model for summaries")
	f.BoolVar(&cfg.RemoteIndex, "remote-index", cfg.RemoteIndex, "index through NATS workers")
	f.DurationVar(&cfg.CallTimeout, "timeout", cfg.CallTimeout, "per-call provider timeout")
	f.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(ingestCmd, summarizeCmd, askCmd, tokensCmd)
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
