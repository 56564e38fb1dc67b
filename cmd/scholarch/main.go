// scholarch is a local research assistant: it plans retrieval across
// local documents, the web, and an offline wiki, verifies every claim
// against quoted source text, and synthesizes a cited Markdown report.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"scholarch/internal/config"
	"scholarch/internal/embedding"
	"scholarch/internal/llm"
	"scholarch/internal/research"
	"scholarch/internal/retrieval"
	"scholarch/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scholarch",
	Short: "scholarch - local deep-research assistant",
	Long: `scholarch answers research questions with cited, verified reports.

It retrieves from your ingested document library, the web, and an offline
wiki (Kiwix), gates every hit through an evidence policy, verifies claims
against quoted source text, and refuses to answer rather than fabricate
citations.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "scholarch.yaml", "path to the settings file")

	rootCmd.AddCommand(researchCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(ingestCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildPipeline wires settings, store, model clients and retrieval
// providers into a PipelineContext. The returned closer releases the
// store.
func buildPipeline() (*research.PipelineContext, func(), error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, nil, err
	}

	st, err := store.Open(settings.DatabasePath)
	if err != nil {
		return nil, nil, err
	}

	chat := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: settings.ChatBaseURL,
		Model:   settings.ChatModel,
	})

	providers := make(map[retrieval.SourceType]retrieval.Provider)
	if settings.EnableDocSearch {
		if err := retrieval.EnsureDocSchema(st.DB()); err != nil {
			st.Close()
			return nil, nil, err
		}
		embedder := embedding.NewOllamaEngine(settings.EmbeddingBaseURL, settings.EmbeddingModel, 0)
		doc := retrieval.NewDocProvider(st.DB(), embedder)
		doc.SetTagFilters(settings.DocIncludeTags, settings.DocExcludeTags)
		providers[retrieval.SourceDoc] = doc
	}
	if settings.EnableWebSearch {
		providers[retrieval.SourceWeb] = retrieval.NewWebProvider("")
	}
	if settings.EnableKiwixSearch {
		providers[retrieval.SourceKiwix] = retrieval.NewKiwixProvider(settings.KiwixBaseURL, settings.KiwixAllowList)
	}

	pc := &research.PipelineContext{
		Chat:      chat,
		Genre:     chat.WithModel(settings.GenreClassifierModel),
		Audit:     chat.WithModel(settings.CitationAuditModel),
		Providers: providers,
		Store:     st,
		Settings:  settings,
		Logger:    logger,
	}
	return pc, func() { _ = st.Close() }, nil
}
