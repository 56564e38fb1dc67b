package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scholarch/internal/config"
	"scholarch/internal/embedding"
	"scholarch/internal/retrieval"
	"scholarch/internal/store"
)

var (
	ingestTitle  string
	ingestTags   []string
	ingestSource string
	ingestGroup  string
	chunkSize    int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Chunk and embed a text file into the document library",
	Long: `Splits a plain-text or Markdown file into chunks, embeds each chunk,
and stores them so doc_search can find them.

Example:
  scholarch ingest notes/zinc-report.md --title "Zinc Report" --tags papers,metals`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (default: file name)")
	ingestCmd.Flags().StringSliceVar(&ingestTags, "tags", nil, "tags for retrieval filtering")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "upload", "source label (upload, epub, ...)")
	ingestCmd.Flags().StringVar(&ingestGroup, "group", "", "collection/group name")
	ingestCmd.Flags().IntVar(&chunkSize, "chunk-size", 1200, "target chunk size in characters")
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(settings.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := retrieval.EnsureDocSchema(st.DB()); err != nil {
		return err
	}

	title := ingestTitle
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	docID := uuid.NewString()
	embedder := embedding.NewOllamaEngine(settings.EmbeddingBaseURL, settings.EmbeddingModel, 0)

	chunks := chunkText(string(data), chunkSize)
	if len(chunks) == 0 {
		return fmt.Errorf("%s contains no text", path)
	}

	for i, chunk := range chunks {
		vector, err := embedder.Embed(cmd.Context(), chunk)
		if err != nil {
			return fmt.Errorf("embedding chunk %d/%d failed: %w", i+1, len(chunks), err)
		}
		if _, err := retrieval.InsertChunk(st.DB(), docID, title, path, "", ingestSource, ingestGroup, ingestTags, chunk, vector); err != nil {
			return fmt.Errorf("storing chunk %d failed: %w", i+1, err)
		}
	}

	logger.Info("document ingested",
		zap.String("doc_id", docID),
		zap.String("title", title),
		zap.Int("chunks", len(chunks)))
	fmt.Printf("ingested %q: %d chunks (doc id %s)\n", title, len(chunks), docID)
	return nil
}

// chunkText splits text into chunks of roughly maxChars, preferring
// paragraph boundaries and falling back to hard splits for walls of
// text.
func chunkText(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 1200
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		// A single oversized paragraph gets hard-split.
		for len(para) > maxChars {
			cut := strings.LastIndex(para[:maxChars], " ")
			if cut <= 0 {
				cut = maxChars
			}
			if current.Len() > 0 {
				flush()
			}
			chunks = append(chunks, strings.TrimSpace(para[:cut]))
			para = strings.TrimSpace(para[cut:])
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}
