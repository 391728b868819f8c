package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/adapters"
	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/tools"
)

func newIngestCmd(root *rootOptions) *cobra.Command {
	var chunkSize int
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Index text or markdown documents into the local chromem collection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Retrieval.Backend != "chromem" {
				return fmt.Errorf("ingest writes to chromem, but retrieval.backend is %q", cfg.Retrieval.Backend)
			}
			ctx := cmd.Context()
			model, err := adapters.NewLanguageModel(ctx, cfg.LLM)
			if err != nil {
				return err
			}
			client, ok := model.(embeddings.EmbedderClient)
			if !ok {
				return errors.New("configured llm provider cannot create embeddings")
			}
			embedder, err := adapters.NewEmbedder(client)
			if err != nil {
				return err
			}
			index, err := tools.NewChromemIndex(cfg.Retrieval.ChromemPath, cfg.Retrieval.Collection, embedder.EmbedQuery)
			if err != nil {
				return err
			}

			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				source := filepath.Base(path)
				chunks := tools.ChunkText(string(raw), chunkSize)
				docs := make([]tools.Document, 0, len(chunks))
				for i, c := range chunks {
					docs = append(docs, tools.Document{
						ID:       fmt.Sprintf("%s#%d", source, i),
						Content:  c,
						Source:   source,
						Metadata: map[string]string{"path": path},
					})
				}
				if err := index.Add(ctx, docs); err != nil {
					return err
				}
				logger.Info().Str("source", source).Int("chunks", len(docs)).Msg("document indexed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "collection %s now holds %d passages\n", cfg.Retrieval.Collection, index.Count())
			return nil
		},
	}
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 1000, "maximum characters per passage")
	return cmd
}
