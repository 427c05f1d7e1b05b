package main

import (
	"maps"
	"slices"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show document counts and configured providers",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	svc, err := openService(false)
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := svc.Status(cmd.Context())
	if err != nil {
		return err
	}

	cmd.Printf("Database:   %s (%s)\n", cfg.DBPath, st.StorageDriver)
	cmd.Printf("Feeds:      %d\n", st.Storage.Feeds)
	cmd.Printf("Documents:  %d (%d tombstoned)\n", st.Storage.Documents, st.Storage.Tombstoned)
	for _, state := range slices.Sorted(maps.Keys(st.Storage.DocumentsByState)) {
		cmd.Printf("  %-11s %d\n", state+":", st.Storage.DocumentsByState[state])
	}
	cmd.Printf("Chunks:     %d\n", st.Storage.Chunks)
	cmd.Printf("Embeddings: %d\n", st.Storage.Embeddings)
	cmd.Printf("Embedder:   %s/%s\n", st.EmbeddingProvider, st.EmbeddingModel)
	cmd.Printf("Reranker:   %s\n", st.Reranker)
	return nil
}
