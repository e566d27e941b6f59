package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vsf-health/vsf-agent/pkg/doctors"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest-doctors",
	Short: "Ingest doctor profiles into the vector store",
	Long: `Load crawled doctor profiles from JSON, deduplicate them by
specialty combination, embed the profiles in batches, write an embeddings
sidecar file, and upload everything into a freshly recreated collection.

Examples:
  vsf-agent ingest-doctors --input doctors.json
  vsf-agent ingest-doctors --input doctors.json --offline   # sidecar only`,
	Run: runIngest,
}

func init() {
	ingestCmd.Flags().String("input", "doctors.json", "doctor profiles JSON file")
	ingestCmd.Flags().String("embeddings-out", "doctors_embeddings.json", "sidecar file for profiles with embeddings (empty disables)")
	ingestCmd.Flags().Bool("no-dedupe", false, "keep every profile instead of one per specialty combination")
	ingestCmd.Flags().Bool("offline", false, "stop after writing the sidecar, do not touch the vector store")
}

func runIngest(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer rt.close()

	input, _ := cmd.Flags().GetString("input")
	sidecar, _ := cmd.Flags().GetString("embeddings-out")
	noDedupe, _ := cmd.Flags().GetBool("no-dedupe")
	offline, _ := cmd.Flags().GetBool("offline")

	ing := doctors.NewIngestor(rt.store, rt.embedder, rt.log)
	stats, err := ing.Run(ctx, doctors.IngestOptions{
		InputPath:      input,
		EmbeddingsPath: sidecar,
		Collection:     rt.cfg.Memory.DoctorsCollection,
		Dedupe:         !noDedupe,
		Offline:        offline,
		EmbedBatchSize: rt.cfg.Embeddings.BatchSize,
	})
	if err != nil {
		rt.log.Fatalf("Ingest failed: %v", err)
	}

	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
}
