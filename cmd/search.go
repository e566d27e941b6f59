package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/vsf-health/vsf-agent/pkg/doctors"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run a debug vector search against a collection",
	Long: `Embed the query and search a collection directly, printing the
scored hits with their payloads. Useful for checking what the retrieval
tools will see.`,
	Args: cobra.ExactArgs(1),
	Run:  runSearch,
}

func init() {
	searchCmd.Flags().String("collection", "", "collection to search (defaults to the long-term memory collection)")
	searchCmd.Flags().Int("top-k", doctors.DefaultTopK, "number of hits to return")
}

func runSearch(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer rt.close()

	collection, _ := cmd.Flags().GetString("collection")
	if collection == "" {
		collection = rt.cfg.Memory.LongtermCollection
	}
	topK, _ := cmd.Flags().GetInt("top-k")

	vector, err := rt.embedder.Embed(ctx, args[0])
	if err != nil {
		rt.log.Fatalf("Failed to embed query: %v", err)
	}

	hits, err := rt.store.Search(ctx, collection, vector, topK)
	if err != nil {
		rt.log.Fatalf("Search failed: %v", err)
	}
	if len(hits) == 0 {
		fmt.Println("No results.")
		return
	}

	for i, hit := range hits {
		fmt.Printf("%d. score=%.3f id=%v\n", i+1, hit.Score, hit.ID)
		keys := make([]string, 0, len(hit.Payload))
		for k := range hit.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("   %s: %s\n", k, hit.Payload[k])
		}
	}
}
