package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vsf-health/vsf-agent/pkg/memory"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the long-term memory collection",
	Long: `Create the long-term memory collection in the vector store if it
does not exist yet. With --backfill, pending temp journal lines are embedded
and indexed into the collection as well.`,
	Run: runInit,
}

func init() {
	initCmd.Flags().Bool("backfill", false, "index pending temp journal lines into the collection")
}

func runInit(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer rt.close()

	collection := rt.cfg.Memory.LongtermCollection
	if err := rt.store.EnsureCollection(ctx, collection, rt.cfg.Embeddings.Dimensions); err != nil {
		rt.log.Fatalf("Failed to create collection %s: %v", collection, err)
	}
	rt.log.WithField("collection", collection).Info("Collection ready")

	if backfill, _ := cmd.Flags().GetBool("backfill"); backfill {
		job := memory.NewMaintenance(rt.longterm, nil, rt.cfg.Memory.RetentionDays, rt.log)
		added, err := job.Backfill(ctx)
		if err != nil {
			rt.log.Fatalf("Backfill failed: %v", err)
		}
		rt.log.WithField("added", added).Info("Backfilled journal entries")
	}
}
