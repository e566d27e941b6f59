package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vsf-health/vsf-agent/pkg/memory"
)

var updateMemoryCmd = &cobra.Command{
	Use:   "update-memory",
	Short: "Run the daily memory maintenance job",
	Long: `Summarize the day's accumulated memory notes with the chat model,
append the summary to the long-term journal, prune journal and vector store
entries older than the retention window, and clear the temp journal.

Intended to run once per day from cron. The report is printed as JSON and
the exit code is non-zero when any step failed.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runUpdateMemory(cmd))
	},
}

func init() {
	updateMemoryCmd.Flags().Bool("backfill-store", false, "index pending temp journal lines into the vector store before summarizing")
}

func runUpdateMemory(cmd *cobra.Command) int {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer rt.close()

	model, err := rt.newModel()
	if err != nil {
		rt.log.WithError(err).Warn("Chat model unavailable, summaries will keep the raw notes")
		model = nil
	}

	job := memory.NewMaintenance(rt.longterm, model, rt.cfg.Memory.RetentionDays, rt.log)

	added := 0
	var backfillErr error
	if backfill, _ := cmd.Flags().GetBool("backfill-store"); backfill {
		added, backfillErr = job.Backfill(ctx)
		if backfillErr != nil {
			rt.log.WithError(backfillErr).Error("Backfill failed")
		}
	}

	report := job.Run(ctx)
	report.StoreAdded = added
	if backfillErr != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("failed to backfill vector store: %v", backfillErr))
		report.Success = false
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		rt.log.WithError(err).Error("Failed to encode report")
		return 1
	}
	fmt.Println(string(out))

	if !report.Success {
		return 1
	}
	return 0
}
