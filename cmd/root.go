package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vsf-health/vsf-agent/cmd/server"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vsf-agent",
	Short: "Memory-backed health assistant agent",
	Long: `vsf-agent runs a chat agent with window-buffer memory, a long-term
memory journal backed by a vector store, and doctor profile retrieval.

This tool provides:
- An HTTP API server for the chat agent
- A daily memory maintenance job
- A doctor profile ingest pipeline
- Memory store initialization and debug search utilities`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default searches ./vsf-agent.yaml and ./configs)")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(server.ServerCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(updateMemoryCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(searchCmd)
}
