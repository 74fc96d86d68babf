package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/duckbridge/duckbridge/pkg/logutil"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "duckbridge",
	Short: "OpenAI-compatible bridge to a free conversational backend",
	Long:  "duckbridge exposes an OpenAI-compatible chat API and translates it onto a free, undocumented conversational upstream, handling its anti-automation challenge and rate limits.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(rootLogLevel)
	}
}
