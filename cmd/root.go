package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/k2gate/k2gate/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "k2gated",
	Short: "OpenAI-compatible proxy for the K2-Think service",
	Long:  "k2gated exposes the OpenAI Chat Completions API in front of the K2-Think upstream, with a managed pool of bearer tokens, automatic token refresh, and think/answer stream translation.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	})
}
