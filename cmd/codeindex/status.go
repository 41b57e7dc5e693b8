package main

import (
	"context"

	"github.com/spf13/cobra"
)

var toolsReprobe bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index, watcher and search tool status",
	Args:  cobra.NoArgs,
	Run:   runStatus,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the search tools found on this host",
	Long: `List the search strategies in rank order with their probe results.
A tool that failed at runtime stays demoted until --reprobe.`,
	Args: cobra.NoArgs,
	Run:  runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsReprobe, "reprobe", false, "Forget demotions and probe every tool again")
	rootCmd.AddCommand(statusCmd, toolsCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	run(func(ctx context.Context, s *session) (interface{}, error) {
		return s.engine.Status(ctx)
	})
}

func runTools(cmd *cobra.Command, args []string) {
	run(func(ctx context.Context, s *session) (interface{}, error) {
		if toolsReprobe {
			return s.engine.Reprobe(ctx), nil
		}
		return s.engine.Tools(ctx), nil
	})
}
