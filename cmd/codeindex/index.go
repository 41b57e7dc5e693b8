package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var refreshShallow bool

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Index the whole project",
	Long: `Analyze every eligible file and publish a new index generation.

Examples:
  codeindex build
  codeindex build --project ~/src/app --exclude generated,fixtures`,
	Args: cobra.NoArgs,
	Run:  runBuild,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [paths...]",
	Short: "Re-index changed files",
	Long: `Re-analyze the given files or directories and the files whose calls
depend on them. Without paths the whole project is rebuilt.

Examples:
  codeindex refresh src/app.py src/util
  codeindex refresh --shallow`,
	Run: runRefresh,
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshShallow, "shallow", false, "Only refresh the file listing")
	rootCmd.AddCommand(buildCmd, refreshCmd)
}

func runBuild(cmd *cobra.Command, args []string) {
	run(func(ctx context.Context, s *session) (interface{}, error) {
		return s.engine.Build(ctx)
	})
}

func runRefresh(cmd *cobra.Command, args []string) {
	run(func(ctx context.Context, s *session) (interface{}, error) {
		if refreshShallow {
			return s.engine.RefreshShallow(ctx)
		}
		return s.engine.Refresh(ctx, args)
	})
}

// signalContext is canceled on interrupt or termination.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
