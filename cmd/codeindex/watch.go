package main

import (
	"context"

	"github.com/spf13/cobra"
)

var watchDebounce float64

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the index fresh until interrupted",
	Long: `Build the index if there is none, then watch the project and re-index
changed files after each quiet period. Stops on Ctrl-C and prints the
final watcher status.

Examples:
  codeindex watch
  codeindex watch --debounce 1.5 -v`,
	Args: cobra.NoArgs,
	Run:  runWatch,
}

func init() {
	watchCmd.Flags().Float64Var(&watchDebounce, "debounce", 0, "Seconds of quiet before re-indexing (default from config)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	run(func(ctx context.Context, s *session) (interface{}, error) {
		status, err := s.engine.Status(ctx)
		if err != nil {
			return nil, err
		}
		if status.Index == nil {
			s.logger.Info("No index yet, building")
			if _, err := s.engine.Build(ctx); err != nil {
				return nil, err
			}
		}

		st, err := s.engine.ConfigureWatcher(true, watchDebounce)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Watching for changes",
			"root", s.engine.Root(),
			"dirs", st.WatchedDirs,
			"debounce", st.DebounceSeconds,
		)

		<-ctx.Done()
		return s.engine.WatcherStatus()
	})
}
