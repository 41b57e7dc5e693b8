package main

import (
	"github.com/spf13/cobra"

	"codeindex/internal/version"
)

var (
	projectFlag string
	excludeFlag []string
	formatFlag  string
	verboseFlag int
	quietFlag   bool
	logFileFlag string
)

var rootCmd = &cobra.Command{
	Use:   "codeindex",
	Short: "codeindex - source index and search for automated consumers",
	Long: `codeindex indexes a source tree into symbols, call edges and file
statistics, keeps the index fresh while files change, and searches the tree
with the best text-search tool installed on the host.

The project defaults to the current directory. Its index lives outside the
tree, under the configured storage root.`,
	Version:       version.Info(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&projectFlag, "project", "p", "", "Project root (default: current directory)")
	flags.StringSliceVar(&excludeFlag, "exclude", nil, "Additional directory names or globs to exclude")
	flags.StringVar(&formatFlag, "format", string(FormatJSON), "Output format (json, human)")
	flags.CountVarP(&verboseFlag, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	flags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress all logs")
	flags.StringVar(&logFileFlag, "log-file", "", "Also write JSON logs to this file")
}
