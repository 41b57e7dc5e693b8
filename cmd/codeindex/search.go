package main

import (
	"context"

	"github.com/spf13/cobra"

	"codeindex/internal/search"
)

var (
	searchRegex       bool
	searchFuzzy       bool
	searchMaxDistance int
	searchGlob        string
	searchMaxResults  int
	searchCursor      string
	searchIgnoreCase  bool
	searchContext     int

	findLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search <pattern>",
	Short: "Search file contents",
	Long: `Search the project's eligible files for a literal or regex pattern.

The best installed tool answers (ugrep, rg, ag, grep, then an internal
scanner). Regex patterns with catastrophic-backtracking shapes are rejected
before anything runs. Fuzzy mode uses native edit distance where the tool
supports it and a more permissive rewritten pattern otherwise.

Examples:
  codeindex search getUserData
  codeindex search 'def \w+_user' --regex --glob 'src/**/*.py'
  codeindex search getUserDta --fuzzy --max-distance 2
  codeindex search TODO --max-results 50 --cursor <next_cursor>`,
	Args: cobra.ExactArgs(1),
	Run:  runSearch,
}

var findCmd = &cobra.Command{
	Use:   "find <pattern>",
	Short: "Find files by glob or fuzzy name",
	Long: `Match a pattern against the project's file listing. Stages are tried in
order until one matches: the glob as given, under any directory, both
case-insensitively, then a fuzzy subsequence match.

Examples:
  codeindex find '*.proto'
  codeindex find usrsvc`,
	Args: cobra.ExactArgs(1),
	Run:  runFind,
}

func init() {
	f := searchCmd.Flags()
	f.BoolVarP(&searchRegex, "regex", "e", false, "Treat the pattern as a regular expression")
	f.BoolVar(&searchFuzzy, "fuzzy", false, "Tolerate small spelling differences")
	f.IntVar(&searchMaxDistance, "max-distance", 0, "Maximum edit distance in fuzzy mode (default from config)")
	f.StringVarP(&searchGlob, "glob", "g", "", "Only search files matching this glob")
	f.IntVarP(&searchMaxResults, "max-results", "n", 0, "Matches per page (default from config)")
	f.StringVar(&searchCursor, "cursor", "", "Cursor from a previous page")
	f.BoolVarP(&searchIgnoreCase, "ignore-case", "i", false, "Case-insensitive matching")
	f.IntVarP(&searchContext, "context", "C", 0, "Lines of context around each match")

	findCmd.Flags().IntVar(&findLimit, "limit", 50, "Maximum number of paths (0 for all)")

	rootCmd.AddCommand(searchCmd, findCmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	run(func(ctx context.Context, s *session) (interface{}, error) {
		return s.engine.Search(ctx, search.Query{
			Pattern:       args[0],
			IsRegex:       searchRegex,
			Fuzzy:         searchFuzzy,
			MaxDistance:   searchMaxDistance,
			FileGlob:      searchGlob,
			MaxResults:    searchMaxResults,
			Cursor:        searchCursor,
			CaseSensitive: search.Bool(!searchIgnoreCase),
			ContextLines:  searchContext,
		})
	})
}

func runFind(cmd *cobra.Command, args []string) {
	run(func(ctx context.Context, s *session) (interface{}, error) {
		return s.engine.FindFiles(ctx, args[0], findLimit)
	})
}
