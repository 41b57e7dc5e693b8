package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"codeindex/internal/errors"
	"codeindex/internal/index"
)

var (
	symbolCallers bool
	symbolCallees bool
)

var symbolCmd = &cobra.Command{
	Use:   "symbol <id|name>",
	Short: "Look up a symbol",
	Long: `Look up a symbol by identifier (path::qualified_name::kind::line) or,
failing that, by qualified or short name.

Examples:
  codeindex symbol 'src/app.py::Service.load::method::42'
  codeindex symbol load_user --callers`,
	Args: cobra.ExactArgs(1),
	Run:  runSymbol,
}

var summaryCmd = &cobra.Command{
	Use:   "summary <path>",
	Short: "Show a file's record and symbols",
	Args:  cobra.ExactArgs(1),
	Run:   runSummary,
}

func init() {
	symbolCmd.Flags().BoolVar(&symbolCallers, "callers", false, "Include call sites of each symbol")
	symbolCmd.Flags().BoolVar(&symbolCallees, "callees", false, "Include calls made by each symbol")
	rootCmd.AddCommand(symbolCmd, summaryCmd)
}

// SymbolResponseCLI contains symbol lookups for CLI output
type SymbolResponseCLI struct {
	Query   string          `json:"query"`
	Symbols []SymbolInfoCLI `json:"symbols"`
}

// SymbolInfoCLI is one symbol with its optional call edges.
type SymbolInfoCLI struct {
	*index.Symbol
	Callers []index.CallEdge `json:"callers,omitempty"`
	Callees []index.CallEdge `json:"callees,omitempty"`
}

func runSymbol(cmd *cobra.Command, args []string) {
	run(func(ctx context.Context, s *session) (interface{}, error) {
		return lookupSymbols(s, args[0])
	})
}

func lookupSymbols(s *session, arg string) (*SymbolResponseCLI, error) {
	var found []*index.Symbol
	if strings.Contains(arg, index.IDSeparator) {
		sym, err := s.engine.QuerySymbol(arg)
		if err != nil {
			return nil, err
		}
		found = []*index.Symbol{sym}
	} else {
		list, err := s.engine.FindSymbols(arg)
		if err != nil {
			return nil, err
		}
		found = list
	}

	resp := &SymbolResponseCLI{Query: arg, Symbols: make([]SymbolInfoCLI, 0, len(found))}
	for _, sym := range found {
		info := SymbolInfoCLI{Symbol: sym}
		if symbolCallers {
			g, err := s.engine.Callers(sym.ID)
			if err != nil && !errors.Is(err, errors.SymbolNotFound) {
				return nil, err
			}
			if g != nil {
				info.Callers = g.Edges
			}
		}
		if symbolCallees {
			g, err := s.engine.Callees(sym.ID)
			if err != nil && !errors.Is(err, errors.SymbolNotFound) {
				return nil, err
			}
			if g != nil {
				info.Callees = g.Edges
			}
		}
		resp.Symbols = append(resp.Symbols, info)
	}
	return resp, nil
}

func runSummary(cmd *cobra.Command, args []string) {
	run(func(ctx context.Context, s *session) (interface{}, error) {
		return s.engine.FileSummary(args[0])
	})
}
