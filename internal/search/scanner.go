package search

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"codeindex/internal/errors"
	"codeindex/internal/paths"
)

// defaultMatchTimeout applies when the context carries no deadline.
const defaultMatchTimeout = 10 * time.Second

// Scanner searches files in-process over the filtered walk. It needs no
// external executable and is always available.
type Scanner struct{}

// NewScanner creates the internal scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

func (s *Scanner) Name() string      { return ToolInternal }
func (s *Scanner) NativeFuzzy() bool { return false }

// Probe always succeeds.
func (s *Scanner) Probe(context.Context) (string, error) {
	return "regexp2", nil
}

// Search compiles the pattern with regexp2 and bounds every line match by
// the time left on ctx.
func (s *Scanner) Search(ctx context.Context, req Request) ([]Match, error) {
	expr := req.Pattern
	if !req.Regex {
		expr = regexp2.Escape(expr)
	}
	opts := regexp2.None
	if !req.CaseSensitive {
		opts |= regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(expr, opts)
	if err != nil {
		return nil, errors.New(errors.InvalidPattern, fmt.Sprintf("invalid regex %q", req.Pattern), err)
	}
	re.MatchTimeout = defaultMatchTimeout
	if deadline, ok := ctx.Deadline(); ok {
		re.MatchTimeout = time.Until(deadline)
		if re.MatchTimeout <= 0 {
			return nil, ctx.Err()
		}
	}

	entries, err := req.Filter.Walk(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !globAccepts(req.FileGlob, e.Path) {
			continue
		}
		data, err := os.ReadFile(paths.JoinRoot(req.Filter.Root(), e.Path))
		if err != nil || len(data) == 0 || bytes.IndexByte(data, 0) >= 0 {
			continue
		}
		for i, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
			line = strings.TrimSuffix(line, "\r")
			ok, err := re.MatchString(line)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, errors.New(errors.QueryTimeout, "regex match exceeded its time budget", err)
			}
			if !ok {
				continue
			}
			matches = append(matches, Match{Path: e.Path, Line: i + 1, Text: line})
			if req.MaxCollected > 0 && len(matches) >= req.MaxCollected {
				return matches, nil
			}
		}
	}
	return matches, nil
}
