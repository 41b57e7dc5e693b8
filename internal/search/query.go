// Package search runs text searches over a project through the best
// available search executable, falling back to an in-process scanner.
package search

import (
	"encoding/hex"
	"encoding/json"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar"
	"golang.org/x/crypto/blake2b"

	"codeindex/internal/errors"
)

const (
	// MaxContextLines bounds Query.ContextLines.
	MaxContextLines = 20
	// MaxFuzzyDistance bounds Query.MaxDistance.
	MaxFuzzyDistance = 9
)

// Query is one search request.
type Query struct {
	Pattern     string `json:"pattern"`
	IsRegex     bool   `json:"is_regex"`
	Fuzzy       bool   `json:"fuzzy"`
	MaxDistance int    `json:"max_distance,omitempty"`
	FileGlob    string `json:"file_glob,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
	Cursor      string `json:"cursor,omitempty"`
	// CaseSensitive defaults to true when nil.
	CaseSensitive *bool `json:"case_sensitive,omitempty"`
	ContextLines  int   `json:"context_lines,omitempty"`
}

// Bool returns a pointer to v, for Query.CaseSensitive.
func Bool(v bool) *bool {
	return &v
}

func (q Query) caseSensitive() bool {
	return q.CaseSensitive == nil || *q.CaseSensitive
}

// Match is one matching line.
type Match struct {
	Path   string   `json:"path"`
	Line   int      `json:"line"`
	Text   string   `json:"text"`
	Before []string `json:"context_before,omitempty"`
	After  []string `json:"context_after,omitempty"`
}

// Result is one page of matches plus pagination metadata.
type Result struct {
	Matches      []Match `json:"matches"`
	TotalMatches int     `json:"total_matches"`
	Returned     int     `json:"returned"`
	StartIndex   int     `json:"start_index"`
	EndIndex     int     `json:"end_index"`
	HasMore      bool    `json:"has_more"`
	MaxResults   int     `json:"max_results"`
	Tool         string  `json:"tool"`
	// Approximate is set when fuzzy mode used the pattern rewrite instead
	// of native edit-distance matching.
	Approximate bool `json:"approximate,omitempty"`
	// Truncated is set when collection stopped at the configured cap.
	Truncated  bool   `json:"truncated,omitempty"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// normalize applies defaults and validates q.
func (q Query) normalize(opts Options) (Query, error) {
	if strings.TrimSpace(q.Pattern) == "" {
		return q, errors.Newf(errors.InvalidParameter, "search pattern must not be empty")
	}
	if q.MaxResults < 0 {
		return q, errors.Newf(errors.InvalidParameter, "max_results must not be negative")
	}
	if q.MaxResults == 0 {
		q.MaxResults = opts.DefaultMaxResults
	}
	if q.ContextLines < 0 || q.ContextLines > MaxContextLines {
		return q, errors.Newf(errors.InvalidParameter, "context_lines must be between 0 and %d", MaxContextLines)
	}
	if q.MaxDistance < 0 || q.MaxDistance > MaxFuzzyDistance {
		return q, errors.Newf(errors.InvalidParameter, "max_distance must be between 0 and %d", MaxFuzzyDistance)
	}
	if q.Fuzzy && q.MaxDistance == 0 {
		q.MaxDistance = opts.DefaultMaxDistance
	}
	q.FileGlob = strings.TrimPrefix(strings.TrimSpace(q.FileGlob), "./")
	if q.FileGlob != "" {
		if _, err := doublestar.Match(q.FileGlob, q.FileGlob); err != nil {
			return q, errors.Newf(errors.InvalidParameter, "invalid file_glob %q", q.FileGlob)
		}
	}
	return q, nil
}

// fingerprint identifies the match set of q. Page size, cursor and
// context do not change the set and are left out.
func (q Query) fingerprint() string {
	data, _ := json.Marshal(struct {
		P string `json:"p"`
		R bool   `json:"r"`
		F bool   `json:"f"`
		D int    `json:"d"`
		G string `json:"g"`
		C bool   `json:"c"`
	}{q.Pattern, q.IsRegex, q.Fuzzy, q.MaxDistance, q.FileGlob, q.caseSensitive()})
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// globAccepts matches glob against the root-relative path rel. Globs
// without a slash match the base name anywhere in the tree.
func globAccepts(glob, rel string) bool {
	if glob == "" {
		return true
	}
	if ok, err := doublestar.Match(glob, rel); err == nil && ok {
		return true
	}
	if !strings.Contains(glob, "/") {
		ok, err := doublestar.Match(glob, path.Base(rel))
		return err == nil && ok
	}
	return false
}
