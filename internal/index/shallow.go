package index

import (
	"strings"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/sahilm/fuzzy"

	"codeindex/internal/filter"
)

// Find stages, in the order FindFiles tries them.
const (
	StageExact                    = "exact"
	StageRecursive                = "recursive"
	StageCaseInsensitive          = "case_insensitive"
	StageCaseInsensitiveRecursive = "case_insensitive_recursive"
	StageFuzzy                    = "fuzzy"
)

// ShallowIndex is the path-only view of a project: every eligible file with
// size and modification time, sorted by path. It is refreshed independently
// of the Deep Index.
type ShallowIndex struct {
	Root       string         `json:"root"`
	Generation uint64         `json:"generation"`
	BuiltAt    time.Time      `json:"builtAt"`
	Files      []filter.Entry `json:"files"`
}

// FindResult lists the paths matched by FindFiles and the stage that
// produced them. Stage is empty when nothing matched.
type FindResult struct {
	Pattern string   `json:"pattern"`
	Stage   string   `json:"stage,omitempty"`
	Paths   []string `json:"paths"`
	Total   int      `json:"total"`
}

// Len implements fuzzy.Source.
func (s *ShallowIndex) Len() int { return len(s.Files) }

// String implements fuzzy.Source.
func (s *ShallowIndex) String(i int) string { return s.Files[i].Path }

// FindFiles matches pattern against the indexed paths, trying progressively
// more lenient stages until one matches: the glob as given, the glob under
// any directory, both of those case-insensitively, and finally a fuzzy
// subsequence match ranked by score. limit <= 0 returns every match.
func (s *ShallowIndex) FindFiles(pattern string, limit int) FindResult {
	res := FindResult{Pattern: pattern, Paths: []string{}}
	pattern = strings.TrimPrefix(strings.TrimSpace(pattern), "./")
	if pattern == "" {
		return res
	}

	recursive := pattern
	if !strings.HasPrefix(pattern, "**/") {
		recursive = "**/" + pattern
	}
	stages := []struct {
		name    string
		pattern string
		fold    bool
	}{
		{StageExact, pattern, false},
		{StageRecursive, recursive, false},
		{StageCaseInsensitive, strings.ToLower(pattern), true},
		{StageCaseInsensitiveRecursive, strings.ToLower(recursive), true},
	}

	for _, st := range stages {
		var matched []string
		for _, f := range s.Files {
			p := f.Path
			if st.fold {
				p = strings.ToLower(p)
			}
			if ok, err := doublestar.Match(st.pattern, p); err == nil && ok {
				matched = append(matched, f.Path)
			}
		}
		if len(matched) > 0 {
			return res.fill(st.name, matched, limit)
		}
	}

	var matched []string
	for _, m := range fuzzy.FindFrom(pattern, s) {
		matched = append(matched, s.Files[m.Index].Path)
	}
	if len(matched) > 0 {
		return res.fill(StageFuzzy, matched, limit)
	}
	return res
}

func (r FindResult) fill(stage string, matched []string, limit int) FindResult {
	r.Stage = stage
	r.Total = len(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	r.Paths = matched
	return r
}
