// Package analyzer extracts symbols, call sites and file metrics from a
// single source file. Analyzers are selected by file extension through a
// Registry whose default entry is the pattern-based generic analyzer.
package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"codeindex/internal/filter"
	"codeindex/internal/index"
)

// Symbol is an extracted construct before identifiers are assigned.
type Symbol struct {
	Kind          index.Kind
	Name          string
	QualifiedName string
	Params        []string
	ReturnType    string
	Decorators    []string
	Async         bool
	Visibility    string
	StartLine     int
	EndLine       int
	// Parent indexes into Result.Symbols, -1 when top level.
	Parent    int
	Signature string
	Doc       string

	parentName string
}

// Call is a call site. Caller indexes into Result.Symbols, -1 at file scope.
type Call struct {
	Caller int
	Callee string
	Line   int
}

// Result is the output of analyzing one file.
type Result struct {
	Analyzer string
	Language string
	Metrics  Metrics
	Imports  []string
	Exports  []string
	Symbols  []Symbol
	Calls    []Call
}

// Analyzer extracts symbols and call sites from one file's content.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, content []byte, relPath string) (*Result, error)
}

// FileError is a per-file analysis failure. The builder records it as a
// diagnostic and skips the file.
type FileError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Registry maps lower-case extensions to analyzers.
type Registry struct {
	mu       sync.RWMutex
	byExt    map[string]Analyzer
	fallback Analyzer
}

// NewRegistry returns a registry with every built-in analyzer registered
// and the generic analyzer as default.
func NewRegistry() *Registry {
	r := &Registry{
		byExt:    make(map[string]Analyzer),
		fallback: NewGeneric(),
	}
	r.Register(NewGo(), ".go")
	registerTreeSitter(r)
	return r
}

// Register routes the given extensions to a.
func (r *Registry) Register(a Analyzer, exts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range exts {
		r.byExt[strings.ToLower(ext)] = a
	}
}

// For returns the analyzer for relPath.
func (r *Registry) For(relPath string) Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byExt[strings.ToLower(filepath.Ext(relPath))]; ok {
		return a
	}
	return r.fallback
}

// Analyze rejects binary or undecodable content, dispatches to the
// analyzer for relPath and fills in the file metrics.
func (r *Registry) Analyze(ctx context.Context, content []byte, relPath string) (*Result, error) {
	if bytes.IndexByte(content, 0) >= 0 {
		return nil, &FileError{Path: relPath, Reason: "binary content"}
	}
	if !utf8.Valid(content) {
		return nil, &FileError{Path: relPath, Reason: "invalid UTF-8"}
	}

	a := r.For(relPath)
	res, err := a.Analyze(ctx, content, relPath)
	if err != nil {
		if _, ok := err.(*FileError); ok {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FileError{Path: relPath, Reason: a.Name() + " analyzer failed", Err: err}
	}
	if res.Analyzer == "" {
		res.Analyzer = a.Name()
	}
	if res.Language == "" {
		res.Language = languageOf(relPath)
	}
	res.Metrics = ComputeMetrics(content, res.Language)
	finalize(res)
	return res, nil
}

// finalize links parent names to indexes, fills missing qualified names and
// drops calls pointing outside the symbol table.
func finalize(res *Result) {
	byQual := make(map[string]int, len(res.Symbols))
	for i := range res.Symbols {
		s := &res.Symbols[i]
		if s.QualifiedName == "" {
			s.QualifiedName = s.Name
		}
		s.QualifiedName = strings.ReplaceAll(s.QualifiedName, index.IDSeparator, ".")
		if s.EndLine < s.StartLine {
			s.EndLine = s.StartLine
		}
		if s.Visibility == "" {
			s.Visibility = index.VisibilityPublic
		}
		if s.Kind.Container() {
			if _, seen := byQual[s.QualifiedName]; !seen {
				byQual[s.QualifiedName] = i
			}
		}
	}
	for i := range res.Symbols {
		s := &res.Symbols[i]
		if s.parentName == "" {
			continue
		}
		if p, ok := byQual[s.parentName]; ok && p != i {
			s.Parent = p
		}
	}
	calls := res.Calls[:0]
	for _, c := range res.Calls {
		if c.Callee == "" || c.Caller >= len(res.Symbols) {
			continue
		}
		calls = append(calls, c)
	}
	res.Calls = calls
}

// newSymbol returns a Symbol with no parent.
func newSymbol(kind index.Kind, name string, start, end int) Symbol {
	return Symbol{Kind: kind, Name: name, QualifiedName: name, StartLine: start, EndLine: end, Parent: -1}
}

func languageOf(relPath string) string {
	if lang := filter.LanguageForExtension(filepath.Ext(relPath)); lang != "" {
		return lang
	}
	return "text"
}

// normalizeCallee turns a raw callee expression into a dotted name, or ""
// when it is not a plain name or member path.
func normalizeCallee(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "::", ".")
	s = strings.ReplaceAll(s, "->", ".")
	s = strings.ReplaceAll(s, "?.", ".")
	if i := strings.LastIndexAny(s, ")]"); i >= 0 {
		s = strings.TrimLeft(s[i+1:], ".")
	}
	if i := strings.IndexByte(s, '<'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "new ")
	if s == "" || strings.ContainsAny(s, " \t\n\"'`(,{}+-*/=!&|") {
		return ""
	}
	return strings.Trim(s, ".")
}

// firstLine trims s to its first line, collapsing inner whitespace. Long
// lines are cut to at most max bytes on a rune boundary.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 && len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
