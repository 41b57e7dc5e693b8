// Package builder produces Deep Index generations. A full build analyzes
// every eligible file; an incremental update re-analyzes the changed paths
// and the files whose call edges depend on them, then patches the store.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"codeindex/internal/analyzer"
	"codeindex/internal/errors"
	"codeindex/internal/filter"
	"codeindex/internal/index"
	"codeindex/internal/slogutil"
	"codeindex/internal/storage"
)

// DiagDuplicateSymbol marks a symbol dropped because its identifier was
// already taken within the same file.
const DiagDuplicateSymbol = "DUPLICATE_SYMBOL"

// Summary describes a published generation.
type Summary struct {
	Generation    uint64             `json:"generation"`
	BuildID       string             `json:"buildId"`
	FileCount     int                `json:"fileCount"`
	SymbolCount   int                `json:"symbolCount"`
	EdgeCount     int                `json:"edgeCount"`
	Unresolved    int                `json:"unresolvedEdges"`
	AnalyzedFiles int                `json:"analyzedFiles"`
	Diagnostics   []index.Diagnostic `json:"diagnostics,omitempty"`
	Duration      time.Duration      `json:"duration"`
	Incremental   bool               `json:"incremental"`
}

// Options tunes a Builder.
type Options struct {
	// Workers bounds concurrent file analysis.
	Workers int
}

// Builder builds and publishes generations for one project root.
type Builder struct {
	filter   *filter.Filter
	registry *analyzer.Registry
	deep     *storage.DeepStore
	shallow  *storage.ShallowStore
	workers  int
	logger   *slog.Logger
}

// New creates a Builder. shallow may be nil.
func New(f *filter.Filter, reg *analyzer.Registry, deep *storage.DeepStore, shallow *storage.ShallowStore, opts Options, logger *slog.Logger) *Builder {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Builder{
		filter:   f,
		registry: reg,
		deep:     deep,
		shallow:  shallow,
		workers:  opts.Workers,
		logger:   slogutil.OrDiscard(logger),
	}
}

// fileResult is the analysis outcome of one file.
type fileResult struct {
	entry  filter.Entry
	result *analyzer.Result
	diag   *index.Diagnostic
}

// present reports whether the file still exists and is eligible.
func (r fileResult) present() bool {
	return r.result != nil || r.diag != nil
}

// Build analyzes every eligible file and publishes a complete generation.
func (b *Builder) Build(ctx context.Context) (*Summary, error) {
	start := time.Now()
	ticket := b.deep.Begin()

	entries, err := b.filter.Walk(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating files: %w", err)
	}
	b.logger.Info("Starting full build", "files", len(entries), "base_generation", ticket.Base)

	results, err := b.analyzeAll(ctx, entries)
	if err != nil {
		return nil, err
	}

	asm := newAssembly()
	for _, r := range results {
		asm.add(r)
	}
	asm.link(asm.paths())

	next := asm.generation(b.filter.Root(), ticket.Base+1)
	if err := b.deep.Publish(ctx, ticket, next); err != nil {
		return nil, err
	}
	b.replaceShallow(entries)

	return b.summarize(next, len(entries), false, asm.diagnostics, start), nil
}

// Update re-analyzes paths (root-relative) and the files whose edges refer
// to them, then patches the store. Without a published generation it runs
// a full build instead. Paths that no longer exist or are no longer
// eligible are removed from the index.
func (b *Builder) Update(ctx context.Context, paths []string) (*Summary, error) {
	cur := b.deep.Current()
	if cur == nil || len(paths) == 0 {
		return b.Build(ctx)
	}
	start := time.Now()
	ticket := b.deep.Begin()

	changed, err := b.expandDirs(ctx, cur, normalizePaths(paths))
	if err != nil {
		return nil, err
	}
	changedSet := make(map[string]bool, len(changed))
	for _, p := range changed {
		changedSet[p] = true
	}

	changedResults, err := b.analyzePaths(ctx, changed)
	if err != nil {
		return nil, err
	}

	// Names defined before or after the change; edges mentioning them may
	// resolve differently now.
	names := make(map[string]bool)
	for _, p := range changed {
		for _, s := range cur.SymbolsInFile(p) {
			names[s.ShortName()] = true
		}
	}
	for _, r := range changedResults {
		if r.result == nil {
			continue
		}
		for _, s := range r.result.Symbols {
			names[index.ShortName(s.QualifiedName)] = true
		}
	}

	var dependents []string
	seen := make(map[string]bool)
	for _, e := range cur.Edges {
		if changedSet[e.CallerPath] || seen[e.CallerPath] {
			continue
		}
		hit := names[index.ShortName(e.CalleeName)]
		if !hit && e.Resolved() {
			if callee, ok := cur.Symbol(e.CalleeID); ok && changedSet[callee.Path] {
				hit = true
			}
		}
		if hit {
			seen[e.CallerPath] = true
			dependents = append(dependents, e.CallerPath)
		}
	}
	sort.Strings(dependents)

	dependentResults, err := b.analyzePaths(ctx, dependents)
	if err != nil {
		return nil, err
	}

	affected := append(append([]string{}, changed...), dependents...)
	affectedSet := make(map[string]bool, len(affected))
	for _, p := range affected {
		affectedSet[p] = true
	}

	asm := newAssembly()
	asm.keep(cur, affectedSet)
	all := append(changedResults, dependentResults...)
	analyzed := 0
	for _, r := range all {
		if r.present() {
			analyzed++
		}
		asm.add(r)
	}
	asm.link(affected)

	next := asm.generation(b.filter.Root(), ticket.Base+1)
	if err := b.deep.Patch(ctx, ticket, next, affected); err != nil {
		return nil, err
	}

	b.logger.Debug("Incremental update",
		"changed", len(changed),
		"dependents", len(dependents),
	)
	b.patchShallow(all)

	var diags []index.Diagnostic
	for _, p := range affected {
		diags = append(diags, next.DiagnosticsFor(p)...)
	}
	return b.summarize(next, analyzed, true, diags, start), nil
}

// RefreshShallow re-enumerates eligible files and replaces the Shallow
// Index without touching the Deep Index.
func (b *Builder) RefreshShallow(ctx context.Context) (*index.ShallowIndex, error) {
	entries, err := b.filter.Walk(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating files: %w", err)
	}
	return b.replaceShallow(entries), nil
}

// patchShallow applies the outcome of an incremental update to the current
// Shallow Index instead of walking the tree again.
func (b *Builder) patchShallow(results []fileResult) {
	if b.shallow == nil {
		return
	}
	cur := b.shallow.Current()
	if cur == nil {
		if _, err := b.RefreshShallow(context.Background()); err != nil {
			b.logger.Warn("Shallow index refresh failed", "error", err.Error())
		}
		return
	}

	touched := make(map[string]filter.Entry, len(results))
	for _, r := range results {
		touched[r.entry.Path] = r.entry
	}
	entries := make([]filter.Entry, 0, len(cur.Files)+len(results))
	for _, e := range cur.Files {
		if _, ok := touched[e.Path]; !ok {
			entries = append(entries, e)
		}
	}
	for _, r := range results {
		if r.present() {
			entries = append(entries, r.entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	b.replaceShallow(entries)
}

func (b *Builder) replaceShallow(entries []filter.Entry) *index.ShallowIndex {
	var gen uint64 = 1
	if b.shallow != nil {
		if cur := b.shallow.Current(); cur != nil {
			gen = cur.Generation + 1
		}
	}
	snap := &index.ShallowIndex{
		Root:       b.filter.Root(),
		Generation: gen,
		BuiltAt:    time.Now(),
		Files:      entries,
	}
	if b.shallow != nil {
		if err := b.shallow.Replace(snap); err != nil {
			b.logger.Warn("Failed to persist shallow index", "error", err.Error())
		}
	}
	return snap
}

func (b *Builder) summarize(next *index.DeepIndex, analyzed int, incremental bool, diags []index.Diagnostic, start time.Time) *Summary {
	s := &Summary{
		Generation:    next.Generation,
		BuildID:       next.BuildID,
		FileCount:     next.FileCount(),
		SymbolCount:   next.SymbolCount(),
		EdgeCount:     next.EdgeCount(),
		Unresolved:    next.UnresolvedCount(),
		AnalyzedFiles: analyzed,
		Diagnostics:   diags,
		Duration:      time.Since(start),
		Incremental:   incremental,
	}
	b.logger.Info("Build complete",
		"generation", s.Generation,
		"build_id", s.BuildID,
		"files", s.FileCount,
		"symbols", s.SymbolCount,
		"edges", s.EdgeCount,
		"diagnostics", len(s.Diagnostics),
		"incremental", incremental,
		"duration", s.Duration.String(),
	)
	return s
}

// analyzePaths stats and analyzes root-relative paths. Paths that are gone
// or ineligible come back with neither result nor diagnostic.
func (b *Builder) analyzePaths(ctx context.Context, paths []string) ([]fileResult, error) {
	entries := make([]filter.Entry, 0, len(paths))
	var gone []fileResult
	for _, p := range paths {
		if e, ok := b.filter.Stat(p); ok {
			entries = append(entries, e)
		} else {
			gone = append(gone, fileResult{entry: filter.Entry{Path: p}})
		}
	}
	results, err := b.analyzeAll(ctx, entries)
	if err != nil {
		return nil, err
	}
	return append(results, gone...), nil
}

// analyzeAll runs the analyzers over entries with bounded parallelism.
// Per-file failures become diagnostics; only cancellation fails the call.
func (b *Builder) analyzeAll(ctx context.Context, entries []filter.Entry) ([]fileResult, error) {
	results := make([]fileResult, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for i, e := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = b.analyzeOne(gctx, e)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *Builder) analyzeOne(ctx context.Context, e filter.Entry) fileResult {
	content, err := os.ReadFile(filepath.Join(b.filter.Root(), filepath.FromSlash(e.Path)))
	if err != nil {
		return b.failed(e, "read failed: "+err.Error())
	}
	res, err := b.registry.Analyze(ctx, content, e.Path)
	if err != nil {
		if ctx.Err() != nil {
			return fileResult{entry: e}
		}
		return b.failed(e, err.Error())
	}
	return fileResult{entry: e, result: res}
}

func (b *Builder) failed(e filter.Entry, msg string) fileResult {
	b.logger.Warn("Skipping file", "path", e.Path, "reason", msg)
	return fileResult{entry: e, diag: &index.Diagnostic{
		Path:    e.Path,
		Code:    string(errors.AnalyzerFailure),
		Message: msg,
	}}
}

// assembly accumulates the records of the next generation.
type assembly struct {
	files       map[string]*index.SourceFile
	symbols     map[string]*index.Symbol
	edges       []index.CallEdge
	diagnostics []index.Diagnostic
	kept        []index.Diagnostic
	calls       map[string][]pendingCall
}

// pendingCall is a call site awaiting resolution.
type pendingCall struct {
	callerID string
	callee   string
	line     int
}

func newAssembly() *assembly {
	return &assembly{
		files:   make(map[string]*index.SourceFile),
		symbols: make(map[string]*index.Symbol),
		calls:   make(map[string][]pendingCall),
	}
}

// keep copies every record of cur outside skip. Kept records are shared,
// not copied; generations never mutate them.
func (a *assembly) keep(cur *index.DeepIndex, skip map[string]bool) {
	for p, f := range cur.Files {
		if !skip[p] {
			a.files[p] = f
		}
	}
	for id, s := range cur.Symbols {
		if !skip[s.Path] {
			a.symbols[id] = s
		}
	}
	for _, e := range cur.Edges {
		if !skip[e.CallerPath] {
			a.edges = append(a.edges, e)
		}
	}
	for _, d := range cur.Diagnostics {
		if !skip[d.Path] {
			a.kept = append(a.kept, d)
		}
	}
}

// add assigns identifiers to one file's symbols and queues its calls.
func (a *assembly) add(r fileResult) {
	if r.diag != nil {
		a.diagnostics = append(a.diagnostics, *r.diag)
	}
	if r.result == nil {
		return
	}
	res := r.result
	path := r.entry.Path

	a.files[path] = &index.SourceFile{
		Path:         path,
		Language:     res.Language,
		Analyzer:     res.Analyzer,
		Size:         r.entry.Size,
		ModTime:      r.entry.ModTime,
		LineCount:    res.Metrics.LineCount,
		CharCount:    res.Metrics.CharCount,
		BlankLines:   res.Metrics.BlankLines,
		CommentLines: res.Metrics.CommentLines,
		IndentStyle:  res.Metrics.IndentStyle,
		IndentWidth:  res.Metrics.IndentWidth,
		Imports:      res.Imports,
		Exports:      res.Exports,
	}

	ids := make([]string, len(res.Symbols))
	for i, s := range res.Symbols {
		id := index.SymbolID(path, s.QualifiedName, s.Kind, s.StartLine)
		ids[i] = id
		if _, dup := a.symbols[id]; dup {
			a.diagnostics = append(a.diagnostics, index.Diagnostic{
				Path:    path,
				Code:    DiagDuplicateSymbol,
				Message: "duplicate symbol " + id,
			})
			continue
		}
		a.symbols[id] = &index.Symbol{
			ID:            id,
			Path:          path,
			Kind:          s.Kind,
			Name:          s.Name,
			QualifiedName: s.QualifiedName,
			Params:        s.Params,
			ReturnType:    s.ReturnType,
			Decorators:    s.Decorators,
			Async:         s.Async,
			Visibility:    s.Visibility,
			StartLine:     s.StartLine,
			EndLine:       s.EndLine,
			Signature:     s.Signature,
			Doc:           s.Doc,
		}
	}
	for i, s := range res.Symbols {
		if s.Parent >= 0 && s.Parent < len(ids) && ids[s.Parent] != ids[i] {
			if sym := a.symbols[ids[i]]; sym.ParentID == "" {
				sym.ParentID = ids[s.Parent]
			}
		}
	}

	for _, c := range res.Calls {
		pc := pendingCall{callee: c.Callee, line: c.Line}
		if c.Caller >= 0 {
			pc.callerID = ids[c.Caller]
		}
		a.calls[path] = append(a.calls[path], pc)
	}
}

func (a *assembly) paths() []string {
	out := make([]string, 0, len(a.calls))
	for p := range a.calls {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// link resolves the queued calls of paths against the whole symbol table.
func (a *assembly) link(paths []string) {
	r := newResolver(a.symbols)
	for _, p := range paths {
		for _, c := range a.calls[p] {
			a.edges = append(a.edges, index.CallEdge{
				CallerID:   c.callerID,
				CallerPath: p,
				CalleeID:   r.resolve(c.callee, p, c.callerID),
				CalleeName: c.callee,
				Line:       c.line,
			})
		}
	}
}

func (a *assembly) generation(root string, gen uint64) *index.DeepIndex {
	diags := append(append([]index.Diagnostic{}, a.kept...), a.diagnostics...)
	return index.NewDeepIndex(root, gen, uuid.New().String(), time.Now(),
		a.files, a.symbols, a.edges, diags)
}

// expandDirs replaces a path naming a directory with the files below it:
// the indexed ones, so a removed or renamed directory drops out, and the
// eligible ones now on disk, so a new directory gets indexed.
func (b *Builder) expandDirs(ctx context.Context, cur *index.DeepIndex, paths []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range paths {
		if _, ok := cur.File(p); ok {
			add(p)
			continue
		}
		prefix := p + "/"
		var below []string
		for _, fp := range cur.Paths() {
			if strings.HasPrefix(fp, prefix) {
				below = append(below, fp)
			}
		}
		onDisk, err := b.filter.WalkDir(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, e := range onDisk {
			below = append(below, e.Path)
		}
		if len(below) == 0 {
			add(p)
			continue
		}
		for _, fp := range below {
			add(fp)
		}
	}
	sort.Strings(out)
	return out, nil
}

func normalizePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		p = strings.TrimPrefix(filepath.ToSlash(filepath.Clean(p)), "./")
		if p == "" || p == "." || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
