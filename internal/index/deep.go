package index

import (
	"sort"
	"time"
)

// DeepIndex is one immutable generation. All fields and derived lookups are
// built by NewDeepIndex and never mutated afterwards, so a *DeepIndex can be
// shared by any number of readers without locking.
type DeepIndex struct {
	Root        string
	Generation  uint64
	BuildID     string
	BuiltAt     time.Time
	Files       map[string]*SourceFile
	Symbols     map[string]*Symbol
	Edges       []CallEdge
	Diagnostics []Diagnostic

	paths       []string
	byFile      map[string][]*Symbol
	byShortName map[string][]*Symbol
	byQualified map[string][]*Symbol
	callers     map[string][]int
	callees     map[string][]int
	unresolved  map[string][]int
	edgesByFile map[string][]int
	diagsByFile map[string][]Diagnostic
}

// NewDeepIndex assembles a generation and its lookup tables. Edges and
// diagnostics are sorted into their canonical order.
func NewDeepIndex(root string, generation uint64, buildID string, builtAt time.Time,
	files map[string]*SourceFile, symbols map[string]*Symbol, edges []CallEdge, diags []Diagnostic) *DeepIndex {
	if files == nil {
		files = make(map[string]*SourceFile)
	}
	if symbols == nil {
		symbols = make(map[string]*Symbol)
	}
	SortEdges(edges)
	sort.SliceStable(diags, func(i, j int) bool {
		a, b := diags[i], diags[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})

	d := &DeepIndex{
		Root:        root,
		Generation:  generation,
		BuildID:     buildID,
		BuiltAt:     builtAt,
		Files:       files,
		Symbols:     symbols,
		Edges:       edges,
		Diagnostics: diags,
		byFile:      make(map[string][]*Symbol),
		byShortName: make(map[string][]*Symbol),
		byQualified: make(map[string][]*Symbol),
		callers:     make(map[string][]int),
		callees:     make(map[string][]int),
		unresolved:  make(map[string][]int),
		edgesByFile: make(map[string][]int),
		diagsByFile: make(map[string][]Diagnostic),
	}

	d.paths = make([]string, 0, len(files))
	for p := range files {
		d.paths = append(d.paths, p)
	}
	sort.Strings(d.paths)

	for _, s := range symbols {
		d.byFile[s.Path] = append(d.byFile[s.Path], s)
		d.byShortName[s.ShortName()] = append(d.byShortName[s.ShortName()], s)
		d.byQualified[s.QualifiedName] = append(d.byQualified[s.QualifiedName], s)
	}
	for _, m := range []map[string][]*Symbol{d.byFile, d.byShortName, d.byQualified} {
		for _, list := range m {
			SortSymbols(list)
		}
	}

	for i, e := range edges {
		d.edgesByFile[e.CallerPath] = append(d.edgesByFile[e.CallerPath], i)
		if e.CallerID != "" {
			d.callees[e.CallerID] = append(d.callees[e.CallerID], i)
		}
		if e.Resolved() {
			d.callers[e.CalleeID] = append(d.callers[e.CalleeID], i)
		} else {
			d.unresolved[ShortName(e.CalleeName)] = append(d.unresolved[ShortName(e.CalleeName)], i)
		}
	}

	for _, diag := range diags {
		d.diagsByFile[diag.Path] = append(d.diagsByFile[diag.Path], diag)
	}

	return d
}

// FileCount returns the number of indexed files.
func (d *DeepIndex) FileCount() int { return len(d.Files) }

// SymbolCount returns the number of symbols.
func (d *DeepIndex) SymbolCount() int { return len(d.Symbols) }

// EdgeCount returns the number of call edges.
func (d *DeepIndex) EdgeCount() int { return len(d.Edges) }

// UnresolvedCount returns the number of edges without a callee symbol.
func (d *DeepIndex) UnresolvedCount() int {
	n := 0
	for _, idx := range d.unresolved {
		n += len(idx)
	}
	return n
}

// Paths returns the indexed paths in sorted order.
func (d *DeepIndex) Paths() []string {
	return d.paths
}

// Symbol looks up a symbol by identifier.
func (d *DeepIndex) Symbol(id string) (*Symbol, bool) {
	s, ok := d.Symbols[id]
	return s, ok
}

// File looks up a file by relative path.
func (d *DeepIndex) File(path string) (*SourceFile, bool) {
	f, ok := d.Files[path]
	return f, ok
}

// SymbolsInFile returns a file's symbols ordered by start line.
func (d *DeepIndex) SymbolsInFile(path string) []*Symbol {
	return d.byFile[path]
}

// SymbolsNamed returns symbols whose qualified name or short name equals name.
func (d *DeepIndex) SymbolsNamed(name string) []*Symbol {
	if exact := d.byQualified[name]; len(exact) > 0 {
		return exact
	}
	return d.byShortName[name]
}

// Callers returns edges that call the symbol: resolved edges targeting it,
// followed by unresolved edges whose callee name matches its short name.
func (d *DeepIndex) Callers(id string) []CallEdge {
	s, ok := d.Symbols[id]
	if !ok {
		return nil
	}
	var out []CallEdge
	for _, i := range d.callers[id] {
		out = append(out, d.Edges[i])
	}
	for _, i := range d.unresolved[s.ShortName()] {
		out = append(out, d.Edges[i])
	}
	return out
}

// Callees returns the edges made from within the symbol.
func (d *DeepIndex) Callees(id string) []CallEdge {
	var out []CallEdge
	for _, i := range d.callees[id] {
		out = append(out, d.Edges[i])
	}
	return out
}

// EdgesFromFile returns the edges whose call site is in path.
func (d *DeepIndex) EdgesFromFile(path string) []CallEdge {
	var out []CallEdge
	for _, i := range d.edgesByFile[path] {
		out = append(out, d.Edges[i])
	}
	return out
}

// DiagnosticsFor returns the diagnostics recorded for path.
func (d *DeepIndex) DiagnosticsFor(path string) []Diagnostic {
	return d.diagsByFile[path]
}

// SortSymbols orders symbols by path, start line, kind and qualified name.
func SortSymbols(list []*Symbol) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.StartLine != b.StartLine {
			return a.StartLine < b.StartLine
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.QualifiedName < b.QualifiedName
	})
}

// SortEdges puts edges into canonical order: call-site path, line, callee
// name, caller, callee.
func SortEdges(edges []CallEdge) {
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.CallerPath != b.CallerPath {
			return a.CallerPath < b.CallerPath
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.CalleeName != b.CalleeName {
			return a.CalleeName < b.CalleeName
		}
		if a.CallerID != b.CallerID {
			return a.CallerID < b.CallerID
		}
		return a.CalleeID < b.CalleeID
	})
}
