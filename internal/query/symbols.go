package query

import (
	"codeindex/internal/errors"
	"codeindex/internal/index"
)

// FileSummary is a file record with its symbols and any analysis
// diagnostics recorded for it.
type FileSummary struct {
	File        *index.SourceFile  `json:"file"`
	Symbols     []*index.Symbol    `json:"symbols"`
	Diagnostics []index.Diagnostic `json:"diagnostics,omitempty"`
}

// CallGraph lists the edges around one symbol.
type CallGraph struct {
	Symbol *index.Symbol    `json:"symbol"`
	Edges  []index.CallEdge `json:"edges"`
}

// generation returns the published generation or INDEX_NOT_BUILT.
func (e *Engine) generation() (*index.DeepIndex, error) {
	p, err := e.current()
	if err != nil {
		return nil, err
	}
	cur := p.deep.Current()
	if cur == nil {
		return nil, errors.Newf(errors.IndexNotBuilt, "project %s has not been indexed", p.root)
	}
	return cur, nil
}

// QuerySymbol looks up a symbol by identifier. A malformed identifier is
// INVALID_PARAMETER.
func (e *Engine) QuerySymbol(id string) (*index.Symbol, error) {
	cur, err := e.generation()
	if err != nil {
		return nil, err
	}
	if s, ok := cur.Symbol(id); ok {
		return s, nil
	}
	path, qual, _, _, err := index.ParseSymbolID(id)
	if err != nil {
		return nil, errors.New(errors.InvalidParameter, "malformed symbol identifier", err)
	}

	// The construct may have moved; offer same-named symbols in the file.
	details := map[string]interface{}{"generation": cur.Generation}
	var candidates []string
	for _, c := range cur.SymbolsInFile(path) {
		if c.QualifiedName == qual {
			candidates = append(candidates, c.ID)
		}
	}
	if len(candidates) > 0 {
		details["candidates"] = candidates
	}
	return nil, errors.Newf(errors.SymbolNotFound, "no symbol with identifier %q", id).WithDetails(details)
}

// FindSymbols returns the symbols whose qualified name equals name, or
// failing that whose short name does.
func (e *Engine) FindSymbols(name string) ([]*index.Symbol, error) {
	cur, err := e.generation()
	if err != nil {
		return nil, err
	}
	found := cur.SymbolsNamed(name)
	if len(found) == 0 {
		return nil, errors.Newf(errors.SymbolNotFound, "no symbol named %q", name)
	}
	return found, nil
}

// FileSummary returns the record of an indexed file. path may be absolute
// or root-relative.
func (e *Engine) FileSummary(path string) (*FileSummary, error) {
	p, err := e.current()
	if err != nil {
		return nil, err
	}
	cur, err := e.generation()
	if err != nil {
		return nil, err
	}
	rel, err := p.relative(path)
	if err != nil {
		return nil, err
	}
	f, ok := cur.File(rel)
	if !ok {
		return nil, errors.Newf(errors.FileNotFound, "%s is not indexed", rel)
	}
	symbols := cur.SymbolsInFile(rel)
	if symbols == nil {
		symbols = []*index.Symbol{}
	}
	return &FileSummary{
		File:        f,
		Symbols:     symbols,
		Diagnostics: cur.DiagnosticsFor(rel),
	}, nil
}

// Callers returns the call sites of a symbol, resolved edges first, then
// unresolved edges that name it.
func (e *Engine) Callers(id string) (*CallGraph, error) {
	return e.edges(id, (*index.DeepIndex).Callers)
}

// Callees returns the calls made from within a symbol.
func (e *Engine) Callees(id string) (*CallGraph, error) {
	return e.edges(id, (*index.DeepIndex).Callees)
}

func (e *Engine) edges(id string, list func(*index.DeepIndex, string) []index.CallEdge) (*CallGraph, error) {
	cur, err := e.generation()
	if err != nil {
		return nil, err
	}
	s, ok := cur.Symbol(id)
	if !ok {
		return nil, errors.Newf(errors.SymbolNotFound, "no symbol with identifier %q", id)
	}
	edges := list(cur, id)
	if edges == nil {
		edges = []index.CallEdge{}
	}
	return &CallGraph{Symbol: s, Edges: edges}, nil
}
