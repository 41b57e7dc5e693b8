//go:build !cgo

package analyzer

// Without cgo there are no tree-sitter grammars; those extensions fall
// through to the generic analyzer.
func registerTreeSitter(r *Registry) {}
