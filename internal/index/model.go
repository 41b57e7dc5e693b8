// Package index defines the deep index data model: source files, symbols,
// call edges and the immutable generation snapshot that answers point queries.
package index

import (
	"strings"
	"time"
)

// Kind is the kind of an extracted construct.
type Kind string

const (
	KindFunction  Kind = "function"
	KindClass     Kind = "class"
	KindMethod    Kind = "method"
	KindInterface Kind = "interface"
	KindStruct    Kind = "struct"
	KindVariable  Kind = "variable"
	KindImport    Kind = "import"
	KindExport    Kind = "export"
)

// Callable reports whether a call edge may target a symbol of this kind.
// Classes and structs are callable as constructors.
func (k Kind) Callable() bool {
	switch k {
	case KindFunction, KindMethod, KindClass, KindStruct:
		return true
	}
	return false
}

// Container reports whether symbols of this kind can parent methods.
func (k Kind) Container() bool {
	switch k {
	case KindClass, KindInterface, KindStruct:
		return true
	}
	return false
}

// Visibility values.
const (
	VisibilityPublic    = "public"
	VisibilityPrivate   = "private"
	VisibilityProtected = "protected"
	VisibilityPackage   = "package"
)

// SourceFile is the per-file record of a generation.
type SourceFile struct {
	Path         string    `json:"path"`
	Language     string    `json:"language"`
	Analyzer     string    `json:"analyzer"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"modTime"`
	LineCount    int       `json:"lineCount"`
	CharCount    int       `json:"charCount"`
	BlankLines   int       `json:"blankLines"`
	CommentLines int       `json:"commentLines"`
	IndentStyle  string    `json:"indentStyle"`
	IndentWidth  int       `json:"indentWidth"`
	Imports      []string  `json:"imports,omitempty"`
	Exports      []string  `json:"exports,omitempty"`
}

// Symbol is one extracted construct.
type Symbol struct {
	ID            string   `json:"id"`
	Path          string   `json:"path"`
	Kind          Kind     `json:"kind"`
	Name          string   `json:"name"`
	QualifiedName string   `json:"qualifiedName"`
	Params        []string `json:"params,omitempty"`
	ReturnType    string   `json:"returnType,omitempty"`
	Decorators    []string `json:"decorators,omitempty"`
	Async         bool     `json:"async,omitempty"`
	Visibility    string   `json:"visibility"`
	StartLine     int      `json:"startLine"`
	EndLine       int      `json:"endLine"`
	ParentID      string   `json:"parentId,omitempty"`
	Signature     string   `json:"signature,omitempty"`
	Doc           string   `json:"doc,omitempty"`
}

// ShortName is the last dotted segment of the qualified name.
func (s *Symbol) ShortName() string {
	return ShortName(s.QualifiedName)
}

// CallEdge is a directed call from CallerID to CalleeID. CallerID is empty
// for calls at file scope. CalleeID is empty when the callee could not be
// resolved; CalleeName, CallerPath and Line are always set.
type CallEdge struct {
	CallerID   string `json:"callerId,omitempty"`
	CallerPath string `json:"callerPath"`
	CalleeID   string `json:"calleeId,omitempty"`
	CalleeName string `json:"calleeName"`
	Line       int    `json:"line"`
}

// Resolved reports whether the edge points at a known symbol.
func (e CallEdge) Resolved() bool {
	return e.CalleeID != ""
}

// Diagnostic records a per-file analysis failure.
type Diagnostic struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ShortName returns the last segment of a dotted name.
func ShortName(qualified string) string {
	if i := strings.LastIndexByte(qualified, '.'); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}
