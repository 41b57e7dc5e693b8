package analyzer

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"strconv"
	"strings"

	"codeindex/internal/index"
)

// Go analyzes Go sources with go/parser.
type Go struct{}

// NewGo returns the Go analyzer.
func NewGo() *Go {
	return &Go{}
}

// Name implements Analyzer.
func (g *Go) Name() string { return "go" }

// Analyze implements Analyzer.
func (g *Go) Analyze(ctx context.Context, content []byte, relPath string) (*Result, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, relPath, content, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, &FileError{Path: relPath, Reason: "parse error", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Analyzer: g.Name(), Language: "go"}
	line := func(p token.Pos) int { return fset.Position(p).Line }

	for _, imp := range f.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		res.Imports = append(res.Imports, path)
		s := newSymbol(index.KindImport, path, line(imp.Pos()), line(imp.End()))
		if imp.Name != nil {
			s.Signature = imp.Name.Name + " " + imp.Path.Value
		} else {
			s.Signature = imp.Path.Value
		}
		res.Symbols = append(res.Symbols, s)
	}

	// Method symbols name their receiver type; finalize links them once the
	// type symbol is known, whatever the declaration order.
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			s := newSymbol(index.KindFunction, d.Name.Name, line(d.Pos()), line(d.End()))
			if d.Recv != nil && len(d.Recv.List) > 0 {
				recv := receiverName(d.Recv.List[0].Type)
				s.Kind = index.KindMethod
				s.QualifiedName = recv + "." + d.Name.Name
				s.parentName = recv
			}
			s.Params = fieldList(d.Type.Params)
			s.ReturnType = results(d.Type.Results)
			s.Visibility = goVisibility(d.Name.Name)
			s.Signature = funcSignature(d)
			s.Doc = docText(d.Doc)
			res.Symbols = append(res.Symbols, s)
			g.collectCalls(res, d.Body, len(res.Symbols)-1, line)

		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch sp := spec.(type) {
				case *ast.TypeSpec:
					g.addType(res, d, sp, line)
				case *ast.ValueSpec:
					for _, name := range sp.Names {
						if name.Name == "_" {
							continue
						}
						s := newSymbol(index.KindVariable, name.Name, line(name.Pos()), line(sp.End()))
						if sp.Type != nil {
							s.ReturnType = types.ExprString(sp.Type)
						}
						s.Visibility = goVisibility(name.Name)
						s.Signature = d.Tok.String() + " " + name.Name
						s.Doc = docText(d.Doc)
						res.Symbols = append(res.Symbols, s)
					}
					for _, v := range sp.Values {
						g.collectCalls(res, v, -1, line)
					}
				}
			}
		}
	}

	for _, s := range res.Symbols {
		if s.Kind != index.KindImport && s.Parent < 0 && s.parentName == "" && ast.IsExported(s.Name) {
			res.Exports = append(res.Exports, s.Name)
		}
	}
	return res, nil
}

func (g *Go) addType(res *Result, d *ast.GenDecl, sp *ast.TypeSpec, line func(token.Pos) int) {
	s := newSymbol(index.KindClass, sp.Name.Name, line(sp.Pos()), line(sp.End()))
	s.Visibility = goVisibility(sp.Name.Name)
	s.Doc = docText(d.Doc)
	if sp.Doc != nil {
		s.Doc = docText(sp.Doc)
	}

	iface, isIface := sp.Type.(*ast.InterfaceType)
	switch sp.Type.(type) {
	case *ast.StructType:
		s.Kind = index.KindStruct
		s.Signature = "type " + sp.Name.Name + " struct"
	case *ast.InterfaceType:
		s.Kind = index.KindInterface
		s.Signature = "type " + sp.Name.Name + " interface"
	default:
		s.Signature = "type " + sp.Name.Name + " " + types.ExprString(sp.Type)
	}
	res.Symbols = append(res.Symbols, s)
	parent := len(res.Symbols) - 1

	if !isIface || iface.Methods == nil {
		return
	}
	for _, m := range iface.Methods.List {
		ft, ok := m.Type.(*ast.FuncType)
		if !ok || len(m.Names) == 0 {
			continue
		}
		for _, name := range m.Names {
			ms := newSymbol(index.KindMethod, name.Name, line(m.Pos()), line(m.End()))
			ms.QualifiedName = sp.Name.Name + "." + name.Name
			ms.Parent = parent
			ms.Params = fieldList(ft.Params)
			ms.ReturnType = results(ft.Results)
			ms.Visibility = goVisibility(name.Name)
			ms.Signature = name.Name + strings.TrimPrefix(types.ExprString(ft), "func")
			ms.Doc = docText(m.Doc)
			res.Symbols = append(res.Symbols, ms)
		}
	}
}

// collectCalls records every call expression under n. Calls inside function
// literals are attributed to the enclosing declaration.
func (g *Go) collectCalls(res *Result, n ast.Node, caller int, line func(token.Pos) int) {
	if n == nil {
		return
	}
	ast.Inspect(n, func(node ast.Node) bool {
		call, ok := node.(*ast.CallExpr)
		if !ok {
			return true
		}
		if name := calleeName(call.Fun); name != "" {
			res.Calls = append(res.Calls, Call{Caller: caller, Callee: name, Line: line(call.Lparen)})
		}
		return true
	})
}

func calleeName(fun ast.Expr) string {
	switch f := fun.(type) {
	case *ast.Ident:
		return f.Name
	case *ast.SelectorExpr:
		if x := calleeName(f.X); x != "" {
			return x + "." + f.Sel.Name
		}
		return f.Sel.Name
	case *ast.IndexExpr:
		return calleeName(f.X)
	case *ast.IndexListExpr:
		return calleeName(f.X)
	case *ast.ParenExpr:
		return calleeName(f.X)
	}
	return ""
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return types.ExprString(expr)
}

func fieldList(fl *ast.FieldList) []string {
	if fl == nil {
		return nil
	}
	var out []string
	for _, f := range fl.List {
		typ := types.ExprString(f.Type)
		if len(f.Names) == 0 {
			out = append(out, typ)
			continue
		}
		for _, n := range f.Names {
			out = append(out, n.Name+" "+typ)
		}
	}
	return out
}

func results(fl *ast.FieldList) string {
	if fl == nil || len(fl.List) == 0 {
		return ""
	}
	parts := fieldList(fl)
	if len(parts) == 1 && len(fl.List[0].Names) == 0 {
		return parts[0]
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func funcSignature(d *ast.FuncDecl) string {
	var sb strings.Builder
	sb.WriteString("func ")
	if d.Recv != nil && len(d.Recv.List) > 0 {
		sb.WriteString("(")
		sb.WriteString(strings.Join(fieldList(d.Recv), ", "))
		sb.WriteString(") ")
	}
	sb.WriteString(d.Name.Name)
	sb.WriteString("(")
	sb.WriteString(strings.Join(fieldList(d.Type.Params), ", "))
	sb.WriteString(")")
	if r := results(d.Type.Results); r != "" {
		sb.WriteString(" ")
		sb.WriteString(r)
	}
	return sb.String()
}

func docText(cg *ast.CommentGroup) string {
	if cg == nil {
		return ""
	}
	return strings.TrimSpace(cg.Text())
}

func goVisibility(name string) string {
	if ast.IsExported(name) {
		return index.VisibilityPublic
	}
	return index.VisibilityPackage
}
