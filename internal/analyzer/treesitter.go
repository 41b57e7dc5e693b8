//go:build cgo

package analyzer

import (
	"context"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"

	"codeindex/internal/index"
)

// TreeSitter analyzes one language with a tree-sitter grammar. Parsers are
// not safe for concurrent use, so each analysis borrows one from a pool.
type TreeSitter struct {
	spec *langSpec
	pool sync.Pool
}

func newTreeSitter(spec *langSpec) *TreeSitter {
	t := &TreeSitter{spec: spec}
	t.pool.New = func() any {
		p := sitter.NewParser()
		p.SetLanguage(spec.language())
		return p
	}
	return t
}

func registerTreeSitter(r *Registry) {
	for _, spec := range treeSitterLanguages {
		r.Register(newTreeSitter(spec), spec.extensions...)
	}
}

// Name implements Analyzer.
func (t *TreeSitter) Name() string { return "tree-sitter" }

// Analyze implements Analyzer.
func (t *TreeSitter) Analyze(ctx context.Context, content []byte, relPath string) (*Result, error) {
	p := t.pool.Get().(*sitter.Parser)
	defer t.pool.Put(p)

	tree, err := p.ParseCtx(ctx, nil, content)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FileError{Path: relPath, Reason: "parse error", Err: err}
	}
	defer tree.Close()

	w := &tsWalker{
		spec: t.spec,
		src:  content,
		res:  &Result{Analyzer: t.Name(), Language: t.spec.name},
	}
	w.walk(tree.RootNode(), tsScope{container: -1, caller: -1})

	if !w.jsLike() {
		for _, s := range w.res.Symbols {
			if s.Parent < 0 && s.parentName == "" && s.Kind != index.KindImport && s.Visibility == index.VisibilityPublic {
				w.res.Exports = append(w.res.Exports, s.Name)
			}
		}
	}
	return w.res, nil
}

type tsScope struct {
	qual          string
	container     int
	containerQual string
	inClass       bool
	caller        int
}

func (s tsScope) module() bool {
	return s.caller < 0 && s.container < 0 && s.qual == ""
}

type tsWalker struct {
	spec *langSpec
	src  []byte
	res  *Result
}

func (w *tsWalker) jsLike() bool {
	switch w.spec.name {
	case "javascript", "typescript", "tsx":
		return true
	}
	return false
}

func (w *tsWalker) walk(n *sitter.Node, sc tsScope) {
	if n == nil {
		return
	}
	typ := n.Type()

	switch {
	case w.spec.classes[typ] != "":
		w.class(n, sc)
		return
	case w.spec.functions[typ]:
		w.function(n, n, sc)
		return
	case typ == "variable_declarator" && isFunctionValue(n.ChildByFieldName("value")):
		w.function(n, n.ChildByFieldName("value"), sc)
		return
	case w.spec.imports[typ]:
		w.imports(n)
		return
	case typ == "export_statement":
		w.export(n)
	}

	if sc.module() && w.spec.variables[typ] {
		w.variable(n)
	}
	if field, ok := w.spec.calls[typ]; ok {
		w.call(n, field, sc)
	}
	w.children(n, sc)
}

func (w *tsWalker) children(n *sitter.Node, sc tsScope) {
	for i := 0; i < int(n.ChildCount()); i++ {
		w.walk(n.Child(i), sc)
	}
}

func (w *tsWalker) class(n *sitter.Node, sc tsScope) {
	name := w.className(n)
	if name == "" {
		w.children(n, sc)
		return
	}
	qual := joinQual(sc.qual, name)

	if w.spec.containerOnly[n.Type()] {
		w.children(n, tsScope{qual: qual, container: -1, containerQual: qual, inClass: true, caller: -1})
		return
	}

	kind := w.spec.classes[n.Type()]
	if w.spec.name == "kotlin" && hasChildType(n, "interface") {
		kind = index.KindInterface
	}
	s := newSymbol(kind, name, startLine(n), endLine(n))
	s.QualifiedName = qual
	s.Parent = sc.container
	s.Decorators = w.decorators(n)
	s.Visibility = w.visibility(n, name)
	s.Doc = w.doc(n)
	s.Signature = w.header(n)
	w.res.Symbols = append(w.res.Symbols, s)
	idx := len(w.res.Symbols) - 1

	w.children(n, tsScope{qual: qual, container: idx, containerQual: qual, inClass: true, caller: -1})
}

// function records a function. decl names it; fn holds its parameters and
// body, which differ for arrow functions bound to variables.
func (w *tsWalker) function(decl, fn *sitter.Node, sc tsScope) {
	name := w.declName(decl)
	if name == "" {
		w.children(fn, sc)
		return
	}
	qual := joinQual(sc.qual, name)

	kind := index.KindFunction
	if sc.inClass {
		kind = index.KindMethod
	}
	s := newSymbol(kind, name, startLine(decl), endLine(decl))
	s.QualifiedName = qual
	s.Parent = sc.container
	if sc.container < 0 && sc.containerQual != "" {
		s.parentName = sc.containerQual
	}
	s.Params = w.params(fn)
	s.ReturnType = w.returnType(fn)
	s.Async = w.async(fn)
	s.Decorators = w.decorators(decl)
	s.Visibility = w.visibility(decl, name)
	s.Doc = w.doc(decl)
	s.Signature = w.header(decl)
	w.res.Symbols = append(w.res.Symbols, s)
	idx := len(w.res.Symbols) - 1

	w.children(fn, tsScope{qual: qual, container: -1, caller: idx})
}

func (w *tsWalker) variable(n *sitter.Node) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		nameNode = n.ChildByFieldName("left")
	}
	if nameNode == nil {
		if vd := childOfType(n, "variable_declaration"); vd != nil {
			nameNode = childOfType(vd, "simple_identifier")
		}
	}
	if nameNode == nil {
		return
	}
	switch nameNode.Type() {
	case "identifier", "simple_identifier":
	default:
		return
	}
	name := w.text(nameNode)
	s := newSymbol(index.KindVariable, name, startLine(n), endLine(n))
	if t := n.ChildByFieldName("type"); t != nil {
		s.ReturnType = strings.TrimSpace(strings.TrimPrefix(w.text(t), ":"))
	}
	s.Visibility = w.visibility(n, name)
	s.Signature = firstLine(w.text(n), 200)
	w.res.Symbols = append(w.res.Symbols, s)
}

func (w *tsWalker) call(n *sitter.Node, field string, sc tsScope) {
	var callee *sitter.Node
	if field == "" {
		if n.NamedChildCount() > 0 {
			callee = n.NamedChild(0)
		}
	} else {
		callee = n.ChildByFieldName(field)
	}
	if callee == nil {
		return
	}
	raw := w.text(callee)
	if obj := n.ChildByFieldName("object"); obj != nil && n.Type() == "method_invocation" {
		raw = w.text(obj) + "." + raw
	}
	name := normalizeCallee(raw)
	if name == "" {
		return
	}
	w.res.Calls = append(w.res.Calls, Call{Caller: sc.caller, Callee: name, Line: int(callee.EndPoint().Row) + 1})
}

func (w *tsWalker) imports(n *sitter.Node) {
	var mods []string
	switch n.Type() {
	case "import_statement":
		if w.spec.name == "python" {
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				switch c.Type() {
				case "dotted_name":
					mods = append(mods, w.text(c))
				case "aliased_import":
					if name := c.ChildByFieldName("name"); name != nil {
						mods = append(mods, w.text(name))
					}
				}
			}
		} else if src := n.ChildByFieldName("source"); src != nil {
			mods = append(mods, strings.Trim(w.text(src), "'\"`"))
		}
	case "import_from_statement":
		if m := n.ChildByFieldName("module_name"); m != nil {
			mods = append(mods, w.text(m))
		}
	case "use_declaration":
		if a := n.ChildByFieldName("argument"); a != nil {
			mods = append(mods, w.text(a))
		}
	default:
		if n.NamedChildCount() > 0 {
			mods = append(mods, w.text(n.NamedChild(0)))
		}
	}

	for _, m := range mods {
		m = strings.Join(strings.Fields(m), "")
		w.res.Imports = append(w.res.Imports, m)
		s := newSymbol(index.KindImport, m, startLine(n), endLine(n))
		s.Signature = firstLine(w.text(n), 200)
		w.res.Symbols = append(w.res.Symbols, s)
	}
}

// export records the names an export statement makes public. Declarations
// are still walked as ordinary symbols; clauses produce export symbols.
func (w *tsWalker) export(n *sitter.Node) {
	if decl := n.ChildByFieldName("declaration"); decl != nil {
		if name := decl.ChildByFieldName("name"); name != nil {
			w.res.Exports = append(w.res.Exports, w.text(name))
			return
		}
		for i := 0; i < int(decl.NamedChildCount()); i++ {
			c := decl.NamedChild(i)
			if c.Type() != "variable_declarator" {
				continue
			}
			if name := c.ChildByFieldName("name"); name != nil {
				w.res.Exports = append(w.res.Exports, w.text(name))
			}
		}
		return
	}

	addExport := func(name string) {
		w.res.Exports = append(w.res.Exports, name)
		s := newSymbol(index.KindExport, name, startLine(n), endLine(n))
		s.Signature = firstLine(w.text(n), 200)
		w.res.Symbols = append(w.res.Symbols, s)
	}
	if clause := childOfType(n, "export_clause"); clause != nil {
		for i := 0; i < int(clause.NamedChildCount()); i++ {
			spec := clause.NamedChild(i)
			if spec.Type() != "export_specifier" {
				continue
			}
			name := spec.ChildByFieldName("alias")
			if name == nil {
				name = spec.ChildByFieldName("name")
			}
			if name != nil {
				addExport(w.text(name))
			}
		}
		return
	}
	if v := n.ChildByFieldName("value"); v != nil && v.Type() == "identifier" {
		addExport(w.text(v))
	}
}

func (w *tsWalker) className(n *sitter.Node) string {
	if n.Type() == "impl_item" {
		t := n.ChildByFieldName("type")
		if t != nil && t.Type() == "generic_type" {
			t = t.ChildByFieldName("type")
		}
		if t != nil {
			return w.text(t)
		}
		return ""
	}
	return w.declName(n)
}

func (w *tsWalker) declName(n *sitter.Node) string {
	if name := n.ChildByFieldName("name"); name != nil {
		return w.text(name)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "identifier", "simple_identifier", "type_identifier":
			return w.text(c)
		}
	}
	return ""
}

func (w *tsWalker) params(fn *sitter.Node) []string {
	pl := fn.ChildByFieldName("parameters")
	if pl == nil {
		if single := fn.ChildByFieldName("parameter"); single != nil {
			return []string{w.text(single)}
		}
		pl = childOfType(fn, "function_value_parameters")
	}
	if pl == nil {
		return nil
	}
	var out []string
	for i := 0; i < int(pl.NamedChildCount()); i++ {
		c := pl.NamedChild(i)
		if strings.Contains(c.Type(), "comment") {
			continue
		}
		out = append(out, firstLine(w.text(c), 120))
	}
	return out
}

func (w *tsWalker) returnType(fn *sitter.Node) string {
	t := fn.ChildByFieldName("return_type")
	if t == nil && w.spec.name == "java" && fn.Type() == "method_declaration" {
		t = fn.ChildByFieldName("type")
	}
	if t == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(firstLine(w.text(t), 120), ":"))
}

func (w *tsWalker) async(fn *sitter.Node) bool {
	if hasChildType(fn, "async") {
		return true
	}
	if mods := childOfType(fn, "function_modifiers"); mods != nil {
		return strings.Contains(w.text(mods), "async")
	}
	if mods := childOfType(fn, "modifiers"); mods != nil && w.spec.name == "kotlin" {
		return strings.Contains(w.text(mods), "suspend")
	}
	return false
}

func (w *tsWalker) decorators(n *sitter.Node) []string {
	var out []string
	add := func(d *sitter.Node) {
		out = append(out, strings.TrimPrefix(firstLine(w.text(d), 120), "@"))
	}

	switch w.spec.name {
	case "python":
		if p := n.Parent(); p != nil && p.Type() == "decorated_definition" {
			for i := 0; i < int(p.NamedChildCount()); i++ {
				if c := p.NamedChild(i); c.Type() == "decorator" {
					add(c)
				}
			}
		}
	case "java", "kotlin":
		if mods := childOfType(n, "modifiers"); mods != nil {
			for i := 0; i < int(mods.NamedChildCount()); i++ {
				c := mods.NamedChild(i)
				if strings.Contains(c.Type(), "annotation") {
					add(c)
				}
			}
		}
	case "rust":
		for p := n.PrevNamedSibling(); p != nil && p.Type() == "attribute_item"; p = p.PrevNamedSibling() {
			out = append([]string{firstLine(w.text(p), 120)}, out...)
		}
	default:
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if c := n.NamedChild(i); c.Type() == "decorator" {
				add(c)
			}
		}
		var before []string
		for p := n.PrevNamedSibling(); p != nil && p.Type() == "decorator"; p = p.PrevNamedSibling() {
			before = append([]string{strings.TrimPrefix(firstLine(w.text(p), 120), "@")}, before...)
		}
		out = append(before, out...)
	}
	return out
}

func (w *tsWalker) visibility(n *sitter.Node, name string) string {
	switch w.spec.name {
	case "java", "kotlin":
		mods := ""
		if m := childOfType(n, "modifiers"); m != nil {
			mods = w.text(m)
		}
		switch {
		case strings.Contains(mods, "private"):
			return index.VisibilityPrivate
		case strings.Contains(mods, "protected"):
			return index.VisibilityProtected
		case strings.Contains(mods, "public"):
			return index.VisibilityPublic
		case strings.Contains(mods, "internal"):
			return index.VisibilityPackage
		case w.spec.name == "java":
			return index.VisibilityPackage
		}
		return index.VisibilityPublic
	case "rust":
		if hasChildType(n, "visibility_modifier") {
			return index.VisibilityPublic
		}
		return index.VisibilityPrivate
	}

	if m := childOfType(n, "accessibility_modifier"); m != nil {
		switch w.text(m) {
		case "private":
			return index.VisibilityPrivate
		case "protected":
			return index.VisibilityProtected
		}
	}
	if strings.HasPrefix(name, "_") || strings.HasPrefix(name, "#") {
		return index.VisibilityPrivate
	}
	return index.VisibilityPublic
}

// doc returns a Python docstring or the comment block right above n.
func (w *tsWalker) doc(n *sitter.Node) string {
	if w.spec.name == "python" {
		body := n.ChildByFieldName("body")
		if body == nil || body.NamedChildCount() == 0 {
			return ""
		}
		first := body.NamedChild(0)
		if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
			return ""
		}
		if str := first.NamedChild(0); str.Type() == "string" {
			return strings.TrimSpace(strings.Trim(w.text(str), `"'`))
		}
		return ""
	}

	target := n
	if p := n.Parent(); p != nil && (p.Type() == "export_statement" || p.Type() == "lexical_declaration") {
		target = p
	}
	var lines []string
	next := startLine(target)
	for c := target.PrevNamedSibling(); c != nil && strings.Contains(c.Type(), "comment"); c = c.PrevNamedSibling() {
		if endLine(c) < next-1 {
			break
		}
		lines = append([]string{cleanComment(w.text(c))}, lines...)
		next = startLine(c)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// header is the declaration text before its body, on one line.
func (w *tsWalker) header(n *sitter.Node) string {
	end := n.EndByte()
	if body := n.ChildByFieldName("body"); body != nil {
		end = body.StartByte()
	}
	text := string(w.src[n.StartByte():end])
	text = strings.TrimRight(strings.TrimSpace(text), "{:")
	return firstLine(strings.Join(strings.Fields(text), " "), 200)
}

func (w *tsWalker) text(n *sitter.Node) string {
	return string(w.src[n.StartByte():n.EndByte()])
}

func cleanComment(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		for _, p := range []string{"///", "//!", "//", "/**", "/*", "*/", "*"} {
			line = strings.TrimPrefix(line, p)
		}
		line = strings.TrimSuffix(line, "*/")
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func isFunctionValue(n *sitter.Node) bool {
	if n == nil {
		return false
	}
	switch n.Type() {
	case "arrow_function", "function", "function_expression", "generator_function":
		return true
	}
	return false
}

func childOfType(n *sitter.Node, typ string) *sitter.Node {
	for i := 0; i < int(n.ChildCount()); i++ {
		if c := n.Child(i); c != nil && c.Type() == typ {
			return c
		}
	}
	return nil
}

func hasChildType(n *sitter.Node, typ string) bool {
	return childOfType(n, typ) != nil
}

func joinQual(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func startLine(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }
func endLine(n *sitter.Node) int   { return int(n.EndPoint().Row) + 1 }
