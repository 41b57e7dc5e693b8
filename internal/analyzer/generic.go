package analyzer

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"codeindex/internal/index"
)

type blockStyle int

const (
	blockAuto blockStyle = iota
	blockBraces
	blockIndent
)

// family is a set of line patterns shared by similar languages. Patterns
// use the named groups name, params, mods, kw, vis and mod.
type family struct {
	name      string
	functions []*regexp.Regexp
	// members only match inside a class range.
	members []*regexp.Regexp
	classes []*regexp.Regexp
	imports []*regexp.Regexp
	blocks  blockStyle
}

var (
	pythonFamily = &family{
		name:      "python",
		functions: compileAll(`^\s*(?P<mods>async\s+)?def\s+(?P<name>[A-Za-z_]\w*)\s*\((?P<params>[^)]*)`),
		classes:   compileAll(`^\s*(?P<kw>class)\s+(?P<name>[A-Za-z_]\w*)`),
		imports:   compileAll(`^\s*import\s+(?P<mod>[\w.]+)`, `^\s*from\s+(?P<mod>[\w.]+)\s+import\b`),
		blocks:    blockIndent,
	}
	rubyFamily = &family{
		name:      "ruby",
		functions: compileAll(`^\s*def\s+(?:self\.)?(?P<name>[A-Za-z_]\w*[!?=]?)(?:\s*\((?P<params>[^)]*)\))?`),
		classes:   compileAll(`^\s*(?P<kw>class|module)\s+(?P<name>[A-Z][\w:]*)`),
		imports:   compileAll(`^\s*require(?:_relative)?\s*\(?\s*['"](?P<mod>[^'"]+)['"]`),
		blocks:    blockIndent,
	}
	elixirFamily = &family{
		name:      "elixir",
		functions: compileAll(`^\s*(?P<vis>defp?)\s+(?P<name>[a-z_]\w*[!?]?)(?:\s*\((?P<params>[^)]*)\))?`),
		classes:   compileAll(`^\s*(?P<kw>defmodule)\s+(?P<name>[\w.]+)`),
		imports:   compileAll(`^\s*(?:import|alias|use|require)\s+(?P<mod>[\w.]+)`),
		blocks:    blockIndent,
	}
	luaFamily = &family{
		name: "lua",
		functions: compileAll(
			`^\s*(?P<vis>local\s+)?function\s+(?P<name>[\w.:]+)\s*\((?P<params>[^)]*)`,
			`^\s*(?P<vis>local\s+)?(?P<name>[\w.]+)\s*=\s*function\s*\((?P<params>[^)]*)`,
		),
		imports: compileAll(`require\s*\(?\s*['"](?P<mod>[^'"]+)['"]`),
		blocks:  blockIndent,
	}
	shellFamily = &family{
		name: "shell",
		functions: compileAll(
			`^\s*function\s+(?P<name>[A-Za-z_][\w-]*)`,
			`^\s*(?P<name>[A-Za-z_][\w-]*)\s*\(\)`,
		),
		imports: compileAll(`^\s*(?:source|\.)\s+(?P<mod>\S+)`),
		blocks:  blockBraces,
	}
	phpFamily = &family{
		name:      "php",
		functions: compileAll(`^\s*(?P<mods>(?:(?:public|private|protected|static|abstract|final)\s+)*)function\s+&?(?P<name>\w+)\s*\((?P<params>[^)]*)`),
		classes:   compileAll(`^\s*(?:(?:abstract|final|readonly)\s+)*(?P<kw>class|interface|trait|enum)\s+(?P<name>\w+)`),
		imports:   compileAll(`^\s*(?:use|require_once|require|include_once|include)\s*\(?\s*['"]?(?P<mod>[\w\\/.]+)`),
		blocks:    blockBraces,
	}
	swiftFamily = &family{
		name:      "swift",
		functions: compileAll(`^\s*(?P<mods>(?:(?:public|private|internal|fileprivate|open|static|class|override|final|mutating|@\w+)\s+)*)func\s+(?P<name>\w+)\s*(?:<[^>]*>)?\((?P<params>[^)]*)`),
		classes:   compileAll(`^\s*(?P<mods>(?:(?:public|private|internal|fileprivate|open|final)\s+)*)(?P<kw>class|struct|protocol|enum|extension|actor)\s+(?P<name>\w+)`),
		imports:   compileAll(`^\s*import\s+(?P<mod>[\w.]+)`),
		blocks:    blockBraces,
	}
	scalaFamily = &family{
		name:      "scala",
		functions: compileAll(`^\s*(?P<mods>(?:(?:override|private|protected|final|implicit|inline)\s+)*)def\s+(?P<name>\w+)\s*(?:\[[^\]]*\])?(?:\((?P<params>[^)]*)\))?`),
		classes:   compileAll(`^\s*(?P<mods>(?:(?:abstract|final|sealed|case|private|implicit)\s+)*)(?P<kw>class|object|trait|enum)\s+(?P<name>\w+)`),
		imports:   compileAll(`^\s*import\s+(?P<mod>[\w.]+)`),
		blocks:    blockBraces,
	}
	kotlinFamily = &family{
		name:      "kotlin",
		functions: compileAll(`^\s*(?P<mods>(?:(?:public|private|protected|internal|override|open|abstract|suspend|inline|operator|infix|tailrec|@\w+)\s+)*)fun\s+(?:<[^>]*>\s*)?(?:[\w.]+\.)?(?P<name>\w+)\s*\((?P<params>[^)]*)`),
		classes:   compileAll(`^\s*(?P<mods>(?:(?:public|private|protected|internal|open|abstract|sealed|data|enum|inner|annotation|value)\s+)*)(?P<kw>class|interface|object)\s+(?P<name>\w+)`),
		imports:   compileAll(`^\s*import\s+(?P<mod>[\w.]+)`),
		blocks:    blockBraces,
	}
	rustFamily = &family{
		name:      "rust",
		functions: compileAll(`^\s*(?P<mods>(?:pub(?:\([^)]*\))?\s+)?(?:(?:async|const|unsafe|extern(?:\s+"[^"]*")?)\s+)*)fn\s+(?P<name>\w+)\s*(?:<[^>]*>)?\((?P<params>[^)]*)`),
		classes: compileAll(
			`^\s*(?P<mods>(?:pub(?:\([^)]*\))?\s+)?)(?P<kw>struct|enum|trait|union)\s+(?P<name>\w+)`,
			`^\s*(?P<kw>impl)(?:<[^>]*>)?\s+(?:[\w:]+(?:<[^>]*>)?\s+for\s+)?(?P<name>\w+)`,
		),
		imports: compileAll(`^\s*(?:pub\s+)?use\s+(?P<mod>[\w:]+)`),
		blocks:  blockBraces,
	}
	jsFamily = &family{
		name: "javascript",
		functions: compileAll(
			`^\s*(?P<mods>(?:export\s+)?(?:default\s+)?(?:async\s+)?)function\s*\*?\s*(?P<name>[\w$]+)\s*(?:<[^>]*>)?\((?P<params>[^)]*)`,
			`^\s*(?:export\s+)?(?:const|let|var)\s+(?P<name>[\w$]+)\s*(?::[^=]+)?=\s*(?P<mods>async\s+)?(?:function\b|\((?P<params>[^)]*)\)\s*(?::[^=]+)?=>|[\w$]+\s*=>)`,
		),
		members: compileAll(`^\s*(?P<mods>(?:(?:public|private|protected|static|async|readonly|override|abstract|get|set)\s+)*)(?P<name>#?[\w$]+)\s*(?:<[^>]*>)?\((?P<params>[^)]*)\)\s*(?::\s*[^{]+)?\{`),
		classes:  compileAll(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?(?P<kw>class|interface|enum)\s+(?P<name>[\w$]+)`),
		imports: compileAll(
			`^\s*import\s+.*?\bfrom\s+['"](?P<mod>[^'"]+)['"]`,
			`^\s*import\s+['"](?P<mod>[^'"]+)['"]`,
			`\brequire\(\s*['"](?P<mod>[^'"]+)['"]\s*\)`,
		),
		blocks: blockBraces,
	}
	cFamily = &family{
		name:      "c-family",
		functions: compileAll(`^\s*(?P<mods>(?:(?:public|private|protected|internal|static|final|abstract|virtual|override|async|sealed|extern|inline|synchronized|native|unsafe|partial|default)\s+)*)(?:[\w:<>\[\],.*&?]+\s+)*?[*&]*(?P<name>[A-Za-z_~][\w:]*)\s*\((?P<params>[^;{)]*)\)\s*(?:const\s*)?(?:throws\s+[\w., ]+)?\s*\{?\s*$`),
		classes: compileAll(
			`^\s*(?P<mods>(?:(?:public|private|protected|internal|static|abstract|sealed|partial|final|export|typedef)\s+)*)(?P<kw>class|struct|interface|enum|union|namespace|record)\s+(?P<name>[A-Za-z_]\w*)`,
			`^\s*@(?P<kw>interface|implementation|protocol)\s+(?P<name>\w+)`,
		),
		imports: compileAll(
			`^\s*#\s*(?:include|import)\s*[<"](?P<mod>[^>"]+)[>"]`,
			`^\s*using\s+(?:static\s+)?(?P<mod>[\w.]+)\s*;`,
			`^\s*import\s+(?:static\s+)?['"]?(?P<mod>[\w./:*-]+)`,
		),
		blocks: blockBraces,
	}
	defaultFamily = &family{
		name:      "default",
		functions: compileAll(`^\s*(?:(?:public|private|protected|static|async|export)\s+)*(?:def|func|function|fn|fun|sub|proc)\s+(?P<name>[A-Za-z_][\w.]*)\s*(?:\((?P<params>[^)]*))?`),
		classes:   compileAll(`^\s*(?P<kw>class|struct|interface|trait|module|object)\s+(?P<name>[A-Za-z_]\w*)`),
		imports:   compileAll(`^\s*(?:import|require|use|include|using)\s+['"<]?(?P<mod>[\w./:-]+)`),
		blocks:    blockAuto,
	}
)

var familyByLanguage = map[string]*family{
	"python": pythonFamily, "ruby": rubyFamily, "elixir": elixirFamily, "lua": luaFamily,
	"shell": shellFamily, "php": phpFamily, "swift": swiftFamily, "scala": scalaFamily,
	"kotlin": kotlinFamily, "rust": rustFamily,
	"javascript": jsFamily, "typescript": jsFamily, "tsx": jsFamily, "vue": jsFamily, "svelte": jsFamily,
	"java": cFamily, "csharp": cFamily, "c": cFamily, "cpp": cFamily, "objc": cFamily,
	"dart": cFamily, "groovy": cFamily,
}

var (
	callPattern   = regexp.MustCompile(`(?P<callee>[A-Za-z_$][\w$]*(?:(?:\.|::|->)[A-Za-z_$][\w$]*)*)\s*\(`)
	stringLiteral = regexp.MustCompile(`"(?:\\.|[^"\\])*"|'(?:\\.|[^'\\])*'|` + "`[^`]*`")
)

var callKeywords = map[string]bool{
	"if": true, "for": true, "foreach": true, "while": true, "switch": true, "catch": true,
	"return": true, "function": true, "def": true, "fn": true, "func": true, "fun": true,
	"sizeof": true, "typeof": true, "new": true, "else": true, "elif": true, "elsif": true,
	"unless": true, "until": true, "with": true, "and": true, "or": true, "not": true,
	"in": true, "is": true, "lambda": true, "await": true, "yield": true, "assert": true,
	"match": true, "when": true, "case": true, "do": true, "then": true, "using": true,
	"delete": true, "throw": true, "raise": true, "except": true, "local": true,
	"async": true,
}

var classKinds = map[string]index.Kind{
	"class": index.KindClass, "module": index.KindClass, "object": index.KindClass,
	"defmodule": index.KindClass, "namespace": index.KindClass, "enum": index.KindClass,
	"extension": index.KindClass, "actor": index.KindClass, "record": index.KindClass,
	"implementation": index.KindClass,
	"struct": index.KindStruct, "union": index.KindStruct,
	"interface": index.KindInterface, "protocol": index.KindInterface, "trait": index.KindInterface,
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Generic is the pattern-based fallback analyzer. Line numbers are exact
// for declarations; end lines are estimated from braces or indentation.
type Generic struct{}

// NewGeneric returns the generic analyzer.
func NewGeneric() *Generic {
	return &Generic{}
}

// Name implements Analyzer.
func (g *Generic) Name() string { return "generic" }

type genericDecl struct {
	sym       Symbol
	indent    int
	container bool
	emit      bool
}

// Analyze implements Analyzer.
func (g *Generic) Analyze(ctx context.Context, content []byte, relPath string) (*Result, error) {
	lang := languageOf(relPath)
	fam := familyByLanguage[lang]
	if fam == nil {
		fam = defaultFamily
	}
	style := commentStyles[lang]

	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	blocks := fam.blocks
	if blocks == blockAuto {
		blocks = blockIndent
		if strings.Contains(text, "{") {
			blocks = blockBraces
		}
	}

	res := &Result{Analyzer: g.Name(), Language: lang}
	var decls []*genericDecl
	code := make([]string, len(lines))
	inBlock := false

	for i, line := range lines {
		if i%1000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code[i], inBlock = stripComments(line, style, inBlock)
		if strings.TrimSpace(code[i]) == "" {
			continue
		}
		lineNo := i + 1

		if fam == jsFamily {
			if name := exportedName(code[i]); name != "" {
				res.Exports = append(res.Exports, name)
			}
		}

		for _, re := range fam.imports {
			if m := matchGroups(re, code[i]); m != nil && m["mod"] != "" {
				mod := strings.TrimRight(m["mod"], ";")
				res.Imports = append(res.Imports, mod)
				imp := newSymbol(index.KindImport, mod, lineNo, lineNo)
				imp.Signature = firstLine(line, 200)
				res.Symbols = append(res.Symbols, imp)
				break
			}
		}

		if d := matchDecl(fam.classes, code[i], line, lineNo, true); d != nil {
			decls = append(decls, d)
			continue
		}
		if d := matchDecl(fam.functions, code[i], line, lineNo, false); d != nil {
			decls = append(decls, d)
			continue
		}
		if len(fam.members) > 0 {
			if d := matchDecl(fam.members, code[i], line, lineNo, false); d != nil {
				d.emit = false // kept only when nested in a class
				decls = append(decls, d)
			}
		}
	}

	for _, d := range decls {
		d.sym.EndLine = estimateEnd(lines, code, d.sym.StartLine, d.indent, blocks)
	}
	nest(decls)

	var funcs []int
	for _, d := range decls {
		if !d.emit {
			continue
		}
		res.Symbols = append(res.Symbols, d.sym)
		if d.sym.Kind == index.KindFunction || d.sym.Kind == index.KindMethod {
			funcs = append(funcs, len(res.Symbols)-1)
		}
	}

	for i, line := range code {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lineNo := i + 1
		caller := innermost(res.Symbols, funcs, lineNo)
		stripped := stringLiteral.ReplaceAllString(line, `""`)
		for _, m := range callPattern.FindAllStringSubmatch(stripped, -1) {
			callee := normalizeCallee(m[1])
			if callee == "" || callKeywords[callee] {
				continue
			}
			if isDeclLine(res.Symbols, lineNo, index.ShortName(callee)) {
				continue
			}
			res.Calls = append(res.Calls, Call{Caller: caller, Callee: callee, Line: lineNo})
		}
	}

	return res, nil
}

// matchDecl tries each pattern against the comment-stripped line.
func matchDecl(patterns []*regexp.Regexp, code, raw string, lineNo int, class bool) *genericDecl {
	for _, re := range patterns {
		m := matchGroups(re, code)
		if m == nil || m["name"] == "" {
			continue
		}
		name := strings.TrimPrefix(m["name"], "#")
		if !class && callKeywords[name] {
			continue
		}
		d := &genericDecl{
			indent: indentOf(raw),
			emit:   true,
		}
		kind := index.KindFunction
		if class {
			kind = classKinds[m["kw"]]
			d.container = true
			if m["kw"] == "impl" {
				d.emit = false
				kind = index.KindClass
			}
			if kind == "" {
				kind = index.KindClass
			}
		}
		d.sym = newSymbol(kind, name, lineNo, lineNo)
		d.sym.Signature = firstLine(raw, 200)
		d.sym.Params = splitParams(m["params"])
		mods := m["mods"] + " " + m["vis"]
		d.sym.Async = strings.Contains(mods, "async") || strings.Contains(mods, "suspend")
		d.sym.Visibility = visibilityFrom(mods, m["name"], m["vis"])
		return d
	}
	return nil
}

// nest assigns containers by line range: functions inside a container
// become methods and every nested declaration is qualified by its parent.
func nest(decls []*genericDecl) {
	sort.SliceStable(decls, func(i, j int) bool { return decls[i].sym.StartLine < decls[j].sym.StartLine })
	var stack []*genericDecl
	for _, d := range decls {
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if d.sym.StartLine > top.sym.StartLine && d.sym.StartLine <= top.sym.EndLine {
				break
			}
			stack = stack[:len(stack)-1]
		}
		var parent *genericDecl
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].container {
				parent = stack[i]
				break
			}
		}
		if parent != nil {
			d.sym.QualifiedName = parent.sym.QualifiedName + "." + d.sym.Name
			d.sym.parentName = parent.sym.QualifiedName
			if d.sym.Kind == index.KindFunction {
				d.sym.Kind = index.KindMethod
				d.emit = true
			}
		}
		if d.container || d.sym.Kind == index.KindFunction || d.sym.Kind == index.KindMethod {
			stack = append(stack, d)
		}
	}
}

// estimateEnd finds the last line of a declaration starting at start.
func estimateEnd(lines, code []string, start, indent int, blocks blockStyle) int {
	if blocks == blockBraces {
		depth, opened := 0, false
		for i := start - 1; i < len(code); i++ {
			line := stringLiteral.ReplaceAllString(code[i], `""`)
			for _, r := range line {
				switch r {
				case '{':
					depth++
					opened = true
				case '}':
					depth--
				}
			}
			if opened && depth <= 0 {
				return i + 1
			}
			if !opened && i >= start+1 {
				return start
			}
		}
		if opened {
			return len(lines)
		}
		return start
	}

	end := start
	for i := start; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		if indentOf(lines[i]) <= indent {
			t := strings.TrimSpace(lines[i])
			if t == "end" || t == "}" || strings.HasPrefix(t, "end ") {
				end = i + 1
			}
			break
		}
		end = i + 1
	}
	return end
}

// innermost returns the function symbol with the narrowest range holding line.
func innermost(symbols []Symbol, funcs []int, line int) int {
	best := -1
	for _, i := range funcs {
		s := symbols[i]
		if line < s.StartLine || line > s.EndLine {
			continue
		}
		if best < 0 || s.StartLine >= symbols[best].StartLine {
			best = i
		}
	}
	return best
}

func isDeclLine(symbols []Symbol, line int, name string) bool {
	for i := range symbols {
		if symbols[i].StartLine == line && symbols[i].Name == name {
			return true
		}
	}
	return false
}

// stripComments removes comment text from one line, tracking block comments
// across lines.
func stripComments(line string, style commentStyle, inBlock bool) (string, bool) {
	if inBlock {
		if style.blockEnd == "" {
			return "", false
		}
		i := strings.Index(line, style.blockEnd)
		if i < 0 {
			return "", true
		}
		line = line[i+len(style.blockEnd):]
	}
	if style.blockStart != "" {
		for {
			i := strings.Index(line, style.blockStart)
			if i < 0 {
				break
			}
			j := strings.Index(line[i+len(style.blockStart):], style.blockEnd)
			if j < 0 {
				return line[:i], true
			}
			line = line[:i] + line[i+len(style.blockStart)+j+len(style.blockEnd):]
		}
	}
	for _, p := range style.line {
		if i := strings.Index(line, p); i >= 0 && !insideString(line, i) {
			line = line[:i]
		}
	}
	return line, false
}

// insideString reports whether byte offset i falls inside a quoted string.
func insideString(line string, i int) bool {
	var quote rune
	for j, r := range line {
		if j >= i {
			break
		}
		switch {
		case quote == 0 && (r == '"' || r == '\'' || r == '`'):
			quote = r
		case quote != 0 && r == quote && (j == 0 || line[j-1] != '\\'):
			quote = 0
		}
	}
	return quote != 0
}

func matchGroups(re *regexp.Regexp, s string) map[string]string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for i, name := range re.SubexpNames() {
		if name != "" && m[i] != "" {
			out[name] = m[i]
		}
	}
	return out
}

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

func splitParams(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(', '[', '<', '{':
			depth++
		case ')', ']', '>', '}':
			depth--
		case ',':
			if depth == 0 {
				if p := strings.TrimSpace(s[start:i]); p != "" {
					out = append(out, p)
				}
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(s[start:]); p != "" {
		out = append(out, p)
	}
	return out
}

func visibilityFrom(mods, name, vis string) string {
	switch {
	case strings.Contains(mods, "private") || strings.Contains(mods, "fileprivate"):
		return index.VisibilityPrivate
	case strings.Contains(mods, "protected"):
		return index.VisibilityProtected
	case vis == "defp" || strings.HasPrefix(vis, "local"):
		return index.VisibilityPrivate
	case strings.HasPrefix(name, "_") || strings.HasPrefix(name, "#"):
		return index.VisibilityPrivate
	}
	return index.VisibilityPublic
}

var exportPattern = regexp.MustCompile(`^\s*export\s+(?:default\s+)?(?:async\s+)?(?:function\s*\*?|class|const|let|var|interface|type|enum|abstract\s+class)\s+(?P<name>[\w$]+)`)

func exportedName(line string) string {
	if m := matchGroups(exportPattern, line); m != nil {
		return m["name"]
	}
	return ""
}
