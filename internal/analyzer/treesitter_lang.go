//go:build cgo

package analyzer

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/kotlin"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"codeindex/internal/index"
)

// langSpec maps one grammar's node types onto symbol kinds.
type langSpec struct {
	name       string
	extensions []string
	language   func() *sitter.Language

	functions map[string]bool
	classes   map[string]index.Kind
	// calls maps a call node type to the field naming its callee; "" means
	// the first named child.
	calls     map[string]string
	imports   map[string]bool
	variables map[string]bool
	// containerOnly node types scope methods without producing a symbol.
	containerOnly map[string]bool
}

func set(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

var jsFunctions = set("function_declaration", "generator_function_declaration", "method_definition")

var jsClasses = map[string]index.Kind{
	"class_declaration":          index.KindClass,
	"abstract_class_declaration": index.KindClass,
	"class":                      index.KindClass,
	"interface_declaration":      index.KindInterface,
	"enum_declaration":           index.KindClass,
}

var jsCalls = map[string]string{"call_expression": "function", "new_expression": "constructor"}

var treeSitterLanguages = []*langSpec{
	{
		name:       "python",
		extensions: []string{".py", ".pyi"},
		language:   python.GetLanguage,
		functions:  set("function_definition"),
		classes:    map[string]index.Kind{"class_definition": index.KindClass},
		calls:      map[string]string{"call": "function"},
		imports:    set("import_statement", "import_from_statement"),
		variables:  set("assignment"),
	},
	{
		name:       "javascript",
		extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
		language:   javascript.GetLanguage,
		functions:  jsFunctions,
		classes:    jsClasses,
		calls:      jsCalls,
		imports:    set("import_statement"),
		variables:  set("variable_declarator"),
	},
	{
		name:       "typescript",
		extensions: []string{".ts", ".mts", ".cts"},
		language:   typescript.GetLanguage,
		functions:  jsFunctions,
		classes:    jsClasses,
		calls:      jsCalls,
		imports:    set("import_statement"),
		variables:  set("variable_declarator"),
	},
	{
		name:       "tsx",
		extensions: []string{".tsx"},
		language:   tsx.GetLanguage,
		functions:  jsFunctions,
		classes:    jsClasses,
		calls:      jsCalls,
		imports:    set("import_statement"),
		variables:  set("variable_declarator"),
	},
	{
		name:       "java",
		extensions: []string{".java"},
		language:   java.GetLanguage,
		functions:  set("method_declaration", "constructor_declaration"),
		classes: map[string]index.Kind{
			"class_declaration":     index.KindClass,
			"interface_declaration": index.KindInterface,
			"enum_declaration":      index.KindClass,
			"record_declaration":    index.KindClass,
		},
		calls:   map[string]string{"method_invocation": "name", "object_creation_expression": "type"},
		imports: set("import_declaration"),
	},
	{
		name:       "kotlin",
		extensions: []string{".kt", ".kts"},
		language:   kotlin.GetLanguage,
		functions:  set("function_declaration"),
		classes: map[string]index.Kind{
			"class_declaration":  index.KindClass,
			"object_declaration": index.KindClass,
		},
		calls:     map[string]string{"call_expression": ""},
		imports:   set("import_header"),
		variables: set("property_declaration"),
	},
	{
		name:       "rust",
		extensions: []string{".rs"},
		language:   rust.GetLanguage,
		functions:  set("function_item", "function_signature_item"),
		classes: map[string]index.Kind{
			"struct_item": index.KindStruct,
			"enum_item":   index.KindClass,
			"union_item":  index.KindStruct,
			"trait_item":  index.KindInterface,
			"impl_item":   index.KindClass,
		},
		calls:         map[string]string{"call_expression": "function"},
		imports:       set("use_declaration"),
		variables:     set("const_item", "static_item"),
		containerOnly: set("impl_item"),
	},
}
