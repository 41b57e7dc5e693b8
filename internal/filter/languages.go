package filter

import (
	"path/filepath"
	"strings"
)

// languages maps lower-case file extensions to a language name. Only files
// whose extension appears here (or in Options.ExtraExtensions) are eligible.
var languages = map[string]string{
	".go":      "go",
	".py":      "python",
	".pyi":     "python",
	".pyw":     "python",
	".js":      "javascript",
	".jsx":     "javascript",
	".mjs":     "javascript",
	".cjs":     "javascript",
	".ts":      "typescript",
	".mts":     "typescript",
	".cts":     "typescript",
	".tsx":     "tsx",
	".java":    "java",
	".kt":      "kotlin",
	".kts":     "kotlin",
	".rs":      "rust",
	".c":       "c",
	".h":       "c",
	".cpp":     "cpp",
	".cc":      "cpp",
	".cxx":     "cpp",
	".hpp":     "cpp",
	".hh":      "cpp",
	".hxx":     "cpp",
	".cs":      "csharp",
	".rb":      "ruby",
	".php":     "php",
	".swift":   "swift",
	".scala":   "scala",
	".sc":      "scala",
	".lua":     "lua",
	".sh":      "shell",
	".bash":    "shell",
	".zsh":     "shell",
	".m":       "objc",
	".mm":      "objc",
	".dart":    "dart",
	".ex":      "elixir",
	".exs":     "elixir",
	".erl":     "erlang",
	".hs":      "haskell",
	".ml":      "ocaml",
	".clj":     "clojure",
	".r":       "r",
	".jl":      "julia",
	".pl":      "perl",
	".pm":      "perl",
	".groovy":  "groovy",
	".gradle":  "groovy",
	".zig":     "zig",
	".vue":     "vue",
	".svelte":  "svelte",
	".sql":     "sql",
	".proto":   "protobuf",
	".graphql": "graphql",
	".html":    "html",
	".css":     "css",
	".scss":    "scss",
	".md":      "markdown",
	".json":    "json",
	".yaml":    "yaml",
	".yml":     "yaml",
	".toml":    "toml",
	".xml":     "xml",
}

// LanguageForExtension returns the built-in language for ext (with leading
// dot), or "" when the extension is not supported.
func LanguageForExtension(ext string) string {
	return languages[strings.ToLower(ext)]
}

// Extensions returns the built-in supported extensions.
func Extensions() []string {
	out := make([]string, 0, len(languages))
	for ext := range languages {
		out = append(out, ext)
	}
	return out
}

func extOf(rel string) string {
	return strings.ToLower(filepath.Ext(rel))
}
