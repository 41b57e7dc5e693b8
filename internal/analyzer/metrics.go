package analyzer

import (
	"strings"
	"unicode/utf8"
)

// Metrics are language-agnostic statistics of one file.
type Metrics struct {
	LineCount    int
	CharCount    int
	BlankLines   int
	CommentLines int
	IndentStyle  string
	IndentWidth  int
}

// Indentation styles.
const (
	IndentNone   = "none"
	IndentTabs   = "tabs"
	IndentSpaces = "spaces"
	IndentMixed  = "mixed"
)

type commentStyle struct {
	line       []string
	blockStart string
	blockEnd   string
}

var (
	cStyle    = commentStyle{line: []string{"//"}, blockStart: "/*", blockEnd: "*/"}
	hashStyle = commentStyle{line: []string{"#"}}
	dashStyle = commentStyle{line: []string{"--"}}
	xmlStyle  = commentStyle{blockStart: "<!--", blockEnd: "-->"}
)

var commentStyles = map[string]commentStyle{
	"go": cStyle, "javascript": cStyle, "typescript": cStyle, "tsx": cStyle, "java": cStyle,
	"kotlin": cStyle, "rust": cStyle, "c": cStyle, "cpp": cStyle, "csharp": cStyle, "swift": cStyle,
	"scala": cStyle, "dart": cStyle, "groovy": cStyle, "objc": cStyle, "zig": cStyle, "protobuf": cStyle,
	"php":    {line: []string{"//", "#"}, blockStart: "/*", blockEnd: "*/"},
	"css":    {blockStart: "/*", blockEnd: "*/"},
	"scss":   cStyle,
	"python": hashStyle, "ruby": hashStyle, "shell": hashStyle, "perl": hashStyle, "r": hashStyle,
	"julia": hashStyle, "elixir": hashStyle, "toml": hashStyle, "yaml": hashStyle, "graphql": hashStyle,
	"lua": dashStyle, "sql": dashStyle, "haskell": dashStyle,
	"erlang":  {line: []string{"%"}},
	"clojure": {line: []string{";"}},
	"html":    xmlStyle, "xml": xmlStyle, "markdown": xmlStyle, "vue": xmlStyle, "svelte": xmlStyle,
}

// ComputeMetrics counts lines, characters, blank and comment lines and
// detects the dominant indentation.
func ComputeMetrics(content []byte, language string) Metrics {
	m := Metrics{CharCount: utf8.RuneCount(content), IndentStyle: IndentNone}
	if len(content) == 0 {
		return m
	}

	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if strings.HasSuffix(text, "\n") {
		lines = lines[:len(lines)-1]
	}
	m.LineCount = len(lines)

	style := commentStyles[language]
	inBlock := false
	tabs, spaces := 0, 0
	widths := make(map[int]int)
	prevSpaces := 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			m.BlankLines++
			continue
		}

		switch {
		case inBlock:
			m.CommentLines++
			if style.blockEnd != "" && strings.Contains(trimmed, style.blockEnd) {
				inBlock = false
			}
		case style.blockStart != "" && strings.HasPrefix(trimmed, style.blockStart):
			m.CommentLines++
			rest := trimmed[len(style.blockStart):]
			if !strings.Contains(rest, style.blockEnd) {
				inBlock = true
			}
		case hasAnyPrefix(trimmed, style.line):
			m.CommentLines++
		}

		lead := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		switch {
		case lead == "":
			prevSpaces = 0
		case strings.HasPrefix(lead, "\t"):
			tabs++
		default:
			spaces++
			n := len(lead) - len(strings.TrimLeft(lead, " "))
			if d := n - prevSpaces; d > 0 {
				widths[d]++
			}
			prevSpaces = n
		}
	}

	switch {
	case tabs > 0 && spaces > 0:
		if tabs >= spaces*4 {
			m.IndentStyle = IndentTabs
		} else if spaces >= tabs*4 {
			m.IndentStyle = IndentSpaces
		} else {
			m.IndentStyle = IndentMixed
		}
	case tabs > 0:
		m.IndentStyle = IndentTabs
	case spaces > 0:
		m.IndentStyle = IndentSpaces
	}

	if m.IndentStyle == IndentSpaces || m.IndentStyle == IndentMixed {
		best, bestCount := 0, 0
		for w, c := range widths {
			if c > bestCount || (c == bestCount && w < best) {
				best, bestCount = w, c
			}
		}
		m.IndentWidth = best
	} else if m.IndentStyle == IndentTabs {
		m.IndentWidth = 1
	}

	return m
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
