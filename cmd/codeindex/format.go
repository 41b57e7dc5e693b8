package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"codeindex/internal/builder"
	"codeindex/internal/index"
	"codeindex/internal/query"
	"codeindex/internal/search"
	"codeindex/internal/watcher"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatJSON  OutputFormat = "json"
	FormatHuman OutputFormat = "human"
)

// FormatResponse formats a response according to the specified format
func FormatResponse(resp interface{}, format OutputFormat) (string, error) {
	switch format {
	case FormatJSON:
		return formatJSON(resp)
	case FormatHuman:
		return formatHuman(resp)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// formatJSON formats the response as JSON
func formatJSON(resp interface{}) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

// formatHuman formats the response in human-readable format
func formatHuman(resp interface{}) (string, error) {
	switch v := resp.(type) {
	case *builder.Summary:
		return formatSummaryHuman(v), nil
	case *query.StatusResponse:
		return formatStatusHuman(v), nil
	case *SymbolResponseCLI:
		return formatSymbolHuman(v), nil
	case *query.FileSummary:
		return formatFileHuman(v), nil
	case *search.Result:
		return formatSearchHuman(v), nil
	case *index.FindResult:
		return formatFindHuman(v), nil
	case *index.ShallowIndex:
		return formatShallowHuman(v), nil
	case []search.ToolStatus:
		return formatToolsHuman(v), nil
	case watcher.Status:
		var b strings.Builder
		writeWatcher(&b, v)
		return b.String(), nil
	default:
		// For unknown types, fall back to JSON
		return formatJSON(resp)
	}
}

func formatSummaryHuman(s *builder.Summary) string {
	var b strings.Builder
	kind := "Full build"
	if s.Incremental {
		kind = "Incremental build"
	}
	b.WriteString(fmt.Sprintf("%s: generation %d (%s)\n", kind, s.Generation, s.Duration.Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("  Files:    %d (%d analyzed)\n", s.FileCount, s.AnalyzedFiles))
	b.WriteString(fmt.Sprintf("  Symbols:  %d\n", s.SymbolCount))
	b.WriteString(fmt.Sprintf("  Edges:    %d (%d unresolved)\n", s.EdgeCount, s.Unresolved))
	writeDiagnostics(&b, s.Diagnostics)
	return b.String()
}

func writeDiagnostics(b *strings.Builder, diags []index.Diagnostic) {
	if len(diags) == 0 {
		return
	}
	b.WriteString(fmt.Sprintf("\nDiagnostics (%d):\n", len(diags)))
	for _, d := range diags {
		b.WriteString(fmt.Sprintf("  ! %s [%s] %s\n", d.Path, d.Code, d.Message))
	}
}

func formatStatusHuman(s *query.StatusResponse) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("codeindex %s\n", s.Version))
	b.WriteString(strings.Repeat("=", 60) + "\n\n")
	b.WriteString(fmt.Sprintf("Project: %s\n", s.Root))
	b.WriteString(fmt.Sprintf("Store:   %s\n\n", s.StoreDir))

	b.WriteString("Index:\n")
	if s.Index == nil {
		b.WriteString("  not built (run 'codeindex build')\n")
	} else {
		b.WriteString(fmt.Sprintf("  Generation: %d (%s)\n", s.Index.Generation, s.Index.BuiltAt.Format(time.RFC3339)))
		b.WriteString(fmt.Sprintf("  Files: %d  Symbols: %d  Edges: %d (%d unresolved)\n",
			s.Index.Files, s.Index.Symbols, s.Index.Edges, s.Index.Unresolved))
		if s.Index.Diagnostics > 0 {
			b.WriteString(fmt.Sprintf("  Diagnostics: %d\n", s.Index.Diagnostics))
		}
	}
	if s.Shallow != nil {
		b.WriteString(fmt.Sprintf("  Listing: %d files (%s)\n", s.Shallow.Files, s.Shallow.BuiltAt.Format(time.RFC3339)))
	}

	b.WriteString("\nBuilds:\n")
	state := "idle"
	if s.Queue.Running {
		state = "running"
		if s.Queue.Pending {
			state = "running, follow-up queued"
		}
	}
	b.WriteString(fmt.Sprintf("  %s, %d completed, %d coalesced\n", state, s.Queue.Builds, s.Queue.Coalesced))

	b.WriteString("\n")
	writeWatcher(&b, s.Watcher)

	tool := s.Search
	if tool == "" {
		tool = "none"
	}
	b.WriteString(fmt.Sprintf("\nSearch tool: %s\n", tool))
	return b.String()
}

func writeWatcher(b *strings.Builder, w watcher.Status) {
	b.WriteString(fmt.Sprintf("Watcher: %s (debounce %.1fs)\n", w.State, w.DebounceSeconds))
	if w.State == watcher.StateActive {
		b.WriteString(fmt.Sprintf("  Watching %d directories, %d paths pending\n", w.WatchedDirs, w.PendingPaths))
	}
	if w.Batches > 0 {
		b.WriteString(fmt.Sprintf("  Batches: %d, last %d paths at %s\n",
			w.Batches, w.LastBatchSize, w.LastBatchAt.Format(time.RFC3339)))
	}
	if w.LastError != "" {
		b.WriteString(fmt.Sprintf("  ! %s\n", w.LastError))
	}
	if w.LastBuildError != "" {
		b.WriteString(fmt.Sprintf("  ! last build: %s\n", w.LastBuildError))
	}
}

func formatSymbolHuman(r *SymbolResponseCLI) string {
	var b strings.Builder
	if len(r.Symbols) == 0 {
		b.WriteString(fmt.Sprintf("No symbols match %q\n", r.Query))
		return b.String()
	}
	for i, s := range r.Symbols {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("%s %s\n", s.Kind, s.QualifiedName))
		b.WriteString(fmt.Sprintf("  %s:%d-%d\n", s.Path, s.StartLine, s.EndLine))
		if s.Signature != "" {
			b.WriteString(fmt.Sprintf("  %s\n", s.Signature))
		}
		b.WriteString(fmt.Sprintf("  id: %s\n", s.ID))
		for _, e := range s.Callers {
			b.WriteString(fmt.Sprintf("  <- %s:%d\n", e.CallerPath, e.Line))
		}
		for _, e := range s.Callees {
			target := e.CalleeName
			if !e.Resolved() {
				target += " (unresolved)"
			}
			b.WriteString(fmt.Sprintf("  -> %s (line %d)\n", target, e.Line))
		}
	}
	return b.String()
}

func formatFileHuman(f *query.FileSummary) string {
	var b strings.Builder
	src := f.File
	b.WriteString(fmt.Sprintf("%s (%s, %s)\n", src.Path, src.Language, formatBytes(src.Size)))
	b.WriteString(fmt.Sprintf("  Lines: %d (%d blank, %d comment)\n", src.LineCount, src.BlankLines, src.CommentLines))
	if src.IndentStyle != "" {
		b.WriteString(fmt.Sprintf("  Indent: %s x%d\n", src.IndentStyle, src.IndentWidth))
	}
	if len(src.Imports) > 0 {
		b.WriteString(fmt.Sprintf("  Imports: %s\n", strings.Join(src.Imports, ", ")))
	}
	if len(f.Symbols) > 0 {
		b.WriteString(fmt.Sprintf("\nSymbols (%d):\n", len(f.Symbols)))
		for _, s := range f.Symbols {
			b.WriteString(fmt.Sprintf("  %5d  %-9s %s\n", s.StartLine, s.Kind, s.QualifiedName))
		}
	}
	writeDiagnostics(&b, f.Diagnostics)
	return b.String()
}

func formatSearchHuman(r *search.Result) string {
	var b strings.Builder
	if r.TotalMatches == 0 {
		b.WriteString(fmt.Sprintf("No matches (%s)\n", r.Tool))
		return b.String()
	}
	for _, m := range r.Matches {
		for i, line := range m.Before {
			b.WriteString(fmt.Sprintf("%s-%d-%s\n", m.Path, m.Line-len(m.Before)+i, line))
		}
		b.WriteString(fmt.Sprintf("%s:%d:%s\n", m.Path, m.Line, m.Text))
		for i, line := range m.After {
			b.WriteString(fmt.Sprintf("%s-%d-%s\n", m.Path, m.Line+1+i, line))
		}
	}

	note := ""
	if r.Approximate {
		note = ", approximate"
	}
	if r.Truncated {
		note += ", truncated"
	}
	b.WriteString(fmt.Sprintf("\nMatches %d-%d of %d (%s%s)\n", r.StartIndex+1, r.EndIndex, r.TotalMatches, r.Tool, note))
	if r.HasMore {
		b.WriteString(fmt.Sprintf("Next page: --cursor %s\n", r.NextCursor))
	}
	return b.String()
}

func formatFindHuman(r *index.FindResult) string {
	var b strings.Builder
	if len(r.Paths) == 0 {
		b.WriteString(fmt.Sprintf("No files match %q\n", r.Pattern))
		return b.String()
	}
	for _, p := range r.Paths {
		b.WriteString(p + "\n")
	}
	if r.Total > len(r.Paths) {
		b.WriteString(fmt.Sprintf("... %d more\n", r.Total-len(r.Paths)))
	}
	b.WriteString(fmt.Sprintf("(%s match)\n", r.Stage))
	return b.String()
}

func formatShallowHuman(s *index.ShallowIndex) string {
	var total int64
	for _, f := range s.Files {
		total += f.Size
	}
	return fmt.Sprintf("Listed %d files (%s), generation %d\n", len(s.Files), formatBytes(total), s.Generation)
}

func formatToolsHuman(tools []search.ToolStatus) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-4s %-8s %-10s %s\n", "RANK", "TOOL", "STATUS", "DETAILS"))
	for _, t := range tools {
		status := "missing"
		switch {
		case t.Disabled:
			status = "disabled"
		case t.Demoted:
			status = "demoted"
		case t.Available:
			status = "ok"
		}
		details := t.Version
		if t.NativeFuzzy {
			details = strings.TrimSpace(details + " fuzzy")
		}
		if t.Reason != "" {
			details = strings.TrimSpace(details + " " + t.Reason)
		}
		b.WriteString(fmt.Sprintf("%-4d %-8s %-10s %s\n", t.Rank, t.Name, status, details))
	}
	return b.String()
}

// formatBytes renders a byte count with binary units.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
