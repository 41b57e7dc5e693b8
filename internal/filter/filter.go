// Package filter decides which project paths are eligible for indexing and
// search. The same Filter instance is shared by the index builder, the
// shallow index, the internal search scanner and the argument builders of
// external search tools.
package filter

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar"
	ignore "github.com/sabhiram/go-gitignore"
)

// HiddenDirPattern is reported by ExcludeDirs when hidden directories are skipped.
const HiddenDirPattern = ".*"

var defaultExcludeDirs = []string{
	".git", ".svn", ".hg", ".bzr",
	"node_modules", "bower_components", "vendor",
	"__pycache__", ".venv", "venv", "env", ".tox", ".mypy_cache", ".pytest_cache", ".ruff_cache",
	"dist", "build", "target", "out", "bin", "obj",
	".gradle", ".idea", ".vscode", ".next", ".nuxt", "coverage", ".cache",
}

var defaultExcludeFiles = []string{
	"*.pyc", "*.pyo", "*.class", "*.o", "*.obj", "*.a", "*.lib", "*.so", "*.dll", "*.dylib", "*.exe",
	"*.jar", "*.war", "*.min.js", "*.min.css", "*.map", "*.lock", "*.log", "*.tmp", "*.swp",
	"package-lock.json", "yarn.lock", "pnpm-lock.yaml", ".DS_Store",
}

// Options extends the built-in rules.
type Options struct {
	// ExcludeDirs are directory names or globs matched against a directory's
	// name and its root-relative path.
	ExcludeDirs []string
	// ExcludeFiles are globs matched against file names and root-relative paths.
	ExcludeFiles []string
	// ExtraExtensions are additional eligible extensions (".ext" or "ext").
	ExtraExtensions []string
	// RespectGitignore applies the root .gitignore to files.
	RespectGitignore bool
	// MaxFileSize makes larger files ineligible; zero disables the limit.
	MaxFileSize int64
}

// Filter is an immutable eligibility predicate for one project root.
type Filter struct {
	root         string
	dirNames     map[string]struct{}
	dirGlobs     []string
	filePatterns []string
	extra        map[string]struct{}
	gitignore    *ignore.GitIgnore
	maxSize      int64
}

// Entry is an eligible file found by Walk.
type Entry struct {
	Path     string    `json:"path"`
	Language string    `json:"language"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modTime"`
}

// New builds a Filter for root.
func New(root string, opts Options) *Filter {
	f := &Filter{
		root:     root,
		dirNames: make(map[string]struct{}),
		extra:    make(map[string]struct{}),
		maxSize:  opts.MaxFileSize,
	}

	for _, d := range append(append([]string{}, defaultExcludeDirs...), opts.ExcludeDirs...) {
		d = strings.Trim(filepath.ToSlash(strings.TrimSpace(d)), "/")
		if d == "" {
			continue
		}
		if isGlob(d) || strings.Contains(d, "/") {
			f.dirGlobs = append(f.dirGlobs, d)
		} else {
			f.dirNames[d] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	for _, p := range append(append([]string{}, defaultExcludeFiles...), opts.ExcludeFiles...) {
		p = filepath.ToSlash(strings.TrimSpace(p))
		if _, dup := seen[p]; p == "" || dup {
			continue
		}
		seen[p] = struct{}{}
		f.filePatterns = append(f.filePatterns, p)
	}

	for _, ext := range opts.ExtraExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		f.extra[ext] = struct{}{}
	}

	if opts.RespectGitignore && root != "" {
		if gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore")); err == nil {
			f.gitignore = gi
		}
	}

	return f
}

// Root returns the project root the filter was built for.
func (f *Filter) Root() string {
	return f.root
}

// SkipDir reports whether the directory at rel (root-relative, slash
// separated) and everything below it is excluded.
func (f *Filter) SkipDir(rel string) bool {
	rel = strings.Trim(filepath.ToSlash(rel), "/")
	if rel == "" || rel == "." {
		return false
	}
	name := path.Base(rel)
	if strings.HasPrefix(name, ".") {
		return true
	}
	if _, ok := f.dirNames[name]; ok {
		return true
	}
	for _, g := range f.dirGlobs {
		if globMatch(g, name) || globMatch(g, rel) {
			return true
		}
	}
	return false
}

// Match reports whether the file at rel is eligible by path alone: no
// excluded ancestor directory, no excluded name pattern, a supported
// extension and not ignored by .gitignore.
func (f *Filter) Match(rel string) bool {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")
	if rel == "" {
		return false
	}
	dir := path.Dir(rel)
	for dir != "." && dir != "/" && dir != "" {
		if f.SkipDir(dir) {
			return false
		}
		dir = path.Dir(dir)
	}

	name := path.Base(rel)
	for _, p := range f.filePatterns {
		if globMatch(p, name) || globMatch(p, rel) {
			return false
		}
	}

	if f.Language(rel) == "" {
		return false
	}

	if f.gitignore != nil && f.gitignore.MatchesPath(rel) {
		return false
	}
	return true
}

// Eligible is Match plus the size limit.
func (f *Filter) Eligible(rel string, size int64) bool {
	if f.maxSize > 0 && size > f.maxSize {
		return false
	}
	return f.Match(rel)
}

// Language returns the language of rel, "text" for configured extra
// extensions, or "" for unsupported files.
func (f *Filter) Language(rel string) string {
	ext := extOf(rel)
	if lang := LanguageForExtension(ext); lang != "" {
		return lang
	}
	if _, ok := f.extra[ext]; ok {
		return "text"
	}
	return ""
}

// ExcludeDirs returns the directory exclusions as names or globs, sorted.
// HiddenDirPattern is always included.
func (f *Filter) ExcludeDirs() []string {
	out := make([]string, 0, len(f.dirNames)+len(f.dirGlobs)+1)
	for name := range f.dirNames {
		out = append(out, name)
	}
	out = append(out, f.dirGlobs...)
	out = append(out, HiddenDirPattern)
	sort.Strings(out)
	return out
}

// MaxFileSize returns the size limit in bytes, 0 when unlimited.
func (f *Filter) MaxFileSize() int64 {
	return f.maxSize
}

// ExcludeFilePatterns returns the file-name exclusion globs, sorted.
func (f *Filter) ExcludeFilePatterns() []string {
	out := append([]string(nil), f.filePatterns...)
	sort.Strings(out)
	return out
}

// Walk returns every eligible file under the root, sorted by relative path.
func (f *Filter) Walk(ctx context.Context) ([]Entry, error) {
	return f.WalkDir(ctx, "")
}

// WalkDir is Walk limited to the root-relative directory dir. A dir that is
// missing, not a directory or itself excluded yields no entries.
func (f *Filter) WalkDir(ctx context.Context, dir string) ([]Entry, error) {
	dir = strings.TrimPrefix(filepath.ToSlash(filepath.Clean(dir)), "./")
	start := f.root
	if dir != "" && dir != "." {
		for d := dir; d != "." && d != "/" && d != ""; d = path.Dir(d) {
			if f.SkipDir(d) {
				return nil, nil
			}
		}
		start = filepath.Join(f.root, filepath.FromSlash(dir))
		if info, err := os.Lstat(start); err != nil || !info.IsDir() {
			return nil, nil
		}
	}

	var entries []Entry
	err := filepath.WalkDir(start, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(f.root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if p != start && f.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 || !d.Type().IsRegular() {
			return nil
		}
		if !f.Match(rel) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if f.maxSize > 0 && info.Size() > f.maxSize {
			return nil
		}
		entries = append(entries, Entry{
			Path:     rel,
			Language: f.Language(rel),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries, nil
}

// Stat returns the Entry for a single root-relative path when it exists and
// is eligible.
func (f *Filter) Stat(rel string) (Entry, bool) {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")
	info, err := os.Lstat(filepath.Join(f.root, filepath.FromSlash(rel)))
	if err != nil || !info.Mode().IsRegular() {
		return Entry{}, false
	}
	if !f.Eligible(rel, info.Size()) {
		return Entry{}, false
	}
	return Entry{Path: rel, Language: f.Language(rel), Size: info.Size(), ModTime: info.ModTime()}, true
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func globMatch(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}
