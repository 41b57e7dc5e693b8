// Package query provides the Engine, the single facade through which the CLI
// (or any other collaborator) opens a project, builds and refreshes its
// index, answers point queries and runs searches.
package query

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"codeindex/internal/analyzer"
	"codeindex/internal/builder"
	"codeindex/internal/config"
	"codeindex/internal/errors"
	"codeindex/internal/filter"
	"codeindex/internal/index"
	"codeindex/internal/paths"
	"codeindex/internal/search"
	"codeindex/internal/slogutil"
	"codeindex/internal/storage"
	"codeindex/internal/watcher"
)

// Options tunes an Engine beyond the configuration file.
type Options struct {
	// Strategies replaces the ranked search strategies. Nil uses the
	// external tools found on PATH followed by the internal scanner.
	Strategies []search.Strategy
}

// Engine coordinates every operation on the open project. At most one
// project is open at a time; opening another retires the previous one.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *analyzer.Registry
	tools    *search.ToolCache

	mu   sync.RWMutex
	proj *project
}

// project is everything bound to one project root.
type project struct {
	root     string
	storeDir string
	filter   *filter.Filter
	deep     *storage.DeepStore
	shallow  *storage.ShallowStore
	builder  *builder.Builder
	queue    *builder.Queue
	search   *search.Service
	watcher  *watcher.Watcher
}

// ProjectInfo describes the project after Open.
type ProjectInfo struct {
	Root        string `json:"root"`
	StoreDir    string `json:"storeDir"`
	Generation  uint64 `json:"generation"`
	FileCount   int    `json:"fileCount"`
	SymbolCount int    `json:"symbolCount"`
}

// NewEngine creates an engine. Tool probing is process-scoped: the cache
// survives switching projects.
func NewEngine(cfg *config.Config, opts Options, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.New(errors.InvalidParameter, "invalid configuration", err)
	}
	logger = slogutil.OrDiscard(logger)

	strategies := opts.Strategies
	if strategies == nil {
		strategies = search.DefaultStrategies(nil)
	}
	probeTimeout := msDuration(cfg.Search.ProbeTimeoutMs)

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		registry: analyzer.NewRegistry(),
		tools:    search.NewToolCache(strategies, cfg.Search.DisabledTools, probeTimeout, logger),
	}, nil
}

// Open validates root, opens (or creates) its store and makes it the
// current project. additionalExcludes are directory names or globs added
// to the configured exclusions. An index built by an earlier process is
// loaded and immediately queryable.
func (e *Engine) Open(ctx context.Context, root string, additionalExcludes []string) (*ProjectInfo, error) {
	abs, err := paths.ValidateProjectRoot(root)
	if err != nil {
		return nil, errors.New(errors.ProjectNotFound, "project root is not a readable directory", err)
	}

	fc := e.cfg.Filter
	f := filter.New(abs, filter.Options{
		ExcludeDirs:      append(append([]string(nil), fc.ExcludeDirs...), additionalExcludes...),
		ExcludeFiles:     fc.ExcludeFiles,
		ExtraExtensions:  fc.ExtraExtensions,
		RespectGitignore: fc.RespectGitignore,
		MaxFileSize:      fc.MaxFileSizeBytes,
	})

	storeDir := paths.StoreDir(e.cfg.Storage.Root, abs)
	logger := e.logger.With("project", filepath.Base(abs))

	deep, err := storage.OpenDeepStore(ctx, storeDir, abs, logger)
	if err != nil {
		return nil, err
	}
	shallow, err := storage.OpenShallowStore(storeDir, abs, logger)
	if err != nil {
		deep.Close()
		return nil, err
	}

	p := &project{
		root:     abs,
		storeDir: storeDir,
		filter:   f,
		deep:     deep,
		shallow:  shallow,
	}
	p.builder = builder.New(f, e.registry, deep, shallow, builder.Options{Workers: e.cfg.Index.Workers}, logger)
	p.queue = builder.NewQueue(p.builder, logger)

	searchOpts := search.OptionsFromConfig(e.cfg.Search)
	searchOpts.Generation = deep.Generation
	if key, err := storage.CursorKey(ctx, storeDir); err == nil {
		searchOpts.CursorKey = key
	} else {
		logger.Warn("Search cursors will not survive this process", "error", err)
	}
	p.search = search.NewService(f, e.tools, searchOpts, logger)

	p.watcher = watcher.New(f, p.onChange, watcher.ConfigFrom(e.cfg.Watcher), logger)

	e.mu.Lock()
	old := e.proj
	e.proj = p
	e.mu.Unlock()

	if old != nil {
		e.logger.Info("Switching project", "from", old.root, "to", abs)
		old.close()
	}

	if e.cfg.Watcher.Enabled {
		// a failed subscription is reported through WatcherStatus
		_ = p.watcher.Enable()
	}

	info := &ProjectInfo{Root: abs, StoreDir: storeDir}
	if cur := deep.Current(); cur != nil {
		info.Generation = cur.Generation
		info.FileCount = cur.FileCount()
		info.SymbolCount = cur.SymbolCount()
	}
	e.logger.Info("Opened project",
		"root", abs,
		"store", storeDir,
		"generation", info.Generation,
	)
	return info, nil
}

// onChange turns a watcher batch into a build request.
func (p *project) onChange(ctx context.Context, b watcher.Batch) error {
	_, err := p.queue.Submit(ctx, builder.Request{Full: b.Full, Paths: b.Paths})
	return err
}

// close retires the project. Builds still running against it are
// discarded when they try to publish.
func (p *project) close() {
	p.deep.Retire()
	p.watcher.Disable()
	p.queue.Close()
	p.deep.Close()
}

// Close closes the current project, if any.
func (e *Engine) Close() error {
	e.mu.Lock()
	p := e.proj
	e.proj = nil
	e.mu.Unlock()

	if p != nil {
		p.close()
	}
	return nil
}

// current returns the open project or PROJECT_NOT_OPEN.
func (e *Engine) current() (*project, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.proj == nil {
		return nil, errors.Newf(errors.ProjectNotOpen, "no project is open")
	}
	return e.proj, nil
}

// Root returns the open project's root, or "".
func (e *Engine) Root() string {
	p, err := e.current()
	if err != nil {
		return ""
	}
	return p.root
}

// Build runs a full build of the open project. A build requested while
// another is running is folded into the follow-up build.
func (e *Engine) Build(ctx context.Context) (*builder.Summary, error) {
	p, err := e.current()
	if err != nil {
		return nil, err
	}
	return p.queue.Submit(ctx, builder.Request{Full: true})
}

// Refresh re-indexes the given paths, absolute or root-relative. No paths
// means a full rebuild. Directories expand to the indexed files below them.
func (e *Engine) Refresh(ctx context.Context, changed []string) (*builder.Summary, error) {
	p, err := e.current()
	if err != nil {
		return nil, err
	}
	rel := make([]string, 0, len(changed))
	for _, c := range changed {
		r, err := p.relative(c)
		if err != nil {
			return nil, err
		}
		if r == "." || r == "" {
			return p.queue.Submit(ctx, builder.Request{Full: true})
		}
		rel = append(rel, r)
	}
	return p.queue.Submit(ctx, builder.Request{Full: len(rel) == 0, Paths: rel})
}

// RefreshShallow re-lists the project's files without touching the deep index.
func (e *Engine) RefreshShallow(ctx context.Context) (*index.ShallowIndex, error) {
	p, err := e.current()
	if err != nil {
		return nil, err
	}
	return p.builder.RefreshShallow(ctx)
}

// FindFiles matches pattern against the shallow file listing, building the
// listing first if there is none yet.
func (e *Engine) FindFiles(ctx context.Context, pattern string, limit int) (*index.FindResult, error) {
	p, err := e.current()
	if err != nil {
		return nil, err
	}
	snap := p.shallow.Current()
	if snap == nil {
		if snap, err = p.builder.RefreshShallow(ctx); err != nil {
			return nil, err
		}
	}
	res := snap.FindFiles(pattern, limit)
	return &res, nil
}

// Search runs a text search over the open project.
func (e *Engine) Search(ctx context.Context, q search.Query) (*search.Result, error) {
	p, err := e.current()
	if err != nil {
		return nil, err
	}
	return p.search.Search(ctx, q)
}

// Tools reports the probed search strategies in rank order.
func (e *Engine) Tools(ctx context.Context) []search.ToolStatus {
	return e.tools.Status(ctx)
}

// Reprobe forgets demotions and probes every tool again.
func (e *Engine) Reprobe(ctx context.Context) []search.ToolStatus {
	if p, err := e.current(); err == nil {
		return p.search.Reprobe(ctx)
	}
	return e.tools.Reprobe(ctx)
}

// relative converts a caller-supplied path into the canonical root-relative form.
func (p *project) relative(path string) (string, error) {
	rel, err := paths.ToRelative(paths.NormalizePath(path), p.root)
	if err != nil {
		return "", errors.New(errors.InvalidParameter, "path is outside the project", err)
	}
	return rel, nil
}
