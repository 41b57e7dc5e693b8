package search

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"codeindex/internal/config"
	"codeindex/internal/errors"
	"codeindex/internal/filter"
	"codeindex/internal/paths"
	"codeindex/internal/slogutil"
)

// Options tunes a Service.
type Options struct {
	// Timeout bounds one query, including every strategy it falls through.
	Timeout time.Duration
	// MaxProcesses caps concurrent search subprocesses.
	MaxProcesses       int
	DefaultMaxResults  int
	MaxCollected       int
	DefaultMaxDistance int
	// CacheSize is the number of collected result sets kept for pagination.
	CacheSize int
	// Generation reports the published index generation. Cached result
	// sets are keyed by it so a rebuild invalidates them. Optional.
	Generation func() uint64
	// CursorKey signs pagination cursors. Empty means a random key, so
	// cursors do not outlive the process.
	CursorKey []byte
}

// OptionsFromConfig converts the search section of the configuration.
func OptionsFromConfig(cfg config.SearchConfig) Options {
	return Options{
		Timeout:            time.Duration(cfg.TimeoutMs) * time.Millisecond,
		MaxProcesses:       cfg.MaxProcesses,
		DefaultMaxResults:  cfg.DefaultMaxResults,
		MaxCollected:       cfg.MaxCollected,
		DefaultMaxDistance: cfg.DefaultMaxDistance,
		CacheSize:          cfg.CacheSize,
	}
}

func (o Options) withDefaults() Options {
	def := OptionsFromConfig(config.DefaultConfig().Search)
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MaxProcesses <= 0 {
		o.MaxProcesses = def.MaxProcesses
	}
	if o.DefaultMaxResults <= 0 {
		o.DefaultMaxResults = def.DefaultMaxResults
	}
	if o.MaxCollected <= 0 {
		o.MaxCollected = def.MaxCollected
	}
	if o.DefaultMaxDistance <= 0 {
		o.DefaultMaxDistance = def.DefaultMaxDistance
	}
	if o.CacheSize <= 0 {
		o.CacheSize = def.CacheSize
	}
	return o
}

// collected is the full, sorted match set of one query.
type collected struct {
	matches     []Match
	tool        string
	approximate bool
	truncated   bool
}

// Service searches one project. It is safe for concurrent use.
type Service struct {
	filter  *filter.Filter
	tools   *ToolCache
	opts    Options
	logger  *slog.Logger
	sem     *semaphore.Weighted
	cache   *lru.Cache[string, *collected]
	cursors *cursorSigner
}

// NewService creates a search service over the files admitted by f.
func NewService(f *filter.Filter, tools *ToolCache, opts Options, logger *slog.Logger) *Service {
	opts = opts.withDefaults()
	cache, _ := lru.New[string, *collected](opts.CacheSize)
	return &Service{
		filter:  f,
		tools:   tools,
		opts:    opts,
		logger:  slogutil.OrDiscard(logger),
		sem:     semaphore.NewWeighted(int64(opts.MaxProcesses)),
		cache:   cache,
		cursors: newCursorSignerWithKey(opts.CursorKey),
	}
}

// Search validates q, collects its full match set with the best available
// strategy and returns the page selected by q.Cursor. Matches are ordered by
// path, then line.
func (s *Service) Search(ctx context.Context, q Query) (*Result, error) {
	q, err := q.normalize(s.opts)
	if err != nil {
		return nil, err
	}
	if q.IsRegex {
		if err := CheckPattern(q.Pattern); err != nil {
			s.logger.Warn("Search pattern rejected", "pattern", q.Pattern, "code", errors.CodeOf(err))
			return nil, err
		}
	}

	fp := q.fingerprint()
	offset, err := s.cursors.decode(q.Cursor, fp)
	if err != nil {
		return nil, err
	}

	key := s.cacheKey(fp)
	var set *collected
	ok := false
	if q.Cursor != "" {
		set, ok = s.cache.Get(key)
	}
	if !ok {
		start := time.Now()
		set, err = s.collect(ctx, q)
		if err != nil {
			return nil, err
		}
		s.cache.Add(key, set)
		s.logger.Debug("Search collected",
			"pattern", q.Pattern,
			"tool", set.tool,
			"matches", len(set.matches),
			"duration", time.Since(start),
		)
	}
	return s.page(set, q, fp, offset), nil
}

// Tools reports the strategy probe results.
func (s *Service) Tools(ctx context.Context) []ToolStatus {
	return s.tools.Status(ctx)
}

// Reprobe re-detects the search tools and drops cached result sets.
func (s *Service) Reprobe(ctx context.Context) []ToolStatus {
	s.cache.Purge()
	return s.tools.Reprobe(ctx)
}

func (s *Service) cacheKey(fp string) string {
	var gen uint64
	if s.opts.Generation != nil {
		gen = s.opts.Generation()
	}
	return fp + "@" + strconv.FormatUint(gen, 10)
}

// collect walks the strategies in rank order. Unavailable tools are demoted
// and the next one is tried; any other failure ends the query.
func (s *Service) collect(ctx context.Context, q Query) (*collected, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var lastErr error
	for _, st := range s.tools.Candidates(ctx) {
		req, approximate := s.request(q, st)
		matches, err := s.run(ctx, st, req)
		if err == nil {
			set := s.finish(matches, q.FileGlob)
			set.tool = st.Name()
			set.approximate = approximate
			return set, nil
		}

		switch {
		case stderrors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded)):
			return nil, errors.New(errors.QueryTimeout, fmt.Sprintf("search did not finish within %s", s.opts.Timeout), err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, errors.ToolUnavailable):
			s.tools.Demote(st.Name(), err.Error())
			lastErr = err
		default:
			return nil, err
		}
	}
	return nil, errors.New(errors.ToolUnavailable, "no search strategy is available", lastErr)
}

// request adapts q to st. The second result reports whether fuzzy mode had
// to fall back to the pattern rewrite.
func (s *Service) request(q Query, st Strategy) (Request, bool) {
	req := Request{
		Filter:        s.filter,
		Pattern:       q.Pattern,
		Regex:         q.IsRegex,
		CaseSensitive: q.caseSensitive(),
		FileGlob:      q.FileGlob,
		MaxCollected:  s.opts.MaxCollected,
	}
	if !q.Fuzzy {
		return req, false
	}
	if st.NativeFuzzy() {
		req.MaxDistance = q.MaxDistance
		return req, false
	}
	rewritten := FuzzyPattern(q.Pattern)
	if rewritten == "" {
		req.Regex = false
		return req, false
	}
	req.Pattern = rewritten
	req.Regex = true
	req.CaseSensitive = false
	return req, true
}

func (s *Service) run(ctx context.Context, st Strategy, req Request) ([]Match, error) {
	if st.Name() != ToolInternal {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.sem.Release(1)
	}
	return st.Search(ctx, req)
}

// finish applies the shared filter (size limit included) and glob, drops
// duplicates, sorts and caps the raw strategy output.
func (s *Service) finish(raw []Match, glob string) *collected {
	seen := make(map[string]struct{}, len(raw))
	eligible := make(map[string]bool)
	out := make([]Match, 0, len(raw))
	for _, m := range raw {
		m.Path = strings.TrimPrefix(filepath.ToSlash(m.Path), "./")
		ok, cached := eligible[m.Path]
		if !cached {
			_, ok = s.filter.Stat(m.Path)
			eligible[m.Path] = ok
		}
		if !ok || !globAccepts(glob, m.Path) {
			continue
		}
		key := m.Path + ":" + strconv.Itoa(m.Line)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Line < out[j].Line
	})

	set := &collected{matches: out, truncated: len(raw) >= s.opts.MaxCollected}
	if len(out) > s.opts.MaxCollected {
		set.matches = out[:s.opts.MaxCollected]
	}
	return set
}

func (s *Service) page(set *collected, q Query, fp string, offset int) *Result {
	total := len(set.matches)
	start := min(max(offset, 0), total)
	end := min(start+q.MaxResults, total)

	page := make([]Match, end-start)
	copy(page, set.matches[start:end])
	if q.ContextLines > 0 {
		s.addContext(page, q.ContextLines)
	}

	res := &Result{
		Matches:      page,
		TotalMatches: total,
		Returned:     len(page),
		StartIndex:   start,
		EndIndex:     end,
		HasMore:      end < total,
		MaxResults:   q.MaxResults,
		Tool:         set.tool,
		Approximate:  set.approximate,
		Truncated:    set.truncated,
	}
	if res.HasMore {
		res.NextCursor = s.cursors.encode(fp, end)
	}
	return res
}

// addContext reads surrounding lines back from disk so every strategy
// yields the same context.
func (s *Service) addContext(page []Match, n int) {
	files := make(map[string][]string)
	for i := range page {
		lines, ok := files[page[i].Path]
		if !ok {
			data, err := os.ReadFile(paths.JoinRoot(s.filter.Root(), page[i].Path))
			if err == nil {
				text := strings.TrimSuffix(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
				lines = strings.Split(text, "\n")
			}
			files[page[i].Path] = lines
		}
		idx := page[i].Line - 1
		if idx < 0 || idx >= len(lines) {
			continue
		}
		if from := max(idx-n, 0); from < idx {
			page[i].Before = append([]string(nil), lines[from:idx]...)
		}
		if to := min(idx+1+n, len(lines)); idx+1 < to {
			page[i].After = append([]string(nil), lines[idx+1:to]...)
		}
	}
}
