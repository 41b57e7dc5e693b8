package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeindex/internal/errors"
	"codeindex/internal/filter"
)

type fakeStrategy struct {
	name     string
	native   bool
	probeErr error
	search   func(ctx context.Context, req Request) ([]Match, error)
	calls    atomic.Int32
	lastReq  atomic.Pointer[Request]
}

func (f *fakeStrategy) Name() string      { return f.name }
func (f *fakeStrategy) NativeFuzzy() bool { return f.native }

func (f *fakeStrategy) Probe(context.Context) (string, error) {
	if f.probeErr != nil {
		return "", f.probeErr
	}
	return "1.0.0", nil
}

func (f *fakeStrategy) Search(ctx context.Context, req Request) ([]Match, error) {
	f.calls.Add(1)
	f.lastReq.Store(&req)
	if f.search == nil {
		return nil, nil
	}
	return f.search(ctx, req)
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func newService(t *testing.T, root string, opts Options, strategies ...Strategy) (*Service, *ToolCache) {
	t.Helper()
	tools := NewToolCache(strategies, nil, time.Second, nil)
	return NewService(filter.New(root, filter.Options{}), tools, opts, nil), tools
}

// userDataFile puts getUserData() on line 42.
func userDataFile() string {
	var b strings.Builder
	for i := 1; i < 42; i++ {
		fmt.Fprintf(&b, "x = %d\n", i)
	}
	b.WriteString("result = getUserData()\n")
	b.WriteString("y = 0\n")
	return b.String()
}

func TestService_RegexMatchWithScanner(t *testing.T) {
	root := writeFiles(t, map[string]string{"svc/user.py": userDataFile()})
	svc, _ := newService(t, root, Options{}, NewScanner())

	res, err := svc.Search(context.Background(), Query{Pattern: "get.*Data", IsRegex: true})
	require.NoError(t, err)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, "svc/user.py", res.Matches[0].Path)
	assert.Equal(t, 42, res.Matches[0].Line)
	assert.Equal(t, "result = getUserData()", res.Matches[0].Text)
	assert.Equal(t, ToolInternal, res.Tool)
	assert.Equal(t, 1, res.TotalMatches)
	assert.False(t, res.HasMore)
	assert.Empty(t, res.NextCursor)
}

func TestService_RejectsCatastrophicPatternWithoutExecution(t *testing.T) {
	root := writeFiles(t, map[string]string{"a.py": "aaaa\n"})
	tool := &fakeStrategy{name: ToolRipgrep}
	svc, _ := newService(t, root, Options{}, tool, NewScanner())

	for _, fuzzy := range []bool{false, true} {
		_, err := svc.Search(context.Background(), Query{Pattern: "(a+)+$", IsRegex: true, Fuzzy: fuzzy})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.RegexRejected), "err = %v", err)
	}
	assert.Equal(t, int32(0), tool.calls.Load())
}

func TestService_FallsBackWhenTopToolFails(t *testing.T) {
	root := writeFiles(t, map[string]string{"svc/user.py": userDataFile()})
	broken := &fakeStrategy{
		name: ToolUgrep,
		search: func(context.Context, Request) ([]Match, error) {
			return nil, errors.Newf(errors.ToolUnavailable, "ugrep exited with code 127")
		},
	}
	missing := &fakeStrategy{name: ToolRipgrep, probeErr: fmt.Errorf("rg not found in PATH")}
	svc, tools := newService(t, root, Options{}, broken, missing, NewScanner())

	res, err := svc.Search(context.Background(), Query{Pattern: "getUserData"})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, 42, res.Matches[0].Line)
	assert.Equal(t, ToolInternal, res.Tool)
	assert.Equal(t, int32(0), missing.calls.Load())

	status := tools.Status(context.Background())
	require.Len(t, status, 3)
	assert.True(t, status[0].Demoted)
	assert.Contains(t, status[0].Reason, "127")
	assert.False(t, status[1].Available)

	_, err = svc.Search(context.Background(), Query{Pattern: "y = 0"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), broken.calls.Load(), "demoted tool must not be retried")

	tools.Reprobe(context.Background())
	assert.Equal(t, ToolUgrep, tools.Active(context.Background()))
}

func TestService_DisabledToolIsSkipped(t *testing.T) {
	root := writeFiles(t, map[string]string{"a.py": "needle\n"})
	rg := &fakeStrategy{name: ToolRipgrep}
	tools := NewToolCache([]Strategy{rg, NewScanner()}, []string{ToolRipgrep}, time.Second, nil)
	svc := NewService(filter.New(root, filter.Options{}), tools, Options{}, nil)

	res, err := svc.Search(context.Background(), Query{Pattern: "needle"})
	require.NoError(t, err)
	assert.Equal(t, ToolInternal, res.Tool)
	assert.Equal(t, int32(0), rg.calls.Load())
	assert.True(t, tools.Status(context.Background())[0].Disabled)
}

func TestService_InvalidPatternIsNotADemotion(t *testing.T) {
	root := writeFiles(t, map[string]string{"a.py": "x\n"})
	rg := &fakeStrategy{
		name: ToolRipgrep,
		search: func(context.Context, Request) ([]Match, error) {
			return nil, errors.Newf(errors.InvalidPattern, "rg rejected the pattern")
		},
	}
	svc, tools := newService(t, root, Options{}, rg, NewScanner())

	_, err := svc.Search(context.Background(), Query{Pattern: "foo[", IsRegex: true})
	require.Error(t, err)
	assert.Equal(t, errors.InvalidPattern, errors.CodeOf(err))
	assert.Equal(t, int32(0), rg.calls.Load(), "unbalanced class is caught before execution")

	_, err = svc.Search(context.Background(), Query{Pattern: `\k<x>`, IsRegex: true})
	require.Error(t, err)
	assert.Equal(t, errors.InvalidPattern, errors.CodeOf(err))
	assert.False(t, tools.Status(context.Background())[0].Demoted)
}

func TestService_TimeoutAbortsOnlyThatQuery(t *testing.T) {
	root := writeFiles(t, map[string]string{"a.py": "needle\n"})
	slow := &fakeStrategy{
		name: ToolRipgrep,
		search: func(ctx context.Context, req Request) ([]Match, error) {
			if req.Pattern == "slow" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return []Match{{Path: "a.py", Line: 1, Text: "needle"}}, nil
		},
	}
	svc, tools := newService(t, root, Options{Timeout: 50 * time.Millisecond}, slow, NewScanner())

	done := make(chan error, 1)
	go func() {
		_, err := svc.Search(context.Background(), Query{Pattern: "slow"})
		done <- err
	}()

	res, err := svc.Search(context.Background(), Query{Pattern: "needle"})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 1)

	err = <-done
	require.Error(t, err)
	assert.Equal(t, errors.QueryTimeout, errors.CodeOf(err))
	assert.False(t, tools.Status(context.Background())[0].Demoted)
}

func TestService_PostFiltersToolOutput(t *testing.T) {
	root := writeFiles(t, map[string]string{"src/b.js": "", "src/a.js": ""})
	rg := &fakeStrategy{
		name: ToolRipgrep,
		search: func(context.Context, Request) ([]Match, error) {
			return []Match{
				{Path: "./src/b.js", Line: 3, Text: "mongo"},
				{Path: "node_modules/pkg/index.js", Line: 1, Text: "mongo"},
				{Path: "src/a.js", Line: 9, Text: "mongo"},
				{Path: "src/a.js", Line: 2, Text: "mongo"},
				{Path: "src/b.js", Line: 3, Text: "mongo"},
				{Path: "dist/app.min.js", Line: 1, Text: "mongo"},
			}, nil
		},
	}
	svc, _ := newService(t, root, Options{}, rg)

	res, err := svc.Search(context.Background(), Query{Pattern: "mongo"})
	require.NoError(t, err)

	var got []string
	for _, m := range res.Matches {
		got = append(got, fmt.Sprintf("%s:%d", m.Path, m.Line))
	}
	assert.Equal(t, []string{"src/a.js:2", "src/a.js:9", "src/b.js:3"}, got)
}

func TestService_ToolOutputHonorsMaxFileSize(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"big.py":   "needle = 1\n" + strings.Repeat("# padding padding padding\n", 8),
		"small.py": "needle = 2\n",
	})
	f := filter.New(root, filter.Options{MaxFileSize: 100})

	rg := &fakeStrategy{
		name: ToolRipgrep,
		search: func(context.Context, Request) ([]Match, error) {
			return []Match{
				{Path: "big.py", Line: 1, Text: "needle = 1"},
				{Path: "small.py", Line: 1, Text: "needle = 2"},
			}, nil
		},
	}
	tools := NewToolCache([]Strategy{rg}, nil, time.Second, nil)
	res, err := NewService(f, tools, Options{}, nil).Search(context.Background(), Query{Pattern: "needle"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalMatches)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "small.py", res.Matches[0].Path)

	scanTools := NewToolCache([]Strategy{NewScanner()}, nil, time.Second, nil)
	res, err = NewService(f, scanTools, Options{}, nil).Search(context.Background(), Query{Pattern: "needle"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalMatches)
}

func TestService_PaginationNeverSkipsOrDuplicates(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"a.go": "needle\nx\nneedle\nneedle\n",
		"b.go": "needle\n",
		"c/d.go": "y\nneedle\nneedle\n",
	})
	svc, _ := newService(t, root, Options{}, NewScanner())

	var (
		seen   []string
		cursor string
		pages  int
	)
	for {
		res, err := svc.Search(context.Background(), Query{Pattern: "needle", MaxResults: 2, Cursor: cursor})
		require.NoError(t, err)
		assert.Equal(t, 6, res.TotalMatches)
		assert.Equal(t, len(seen), res.StartIndex)
		assert.Equal(t, res.StartIndex+res.Returned, res.EndIndex)
		for _, m := range res.Matches {
			seen = append(seen, fmt.Sprintf("%s:%d", m.Path, m.Line))
		}
		pages++
		if !res.HasMore {
			assert.Empty(t, res.NextCursor)
			break
		}
		cursor = res.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"a.go:1", "a.go:3", "a.go:4", "b.go:1", "c/d.go:2", "c/d.go:3"}, seen)
}

func TestService_CursorBoundToQuery(t *testing.T) {
	root := writeFiles(t, map[string]string{"a.go": "needle\nneedle\nneedle\n"})
	svc, _ := newService(t, root, Options{}, NewScanner())

	res, err := svc.Search(context.Background(), Query{Pattern: "needle", MaxResults: 1})
	require.NoError(t, err)
	require.NotEmpty(t, res.NextCursor)

	_, err = svc.Search(context.Background(), Query{Pattern: "other", MaxResults: 1, Cursor: res.NextCursor})
	assert.Equal(t, errors.InvalidCursor, errors.CodeOf(err))

	tampered := strings.Replace(res.NextCursor, ".", ".AAAA", 1)
	_, err = svc.Search(context.Background(), Query{Pattern: "needle", MaxResults: 1, Cursor: tampered})
	assert.Equal(t, errors.InvalidCursor, errors.CodeOf(err))

	_, err = svc.Search(context.Background(), Query{Pattern: "needle", Cursor: "garbage"})
	assert.Equal(t, errors.InvalidCursor, errors.CodeOf(err))

	// a different page size keeps the same match set
	next, err := svc.Search(context.Background(), Query{Pattern: "needle", MaxResults: 5, Cursor: res.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, 1, next.StartIndex)
	assert.Equal(t, 2, next.Returned)
}

func TestService_FuzzyUsesNativeDistance(t *testing.T) {
	root := writeFiles(t, map[string]string{"a.py": "x\n"})
	ugrep := &fakeStrategy{name: ToolUgrep, native: true}
	svc, _ := newService(t, root, Options{DefaultMaxDistance: 2}, ugrep)

	res, err := svc.Search(context.Background(), Query{Pattern: "getUserData", Fuzzy: true})
	require.NoError(t, err)
	assert.False(t, res.Approximate)

	req := ugrep.lastReq.Load()
	require.NotNil(t, req)
	assert.Equal(t, "getUserData", req.Pattern)
	assert.Equal(t, 2, req.MaxDistance)
}

func TestService_FuzzyFallbackIsApproximate(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"a.py": "value = get_user_data()\nother = fetch()\n",
	})
	svc, _ := newService(t, root, Options{}, NewScanner())

	res, err := svc.Search(context.Background(), Query{Pattern: "getUserData", Fuzzy: true})
	require.NoError(t, err)
	assert.True(t, res.Approximate)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, 1, res.Matches[0].Line)
}

func TestService_ContextLinesAndGlob(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"pkg/a.py": "one\ntwo\nneedle\nfour\n",
		"pkg/b.go": "needle\n",
	})
	svc, _ := newService(t, root, Options{}, NewScanner())

	res, err := svc.Search(context.Background(), Query{Pattern: "needle", FileGlob: "*.py", ContextLines: 2})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, "pkg/a.py", m.Path)
	assert.Equal(t, []string{"one", "two"}, m.Before)
	assert.Equal(t, []string{"four"}, m.After)
}

func TestService_CaseInsensitive(t *testing.T) {
	root := writeFiles(t, map[string]string{"a.py": "Needle\n"})
	svc, _ := newService(t, root, Options{}, NewScanner())

	res, err := svc.Search(context.Background(), Query{Pattern: "needle"})
	require.NoError(t, err)
	assert.Empty(t, res.Matches)

	res, err = svc.Search(context.Background(), Query{Pattern: "needle", CaseSensitive: Bool(false)})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 1)
}

func TestService_RejectsBadParameters(t *testing.T) {
	svc, _ := newService(t, t.TempDir(), Options{}, NewScanner())

	for _, q := range []Query{
		{Pattern: "  "},
		{Pattern: "x", MaxResults: -1},
		{Pattern: "x", ContextLines: MaxContextLines + 1},
		{Pattern: "x", Fuzzy: true, MaxDistance: MaxFuzzyDistance + 1},
	} {
		_, err := svc.Search(context.Background(), q)
		assert.Equal(t, errors.InvalidParameter, errors.CodeOf(err), "query %+v", q)
	}
}

func TestService_NoStrategies(t *testing.T) {
	svc, _ := newService(t, t.TempDir(), Options{})
	_, err := svc.Search(context.Background(), Query{Pattern: "x"})
	assert.Equal(t, errors.ToolUnavailable, errors.CodeOf(err))
}
