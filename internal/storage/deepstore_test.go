package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeindex/internal/errors"
	"codeindex/internal/index"
	"codeindex/internal/slogutil"
)

const testRoot = "/proj"

// fileSpec describes one file of a fixture generation: the functions it
// defines and the names it calls from the first of them.
type fileSpec struct {
	funcs []string
	calls []string
}

func buildGeneration(gen uint64, files map[string]fileSpec) *index.DeepIndex {
	srcFiles := make(map[string]*index.SourceFile)
	symbols := make(map[string]*index.Symbol)
	var edges []index.CallEdge
	byName := make(map[string]string)

	for path, spec := range files {
		srcFiles[path] = &index.SourceFile{
			Path:        path,
			Language:    "python",
			Analyzer:    "generic",
			Size:        100,
			ModTime:     time.Unix(1700000000, 0),
			LineCount:   10,
			IndentStyle: "spaces",
			IndentWidth: 4,
			Imports:     []string{"os"},
		}
		for i, name := range spec.funcs {
			line := i*3 + 1
			s := &index.Symbol{
				ID:            index.SymbolID(path, name, index.KindFunction, line),
				Path:          path,
				Kind:          index.KindFunction,
				Name:          name,
				QualifiedName: name,
				Params:        []string{"x"},
				Visibility:    index.VisibilityPublic,
				StartLine:     line,
				EndLine:       line + 2,
				Doc:           fmt.Sprintf("gen %d", gen),
			}
			symbols[s.ID] = s
			byName[name] = s.ID
		}
	}
	for path, spec := range files {
		if len(spec.funcs) == 0 {
			continue
		}
		caller := index.SymbolID(path, spec.funcs[0], index.KindFunction, 1)
		for i, callee := range spec.calls {
			edges = append(edges, index.CallEdge{
				CallerID:   caller,
				CallerPath: path,
				CalleeID:   byName[callee],
				CalleeName: callee,
				Line:       2 + i,
			})
		}
	}
	return index.NewDeepIndex(testRoot, gen, fmt.Sprintf("build-%d", gen), time.Unix(1700000000+int64(gen), 0),
		srcFiles, symbols, edges, nil)
}

func openTestStore(t *testing.T, dir string) *DeepStore {
	t.Helper()
	s, err := OpenDeepStore(context.Background(), dir, testRoot, slogutil.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeepStore_EmptyStore(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	assert.Nil(t, s.Current())
	assert.Zero(t, s.Generation())
	assert.Equal(t, Ticket{Epoch: 0, Base: 0}, s.Begin())
}

func TestDeepStore_PublishAndReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	gen := buildGeneration(1, map[string]fileSpec{
		"a/util.py": {funcs: []string{"parse", "emit"}, calls: []string{"helper", "missing"}},
		"b/util.py": {funcs: []string{"helper"}},
	})
	require.NoError(t, s.Publish(context.Background(), s.Begin(), gen))
	assert.Same(t, gen, s.Current())
	require.NoError(t, s.Close())

	reopened := openTestStore(t, dir)
	got := reopened.Current()
	require.NotNil(t, got)

	assert.Equal(t, uint64(1), got.Generation)
	assert.Equal(t, "build-1", got.BuildID)
	assert.True(t, gen.BuiltAt.Equal(got.BuiltAt))
	assert.Equal(t, testRoot, got.Root)
	assert.Equal(t, gen.Paths(), got.Paths())
	assert.Equal(t, 3, got.SymbolCount())
	assert.Equal(t, gen.Edges, got.Edges)

	parseID := index.SymbolID("a/util.py", "parse", index.KindFunction, 1)
	parse, ok := got.Symbol(parseID)
	require.True(t, ok)
	assert.Equal(t, []string{"x"}, parse.Params)
	assert.Equal(t, "a/util.py", parse.Path)
	assert.Equal(t, "gen 1", parse.Doc)

	f, ok := got.File("b/util.py")
	require.True(t, ok)
	assert.Equal(t, []string{"os"}, f.Imports)
	assert.True(t, f.ModTime.Equal(time.Unix(1700000000, 0)))

	helperID := index.SymbolID("b/util.py", "helper", index.KindFunction, 1)
	callers := got.Callers(helperID)
	require.Len(t, callers, 1)
	assert.Equal(t, parseID, callers[0].CallerID)
}

func TestDeepStore_DiagnosticsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	gen := buildGeneration(1, map[string]fileSpec{"ok.py": {funcs: []string{"f"}}})
	gen = index.NewDeepIndex(testRoot, 1, "b", time.Now(), gen.Files, gen.Symbols, gen.Edges,
		[]index.Diagnostic{{Path: "bad.py", Code: string(errors.AnalyzerFailure), Message: "binary file"}})
	require.NoError(t, s.Publish(context.Background(), s.Begin(), gen))
	require.NoError(t, s.Close())

	got := openTestStore(t, dir).Current()
	require.NotNil(t, got)
	diags := got.DiagnosticsFor("bad.py")
	require.Len(t, diags, 1)
	assert.Equal(t, "binary file", diags[0].Message)
}

func TestDeepStore_PatchRewritesOnlyGivenPaths(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ctx := context.Background()

	gen1 := buildGeneration(1, map[string]fileSpec{
		"a.py": {funcs: []string{"one"}},
		"b.py": {funcs: []string{"two"}},
		"c.py": {funcs: []string{"three"}},
	})
	require.NoError(t, s.Publish(ctx, s.Begin(), gen1))

	// a.py changes and c.py disappears. b.py carries "gen 2" in memory
	// but is not in the patch set, so its stored row must keep "gen 1".
	gen2 := buildGeneration(2, map[string]fileSpec{
		"a.py": {funcs: []string{"one", "four"}},
		"b.py": {funcs: []string{"two"}},
	})
	require.NoError(t, s.Patch(ctx, s.Begin(), gen2, []string{"a.py", "c.py"}))
	assert.Same(t, gen2, s.Current())
	require.NoError(t, s.Close())

	got := openTestStore(t, dir).Current()
	require.NotNil(t, got)
	assert.Equal(t, uint64(2), got.Generation)
	assert.Equal(t, []string{"a.py", "b.py"}, got.Paths())

	four, ok := got.Symbol(index.SymbolID("a.py", "four", index.KindFunction, 4))
	require.True(t, ok)
	assert.Equal(t, "gen 2", four.Doc)

	two, ok := got.Symbol(index.SymbolID("b.py", "two", index.KindFunction, 1))
	require.True(t, ok)
	assert.Equal(t, "gen 1", two.Doc, "rows outside the patch set must not be rewritten")

	_, ok = got.Symbol(index.SymbolID("c.py", "three", index.KindFunction, 1))
	assert.False(t, ok)
}

func TestDeepStore_RetiredTicketIsStale(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	ticket := s.Begin()
	s.Retire()

	err := s.Publish(ctx, ticket, buildGeneration(1, map[string]fileSpec{"a.py": {funcs: []string{"f"}}}))
	assert.True(t, errors.Is(err, errors.StaleBuild), "error = %v", err)
	assert.Nil(t, s.Current())

	require.NoError(t, s.Publish(ctx, s.Begin(), buildGeneration(1, map[string]fileSpec{"a.py": {}})))
}

func TestDeepStore_PatchAgainstOldBaseIsStale(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	old := s.Begin()
	gen1 := buildGeneration(1, map[string]fileSpec{"a.py": {funcs: []string{"f"}}})
	require.NoError(t, s.Publish(ctx, s.Begin(), gen1))

	err := s.Patch(ctx, old, buildGeneration(2, map[string]fileSpec{"a.py": {}}), []string{"a.py"})
	assert.True(t, errors.Is(err, errors.StaleBuild), "error = %v", err)
	assert.Same(t, gen1, s.Current())
}

func TestDeepStore_RejectsOtherRootAndOldGeneration(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	gen1 := buildGeneration(1, map[string]fileSpec{"a.py": {}})
	require.NoError(t, s.Publish(ctx, s.Begin(), gen1))

	again := buildGeneration(1, map[string]fileSpec{"a.py": {}})
	assert.True(t, errors.Is(s.Publish(ctx, s.Begin(), again), errors.StaleBuild))

	other := index.NewDeepIndex("/elsewhere", 2, "x", time.Now(), nil, nil, nil, nil)
	assert.True(t, errors.Is(s.Publish(ctx, s.Begin(), other), errors.StaleBuild))
	assert.Same(t, gen1, s.Current())
}

func TestDeepStore_LockedStoreKeepsPreviousGeneration(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	s.SetLockWait(80 * time.Millisecond)
	ctx := context.Background()

	gen1 := buildGeneration(1, map[string]fileSpec{"a.py": {}})
	require.NoError(t, s.Publish(ctx, s.Begin(), gen1))

	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	defer lock.Release()

	err = s.Publish(ctx, s.Begin(), buildGeneration(2, map[string]fileSpec{"a.py": {}}))
	assert.True(t, errors.Is(err, errors.StoreLocked), "error = %v", err)
	assert.Same(t, gen1, s.Current())
}

func TestDeepStore_ClosedDatabaseIsStoreFailure(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	gen1 := buildGeneration(1, map[string]fileSpec{"a.py": {}})
	require.NoError(t, s.Publish(ctx, s.Begin(), gen1))
	require.NoError(t, s.db.Close())

	err := s.Publish(ctx, s.Begin(), buildGeneration(2, map[string]fileSpec{"a.py": {}}))
	assert.True(t, errors.Is(err, errors.StoreFailure), "error = %v", err)
	assert.Same(t, gen1, s.Current(), "failed write must leave the published generation queryable")
}

func TestDeepStore_ReadersNeverSeeMixedGenerations(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	files := map[string]fileSpec{
		"a.py": {funcs: []string{"a1", "a2"}, calls: []string{"b1"}},
		"b.py": {funcs: []string{"b1", "b2"}},
	}
	require.NoError(t, s.Publish(ctx, s.Begin(), buildGeneration(1, files)))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mixed sync.Once
	var mixedErr string
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Current()
				want := fmt.Sprintf("gen %d", snap.Generation)
				for _, sym := range snap.Symbols {
					if sym.Doc != want {
						mixed.Do(func() { mixedErr = sym.Doc + " in " + want })
					}
				}
			}
		}()
	}

	for gen := uint64(2); gen <= 6; gen++ {
		require.NoError(t, s.Publish(ctx, s.Begin(), buildGeneration(gen, files)))
	}
	close(stop)
	wg.Wait()

	assert.Empty(t, mixedErr)
	assert.Equal(t, uint64(6), s.Generation())
}
