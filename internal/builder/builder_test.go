package builder

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"codeindex/internal/analyzer"
	"codeindex/internal/errors"
	"codeindex/internal/filter"
	"codeindex/internal/index"
	"codeindex/internal/slogutil"
	"codeindex/internal/storage"
)

type testProject struct {
	root    string
	builder *Builder
	deep    *storage.DeepStore
	shallow *storage.ShallowStore
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newProject(t *testing.T, root string, reg *analyzer.Registry, opts filter.Options) *testProject {
	t.Helper()
	if reg == nil {
		reg = analyzer.NewRegistry()
	}
	storeDir := t.TempDir()
	logger := slogutil.NewDiscardLogger()

	deep, err := storage.OpenDeepStore(context.Background(), storeDir, root, logger)
	if err != nil {
		t.Fatalf("OpenDeepStore() error = %v", err)
	}
	t.Cleanup(func() { deep.Close() })
	shallow, err := storage.OpenShallowStore(storeDir, root, logger)
	if err != nil {
		t.Fatalf("OpenShallowStore() error = %v", err)
	}

	b := New(filter.New(root, opts), reg, deep, shallow, Options{Workers: 4}, logger)
	return &testProject{root: root, builder: b, deep: deep, shallow: shallow}
}

func symbolIDs(d *index.DeepIndex) []string {
	ids := make([]string, 0, len(d.Symbols))
	for id := range d.Symbols {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func findSymbol(t *testing.T, d *index.DeepIndex, path, qual string) *index.Symbol {
	t.Helper()
	for _, s := range d.SymbolsInFile(path) {
		if s.QualifiedName == qual {
			return s
		}
	}
	t.Fatalf("symbol %s not found in %s", qual, path)
	return nil
}

func edgeTo(d *index.DeepIndex, path, callee string) (index.CallEdge, bool) {
	for _, e := range d.EdgesFromFile(path) {
		if e.CalleeName == callee {
			return e, true
		}
	}
	return index.CallEdge{}, false
}

const mainPy = `from lib import helper


def main():
    return helper()
`

const libPy = `def helper():
    return 1
`

func TestBuild_SameFileNameInDifferentDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/util.py", strings.Repeat("# pad\n", 9)+"def parse(s):\n    return s\n")
	writeFile(t, root, "b/util.py", strings.Repeat("# pad\n", 4)+"def parse(s):\n    return s\n")
	p := newProject(t, root, nil, filter.Options{})

	sum, err := p.builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if sum.FileCount != 2 || sum.SymbolCount != 2 || sum.Incremental {
		t.Errorf("summary = %+v, want 2 files, 2 symbols, full build", sum)
	}

	d := p.deep.Current()
	a := findSymbol(t, d, "a/util.py", "parse")
	b := findSymbol(t, d, "b/util.py", "parse")
	if a.ID == b.ID {
		t.Fatalf("identifiers collide: %s", a.ID)
	}
	if a.ID != "a/util.py::parse::function::10" {
		t.Errorf("a ID = %q", a.ID)
	}
	if b.ID != "b/util.py::parse::function::5" {
		t.Errorf("b ID = %q", b.ID)
	}
}

func TestBuild_ResolvesCalls(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.py", mainPy+"\ndef other():\n    missing_fn()\n")
	writeFile(t, root, "lib.py", libPy)
	p := newProject(t, root, nil, filter.Options{})

	sum, err := p.builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	d := p.deep.Current()
	helper := findSymbol(t, d, "lib.py", "helper")
	main := findSymbol(t, d, "main.py", "main")

	e, ok := edgeTo(d, "main.py", "helper")
	if !ok {
		t.Fatal("no edge to helper")
	}
	if e.CalleeID != helper.ID || e.CallerID != main.ID {
		t.Errorf("edge = %+v, want %s -> %s", e, main.ID, helper.ID)
	}

	missing, ok := edgeTo(d, "main.py", "missing_fn")
	if !ok || missing.Resolved() || missing.Line != 8 {
		t.Errorf("missing_fn edge = %+v, want unresolved at line 8", missing)
	}
	if sum.Unresolved != 1 {
		t.Errorf("Unresolved = %d, want 1", sum.Unresolved)
	}
	if callers := d.Callers(helper.ID); len(callers) != 1 {
		t.Errorf("Callers(helper) = %+v", callers)
	}
}

func TestBuild_Idempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.py", mainPy)
	writeFile(t, root, "lib.py", libPy)
	writeFile(t, root, "pkg/shop.go", "package pkg\n\nfunc A() { B() }\n\nfunc B() {}\n")
	p := newProject(t, root, nil, filter.Options{})

	first, err := p.builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	d1 := p.deep.Current()
	second, err := p.builder.Build(context.Background())
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	d2 := p.deep.Current()

	if second.Generation != first.Generation+1 {
		t.Errorf("Generation = %d, want %d", second.Generation, first.Generation+1)
	}
	if first.BuildID == second.BuildID {
		t.Error("each build should carry its own build id")
	}
	if strings.Join(symbolIDs(d1), ",") != strings.Join(symbolIDs(d2), ",") {
		t.Errorf("symbols differ:\n%v\n%v", symbolIDs(d1), symbolIDs(d2))
	}
	if len(d1.Edges) != len(d2.Edges) || d1.FileCount() != d2.FileCount() {
		t.Fatalf("edges %d/%d files %d/%d", len(d1.Edges), len(d2.Edges), d1.FileCount(), d2.FileCount())
	}
	for i := range d1.Edges {
		if d1.Edges[i] != d2.Edges[i] {
			t.Errorf("edge %d = %+v, want %+v", i, d2.Edges[i], d1.Edges[i])
		}
	}
}

func TestBuild_AnalyzerFailureSkipsFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "ok.py", libPy)
	writeFile(t, root, "blob.py", "def x():\x00\n")
	p := newProject(t, root, nil, filter.Options{})

	sum, err := p.builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if sum.FileCount != 1 || sum.AnalyzedFiles != 2 {
		t.Errorf("FileCount = %d, AnalyzedFiles = %d; want 1 and 2", sum.FileCount, sum.AnalyzedFiles)
	}
	if len(sum.Diagnostics) != 1 || sum.Diagnostics[0].Path != "blob.py" || sum.Diagnostics[0].Code != string(errors.AnalyzerFailure) {
		t.Errorf("Diagnostics = %+v", sum.Diagnostics)
	}
	if diags := p.deep.Current().DiagnosticsFor("blob.py"); len(diags) != 1 {
		t.Errorf("stored diagnostics = %+v", diags)
	}
}

func TestBuild_RefreshesShallowIndex(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "lib.py", libPy)
	writeFile(t, root, "notes.bin", "x")
	p := newProject(t, root, nil, filter.Options{})

	if _, err := p.builder.Build(context.Background()); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	snap := p.shallow.Current()
	if snap == nil || len(snap.Files) != 1 || snap.Files[0].Path != "lib.py" {
		t.Fatalf("shallow index = %+v", snap)
	}

	writeFile(t, root, "more.py", libPy)
	snap, err := p.builder.RefreshShallow(context.Background())
	if err != nil {
		t.Fatalf("RefreshShallow() error = %v", err)
	}
	if len(snap.Files) != 2 || snap.Generation != 2 {
		t.Errorf("refreshed shallow = %d files, generation %d", len(snap.Files), snap.Generation)
	}
	if p.deep.Current().FileCount() != 1 {
		t.Error("RefreshShallow must not touch the deep index")
	}
}

func TestUpdate_WithoutGenerationRunsFullBuild(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "lib.py", libPy)
	p := newProject(t, root, nil, filter.Options{})

	sum, err := p.builder.Update(context.Background(), []string{"lib.py"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if sum.Incremental || sum.Generation != 1 {
		t.Errorf("summary = %+v, want full build of generation 1", sum)
	}
}

func TestUpdate_ReanalyzesDependents(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.py", mainPy)
	writeFile(t, root, "lib.py", libPy)
	writeFile(t, root, "unrelated.py", "def alone():\n    pass\n")
	p := newProject(t, root, nil, filter.Options{})
	ctx := context.Background()

	if _, err := p.builder.Build(ctx); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	// helper moves down two lines, so its identifier changes.
	writeFile(t, root, "lib.py", "import os\n\n"+libPy)
	sum, err := p.builder.Update(ctx, []string{"lib.py"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !sum.Incremental || sum.AnalyzedFiles != 2 {
		t.Errorf("summary = %+v, want incremental over lib.py and main.py", sum)
	}

	d := p.deep.Current()
	helper := findSymbol(t, d, "lib.py", "helper")
	if helper.StartLine != 3 {
		t.Errorf("helper StartLine = %d, want 3", helper.StartLine)
	}
	e, ok := edgeTo(d, "main.py", "helper")
	if !ok || e.CalleeID != helper.ID {
		t.Errorf("main -> helper edge = %+v, want callee %s", e, helper.ID)
	}

	// The patched generation matches a fresh full build of the same tree.
	fresh := newProject(t, root, nil, filter.Options{})
	if _, err := fresh.builder.Build(ctx); err != nil {
		t.Fatalf("fresh Build() error = %v", err)
	}
	want := fresh.deep.Current()
	if strings.Join(symbolIDs(d), ",") != strings.Join(symbolIDs(want), ",") {
		t.Errorf("symbols = %v, want %v", symbolIDs(d), symbolIDs(want))
	}
	if len(d.Edges) != len(want.Edges) {
		t.Fatalf("edges = %+v, want %+v", d.Edges, want.Edges)
	}
	for i := range want.Edges {
		if d.Edges[i] != want.Edges[i] {
			t.Errorf("edge %d = %+v, want %+v", i, d.Edges[i], want.Edges[i])
		}
	}
}

func TestUpdate_RemovedFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.py", mainPy)
	writeFile(t, root, "lib.py", libPy)
	p := newProject(t, root, nil, filter.Options{})
	ctx := context.Background()

	if _, err := p.builder.Build(ctx); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := os.Remove(filepath.Join(root, "lib.py")); err != nil {
		t.Fatal(err)
	}
	sum, err := p.builder.Update(ctx, []string{"lib.py"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if sum.FileCount != 1 {
		t.Errorf("FileCount = %d, want 1", sum.FileCount)
	}

	d := p.deep.Current()
	if _, ok := d.File("lib.py"); ok {
		t.Error("lib.py should be gone")
	}
	if e, ok := edgeTo(d, "main.py", "helper"); !ok || e.Resolved() {
		t.Errorf("main -> helper edge = %+v, want unresolved", e)
	}
	for _, f := range p.shallow.Current().Files {
		if f.Path == "lib.py" {
			t.Error("lib.py still in shallow index")
		}
	}
}

func TestUpdate_RemovedDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.py", libPy)
	writeFile(t, root, "old/a.py", "def a():\n    pass\n")
	writeFile(t, root, "old/deep/b.py", "def b():\n    pass\n")
	p := newProject(t, root, nil, filter.Options{})
	ctx := context.Background()

	if _, err := p.builder.Build(ctx); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := os.RemoveAll(filepath.Join(root, "old")); err != nil {
		t.Fatal(err)
	}
	if _, err := p.builder.Update(ctx, []string{"old"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := p.deep.Current().Paths(); len(got) != 1 || got[0] != "keep.py" {
		t.Errorf("Paths() = %v, want [keep.py]", got)
	}
}

func TestUpdate_NewDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.py", "def main():\n    helper()\n")
	p := newProject(t, root, nil, filter.Options{MaxFileSize: 1024})
	ctx := context.Background()

	if _, err := p.builder.Build(ctx); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	writeFile(t, root, "pkg/lib.py", libPy)
	writeFile(t, root, "pkg/node_modules/dep.py", libPy)
	writeFile(t, root, "pkg/big.py", strings.Repeat("# pad\n", 400))
	writeFile(t, root, "pkg/notes.bin", "x")

	if _, err := p.builder.Update(ctx, []string{"pkg"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	d := p.deep.Current()
	if got := d.Paths(); len(got) != 2 || got[0] != "main.py" || got[1] != "pkg/lib.py" {
		t.Errorf("Paths() = %v, want [main.py pkg/lib.py]", got)
	}
	findSymbol(t, d, "pkg/lib.py", "helper")
	if e, ok := edgeTo(d, "main.py", "helper"); !ok || !e.Resolved() {
		t.Errorf("main.py -> helper edge = %+v, %v; want resolved", e, ok)
	}
}

func TestUpdate_NewDefinitionResolvesExistingCall(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.py", "def main():\n    later()\n")
	p := newProject(t, root, nil, filter.Options{})
	ctx := context.Background()

	if _, err := p.builder.Build(ctx); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if e, _ := edgeTo(p.deep.Current(), "main.py", "later"); e.Resolved() {
		t.Fatal("later should start unresolved")
	}

	writeFile(t, root, "later.py", "def later():\n    pass\n")
	if _, err := p.builder.Update(ctx, []string{"later.py"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	d := p.deep.Current()
	later := findSymbol(t, d, "later.py", "later")
	if e, _ := edgeTo(d, "main.py", "later"); e.CalleeID != later.ID {
		t.Errorf("edge = %+v, want callee %s", e, later.ID)
	}
}

func TestBuild_GoFixture(t *testing.T) {
	root, err := filepath.Abs(filepath.Join("..", "..", "testdata", "fixtures", "go"))
	if err != nil {
		t.Fatal(err)
	}
	p := newProject(t, root, nil, filter.Options{})
	ctx := context.Background()

	sum, err := p.builder.Build(ctx)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if sum.FileCount != 6 {
		t.Errorf("FileCount = %d, want 6", sum.FileCount)
	}
	d := p.deep.Current()

	fn := findSymbol(t, d, "main.go", "Handler")
	typ := findSymbol(t, d, "pkg/handler.go", "Handler")
	if fn.ID == typ.ID {
		t.Fatalf("main.Handler and pkg.Handler share ID %q", fn.ID)
	}
	if !strings.HasPrefix(fn.ID, "main.go::") || !strings.HasPrefix(typ.ID, "pkg/handler.go::") {
		t.Errorf("IDs = %q, %q", fn.ID, typ.ID)
	}

	format := findSymbol(t, d, "internal/util.go", "FormatOutput")
	callers := map[string]bool{}
	for _, e := range d.Callers(format.ID) {
		if e.CalleeID == format.ID {
			callers[e.CallerPath] = true
		}
	}
	for _, path := range []string{"main.go", "pkg/handler.go", "pkg/service.go"} {
		if !callers[path] {
			t.Errorf("FormatOutput not called from %s; callers = %v", path, callers)
		}
	}

	newServer := findSymbol(t, d, "pkg/server.go", "NewServer")
	if e, ok := edgeTo(d, "main.go", "pkg.NewServer"); !ok || e.CalleeID != newServer.ID {
		t.Errorf("main -> pkg.NewServer edge = %+v, want %s", e, newServer.ID)
	}

	before := symbolIDs(d)
	if _, err := p.builder.Build(ctx); err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	after := symbolIDs(p.deep.Current())
	if strings.Join(before, "\n") != strings.Join(after, "\n") {
		t.Error("rebuilding an unchanged tree changed the symbol set")
	}
}
