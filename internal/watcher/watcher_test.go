package watcher

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"codeindex/internal/config"
	"codeindex/internal/errors"
	"codeindex/internal/filter"
)

func TestBatchDebouncer_CoalescesBurst(t *testing.T) {
	var mu sync.Mutex
	var got []Batch
	d := NewBatchDebouncer(80*time.Millisecond, func(b Batch) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		d.Add("src/a.py")
		time.Sleep(10 * time.Millisecond)
	}
	d.Add("src/b.py")

	if d.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", d.Pending())
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("emitted %d batches, want 1", len(got))
	}
	want := []string{"src/a.py", "src/b.py"}
	if !reflect.DeepEqual(got[0].Paths, want) {
		t.Errorf("Paths = %v, want %v", got[0].Paths, want)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() after flush = %d, want 0", d.Pending())
	}
}

func TestBatchDebouncer_ResetsOnEvent(t *testing.T) {
	fired := make(chan Batch, 4)
	d := NewBatchDebouncer(150*time.Millisecond, func(b Batch) { fired <- b })

	d.Add("a.go")
	time.Sleep(100 * time.Millisecond)
	d.Add("a.go")
	time.Sleep(100 * time.Millisecond)

	select {
	case <-fired:
		t.Fatal("timer fired although a new event arrived within the delay")
	default:
	}

	select {
	case b := <-fired:
		if !reflect.DeepEqual(b.Paths, []string{"a.go"}) {
			t.Errorf("Paths = %v, want [a.go]", b.Paths)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestBatchDebouncer_CancelDropsPending(t *testing.T) {
	fired := make(chan Batch, 1)
	d := NewBatchDebouncer(50*time.Millisecond, func(b Batch) { fired <- b })

	d.Add("a.go")
	d.Cancel()

	select {
	case <-fired:
		t.Error("canceled batch was emitted")
	case <-time.After(200 * time.Millisecond):
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", d.Pending())
	}
}

func TestBatchDebouncer_Flush(t *testing.T) {
	var got []Batch
	d := NewBatchDebouncer(time.Hour, func(b Batch) { got = append(got, b) })

	d.Flush()
	if len(got) != 0 {
		t.Fatalf("empty flush emitted %v", got)
	}

	d.Add("x.rs")
	d.AddFull()
	d.Flush()
	if len(got) != 1 || !got[0].Full || got[0].Paths != nil {
		t.Errorf("got %+v, want one full batch", got)
	}
}

func TestBatch_Merge(t *testing.T) {
	a := Batch{Paths: []string{"b.go", "a.go"}}
	b := Batch{Paths: []string{"c.go", "a.go"}}

	got := a.merge(b)
	want := []string{"a.go", "b.go", "c.go"}
	if !reflect.DeepEqual(got.Paths, want) {
		t.Errorf("merge = %v, want %v", got.Paths, want)
	}

	if full := a.merge(Batch{Full: true}); !full.Full || full.Paths != nil {
		t.Errorf("merge with full = %+v, want full batch", full)
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.WatcherConfig{DebounceSeconds: 1.5}).withDefaults()
	if cfg.Debounce != 1500*time.Millisecond {
		t.Errorf("Debounce = %v, want 1.5s", cfg.Debounce)
	}
	if cfg.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.Workers)
	}
	if cfg.QueueSize != 256 {
		t.Errorf("QueueSize = %d, want 256", cfg.QueueSize)
	}
}

// recorder collects handler calls.
type recorder struct {
	mu      sync.Mutex
	batches []Batch
	calls   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{calls: make(chan struct{}, 64)}
}

func (r *recorder) handle(_ context.Context, b Batch) error {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	r.calls <- struct{}{}
	return nil
}

func (r *recorder) snapshot() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Batch(nil), r.batches...)
}

// waitFor blocks until the handler saw path or the timeout passes.
func (r *recorder) waitFor(t *testing.T, path string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, b := range r.snapshot() {
			for _, p := range b.Paths {
				if p == path {
					return
				}
			}
		}
		select {
		case <-r.calls:
		case <-deadline:
			t.Fatalf("no batch contained %s; got %+v", path, r.snapshot())
		}
	}
}

func newProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_StateTransitions(t *testing.T) {
	root := newProject(t, map[string]string{"src/app.py": "x = 1\n"})
	rec := newRecorder()
	w := New(filter.New(root, filter.Options{}), rec.handle, Config{Debounce: time.Second}, nil)
	defer w.Close()

	if st := w.Status(); st.State != StateInactive {
		t.Fatalf("initial state = %s, want inactive", st.State)
	}

	if err := w.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	st := w.Status()
	if st.State != StateActive {
		t.Errorf("state = %s, want active", st.State)
	}
	if st.WatchedDirs != 2 {
		t.Errorf("WatchedDirs = %d, want 2 (root and src)", st.WatchedDirs)
	}
	if st.DebounceSeconds != 1 {
		t.Errorf("DebounceSeconds = %v, want 1", st.DebounceSeconds)
	}

	if err := w.Enable(); err != nil {
		t.Errorf("second Enable() error = %v", err)
	}

	w.Disable()
	if st := w.Status(); st.State != StateInactive || st.WatchedDirs != 0 {
		t.Errorf("after Disable: %+v", st)
	}
}

func TestWatcher_EnableFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "missing")
	w := New(filter.New(root, filter.Options{}), newRecorder().handle, Config{}, nil)
	defer w.Close()

	err := w.Enable()
	if !errors.Is(err, errors.WatcherFailure) {
		t.Fatalf("Enable() error = %v, want WATCHER_FAILURE", err)
	}
	st := w.Status()
	if st.State != StateError || st.LastError == "" {
		t.Errorf("status = %+v, want error state with a message", st)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := w.Enable(); err != nil {
		t.Fatalf("re-Enable() error = %v", err)
	}
	if st := w.Status(); st.State != StateActive || st.LastError != "" {
		t.Errorf("status after recovery = %+v", st)
	}
}

func TestWatcher_BurstOfWritesTriggersOneRebuild(t *testing.T) {
	root := newProject(t, map[string]string{"app.py": "x = 1\n"})
	rec := newRecorder()
	w := New(filter.New(root, filter.Options{}), rec.handle, Config{Debounce: 300 * time.Millisecond}, nil)
	defer w.Close()

	if err := w.Enable(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		writeFile(t, root, "app.py", "x = "+string(rune('2'+i))+"\n")
		time.Sleep(50 * time.Millisecond)
	}

	rec.waitFor(t, "app.py", 5*time.Second)
	time.Sleep(600 * time.Millisecond)

	batches := rec.snapshot()
	if len(batches) != 1 {
		t.Fatalf("handler called %d times, want 1: %+v", len(batches), batches)
	}
	if !reflect.DeepEqual(batches[0].Paths, []string{"app.py"}) {
		t.Errorf("Paths = %v, want [app.py]", batches[0].Paths)
	}

	st := w.Status()
	if st.Batches != 1 || st.LastBatchSize != 1 || st.LastBatchAt.IsZero() {
		t.Errorf("status = %+v", st)
	}
}

func TestWatcher_DisableDropsPending(t *testing.T) {
	root := newProject(t, map[string]string{"app.py": "x = 1\n"})
	rec := newRecorder()
	w := New(filter.New(root, filter.Options{}), rec.handle, Config{Debounce: 300 * time.Millisecond}, nil)
	defer w.Close()

	if err := w.Enable(); err != nil {
		t.Fatal(err)
	}
	writeFile(t, root, "app.py", "x = 2\n")
	time.Sleep(50 * time.Millisecond)
	w.Disable()

	time.Sleep(700 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("handler called after Disable: %+v", got)
	}

	// re-enabling starts from an empty pending set
	if err := w.Configure(true, 200*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	writeFile(t, root, "app.py", "x = 3\n")
	rec.waitFor(t, "app.py", 5*time.Second)
	if st := w.Status(); st.DebounceSeconds != 0.2 {
		t.Errorf("DebounceSeconds = %v, want 0.2", st.DebounceSeconds)
	}
}

func TestWatcher_NewDirectoriesAndExclusions(t *testing.T) {
	root := newProject(t, map[string]string{
		"main.go":               "package main\n",
		"node_modules/lib/x.js": "module.exports = 1\n",
	})
	rec := newRecorder()
	w := New(filter.New(root, filter.Options{}), rec.handle, Config{Debounce: 150 * time.Millisecond}, nil)
	defer w.Close()

	if err := w.Enable(); err != nil {
		t.Fatal(err)
	}
	if st := w.Status(); st.WatchedDirs != 1 {
		t.Errorf("WatchedDirs = %d, want 1 (node_modules is never registered)", st.WatchedDirs)
	}

	writeFile(t, root, "node_modules/lib/x.js", "module.exports = 2\n")
	writeFile(t, root, "notes.bin", "binary")
	writeFile(t, root, "pkg/util/helpers.py", "def f(): pass\n")
	rec.waitFor(t, "pkg/util/helpers.py", 5*time.Second)

	// a file in the newly registered directory is picked up afterwards too
	time.Sleep(300 * time.Millisecond)
	writeFile(t, root, "pkg/util/more.py", "def g(): pass\n")
	rec.waitFor(t, "pkg/util/more.py", 5*time.Second)

	if err := os.Remove(filepath.Join(root, "main.go")); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, "main.go", 5*time.Second)

	for _, b := range rec.snapshot() {
		for _, p := range b.Paths {
			if p == "node_modules/lib/x.js" || p == "notes.bin" {
				t.Errorf("excluded path %s was dispatched", p)
			}
		}
	}
	if st := w.Status(); st.WatchedDirs != 3 {
		t.Errorf("WatchedDirs = %d, want 3", st.WatchedDirs)
	}
}

func TestExcludedDir(t *testing.T) {
	f := filter.New("/proj", filter.Options{ExcludeDirs: []string{"generated"}})
	tests := []struct {
		rel  string
		want bool
	}{
		{"src/a.py", false},
		{"node_modules", true},
		{"web/node_modules/react/index.js", true},
		{"generated/api.go", true},
		{".git/index", true},
		{"src", false},
	}
	for _, tt := range tests {
		if got := excludedDir(f, tt.rel); got != tt.want {
			t.Errorf("excludedDir(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}
