// Package watcher keeps a project index fresh by turning native filesystem
// notifications into debounced, coalesced rebuild requests.
//
// The pipeline is three stages connected by channels: an fsnotify reader
// publishes root-relative paths, a debounce stage folds them into one
// pending set, and a small worker pool hands each flushed set to the
// Handler.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	stderrors "errors"

	"github.com/fsnotify/fsnotify"

	"codeindex/internal/config"
	"codeindex/internal/errors"
	"codeindex/internal/filter"
	"codeindex/internal/slogutil"
)

// State is the watcher's subscription state.
type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
	StateError    State = "error"
)

// Handler receives each flushed batch. It runs on a worker goroutine and
// should return promptly once ctx is canceled.
type Handler func(ctx context.Context, batch Batch) error

// Config contains watcher configuration
type Config struct {
	Debounce  time.Duration
	Workers   int
	QueueSize int
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.WatcherConfig) Config {
	return Config{
		Debounce:  time.Duration(c.DebounceSeconds * float64(time.Second)),
		Workers:   c.Workers,
		QueueSize: c.QueueSize,
	}
}

func (c Config) withDefaults() Config {
	def := ConfigFrom(config.DefaultConfig().Watcher)
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.Workers < 1 {
		c.Workers = def.Workers
	}
	if c.QueueSize < 1 {
		c.QueueSize = def.QueueSize
	}
	return c
}

// Status is a point-in-time snapshot of the watcher.
type Status struct {
	State           State     `json:"state"`
	DebounceSeconds float64   `json:"debounce_seconds"`
	WatchedDirs     int       `json:"watched_dirs"`
	PendingPaths    int       `json:"pending_paths"`
	LastError       string    `json:"last_error,omitempty"`
	LastBuildError  string    `json:"last_build_error,omitempty"`
	LastBatchSize   int       `json:"last_batch_size"`
	LastBatchFull   bool      `json:"last_batch_full,omitempty"`
	LastBatchAt     time.Time `json:"last_batch_at,omitempty"`
	Batches         int64     `json:"batches"`
}

// Watcher watches one project root.
type Watcher struct {
	filter  *filter.Filter
	handler Handler
	logger  *slog.Logger

	mu       sync.Mutex
	cfg      Config
	state    State
	lastErr  string
	buildErr string
	lastSize int
	lastFull bool
	lastAt   time.Time
	batches  int64
	sess     *session
}

// New creates a watcher for the filter's root. It starts inactive.
func New(f *filter.Filter, handler Handler, cfg Config, logger *slog.Logger) *Watcher {
	return &Watcher{
		filter:  f,
		handler: handler,
		logger:  slogutil.OrDiscard(logger),
		cfg:     cfg.withDefaults(),
		state:   StateInactive,
	}
}

// Enable subscribes to change notifications. Enabling an active watcher is
// a no-op; enabling from the error state retries the subscription.
func (w *Watcher) Enable() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateActive {
		return nil
	}

	s, err := w.start()
	if err != nil {
		w.state = StateError
		w.lastErr = err.Error()
		w.logger.Warn("File watcher failed to start", "root", w.filter.Root(), "error", err)
		return errors.New(errors.WatcherFailure, "could not subscribe to file changes", err)
	}

	w.sess = s
	w.state = StateActive
	w.lastErr = ""
	w.logger.Info("File watcher enabled",
		"root", w.filter.Root(),
		"debounce", w.cfg.Debounce,
		"dirs", len(s.fsw.WatchList()),
	)
	return nil
}

// Disable drops the subscription and any paths still waiting for their
// debounce timer. Pending paths are not flushed.
func (w *Watcher) Disable() {
	w.mu.Lock()
	s := w.sess
	w.sess = nil
	wasActive := w.state == StateActive
	w.state = StateInactive
	w.mu.Unlock()

	if s != nil {
		s.close(true)
	}
	if wasActive {
		w.logger.Info("File watcher disabled", "root", w.filter.Root())
	}
}

// Close is Disable.
func (w *Watcher) Close() error {
	w.Disable()
	return nil
}

// Configure applies an enable flag and debounce interval. A non-positive
// debounce keeps the current interval.
func (w *Watcher) Configure(enabled bool, debounce time.Duration) error {
	if debounce > 0 {
		w.mu.Lock()
		w.cfg.Debounce = debounce
		if w.sess != nil {
			w.sess.debouncer.SetDelay(debounce)
		}
		w.mu.Unlock()
	}
	if !enabled {
		w.Disable()
		return nil
	}
	return w.Enable()
}

// Status returns the current state and counters.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		State:           w.state,
		DebounceSeconds: w.cfg.Debounce.Seconds(),
		LastError:       w.lastErr,
		LastBuildError:  w.buildErr,
		LastBatchSize:   w.lastSize,
		LastBatchFull:   w.lastFull,
		LastBatchAt:     w.lastAt,
		Batches:         w.batches,
	}
	if s := w.sess; s != nil {
		st.WatchedDirs = len(s.fsw.WatchList())
		st.PendingPaths = s.debouncer.Pending() + len(s.events)
	}
	return st
}

// fail moves an active session into the error state.
func (w *Watcher) fail(s *session, err error) {
	w.mu.Lock()
	if w.sess != s {
		w.mu.Unlock()
		return
	}
	w.sess = nil
	w.state = StateError
	w.lastErr = err.Error()
	w.mu.Unlock()

	w.logger.Warn("File watcher failed", "root", w.filter.Root(), "error", err)
	s.close(false)
}

// record stores the outcome of one dispatched batch.
func (w *Watcher) record(batch Batch, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches++
	w.lastSize = batch.size()
	w.lastFull = batch.Full
	w.lastAt = time.Now()
	if err != nil {
		w.buildErr = err.Error()
	} else {
		w.buildErr = ""
	}
}

// change is one message on the event queue.
type change struct {
	path string
	full bool
}

// session is one subscription. A disabled or failed session is discarded;
// re-enabling creates a fresh one.
type session struct {
	w         *Watcher
	fsw       *fsnotify.Watcher
	debouncer *BatchDebouncer
	events    chan change
	requests  chan Batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// start must be called with w.mu held.
func (w *Watcher) start() (*session, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		w:        w,
		fsw:      fsw,
		events:   make(chan change, w.cfg.QueueSize),
		requests: make(chan Batch, w.cfg.Workers),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.debouncer = NewBatchDebouncer(w.cfg.Debounce, s.emit)

	if _, err := s.register(w.filter.Root(), false); err != nil {
		cancel()
		fsw.Close()
		return nil, err
	}

	s.wg.Add(2 + w.cfg.Workers)
	go s.source()
	go s.debounce()
	for i := 0; i < w.cfg.Workers; i++ {
		go s.work()
	}
	return s, nil
}

// close tears the session down. Pending paths are dropped. wait must be
// false when called from one of the session's own goroutines.
func (s *session) close(wait bool) {
	s.once.Do(func() {
		s.cancel()
		s.debouncer.Cancel()
		s.fsw.Close()
	})
	if wait {
		s.wg.Wait()
	}
}

// register adds dir and every non-excluded directory below it. With
// collect set it also returns the eligible files found, for directories
// that appeared after the initial subscription.
func (s *session) register(dir string, collect bool) ([]string, error) {
	f := s.w.filter
	root := f.Root()
	var files []string

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		rel, ok := relPath(root, p)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if rel != "" && f.SkipDir(rel) {
				return filepath.SkipDir
			}
			if err := s.fsw.Add(p); err != nil {
				if p == dir {
					return err
				}
				s.w.logger.Debug("Could not watch directory", "path", rel, "error", err)
			}
			return nil
		}
		if collect && f.Match(rel) {
			files = append(files, rel)
		}
		return nil
	})
	return files, err
}

// source reads OS notifications and publishes root-relative paths.
func (s *session) source() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			s.translate(ev)
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			if stderrors.Is(err, fsnotify.ErrEventOverflow) {
				s.w.logger.Warn("File change events were dropped, scheduling a full rebuild")
				s.publish(change{full: true})
				continue
			}
			s.w.fail(s, err)
			return
		}
	}
}

func (s *session) translate(ev fsnotify.Event) {
	f := s.w.filter
	rel, ok := relPath(f.Root(), ev.Name)
	if !ok || rel == "" {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if excludedDir(f, rel) {
				return
			}
			files, err := s.register(ev.Name, true)
			if err != nil {
				s.w.logger.Debug("Could not watch new directory", "path", rel, "error", err)
			}
			for _, file := range files {
				s.publish(change{path: file})
			}
			return
		}
		if f.Match(rel) {
			s.publish(change{path: rel})
		}
	case ev.Has(fsnotify.Write):
		if f.Match(rel) {
			s.publish(change{path: rel})
		}
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// the path is gone, so it may be a file or a whole directory
		if !excludedDir(f, rel) {
			s.publish(change{path: rel})
		}
	}
}

func (s *session) publish(c change) {
	select {
	case s.events <- c:
	case <-s.ctx.Done():
	}
}

// debounce feeds the event queue into the pending set.
func (s *session) debounce() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-s.events:
			if c.full {
				s.debouncer.AddFull()
			} else {
				s.debouncer.Add(c.path)
			}
		}
	}
}

// emit runs on the debounce timer.
func (s *session) emit(b Batch) {
	select {
	case s.requests <- b:
	case <-s.ctx.Done():
	}
}

// work dispatches flushed batches. Batches that queued up while the
// handler was busy are merged into one request.
func (s *session) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case b := <-s.requests:
			b = s.drain(b)
			if s.ctx.Err() != nil {
				return
			}
			s.w.logger.Debug("Dispatching file changes", "paths", b.size(), "full", b.Full)
			err := s.w.handler(s.ctx, b)
			if err != nil && s.ctx.Err() == nil {
				s.w.logger.Warn("Rebuild after file changes failed", "error", err)
			}
			s.w.record(b, err)
		}
	}
}

func (s *session) drain(b Batch) Batch {
	for {
		select {
		case more := <-s.requests:
			b = b.merge(more)
		default:
			return b
		}
	}
}

func relPath(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", true
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// excludedDir reports whether rel or any of its ancestors is an excluded
// directory.
func excludedDir(f *filter.Filter, rel string) bool {
	for d := rel; d != "." && d != "/" && d != ""; d = path.Dir(d) {
		if f.SkipDir(d) {
			return true
		}
	}
	return false
}
