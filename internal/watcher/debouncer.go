package watcher

import (
	"sort"
	"sync"
	"time"
)

// Batch is one coalesced rebuild request. Full asks for a rescan of the
// whole project, e.g. after the OS dropped events.
type Batch struct {
	Full  bool
	Paths []string
}

func (b Batch) size() int {
	return len(b.Paths)
}

// merge folds other into b. A full batch absorbs any path set.
func (b Batch) merge(other Batch) Batch {
	if b.Full || other.Full {
		return Batch{Full: true}
	}
	seen := make(map[string]struct{}, len(b.Paths)+len(other.Paths))
	out := make([]string, 0, len(b.Paths)+len(other.Paths))
	for _, p := range append(append([]string(nil), b.Paths...), other.Paths...) {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return Batch{Paths: out}
}

// BatchDebouncer collects changed paths into one pending set and emits it
// once no new path has arrived for the delay. Every Add restarts the timer.
type BatchDebouncer struct {
	delay   time.Duration
	timer   *time.Timer
	mu      sync.Mutex
	pending map[string]struct{}
	full    bool
	seq     uint64 // bumped on every reset so a superseded timer does nothing
	emit    func(Batch)
}

// NewBatchDebouncer creates a new batch debouncer
func NewBatchDebouncer(delay time.Duration, emit func(Batch)) *BatchDebouncer {
	return &BatchDebouncer{
		delay:   delay,
		pending: make(map[string]struct{}),
		emit:    emit,
	}
}

// Add adds a path to the pending set and restarts the timer.
func (b *BatchDebouncer) Add(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[path] = struct{}{}
	b.restart()
}

// AddFull marks the pending batch as a full rescan and restarts the timer.
func (b *BatchDebouncer) AddFull() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.full = true
	b.restart()
}

// restart must be called with b.mu held.
func (b *BatchDebouncer) restart() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.seq++
	seq := b.seq
	b.timer = time.AfterFunc(b.delay, func() {
		b.flush(seq)
	})
}

// flush emits the pending set if the timer that fired is still current.
func (b *BatchDebouncer) flush(seq uint64) {
	b.mu.Lock()
	if seq != b.seq {
		b.mu.Unlock()
		return
	}
	batch, ok := b.take()
	b.mu.Unlock()

	if ok && b.emit != nil {
		b.emit(batch)
	}
}

// take empties the pending set; must be called with b.mu held.
func (b *BatchDebouncer) take() (Batch, bool) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.seq++
	if !b.full && len(b.pending) == 0 {
		return Batch{}, false
	}
	var batch Batch
	if b.full {
		batch.Full = true
	} else {
		batch.Paths = make([]string, 0, len(b.pending))
		for p := range b.pending {
			batch.Paths = append(batch.Paths, p)
		}
		sort.Strings(batch.Paths)
	}
	b.pending = make(map[string]struct{})
	b.full = false
	return batch, true
}

// Cancel stops the timer and drops the pending set without emitting it.
func (b *BatchDebouncer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.take()
}

// Flush immediately emits any pending paths
func (b *BatchDebouncer) Flush() {
	b.mu.Lock()
	batch, ok := b.take()
	b.mu.Unlock()

	if ok && b.emit != nil {
		b.emit(batch)
	}
}

// SetDelay changes the quiet period for timers started from now on.
func (b *BatchDebouncer) SetDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// Pending returns the number of pending paths
func (b *BatchDebouncer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
