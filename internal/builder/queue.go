package builder

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"codeindex/internal/slogutil"
)

// Request asks for a build. An empty request, or one with Full set, is a
// full build; otherwise Paths are updated incrementally.
type Request struct {
	Full  bool
	Paths []string
}

func (r Request) full() bool {
	return r.Full || len(r.Paths) == 0
}

// merge folds other into r. A full request absorbs any path set.
func (r *Request) merge(other Request) {
	if r.full() || other.full() {
		r.Full = true
		r.Paths = nil
		return
	}
	seen := make(map[string]bool, len(r.Paths))
	for _, p := range r.Paths {
		seen[p] = true
	}
	for _, p := range other.Paths {
		if !seen[p] {
			seen[p] = true
			r.Paths = append(r.Paths, p)
		}
	}
	sort.Strings(r.Paths)
}

// followUp is the single queued build behind the running one. Every
// request arriving while a build runs is merged into it.
type followUp struct {
	req     Request
	done    chan struct{}
	summary *Summary
	err     error
	waiters int
}

// QueueStats reports queue activity.
type QueueStats struct {
	Running   bool `json:"running"`
	Pending   bool `json:"pending"`
	Builds    int  `json:"builds"`
	Coalesced int  `json:"coalesced"`
}

// Queue runs at most one build at a time for a project. Requests that
// arrive during a build are coalesced into one follow-up build.
type Queue struct {
	builder *Builder
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	running bool
	next    *followUp
	stats   QueueStats
	wg      sync.WaitGroup
}

// NewQueue creates a queue in front of b.
func NewQueue(b *Builder, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		builder: b,
		logger:  slogutil.OrDiscard(logger),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit runs req, or merges it into the follow-up if a build is in
// flight, and waits for the build that covers it. Cancelling ctx stops
// the wait; a follow-up build shared with other callers still runs.
func (q *Queue) Submit(ctx context.Context, req Request) (*Summary, error) {
	q.mu.Lock()
	if q.running {
		if q.next == nil {
			q.next = &followUp{req: Request{Full: req.Full, Paths: append([]string(nil), req.Paths...)}, done: make(chan struct{})}
		} else {
			q.next.req.merge(req)
			q.stats.Coalesced++
		}
		f := q.next
		f.waiters++
		q.mu.Unlock()

		select {
		case <-f.done:
			return f.summary, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	q.running = true
	q.stats.Builds++
	q.mu.Unlock()

	summary, err := q.run(ctx, req)
	q.finish()
	return summary, err
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Running = q.running
	s.Pending = q.next != nil
	return s
}

// Close cancels any follow-up build and waits for it to stop.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context, req Request) (*Summary, error) {
	if req.full() {
		return q.builder.Build(ctx)
	}
	return q.builder.Update(ctx, req.Paths)
}

// finish starts the follow-up build, if any, or marks the queue idle.
func (q *Queue) finish() {
	q.mu.Lock()
	f := q.next
	q.next = nil
	if f == nil {
		q.running = false
		q.mu.Unlock()
		return
	}
	q.stats.Builds++
	q.mu.Unlock()

	q.logger.Debug("Starting coalesced build", "full", f.req.full(), "paths", len(f.req.Paths), "waiters", f.waiters)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		f.summary, f.err = q.run(q.ctx, f.req)
		if f.err != nil {
			q.logger.Warn("Coalesced build failed", "error", f.err.Error())
		}
		q.finish()
		close(f.done)
	}()
}
