package query

import (
	"context"
	"math"
	"time"

	"codeindex/internal/builder"
	"codeindex/internal/errors"
	"codeindex/internal/version"
	"codeindex/internal/watcher"
)

// StatusResponse is the response for Status.
type StatusResponse struct {
	Version   string             `json:"version"`
	Root      string             `json:"root"`
	StoreDir  string             `json:"storeDir"`
	Index     *IndexStatus       `json:"index,omitempty"`
	Shallow   *ShallowStatus     `json:"shallow,omitempty"`
	Queue     builder.QueueStats `json:"queue"`
	Watcher   watcher.Status     `json:"watcher"`
	Search    string             `json:"searchTool"`
	QueryTime int64              `json:"queryDurationMs"`
}

// IndexStatus describes the published deep index generation.
type IndexStatus struct {
	Generation  uint64    `json:"generation"`
	BuildID     string    `json:"buildId"`
	BuiltAt     time.Time `json:"builtAt"`
	Files       int       `json:"files"`
	Symbols     int       `json:"symbols"`
	Edges       int       `json:"edges"`
	Unresolved  int       `json:"unresolvedEdges"`
	Diagnostics int       `json:"diagnostics"`
}

// ShallowStatus describes the file listing.
type ShallowStatus struct {
	Files   int       `json:"files"`
	BuiltAt time.Time `json:"builtAt"`
}

// Status reports the open project's index, queue, watcher and active
// search tool. Index and Shallow are nil until built.
func (e *Engine) Status(ctx context.Context) (*StatusResponse, error) {
	start := time.Now()
	p, err := e.current()
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{
		Version:  version.Info(),
		Root:     p.root,
		StoreDir: p.storeDir,
		Queue:    p.queue.Stats(),
		Watcher:  p.watcher.Status(),
		Search:   e.tools.Active(ctx),
	}
	if cur := p.deep.Current(); cur != nil {
		resp.Index = &IndexStatus{
			Generation:  cur.Generation,
			BuildID:     cur.BuildID,
			BuiltAt:     cur.BuiltAt,
			Files:       cur.FileCount(),
			Symbols:     cur.SymbolCount(),
			Edges:       cur.EdgeCount(),
			Unresolved:  cur.UnresolvedCount(),
			Diagnostics: len(cur.Diagnostics),
		}
	}
	if snap := p.shallow.Current(); snap != nil {
		resp.Shallow = &ShallowStatus{Files: len(snap.Files), BuiltAt: snap.BuiltAt}
	}
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

// WatcherStatus reports the watcher state of the open project.
func (e *Engine) WatcherStatus() (watcher.Status, error) {
	p, err := e.current()
	if err != nil {
		return watcher.Status{}, err
	}
	return p.watcher.Status(), nil
}

// ConfigureWatcher enables or disables the watcher and sets its debounce
// interval. Zero keeps the current interval. A subscription failure is
// returned and also reflected in the status.
func (e *Engine) ConfigureWatcher(enabled bool, debounceSeconds float64) (watcher.Status, error) {
	p, err := e.current()
	if err != nil {
		return watcher.Status{}, err
	}
	if debounceSeconds < 0 || math.IsNaN(debounceSeconds) || math.IsInf(debounceSeconds, 0) {
		return p.watcher.Status(), errors.Newf(errors.InvalidParameter, "debounce_seconds must be a positive number, got %v", debounceSeconds)
	}
	err = p.watcher.Configure(enabled, time.Duration(debounceSeconds*float64(time.Second)))
	return p.watcher.Status(), err
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
