package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"codeindex/internal/filter"
	"codeindex/internal/slogutil"
)

// Request is what a Strategy executes: a normalized query with the pattern
// already rewritten for the strategy.
type Request struct {
	Filter        *filter.Filter
	Pattern       string
	Regex         bool
	CaseSensitive bool
	// MaxDistance is set only for strategies with native fuzzy matching.
	MaxDistance int
	FileGlob    string
	// MaxCollected lets a strategy stop early; the service caps results again.
	MaxCollected int
}

// Strategy is one way of running a search.
type Strategy interface {
	Name() string
	// NativeFuzzy reports edit-distance matching support.
	NativeFuzzy() bool
	// Probe checks availability and returns a version string.
	Probe(ctx context.Context) (string, error)
	// Search returns matches with root-relative slash paths. A
	// TOOL_UNAVAILABLE error means the next strategy should be tried.
	Search(ctx context.Context, req Request) ([]Match, error)
}

// ToolStatus reports what the cache knows about one strategy.
type ToolStatus struct {
	Name        string    `json:"name"`
	Rank        int       `json:"rank"`
	Available   bool      `json:"available"`
	Version     string    `json:"version,omitempty"`
	NativeFuzzy bool      `json:"nativeFuzzy"`
	Disabled    bool      `json:"disabled,omitempty"`
	Demoted     bool      `json:"demoted,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ProbedAt    time.Time `json:"probedAt,omitempty"`
}

// ToolCache probes strategies once and remembers which are usable. It is
// shared by every Service in the process. Demotions last until Reprobe.
type ToolCache struct {
	strategies   []Strategy
	disabled     map[string]bool
	probeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	probed bool
	status []ToolStatus
}

// NewToolCache creates a cache over strategies, ordered from most to least
// capable. Names in disabled are never used.
func NewToolCache(strategies []Strategy, disabled []string, probeTimeout time.Duration, logger *slog.Logger) *ToolCache {
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	c := &ToolCache{
		strategies:   strategies,
		disabled:     make(map[string]bool),
		probeTimeout: probeTimeout,
		logger:       slogutil.OrDiscard(logger),
	}
	for _, name := range disabled {
		c.disabled[name] = true
	}
	return c
}

// Candidates returns the usable strategies in rank order, probing on first use.
func (c *ToolCache) Candidates(ctx context.Context) []Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureProbed(ctx)

	var out []Strategy
	for i, st := range c.status {
		if st.Available && !st.Disabled && !st.Demoted {
			out = append(out, c.strategies[i])
		}
	}
	return out
}

// Demote removes name from the candidates until the next Reprobe.
func (c *ToolCache) Demote(name, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.status {
		if c.status[i].Name == name && !c.status[i].Demoted {
			c.status[i].Demoted = true
			c.status[i].Reason = reason
			c.logger.Warn("Search tool demoted", "tool", name, "reason", reason)
		}
	}
}

// Status returns the probe results, probing on first use.
func (c *ToolCache) Status(ctx context.Context) []ToolStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureProbed(ctx)
	return append([]ToolStatus(nil), c.status...)
}

// Reprobe forgets probe results and demotions and probes again.
func (c *ToolCache) Reprobe(ctx context.Context) []ToolStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probed = false
	c.ensureProbed(ctx)
	return append([]ToolStatus(nil), c.status...)
}

// Active returns the name of the strategy the next search would try first.
func (c *ToolCache) Active(ctx context.Context) string {
	if cands := c.Candidates(ctx); len(cands) > 0 {
		return cands[0].Name()
	}
	return ""
}

func (c *ToolCache) ensureProbed(ctx context.Context) {
	if c.probed {
		return
	}

	status := make([]ToolStatus, len(c.strategies))
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range c.strategies {
		status[i] = ToolStatus{
			Name:        st.Name(),
			Rank:        i + 1,
			NativeFuzzy: st.NativeFuzzy(),
			Disabled:    c.disabled[st.Name()],
		}
		if status[i].Disabled {
			status[i].Reason = "disabled by configuration"
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, c.probeTimeout)
			defer cancel()
			version, err := st.Probe(pctx)
			status[i].ProbedAt = time.Now()
			if err != nil {
				status[i].Reason = err.Error()
				return nil
			}
			status[i].Available = true
			status[i].Version = version
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range status {
		c.logger.Debug("Probed search tool",
			"tool", st.Name,
			"available", st.Available,
			"version", st.Version,
			"reason", st.Reason,
		)
	}
	c.status = status
	c.probed = true
}
