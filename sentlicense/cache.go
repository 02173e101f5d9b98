package sentlicense

import (
	"sync"
	"time"
)

// VerdictCache holds the outcome of the most recent validation cycle. It
// backs the offline grace window and pins terminal denials.
type VerdictCache struct {
	mu       sync.Mutex
	validAt  time.Time // zero until a Valid verdict has been recorded
	features []string
	terminal Verdict // set once a terminal verdict is observed, never cleared
}

// NewVerdictCache creates an empty cache.
func NewVerdictCache() *VerdictCache {
	return &VerdictCache{}
}

// RecordValid stores a successful verdict and the feature set that came with
// it. Ignored once a terminal verdict has been recorded.
func (c *VerdictCache) RecordValid(features []string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal != "" {
		return
	}
	c.validAt = at
	c.features = append([]string(nil), features...)
}

// RecordTerminal pins a terminal verdict. The cached Valid state is discarded
// so no grace-window path can resurrect it.
func (c *VerdictCache) RecordTerminal(v Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal == "" && v.Terminal() {
		c.terminal = v
		c.validAt = time.Time{}
		c.features = nil
	}
}

// Invalidate drops the cached Valid state, keeping any terminal verdict.
func (c *VerdictCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validAt = time.Time{}
	c.features = nil
}

// Terminal returns the pinned terminal verdict, if any.
func (c *VerdictCache) Terminal() (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal, c.terminal != ""
}

// ValidWithin reports whether a Valid verdict was recorded no longer than
// grace before now.
func (c *VerdictCache) ValidWithin(grace time.Duration, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal != "" || c.validAt.IsZero() {
		return false
	}
	return now.Sub(c.validAt) <= grace
}

// Features returns the feature set recorded with the last Valid verdict, or
// nil when no usable verdict is cached.
func (c *VerdictCache) Features() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal != "" || c.validAt.IsZero() {
		return nil
	}
	return append([]string(nil), c.features...)
}
