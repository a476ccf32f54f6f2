// Package stats collects node counters (verdicts, vote traffic, tally
// latencies) and periodically flushes them to a time-series sink.
package stats

import (
	"context"
	"log"
	"sync"
	"time"
)

// Collector accumulates counters between flushes.
type Collector struct {
	node int

	mu             sync.Mutex
	approved       int64
	declined       int64
	timeouts       int64
	votesReceived  int64
	resyncRequests int64
	tallyTotal     time.Duration
	tallyCount     int64
}

// NewCollector creates a collector for the given node number.
func NewCollector(node int) *Collector {
	return &Collector{node: node}
}

func (c *Collector) ItemApproved(tally time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.approved++
	c.tallyTotal += tally
	c.tallyCount++
}

func (c *Collector) ItemDeclined(tally time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declined++
	c.tallyTotal += tally
	c.tallyCount++
}

func (c *Collector) WaitTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts++
}

func (c *Collector) VoteReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.votesReceived++
}

func (c *Collector) ResyncRequested() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resyncRequests++
}

// Snapshot returns and resets the accumulated counters.
func (c *Collector) Snapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := map[string]interface{}{
		"approved":        c.approved,
		"declined":        c.declined,
		"wait_timeouts":   c.timeouts,
		"votes_received":  c.votesReceived,
		"resync_requests": c.resyncRequests,
	}
	if c.tallyCount > 0 {
		snapshot["avg_tally_ms"] = float64(c.tallyTotal.Milliseconds()) / float64(c.tallyCount)
	}
	c.approved, c.declined, c.timeouts = 0, 0, 0
	c.votesReceived, c.resyncRequests = 0, 0
	c.tallyTotal, c.tallyCount = 0, 0
	return snapshot
}

// Sink receives counter snapshots.
type Sink interface {
	Write(ctx context.Context, node int, fields map[string]interface{}) error
	Close()
}

// Run flushes the collector to sink every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, sink Sink, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sink.Write(ctx, c.node, c.Snapshot()); err != nil {
				log.Printf("stats: flush failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Discard is the sink used when no stats backend is configured.
type Discard struct{}

func (Discard) Write(ctx context.Context, node int, fields map[string]interface{}) error {
	return nil
}

func (Discard) Close() {}
