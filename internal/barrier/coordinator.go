// Package barrier implements the Sync Coordinator (SPEC_FULL.md §4.F): a
// stateful map from sync_token to barrier record, used by the parallel
// dispatcher to know when every participating worker has acknowledged.
package barrier

import (
	"sync"

	"github.com/teranos/instrument-server/logger"
)

// Record is a barrier for one sync token. Invariant: acked is always a
// subset of expected; the barrier is complete when the sets are equal.
type Record struct {
	Expected map[string]struct{}
	Acked    map[string]struct{}
}

// Coordinator is a process-wide singleton guarding its map with a single
// lock (SPEC_FULL.md §5 shared-resource policy).
type Coordinator struct {
	mu       sync.Mutex
	barriers map[uint64]*Record
}

// New creates an empty coordinator.
func New() *Coordinator {
	return &Coordinator{barriers: make(map[uint64]*Record)}
}

// RegisterBarrier creates a barrier record with the given expected
// instrument set and an empty acked set.
func (c *Coordinator) RegisterBarrier(token uint64, instruments []string) {
	expected := make(map[string]struct{}, len(instruments))
	for _, name := range instruments {
		expected[name] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.barriers[token] = &Record{Expected: expected, Acked: make(map[string]struct{})}
}

// HandleAck records an ack from instrument for token. Returns true exactly
// once, the moment the barrier completes; the record is removed at that
// point. Unknown tokens and unexpected instruments are ignored with a
// warning and return false.
func (c *Coordinator) HandleAck(token uint64, instrument string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.barriers[token]
	if !ok {
		logger.Warnw("ack for unknown sync token", logger.FieldSymbol, logger.SymBarrier, "token", token, "instrument", instrument)
		return false
	}
	if _, expected := rec.Expected[instrument]; !expected {
		logger.Warnw("ack from instrument not expected by barrier", logger.FieldSymbol, logger.SymBarrier, "token", token, "instrument", instrument)
		return false
	}

	rec.Acked[instrument] = struct{}{}
	if len(rec.Acked) == len(rec.Expected) {
		delete(c.barriers, token)
		return true
	}
	return false
}

// GetWaitingInstruments returns expected \ acked for token, or nil if the
// token is unknown (already complete or never registered).
func (c *Coordinator) GetWaitingInstruments(token uint64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.barriers[token]
	if !ok {
		return nil
	}

	var waiting []string
	for name := range rec.Expected {
		if _, acked := rec.Acked[name]; !acked {
			waiting = append(waiting, name)
		}
	}
	return waiting
}

// ClearBarrier removes a barrier regardless of completion state.
func (c *Coordinator) ClearBarrier(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.barriers, token)
}
