// Package dispatch implements the two parallel-block dispatch modes
// described in SPEC_FULL.md §4.F, built on internal/barrier's Coordinator
// and internal/proxy's per-instrument Execute.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/instrument-server/internal/barrier"
	"github.com/teranos/instrument-server/internal/command"
	"github.com/teranos/instrument-server/internal/proxy"
)

// ProxyLookup resolves an instrument name to its live proxy.
type ProxyLookup func(instrument string) (*proxy.Proxy, bool)

// SyncController drives the barrier's ack/continue protocol against real
// worker acknowledgements. Every live proxy is wired to call HandleAck when
// its worker sends a SYNC_ACK (see Proxy.SetSyncAckHandler); once the
// underlying Coordinator reports a token's barrier complete, SyncController
// fans SYNC_CONTINUE back out to every instrument that participated, not
// just the one whose ack happened to close it — the Coordinator's own
// record is gone by then, so the participant list has to be kept here.
type SyncController struct {
	coord  *barrier.Coordinator
	lookup ProxyLookup

	mu           sync.Mutex
	participants map[uint64][]string
	complete     map[uint64]chan struct{}
}

// NewSyncController creates a controller bound to a coordinator and proxy
// lookup. One instance should be shared by every dispatcher and wired into
// every proxy for the lifetime of the daemon.
func NewSyncController(coord *barrier.Coordinator, lookup ProxyLookup) *SyncController {
	return &SyncController{
		coord:        coord,
		lookup:       lookup,
		participants: make(map[uint64][]string),
		complete:     make(map[uint64]chan struct{}),
	}
}

// register creates token's barrier and returns a channel that closes the
// instant every participant has acked. A block with no participants closes
// immediately so callers never block waiting on an empty barrier.
func (s *SyncController) register(token uint64, instruments []string) <-chan struct{} {
	s.coord.RegisterBarrier(token, instruments)

	ch := make(chan struct{})
	if len(instruments) == 0 {
		close(ch)
		return ch
	}

	s.mu.Lock()
	s.participants[token] = instruments
	s.complete[token] = ch
	s.mu.Unlock()
	return ch
}

// HandleAck is wired as every proxy's SYNC_ACK callback (see
// Proxy.SetSyncAckHandler). It is a harmless no-op for unknown tokens or
// instruments not expected by token's barrier, mirroring
// Coordinator.HandleAck's own tolerance.
func (s *SyncController) HandleAck(token uint64, instrument string) {
	if !s.coord.HandleAck(token, instrument) {
		return
	}

	s.mu.Lock()
	ch, ok := s.complete[token]
	delete(s.complete, token)
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

// skipMissing immediately acks instrument for token — used when dispatch
// never found a live proxy to send the command to, so that instrument's
// barrier participation can never be satisfied by a real SYNC_ACK.
func (s *SyncController) skipMissing(token uint64, instrument string) {
	s.HandleAck(token, instrument)
}

// release sends SYNC_CONTINUE to every proxy that participated in token,
// letting their workers proceed past the barrier. Safe to call once per
// token; the participant list is consumed on first use.
func (s *SyncController) release(token uint64) {
	s.mu.Lock()
	names := s.participants[token]
	delete(s.participants, token)
	s.mu.Unlock()

	for _, name := range names {
		if p, ok := s.lookup(name); ok {
			p.SendSyncContinue(token)
		}
	}
}

// Block is a set of buffered commands collected by the script runtime
// while executing a parallel block's body.
type Block struct {
	Commands []command.Command
}

// instruments returns the distinct instrument names referenced by b.
func (b Block) instruments() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range b.Commands {
		if _, ok := seen[c.InstrumentName]; !ok {
			seen[c.InstrumentName] = struct{}{}
			out = append(out, c.InstrumentName)
		}
	}
	return out
}

// InlineRun is Mode 1 (non-enqueue): assigns a fresh sync token, registers
// a barrier for the block's instruments, tags and dispatches every command
// immediately via its proxy, releases the barrier the instant every
// participant's worker has really acked, and awaits all responses before
// returning (SPEC_FULL.md §4.F Mode 1 step 5's invariant).
func InlineRun(ctx context.Context, syncCtl *SyncController, tokens *barrier.TokenSequence, lookup ProxyLookup, block Block) []command.Response {
	token := tokens.Next()
	complete := syncCtl.register(token, block.instruments())
	go func() {
		<-complete
		syncCtl.release(token)
	}()

	futures := make([]<-chan command.Response, len(block.Commands))
	for i, cmd := range block.Commands {
		cmd.SyncToken = int64(token)
		p, ok := lookup(cmd.InstrumentName)
		if !ok {
			ch := make(chan command.Response, 1)
			ch <- command.Failure(cmd, "instrument not found: "+cmd.InstrumentName)
			futures[i] = ch
			syncCtl.skipMissing(token, cmd.InstrumentName)
			continue
		}
		futures[i] = p.Execute(cmd)
	}

	responses := make([]command.Response, len(futures))
	for i, f := range futures {
		select {
		case responses[i] = <-f:
		case <-ctx.Done():
			responses[i] = command.Response{Success: false, ErrorMessage: ctx.Err().Error()}
		}
	}

	if ctx.Err() != nil {
		// a cancellation can leave stragglers that never ack; drop the
		// barrier rather than leak it forever.
		syncCtl.coord.ClearBarrier(token)
	}
	return responses
}

// Enqueued is Mode 2 (enqueue-first): used by the job manager's
// measurement path. EnqueueBlock registers the barrier and dispatches
// immediately without awaiting; ProcessTokensAndWait releases tokens in
// allocation order — blocking, per token, until every participant has
// really acked before sending SYNC_CONTINUE — and awaits each one's
// futures before moving to the next, preserving programmatic order across
// interleaved parallel blocks even when barriers complete out of order.
type Enqueued struct {
	syncCtl *SyncController
	lookup  ProxyLookup

	mu       sync.Mutex
	order    []uint64
	futures  map[uint64][]<-chan command.Response
	complete map[uint64]<-chan struct{}
}

// NewEnqueued creates an enqueue-first dispatcher bound to a sync
// controller and proxy lookup.
func NewEnqueued(syncCtl *SyncController, lookup ProxyLookup) *Enqueued {
	return &Enqueued{
		syncCtl:  syncCtl,
		lookup:   lookup,
		futures:  make(map[uint64][]<-chan command.Response),
		complete: make(map[uint64]<-chan struct{}),
	}
}

// EnqueueBlock registers the barrier for block's instruments, tags and
// sends every command immediately (the worker still executes it and acks —
// only the *continuation* past the barrier is deferred), and records the
// futures under token for later awaiting. Returns immediately.
func (e *Enqueued) EnqueueBlock(tokens *barrier.TokenSequence, block Block) uint64 {
	token := tokens.Next()
	complete := e.syncCtl.register(token, block.instruments())

	futures := make([]<-chan command.Response, len(block.Commands))
	for i, cmd := range block.Commands {
		cmd.SyncToken = int64(token)
		p, ok := e.lookup(cmd.InstrumentName)
		if !ok {
			ch := make(chan command.Response, 1)
			ch <- command.Failure(cmd, "instrument not found: "+cmd.InstrumentName)
			futures[i] = ch
			e.syncCtl.skipMissing(token, cmd.InstrumentName)
			continue
		}
		futures[i] = p.Execute(cmd)
	}

	e.mu.Lock()
	e.order = append(e.order, token)
	e.futures[token] = futures
	e.complete[token] = complete
	e.mu.Unlock()

	return token
}

// ProcessTokensAndWait releases tokens in the order they were allocated:
// for each, it waits until every participant has reached its SYNC_ACK
// point, sends SYNC_CONTINUE to release them, then awaits that token's
// futures before advancing to the next — guaranteeing release order
// matches allocation order (SPEC_FULL.md §4.F's sync-token ordering
// invariant) regardless of which token's workers actually ack first.
func (e *Enqueued) ProcessTokensAndWait(ctx context.Context) map[uint64][]command.Response {
	e.mu.Lock()
	order := e.order
	e.order = nil
	e.mu.Unlock()

	results := make(map[uint64][]command.Response, len(order))
	for _, token := range order {
		e.mu.Lock()
		futures := e.futures[token]
		complete := e.complete[token]
		delete(e.futures, token)
		delete(e.complete, token)
		e.mu.Unlock()

		select {
		case <-complete:
		case <-ctx.Done():
		case <-time.After(30 * time.Second):
		}
		e.syncCtl.release(token)

		responses := make([]command.Response, len(futures))
		for i, f := range futures {
			select {
			case responses[i] = <-f:
			case <-ctx.Done():
				responses[i] = command.Response{Success: false, ErrorMessage: ctx.Err().Error()}
			case <-time.After(30 * time.Second):
				responses[i] = command.Response{Success: false, ErrorMessage: "parallel block token timed out"}
			}
		}
		results[token] = responses
	}
	return results
}
