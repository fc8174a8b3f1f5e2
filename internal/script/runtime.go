// Package script implements the script runtime's interaction contract
// with the daemon core (SPEC_FULL.md §4.G "Script runtime interface").
// The scripting language itself is an external collaborator per spec.md's
// Non-goals ("the embedded scripting runtime... covered only by its
// interaction contract with the core") — this package exposes exactly
// that contract (call/parallel/log, qualified-verb dispatch, 1-indexed
// array returns) plus the minimal line-oriented script format the job
// manager's measure jobs use to drive it end to end.
package script

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/barrier"
	"github.com/teranos/instrument-server/internal/command"
	"github.com/teranos/instrument-server/internal/dispatch"
	"github.com/teranos/instrument-server/internal/ierr"
	"github.com/teranos/instrument-server/internal/param"
	"github.com/teranos/instrument-server/logger"
)

// Runtime exposes call/parallel/log to a running script and consumes the
// registry (via a ProxyLookup) and the sync controller, per spec. syncCtl
// is expected to be a single instance shared by every Runtime created over
// the daemon's lifetime — it is the thing every proxy's SYNC_ACK callback
// actually routes to (see registry.SetSyncAckHandler).
type Runtime struct {
	syncCtl      *dispatch.SyncController
	tokens       *barrier.TokenSequence
	lookup       dispatch.ProxyLookup
	enqueued     *dispatch.Enqueued
	enqueueFirst bool

	log []string
}

// New creates a Runtime in inline (Mode 1) dispatch mode — the default
// for one-shot script execution (e.g. the `measure` CLI command run
// synchronously).
func New(syncCtl *dispatch.SyncController, tokens *barrier.TokenSequence, lookup dispatch.ProxyLookup) *Runtime {
	return &Runtime{syncCtl: syncCtl, tokens: tokens, lookup: lookup}
}

// NewEnqueueFirst creates a Runtime in enqueue-first (Mode 2) dispatch
// mode — the job manager's measure-job path.
func NewEnqueueFirst(syncCtl *dispatch.SyncController, tokens *barrier.TokenSequence, lookup dispatch.ProxyLookup) *Runtime {
	return &Runtime{syncCtl: syncCtl, tokens: tokens, lookup: lookup, enqueued: dispatch.NewEnqueued(syncCtl, lookup), enqueueFirst: true}
}

// Log records a message a script emitted via log(message).
func (r *Runtime) Log(message string) {
	r.log = append(r.log, message)
	logger.JobInfow("script log", "message", message)
}

// QualifiedVerb splits "<instrument>[:channel].<verb>" into its parts.
func QualifiedVerb(qualified string) (instrument string, channel string, verb string, err error) {
	dot := strings.LastIndex(qualified, ".")
	if dot < 0 {
		return "", "", "", errors.Newf("%w: missing '.' in qualified verb %q", ierr.ErrScriptRuntime, qualified)
	}
	left, verb := qualified[:dot], qualified[dot+1:]
	if colon := strings.Index(left, ":"); colon >= 0 {
		return left[:colon], left[colon+1:], verb, nil
	}
	return left, "", verb, nil
}

// Call dispatches a single command synchronously (outside any parallel
// block) and returns its response. Positional args become arg0, arg1...;
// named args (passed as a map) become named parameters directly.
func (r *Runtime) Call(ctx context.Context, qualifiedVerb string, args ...any) (command.Response, error) {
	instrument, channelStr, verb, err := QualifiedVerb(qualifiedVerb)
	if err != nil {
		return command.Response{}, err
	}

	cmd := command.New(instrument, verb)
	if channelStr != "" {
		if n, convErr := strconv.Atoi(channelStr); convErr == nil {
			cmd.ChannelNumber = n
		} else {
			cmd.ChannelGroup = channelStr
		}
	}
	if err := bindArgs(&cmd, args); err != nil {
		return command.Response{}, err
	}

	p, ok := r.lookup(instrument)
	if !ok {
		return command.Failure(cmd, "instrument not found: "+instrument), nil
	}
	return r.await(ctx, p.Execute(cmd), cmd)
}

func (r *Runtime) await(ctx context.Context, ch <-chan command.Response, cmd command.Command) (command.Response, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return command.Failure(cmd, ctx.Err().Error()), nil
	}
}

func bindArgs(cmd *command.Command, args []any) error {
	if len(args) == 1 {
		if named, ok := args[0].(map[string]any); ok {
			for k, v := range named {
				val, err := toParamValue(v)
				if err != nil {
					return err
				}
				cmd.Params[k] = val
			}
			return nil
		}
	}
	for i, a := range args {
		val, err := toParamValue(a)
		if err != nil {
			return err
		}
		cmd.Params["arg"+strconv.Itoa(i)] = val
	}
	return nil
}

func toParamValue(v any) (param.Value, error) {
	switch t := v.(type) {
	case int:
		return param.Int64(int64(t)), nil
	case int32:
		return param.Int32(t), nil
	case int64:
		return param.Int64(t), nil
	case float32:
		return param.Float32(t), nil
	case float64:
		return param.Float64(t), nil
	case bool:
		return param.Bool(t), nil
	case string:
		return param.String(t), nil
	case []byte:
		return param.Bytes(t), nil
	default:
		return param.Value{}, errors.Newf("%w: unsupported argument type %T", ierr.ErrScriptRuntime, v)
	}
}

// ParallelCall is one call buffered inside a parallel block, in source
// order (only meaningful for logging/debugging; dispatch order is
// unconstrained per spec).
type ParallelCall struct {
	QualifiedVerb string
	Args          []any
}

// Parallel executes a parallel block. In inline mode it dispatches
// immediately and blocks until every call's barrier participant has
// acked; in enqueue-first mode it enqueues the block and returns a token
// the caller later awaits via ProcessTokensAndWait.
func (r *Runtime) Parallel(ctx context.Context, calls []ParallelCall) ([]command.Response, error) {
	block, err := r.buildBlock(calls)
	if err != nil {
		return nil, err
	}

	if r.enqueueFirst {
		r.enqueued.EnqueueBlock(r.tokens, block)
		return nil, nil // results arrive via ProcessTokensAndWait
	}
	return dispatch.InlineRun(ctx, r.syncCtl, r.tokens, r.lookup, block), nil
}

func (r *Runtime) buildBlock(calls []ParallelCall) (dispatch.Block, error) {
	block := dispatch.Block{Commands: make([]command.Command, 0, len(calls))}
	for _, c := range calls {
		instrument, channelStr, verb, err := QualifiedVerb(c.QualifiedVerb)
		if err != nil {
			return dispatch.Block{}, err
		}
		cmd := command.New(instrument, verb)
		if channelStr != "" {
			if n, convErr := strconv.Atoi(channelStr); convErr == nil {
				cmd.ChannelNumber = n
			} else {
				cmd.ChannelGroup = channelStr
			}
		}
		if err := bindArgs(&cmd, c.Args); err != nil {
			return dispatch.Block{}, err
		}
		block.Commands = append(block.Commands, cmd)
	}
	return block, nil
}

// ProcessTokensAndWait awaits every enqueued parallel block's futures, in
// allocation order, and returns the aggregated results (enqueue-first
// mode only).
func (r *Runtime) ProcessTokensAndWait(ctx context.Context) map[uint64][]command.Response {
	if !r.enqueueFirst {
		return nil
	}
	return r.enqueued.ProcessTokensAndWait(ctx)
}

// RunMeasureScript runs script (the minimal line-oriented format below)
// on r and returns the aggregated results of r's enqueued tokens as JSON;
// the daemon's job.ScriptRunner calls it with an enqueue-first Runtime.
//
// Script lines:
//
//	call <instrument>.<verb> [k=v ...]
//	log <message>
//
// Parallel blocks are not expressible in this minimal textual format —
// a measure job wanting Mode 2 semantics for a set of calls issues them
// as consecutive `call` lines, which this runtime enqueues individually
// under distinct tokens and awaits together at the end, preserving the
// same "release in allocation order" guarantee for single calls that a
// true parallel block provides for a group.
func RunMeasureScript(ctx context.Context, r *Runtime, script string) (json.RawMessage, error) {
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.HasPrefix(line, "log "):
			r.Log(strings.TrimSpace(strings.TrimPrefix(line, "log ")))
		case strings.HasPrefix(line, "call "):
			fields := strings.Fields(strings.TrimPrefix(line, "call "))
			if len(fields) == 0 {
				continue
			}
			qualified := fields[0]
			named := map[string]any{}
			for _, kv := range fields[1:] {
				if eq := strings.Index(kv, "="); eq >= 0 {
					named[kv[:eq]] = kv[eq+1:]
				}
			}
			var args []any
			if len(named) > 0 {
				args = []any{named}
			}
			if _, err := r.Parallel(ctx, []ParallelCall{{QualifiedVerb: qualified, Args: args}}); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Newf("%w: unrecognized script line: %q", ierr.ErrScriptRuntime, line)
		}
	}

	results := r.ProcessTokensAndWait(ctx)
	return json.Marshal(results)
}
