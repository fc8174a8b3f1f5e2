// Package proxy implements the Worker Proxy (SPEC_FULL.md §4.E): the
// daemon-side singleton per live instrument that owns the queue pair, the
// worker process, and correlates async commands with their responses.
package proxy

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/bufferpool"
	"github.com/teranos/instrument-server/internal/command"
	"github.com/teranos/instrument-server/internal/ierr"
	"github.com/teranos/instrument-server/internal/ipc"
	"github.com/teranos/instrument-server/internal/param"
	"github.com/teranos/instrument-server/logger"
)

// fetchBufferVerb is the reserved worker verb the proxy issues to pull a
// large-data payload out of the worker's own pool and mirror it into the
// daemon's, resolving SPEC_FULL.md §9 Open Question 1.
const fetchBufferVerb = "__fetch_buffer__"

// Stats are the monotonic counters SPEC_FULL.md §4.E requires.
type Stats struct {
	CommandsSent      uint64
	CommandsCompleted uint64
	CommandsFailed    uint64
	CommandsTimeout   uint64
}

// Proxy is a daemon-side handle for one live worker process.
type Proxy struct {
	Instrument string
	WorkerPath string
	PluginPath string

	reqQueue  *ipc.Queue
	respQueue *ipc.Queue
	proc      *os.Process

	nextMessageID uint64

	pendingMu sync.Mutex
	pending   map[uint64]pendingEntry

	statsMu sync.Mutex
	stats   Stats

	running   atomic.Bool
	heartbeat atomic.Int64 // unix nanos of last heartbeat/response

	limiter   *rate.Limiter                      // nil means unlimited
	pool      *bufferpool.Pool                   // nil means no daemon-side mirror
	onSyncAck func(token uint64, instrument string) // nil means SYNC_ACK only bumps liveness

	stopOnce sync.Once
	done     chan struct{}
}

// pendingEntry tracks an in-flight command's response channel and, when
// nonzero, the sync token the barrier protocol must be told about if this
// command fails or its worker dies before a real SYNC_ACK arrives.
type pendingEntry struct {
	ch        chan command.Response
	syncToken uint64
}

// SetBufferPool installs the daemon-side buffer pool a large-data response
// from this instrument mirrors into.
func (p *Proxy) SetBufferPool(pool *bufferpool.Pool) {
	p.pool = pool
}

// SetSyncAckHandler installs the callback invoked whenever this proxy
// receives a SYNC_ACK frame from its worker, wiring the Sync Coordinator's
// barrier protocol (SPEC_FULL.md §4.F) to a real acknowledgement instead of
// being driven by response completion alone.
func (p *Proxy) SetSyncAckHandler(fn func(token uint64, instrument string)) {
	p.onSyncAck = fn
}

// SendSyncContinue releases a worker paused at its SYNC_ACK point for
// token, letting it proceed to send its RESPONSE.
func (p *Proxy) SendSyncContinue(token uint64) {
	if !p.reqQueue.Send(ipc.Frame{Type: ipc.TypeSyncContinue, SyncToken: token}, 5*time.Second) {
		logger.ProxyWarnw("failed to send SYNC_CONTINUE", "instrument", p.Instrument, "sync_token", token)
	}
}

// New constructs a Proxy without starting it.
func New(instrument, workerPath, pluginPath string) *Proxy {
	return &Proxy{
		Instrument: instrument,
		WorkerPath: workerPath,
		PluginPath: pluginPath,
		pending:    make(map[uint64]pendingEntry),
		done:       make(chan struct{}),
	}
}

// SetRateLimit installs a commands/sec admission limiter; ratePerSecond <= 0
// clears any existing limiter (unlimited). Burst equals the rounded-up rate,
// floored at 1, so a single caller can still use the proxy immediately
// after configuration instead of waiting out the first token.
func (p *Proxy) SetRateLimit(ratePerSecond float64) {
	if ratePerSecond <= 0 {
		p.limiter = nil
		return
	}
	burst := int(ratePerSecond + 0.999)
	if burst < 1 {
		burst = 1
	}
	p.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}

// Start creates the queue pair, spawns the worker executable, launches the
// response listener, and verifies early liveness (spec §4.E Start steps).
func (p *Proxy) Start(queueDir string) error {
	reqName, respName := ipc.QueueNames(p.Instrument)

	reqQueue, err := ipc.Create(queueDir, reqName)
	if err != nil {
		return errors.Wrapf(err, "creating request queue for %s", p.Instrument)
	}
	respQueue, err := ipc.Create(queueDir, respName)
	if err != nil {
		_ = reqQueue.Remove()
		return errors.Wrapf(err, "creating response queue for %s", p.Instrument)
	}
	p.reqQueue = reqQueue
	p.respQueue = respQueue

	cmd := exec.Command(p.WorkerPath, "--instrument", p.Instrument, "--plugin", p.PluginPath, "--queue-dir", queueDir)
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = p.reqQueue.Remove()
		_ = p.respQueue.Remove()
		return errors.Wrapf(err, "starting worker process for %s", p.Instrument)
	}
	p.proc = cmd.Process
	p.heartbeat.Store(time.Now().UnixNano())
	p.running.Store(true)

	go p.listen()

	time.Sleep(500 * time.Millisecond)
	if !p.isAlive() {
		p.running.Store(false)
		return errors.Newf("%w: worker for %s exited immediately after start", ierr.ErrWorkerDead, p.Instrument)
	}

	logger.WorkerInfow("worker started", "instrument", p.Instrument, "pid", p.proc.Pid)
	return nil
}

func (p *Proxy) isAlive() bool {
	if p.proc == nil {
		return false
	}
	proc, err := process.NewProcess(int32(p.proc.Pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	return err == nil && running
}

// Execute assigns a message id, rewrites the command's id, registers a
// pending response channel, serializes and sends a COMMAND frame, and
// returns a channel the caller receives the eventual response from.
func (p *Proxy) Execute(cmd command.Command) <-chan command.Response {
	msgID := atomic.AddUint64(&p.nextMessageID, 1)
	cmd.ID = p.Instrument + "-" + strconv.FormatUint(msgID, 10)

	ch := make(chan command.Response, 1)
	p.pendingMu.Lock()
	p.pending[msgID] = pendingEntry{ch: ch, syncToken: uint64(cmd.SyncToken)}
	p.pendingMu.Unlock()

	if p.limiter != nil && !p.limiter.Allow() {
		p.failPending(cmd, msgID, command.Failure(cmd, "rate limit exceeded for "+p.Instrument))
		return ch
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		p.failPending(cmd, msgID, command.Failure(cmd, "failed to serialize command: "+err.Error()))
		return ch
	}

	frame := ipc.Frame{Type: ipc.TypeCommand, MessageID: msgID, SyncToken: uint64(cmd.SyncToken), Payload: payload}

	p.statsMu.Lock()
	p.stats.CommandsSent++
	p.statsMu.Unlock()

	if !p.reqQueue.Send(frame, cmd.EffectiveTimeout()) {
		p.failPending(cmd, msgID, command.Failure(cmd, "IPC send timeout"))
	}
	return ch
}

// ExecuteSync calls Execute then waits on the response with the given
// timeout, returning a synthetic timeout response if it elapses. The
// pending entry is left registered; a late response is routed into its
// buffered channel, which nobody reads any more, and so is discarded.
func (p *Proxy) ExecuteSync(ctx context.Context, cmd command.Command, timeout time.Duration) command.Response {
	ch := p.Execute(cmd)
	select {
	case resp := <-ch:
		return resp
	case <-time.After(timeout):
		p.statsMu.Lock()
		p.stats.CommandsTimeout++
		p.statsMu.Unlock()
		return command.Failure(cmd, "Command timeout")
	case <-ctx.Done():
		return command.Failure(cmd, ctx.Err().Error())
	}
}

// failPending resolves msgID's pending channel with resp. When cmd carries
// a sync token and never reached the worker (the only case this is called
// for), the barrier must still hear an ack for this instrument or it would
// wait forever on a participant that can never send a real SYNC_ACK.
func (p *Proxy) failPending(cmd command.Command, msgID uint64, resp command.Response) {
	p.pendingMu.Lock()
	entry, ok := p.pending[msgID]
	if ok {
		delete(p.pending, msgID)
	}
	p.pendingMu.Unlock()

	if ok {
		entry.ch <- resp
		p.statsMu.Lock()
		p.stats.CommandsFailed++
		p.statsMu.Unlock()
	}
	if cmd.SyncToken != 0 && p.onSyncAck != nil {
		p.onSyncAck(uint64(cmd.SyncToken), p.Instrument)
	}
}

// listen is the response-listener goroutine: receives from the response
// queue with a 1-second timeout, routes HEARTBEAT/RESPONSE frames, and
// exits when running is cleared.
func (p *Proxy) listen() {
	for p.running.Load() {
		frame, ok := p.respQueue.Receive(time.Second)
		if !ok {
			if p.proc != nil && !p.isAlive() {
				p.failAllPending(ierr.ErrWorkerDead.Error())
				p.running.Store(false)
				return
			}
			continue
		}

		switch frame.Type {
		case ipc.TypeHeartbeat:
			p.heartbeat.Store(time.Now().UnixNano())
		case ipc.TypeResponse:
			p.heartbeat.Store(time.Now().UnixNano())
			p.routeResponse(frame)
		case ipc.TypeSyncAck:
			p.heartbeat.Store(time.Now().UnixNano())
			if p.onSyncAck != nil {
				p.onSyncAck(frame.SyncToken, p.Instrument)
			}
		default:
			logger.ProxyErrorw("unexpected frame type on response queue", "instrument", p.Instrument, "type", frame.Type)
		}
	}
}

func (p *Proxy) routeResponse(frame ipc.Frame) {
	var resp command.Response
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		logger.ProxyErrorw("malformed response payload", "instrument", p.Instrument, "error", err)
		return
	}

	p.pendingMu.Lock()
	entry, ok := p.pending[frame.MessageID]
	if ok {
		delete(p.pending, frame.MessageID)
	}
	p.pendingMu.Unlock()

	if !ok {
		logger.ProxyErrorw("orphan response, unknown message id", "instrument", p.Instrument, "message_id", frame.MessageID)
		return
	}

	entry.ch <- resp
	p.statsMu.Lock()
	if resp.Success {
		p.stats.CommandsCompleted++
	} else {
		p.stats.CommandsFailed++
	}
	p.statsMu.Unlock()

	if resp.Success && resp.LargeData != nil && p.pool != nil {
		go p.mirrorBuffer(resp.CommandID, *resp.LargeData)
	}
}

// mirrorBuffer pulls a large-data payload's bytes over to the daemon's own
// pool under the same buffer_id, so every daemon-side consumer can treat
// buffer ids uniformly regardless of which process captured the data
// (SPEC_FULL.md §9 Open Question 1). Runs off the listener goroutine since
// it issues its own round-trip command and must not block response routing.
func (p *Proxy) mirrorBuffer(commandID string, ref command.LargeDataRef) {
	fetch := command.New(p.Instrument, fetchBufferVerb)
	fetch.Params["buffer_id"] = param.String(ref.BufferID)

	resp := p.ExecuteSync(context.Background(), fetch, fetch.EffectiveTimeout())
	if !resp.Success || resp.ReturnValue == nil {
		logger.ProxyWarnw("buffer mirror fetch failed", "instrument", p.Instrument, "buffer_id", ref.BufferID, "error", resp.ErrorMessage)
		return
	}
	data, ok := resp.ReturnValue.Bytes()
	if !ok {
		logger.ProxyWarnw("buffer mirror fetch returned non-bytes payload", "instrument", p.Instrument, "buffer_id", ref.BufferID)
		return
	}

	if err := p.pool.AdoptBuffer(ref.BufferID, p.Instrument, commandID, bufferpool.DataType(ref.DataType), data); err != nil {
		logger.ProxyWarnw("buffer mirror adopt failed", "instrument", p.Instrument, "buffer_id", ref.BufferID, "error", err)
	}
}

// failAllPending fails every in-flight command (worker death or Stop). Any
// sync-tokened command that never reached SYNC_ACK also reports a synthetic
// ack, so its barrier doesn't wait forever on a participant that just died.
func (p *Proxy) failAllPending(message string) {
	p.pendingMu.Lock()
	entries := p.pending
	p.pending = make(map[uint64]pendingEntry)
	p.pendingMu.Unlock()

	for _, entry := range entries {
		entry.ch <- command.Response{Success: false, ErrorMessage: message}
		if entry.syncToken != 0 && p.onSyncAck != nil {
			p.onSyncAck(entry.syncToken, p.Instrument)
		}
	}
}

// Stop sets running false, sends a best-effort SHUTDOWN frame, waits up
// to 5s for the worker to exit, kills it forcibly otherwise, and removes
// the named queues.
func (p *Proxy) Stop() error {
	var stopErr error
	p.stopOnce.Do(func() {
		p.running.Store(false)
		if p.reqQueue == nil {
			// never started (e.g. a registry snapshot entry that was
			// created but not Start()ed) — nothing to tear down.
			close(p.done)
			return
		}
		p.reqQueue.Send(ipc.Frame{Type: ipc.TypeShutdown}, 2*time.Second)

		exited := make(chan struct{})
		go func() {
			if p.proc != nil {
				_, _ = p.proc.Wait()
			}
			close(exited)
		}()

		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			if p.proc != nil {
				_ = p.proc.Kill()
			}
		}

		p.failAllPending(ierr.ErrWorkerDead.Error())

		if err := p.reqQueue.Remove(); err != nil {
			stopErr = err
		}
		if p.respQueue != nil {
			if err := p.respQueue.Remove(); err != nil {
				stopErr = err
			}
		}
		close(p.done)
	})
	return stopErr
}

// Stats returns a snapshot of the monotonic counters.
func (p *Proxy) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// LastHeartbeat returns the time of the most recent HEARTBEAT, RESPONSE or
// SYNC_ACK frame seen from the worker.
func (p *Proxy) LastHeartbeat() time.Time {
	return time.Unix(0, p.heartbeat.Load())
}

// PID returns the worker process id, or 0 if not started.
func (p *Proxy) PID() int {
	if p.proc == nil {
		return 0
	}
	return p.proc.Pid
}
