package proxy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/instrument-server/internal/bufferpool"
	"github.com/teranos/instrument-server/internal/command"
	"github.com/teranos/instrument-server/internal/ipc"
	"github.com/teranos/instrument-server/internal/param"
)

// startFakeWorker simulates the worker side of the protocol directly over the
// queue pair, bypassing process spawn — exercising Execute/routeResponse
// without needing a real plugin or worker binary.
func startFakeWorker(t *testing.T, dir, instrument string) (req, resp *ipc.Queue) {
	t.Helper()
	reqName, respName := ipc.QueueNames(instrument)

	reqQ, err := ipc.Create(dir, reqName)
	require.NoError(t, err)
	respQ, err := ipc.Create(dir, respName)
	require.NoError(t, err)

	worker := struct {
		req, resp *ipc.Queue
	}{}
	var openErr error
	worker.req, openErr = ipc.Open(dir, reqName, time.Second)
	require.NoError(t, openErr)
	worker.resp, openErr = ipc.Open(dir, respName, time.Second)
	require.NoError(t, openErr)

	go func() {
		for {
			frame, ok := worker.req.Receive(2 * time.Second)
			if !ok {
				continue
			}
			if frame.Type == ipc.TypeShutdown {
				return
			}
			if frame.Type != ipc.TypeCommand {
				continue
			}
			var cmd command.Command
			_ = json.Unmarshal(frame.Payload, &cmd)
			resp := command.Response{CommandID: cmd.ID, InstrumentName: cmd.InstrumentName, Success: true, TextResponse: "ok"}
			payload, _ := json.Marshal(resp)
			worker.resp.Send(ipc.Frame{Type: ipc.TypeResponse, MessageID: frame.MessageID, Payload: payload}, time.Second)
		}
	}()

	return reqQ, respQ
}

func TestProxyExecuteRoutesResponse(t *testing.T) {
	dir := t.TempDir()
	p := New("DMM1", "", "")
	p.reqQueue, p.respQueue = startFakeWorker(t, dir, "DMM1")
	p.running.Store(true)
	go p.listen()
	defer p.running.Store(false)

	cmd := command.New("DMM1", "MEASURE_VOLTAGE")
	ch := p.Execute(cmd)

	select {
	case resp := <-ch:
		assert.True(t, resp.Success)
		assert.Equal(t, "ok", resp.TextResponse)
	case <-time.After(2 * time.Second):
		t.Fatal("never received response")
	}

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.CommandsSent)
	assert.Equal(t, uint64(1), stats.CommandsCompleted)
}

func TestProxyRateLimitRejectsBurstBeyondCapacity(t *testing.T) {
	dir := t.TempDir()
	p := New("DMM1", "", "")
	p.reqQueue, p.respQueue = startFakeWorker(t, dir, "DMM1")
	p.running.Store(true)
	go p.listen()
	defer p.running.Store(false)

	p.SetRateLimit(1) // burst of 1

	first := p.Execute(command.New("DMM1", "MEASURE_VOLTAGE"))
	select {
	case resp := <-first:
		assert.True(t, resp.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("first command never completed")
	}

	second := p.Execute(command.New("DMM1", "MEASURE_VOLTAGE"))
	select {
	case resp := <-second:
		assert.False(t, resp.Success)
		assert.Contains(t, resp.ErrorMessage, "rate limit")
	case <-time.After(2 * time.Second):
		t.Fatal("second command never resolved")
	}
}

// startBufferAwareFakeWorker behaves like startFakeWorker, except every
// reply to a verb other than the reserved fetch-buffer verb carries a
// large_data reference, and the reserved
// fetch-buffer verb returns the matching bytes, exercising the proxy's
// cross-process buffer mirror end to end. Returns the proxy-side queue
// pair, same convention as startFakeWorker.
func startBufferAwareFakeWorker(t *testing.T, dir, instrument, bufferID string, bufferBytes []byte) (req, resp *ipc.Queue) {
	t.Helper()
	reqName, respName := ipc.QueueNames(instrument)

	reqQ, err := ipc.Create(dir, reqName)
	require.NoError(t, err)
	respQ, err := ipc.Create(dir, respName)
	require.NoError(t, err)

	workerReq, err := ipc.Open(dir, reqName, time.Second)
	require.NoError(t, err)
	workerResp, err := ipc.Open(dir, respName, time.Second)
	require.NoError(t, err)

	go func() {
		for {
			frame, ok := workerReq.Receive(2 * time.Second)
			if !ok {
				continue
			}
			if frame.Type == ipc.TypeShutdown {
				return
			}
			if frame.Type != ipc.TypeCommand {
				continue
			}
			var cmd command.Command
			_ = json.Unmarshal(frame.Payload, &cmd)

			var resp command.Response
			switch cmd.Verb {
			case fetchBufferVerb:
				bv := param.Bytes(bufferBytes)
				resp = command.Response{CommandID: cmd.ID, InstrumentName: cmd.InstrumentName, Success: true, ReturnValue: &bv}
			default:
				resp = command.Response{
					CommandID:      cmd.ID,
					InstrumentName: cmd.InstrumentName,
					Success:        true,
					LargeData:      &command.LargeDataRef{BufferID: bufferID, ElementCount: len(bufferBytes) / 8, DataType: "float64"},
				}
			}
			payload, _ := json.Marshal(resp)
			workerResp.Send(ipc.Frame{Type: ipc.TypeResponse, MessageID: frame.MessageID, Payload: payload}, time.Second)
		}
	}()

	return reqQ, respQ
}

func TestProxyMirrorsLargeDataBufferIntoDaemonPool(t *testing.T) {
	dir := t.TempDir()
	bufferID := "buffer_1_1"
	bufferBytes := bufferpool.EncodeFloat64([]float64{1, 2, 3})

	p := New("DMM1", "", "")
	p.reqQueue, p.respQueue = startBufferAwareFakeWorker(t, dir, "DMM1", bufferID, bufferBytes)
	p.running.Store(true)
	go p.listen()
	defer p.running.Store(false)

	pool := bufferpool.New()
	p.SetBufferPool(pool)

	ch := p.Execute(command.New("DMM1", "MEASURE_WAVEFORM"))
	select {
	case resp := <-ch:
		require.True(t, resp.Success)
		require.NotNil(t, resp.LargeData)
	case <-time.After(2 * time.Second):
		t.Fatal("never received response")
	}

	require.Eventually(t, func() bool {
		_, err := pool.GetMetadata(bufferID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, data, err := pool.GetBuffer(bufferID)
	require.NoError(t, err)
	assert.Equal(t, bufferBytes, data)
}

func TestProxyOrphanResponseIsDiscardedNotPanicking(t *testing.T) {
	p := New("DMM1", "", "")
	p.pending = map[uint64]pendingEntry{}
	payload, _ := json.Marshal(command.Response{Success: true})
	assert.NotPanics(t, func() {
		p.routeResponse(ipc.Frame{Type: ipc.TypeResponse, MessageID: 999, Payload: payload})
	})
}
