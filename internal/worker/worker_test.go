package worker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/instrument-server/internal/command"
	"github.com/teranos/instrument-server/internal/ipc"
	"github.com/teranos/instrument-server/internal/pluginhost"
)

type fakeDriver struct {
	initErr   error
	execFn    func(verb string, params json.RawMessage) (pluginhost.ExecuteResult, error)
	closeErr  error
	closed    bool
}

func (f *fakeDriver) Metadata() pluginhost.Metadata { return pluginhost.Metadata{} }
func (f *fakeDriver) Initialize(json.RawMessage) error { return f.initErr }
func (f *fakeDriver) Execute(verb string, params json.RawMessage) (pluginhost.ExecuteResult, error) {
	return f.execFn(verb, params)
}
func (f *fakeDriver) Close() error { f.closed = true; return f.closeErr }

func pairedQueues(t *testing.T, dir, instrument string) (daemonReq, daemonResp, workerReq, workerResp *ipc.Queue) {
	t.Helper()
	reqName, respName := ipc.QueueNames(instrument)

	daemonReq, err := ipc.Create(dir, reqName)
	require.NoError(t, err)
	daemonResp, err = ipc.Create(dir, respName)
	require.NoError(t, err)
	workerReq, err = ipc.Open(dir, reqName, time.Second)
	require.NoError(t, err)
	workerResp, err = ipc.Open(dir, respName, time.Second)
	require.NoError(t, err)
	return
}

func TestWorkerLoopExecutesCommandAndReturnsResponse(t *testing.T) {
	dir := t.TempDir()
	daemonReq, daemonResp, workerReq, workerResp := pairedQueues(t, dir, "DMM1")

	driver := &fakeDriver{
		execFn: func(verb string, params json.RawMessage) (pluginhost.ExecuteResult, error) {
			return pluginhost.ExecuteResult{Status: 0, TextResponse: "12.3V"}, nil
		},
	}

	done := make(chan error, 1)
	go func() { done <- Loop("DMM1", driver, nil, workerReq, workerResp) }()

	cmd := command.New("DMM1", "MEASURE_VOLTAGE")
	cmd.ID = "DMM1-1"
	payload, _ := json.Marshal(cmd)
	require.True(t, daemonReq.Send(ipc.Frame{Type: ipc.TypeCommand, MessageID: 1, Payload: payload}, time.Second))

	frame, ok := daemonResp.Receive(3 * time.Second)
	require.True(t, ok)
	assert.Equal(t, ipc.TypeResponse, frame.Type)

	var resp command.Response
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "12.3V", resp.TextResponse)

	require.True(t, daemonReq.Send(ipc.Frame{Type: ipc.TypeShutdown}, time.Second))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not exit on shutdown")
	}
	assert.True(t, driver.closed)
}

func TestWorkerLoopSendsHeartbeatOnTimeout(t *testing.T) {
	dir := t.TempDir()
	daemonReq, daemonResp, workerReq, workerResp := pairedQueues(t, dir, "DMM2")
	_ = daemonReq

	driver := &fakeDriver{execFn: func(string, json.RawMessage) (pluginhost.ExecuteResult, error) {
		return pluginhost.ExecuteResult{}, nil
	}}

	go Loop("DMM2", driver, nil, workerReq, workerResp)

	frame, ok := daemonResp.Receive(3 * time.Second)
	require.True(t, ok)
	assert.Equal(t, ipc.TypeHeartbeat, frame.Type)
}

func TestHandleCommandNormalizesNonZeroStatusToFailure(t *testing.T) {
	dir := t.TempDir()
	daemonReq, daemonResp, workerReq, workerResp := pairedQueues(t, dir, "DMM3")
	_ = daemonReq

	driver := &fakeDriver{execFn: func(string, json.RawMessage) (pluginhost.ExecuteResult, error) {
		return pluginhost.ExecuteResult{Status: 7, ErrorMessage: "timeout talking to bus"}, nil
	}}

	cmd := command.New("DMM3", "MEASURE_VOLTAGE")
	cmd.ID = "DMM3-1"
	payload, _ := json.Marshal(cmd)
	handleCommand("DMM3", driver, ipc.Frame{Type: ipc.TypeCommand, MessageID: 5, Payload: payload}, workerReq, workerResp)

	frame, ok := daemonResp.Receive(2 * time.Second)
	require.True(t, ok)
	var resp command.Response
	require.NoError(t, json.Unmarshal(frame.Payload, &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, 7, resp.ErrorCode)
}

func TestHandleCommandWithSyncTokenAcksAndWaitsForContinue(t *testing.T) {
	dir := t.TempDir()
	daemonReq, daemonResp, workerReq, workerResp := pairedQueues(t, dir, "DMM4")

	driver := &fakeDriver{execFn: func(string, json.RawMessage) (pluginhost.ExecuteResult, error) {
		return pluginhost.ExecuteResult{Status: 0, TextResponse: "ok"}, nil
	}}

	cmd := command.New("DMM4", "MEASURE_VOLTAGE")
	cmd.ID = "DMM4-1"
	cmd.SyncToken = 42
	payload, _ := json.Marshal(cmd)

	done := make(chan bool, 1)
	go func() {
		done <- handleCommand("DMM4", driver, ipc.Frame{Type: ipc.TypeCommand, MessageID: 9, Payload: payload}, workerReq, workerResp)
	}()

	ackFrame, ok := daemonResp.Receive(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, ipc.TypeSyncAck, ackFrame.Type)
	assert.Equal(t, uint64(42), ackFrame.SyncToken)

	select {
	case <-done:
		t.Fatal("handleCommand returned before SYNC_CONTINUE was sent")
	case <-time.After(100 * time.Millisecond):
	}

	require.True(t, daemonReq.Send(ipc.Frame{Type: ipc.TypeSyncContinue, SyncToken: 42}, time.Second))

	select {
	case shutdown := <-done:
		assert.False(t, shutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("handleCommand never returned after SYNC_CONTINUE")
	}

	respFrame, ok := daemonResp.Receive(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, ipc.TypeResponse, respFrame.Type)
}
