package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRoundTrip(t *testing.T) {
	dir := t.TempDir()

	daemon, err := Create(dir, "instrument_DMM1_req")
	require.NoError(t, err)
	defer daemon.Remove()

	worker, err := Open(dir, "instrument_DMM1_req", time.Second)
	require.NoError(t, err)
	defer worker.Close()

	sent := Frame{Type: TypeCommand, MessageID: 1, SyncToken: 0, Payload: []byte("MEASURE_VOLTAGE")}
	require.True(t, daemon.Send(sent, time.Second))

	received, ok := worker.Receive(time.Second)
	require.True(t, ok)
	assert.Equal(t, sent.Type, received.Type)
	assert.Equal(t, sent.MessageID, received.MessageID)
	assert.Equal(t, sent.Payload, received.Payload)
}

func TestQueueSendBeforePeerOpensBlocksThenDelivers(t *testing.T) {
	dir := t.TempDir()

	daemon, err := Create(dir, "instrument_DMM2_resp")
	require.NoError(t, err)
	defer daemon.Remove()

	done := make(chan bool, 1)
	go func() {
		done <- daemon.Send(Frame{Type: TypeHeartbeat, MessageID: 9}, 2*time.Second)
	}()

	// Give the send a moment to start waiting on the not-yet-connected peer.
	time.Sleep(50 * time.Millisecond)

	worker, err := Open(dir, "instrument_DMM2_resp", time.Second)
	require.NoError(t, err)
	defer worker.Close()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("send never completed after peer connected")
	}

	received, ok := worker.Receive(time.Second)
	require.True(t, ok)
	assert.Equal(t, uint64(9), received.MessageID)
}

func TestQueueReceiveTimesOutWithoutBlockingForever(t *testing.T) {
	dir := t.TempDir()

	daemon, err := Create(dir, "instrument_DMM3_req")
	require.NoError(t, err)
	defer daemon.Remove()

	worker, err := Open(dir, "instrument_DMM3_req", time.Second)
	require.NoError(t, err)
	defer worker.Close()

	start := time.Now()
	_, ok := worker.Receive(100 * time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueueSendFailsWhenNoPeerEverConnects(t *testing.T) {
	dir := t.TempDir()

	daemon, err := Create(dir, "instrument_DMM4_req")
	require.NoError(t, err)
	defer daemon.Remove()

	ok := daemon.Send(Frame{Type: TypeShutdown}, 100*time.Millisecond)
	assert.False(t, ok)
}
