// Package worker implements the Worker Process loop (SPEC_FULL.md §4.D):
// one OS process per instrument, hosting a single loaded plugin.
package worker

import (
	"encoding/json"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/teranos/instrument-server/internal/command"
	"github.com/teranos/instrument-server/internal/ipc"
	"github.com/teranos/instrument-server/internal/pluginhost"
	"github.com/teranos/instrument-server/logger"
)

// receiveTimeout is the spec's fixed 1-second request-queue poll interval.
const receiveTimeout = time.Second

// syncContinueTimeout bounds how long a sync-tokened command waits for its
// SYNC_CONTINUE after acking, so a daemon that dies mid-barrier can't wedge
// this worker forever.
const syncContinueTimeout = 30 * time.Second

// Loop runs the worker's main loop until SHUTDOWN or a signal stops it.
// It owns the driver and both queue handles for its lifetime.
func Loop(instrument string, driver pluginhost.Driver, config json.RawMessage, reqQueue, respQueue *ipc.Queue) error {
	if err := driver.Initialize(config); err != nil {
		return err
	}
	defer func() {
		if err := driver.Close(); err != nil {
			logger.WorkerWarnw("plugin shutdown reported an error", "instrument", instrument, "error", err)
		}
	}()

	var running atomic.Bool
	running.Store(true)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		running.Store(false)
	}()

	for running.Load() {
		frame, ok := reqQueue.Receive(receiveTimeout)
		if !ok {
			respQueue.Send(ipc.Frame{Type: ipc.TypeHeartbeat}, receiveTimeout)
			continue
		}

		switch frame.Type {
		case ipc.TypeShutdown:
			return nil
		case ipc.TypeCommand:
			if handleCommand(instrument, driver, frame, reqQueue, respQueue) {
				return nil
			}
		default:
			logger.WorkerWarnw("ignoring unexpected frame type on request queue", "instrument", instrument, "type", frame.Type)
		}
	}
	return nil
}

// handleCommand executes one COMMAND frame and replies with RESPONSE. When
// the command carries a sync token (SPEC_FULL.md §4.F's parallel-block
// protocol) it first sends SYNC_ACK and blocks on reqQueue for the matching
// SYNC_CONTINUE before replying, holding this worker in lock-step with every
// other participant in the same barrier. Returns true if a SHUTDOWN frame
// was observed while waiting, so Loop can exit once the response is sent.
func handleCommand(instrument string, driver pluginhost.Driver, frame ipc.Frame, reqQueue, respQueue *ipc.Queue) (shutdown bool) {
	var cmd command.Command
	if err := json.Unmarshal(frame.Payload, &cmd); err != nil {
		sendFailure(respQueue, frame.MessageID, "", "", "malformed command payload: "+err.Error())
		return false
	}

	params, err := json.Marshal(cmd.Params)
	if err != nil {
		sendFailure(respQueue, frame.MessageID, cmd.ID, cmd.InstrumentName, "failed to marshal params: "+err.Error())
		return false
	}

	result, err := driver.Execute(cmd.Verb, params)
	resp := command.Response{
		CommandID:      cmd.ID,
		InstrumentName: cmd.InstrumentName,
		StartedAt:      time.Now(),
	}
	if err != nil {
		resp.Success = false
		resp.ErrorMessage = err.Error()
	} else {
		// error mapping: non-zero status with success unintentionally true
		// normalizes to success=false with status copied to error_code.
		resp.Success = result.Status == 0
		resp.ErrorCode = result.Status
		resp.TextResponse = result.TextResponse
		resp.ErrorMessage = result.ErrorMessage
		if result.HasLargeData {
			resp.LargeData = &command.LargeDataRef{
				BufferID:     result.BufferID,
				ElementCount: result.ElementCount,
				DataType:     result.DataType,
			}
		}
	}
	resp.FinishedAt = time.Now()

	if cmd.SyncToken != 0 {
		respQueue.Send(ipc.Frame{Type: ipc.TypeSyncAck, MessageID: frame.MessageID, SyncToken: uint64(cmd.SyncToken)}, 5*time.Second)
		shutdown = awaitSyncContinue(instrument, uint64(cmd.SyncToken), reqQueue)
	}

	payload, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		sendFailure(respQueue, frame.MessageID, cmd.ID, cmd.InstrumentName, "failed to marshal response: "+marshalErr.Error())
		return shutdown
	}
	respQueue.Send(ipc.Frame{Type: ipc.TypeResponse, MessageID: frame.MessageID, Payload: payload}, 5*time.Second)
	return shutdown
}

// awaitSyncContinue blocks reading reqQueue until a SYNC_CONTINUE for token
// arrives, syncContinueTimeout elapses, or a SHUTDOWN is seen — safe because
// Loop calls handleCommand synchronously and reads reqQueue nowhere else
// while it runs. Any other frame type seen while waiting is logged and
// discarded; it cannot belong to this in-flight command.
func awaitSyncContinue(instrument string, token uint64, reqQueue *ipc.Queue) (shutdown bool) {
	deadline := time.Now().Add(syncContinueTimeout)
	for time.Now().Before(deadline) {
		frame, ok := reqQueue.Receive(receiveTimeout)
		if !ok {
			continue
		}
		switch frame.Type {
		case ipc.TypeSyncContinue:
			if frame.SyncToken == token {
				return shutdown
			}
		case ipc.TypeShutdown:
			shutdown = true
		default:
			logger.WorkerWarnw("ignoring frame while waiting for SYNC_CONTINUE", "instrument", instrument, "type", frame.Type, "sync_token", token)
		}
	}
	logger.WorkerWarnw("timed out waiting for SYNC_CONTINUE", "instrument", instrument, "sync_token", token)
	return shutdown
}

func sendFailure(respQueue *ipc.Queue, msgID uint64, cmdID, instrument, message string) {
	resp := command.Response{CommandID: cmdID, InstrumentName: instrument, Success: false, ErrorMessage: message}
	payload, _ := json.Marshal(resp)
	respQueue.Send(ipc.Frame{Type: ipc.TypeResponse, MessageID: msgID, Payload: payload}, 5*time.Second)
}
