// Package ipc implements the bidirectional IPC frame queue between the
// daemon and a worker process: a pair of bounded, fixed-size-frame queues
// per instrument.
package ipc

import (
	"encoding/binary"
	"fmt"

	"github.com/teranos/instrument-server/internal/ierr"
)

// FrameType tags the purpose of a Frame.
type FrameType uint8

const (
	TypeCommand FrameType = iota + 1
	TypeResponse
	TypeHeartbeat
	TypeShutdown
	TypeSyncAck
	TypeSyncContinue
)

// MaxPayload is the compile-time-fixed maximum payload size. SPEC_FULL.md
// §9 Open Question 2 resolves the source's 4 KiB/8 KiB ambiguity in favor
// of the smaller value.
const MaxPayload = 4096

// FrameSize is the fixed on-wire size of a Frame: 1 (type) + 8 (msg id) +
// 8 (sync token) + 4 (payload length) + MaxPayload.
const FrameSize = 1 + 8 + 8 + 4 + MaxPayload

// Frame is the fixed-size IPC record. Payloads exceeding MaxPayload must
// be routed through the buffer pool instead (see bufferpool package).
type Frame struct {
	Type      FrameType
	MessageID uint64
	SyncToken uint64
	Payload   []byte
}

// Encode serializes f into the fixed FrameSize wire layout, truncating the
// payload to MaxPayload if it is larger (the truncation the spec documents
// at proxy.execute's serialization step).
func (f Frame) Encode() []byte {
	buf := make([]byte, FrameSize)
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint64(buf[1:9], f.MessageID)
	binary.BigEndian.PutUint64(buf[9:17], f.SyncToken)

	payload := f.Payload
	if len(payload) > MaxPayload {
		payload = payload[:MaxPayload]
	}
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(payload)))
	copy(buf[21:21+len(payload)], payload)
	return buf
}

// Decode parses buf into a Frame. It fails closed (returns an error) when
// buf is not exactly FrameSize bytes — the spec's "programming/compatibility
// error" case, which callers log and discard rather than propagate as a
// command failure.
func Decode(buf []byte) (Frame, error) {
	if len(buf) != FrameSize {
		return Frame{}, fmt.Errorf("%w: got %d bytes, want %d", ierr.ErrFrameSize, len(buf), FrameSize)
	}

	payloadLen := binary.BigEndian.Uint32(buf[17:21])
	if int(payloadLen) > MaxPayload {
		return Frame{}, fmt.Errorf("%w: payload length %d exceeds max %d", ierr.ErrFrameSize, payloadLen, MaxPayload)
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[21:21+payloadLen])

	return Frame{
		Type:      FrameType(buf[0]),
		MessageID: binary.BigEndian.Uint64(buf[1:9]),
		SyncToken: binary.BigEndian.Uint64(buf[9:17]),
		Payload:   payload,
	}, nil
}

// QueueNames returns the request/response queue names for an instrument,
// per SPEC_FULL.md §6: "instrument_<name>_req" / "instrument_<name>_resp".
func QueueNames(instrument string) (req, resp string) {
	return fmt.Sprintf("instrument_%s_req", instrument), fmt.Sprintf("instrument_%s_resp", instrument)
}
