package ipc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/instrument-server/internal/ierr"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		Type:      TypeCommand,
		MessageID: 42,
		SyncToken: 7,
		Payload:   []byte(`{"instrument":"DMM1","verb":"MEASURE_VOLTAGE"}`),
	}

	decoded, err := Decode(f.Encode())
	require.NoError(t, err)
	assert.Equal(t, f.Type, decoded.Type)
	assert.Equal(t, f.MessageID, decoded.MessageID)
	assert.Equal(t, f.SyncToken, decoded.SyncToken)
	assert.True(t, bytes.Equal(f.Payload, decoded.Payload))
}

func TestFrameEncodeTruncatesOversizePayload(t *testing.T) {
	f := Frame{Type: TypeResponse, Payload: bytes.Repeat([]byte{'x'}, MaxPayload+100)}
	encoded := f.Encode()
	assert.Len(t, encoded, FrameSize)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded.Payload, MaxPayload)
}

func TestDecodeFailsClosedOnWrongSize(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ierr.ErrFrameSize)
}

func TestDecodeFailsClosedOnBadPayloadLength(t *testing.T) {
	buf := make([]byte, FrameSize)
	buf[0] = byte(TypeHeartbeat)
	// payload length field (bytes 17:21) claims more than MaxPayload.
	buf[17], buf[18], buf[19], buf[20] = 0xFF, 0xFF, 0xFF, 0xFF
	_, err := Decode(buf)
	assert.ErrorIs(t, err, ierr.ErrFrameSize)
}

func TestQueueNames(t *testing.T) {
	req, resp := QueueNames("DMM1")
	assert.Equal(t, "instrument_DMM1_req", req)
	assert.Equal(t, "instrument_DMM1_resp", resp)
}
