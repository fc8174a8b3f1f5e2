package command

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/instrument-server/internal/param"
)

func TestCommandRoundTrip(t *testing.T) {
	in := Command{
		ID:             "t-1",
		InstrumentName: "DMM1",
		Verb:           "MEASURE_VOLTAGE",
		Params: map[string]param.Value{
			"range":   param.Float64(10.0),
			"samples": param.Int64(100),
		},
		Timeout:         5 * time.Second,
		ExpectsResponse: true,
		CreatedAt:       time.Now().Truncate(time.Millisecond),
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Command
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.InstrumentName, out.InstrumentName)
	assert.Equal(t, in.Verb, out.Verb)
	assert.Equal(t, in.Timeout, out.Timeout)
	assert.Equal(t, in.ExpectsResponse, out.ExpectsResponse)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))

	rangeVal, ok := out.Params["range"].Float64()
	require.True(t, ok)
	assert.Equal(t, 10.0, rangeVal)

	samples, ok := out.Params["samples"].Int64()
	require.True(t, ok)
	assert.Equal(t, int64(100), samples)
}

func TestEffectiveTimeoutDefaultsWhenUnset(t *testing.T) {
	c := Command{}
	assert.Equal(t, DefaultTimeout, c.EffectiveTimeout())

	c.Timeout = 2 * time.Second
	assert.Equal(t, 2*time.Second, c.EffectiveTimeout())
}

func TestIDSequenceMonotonic(t *testing.T) {
	seq := NewIDSequence("DMM1")
	id1, n1 := seq.Next()
	id2, n2 := seq.Next()
	assert.Equal(t, "DMM1-1", id1)
	assert.Equal(t, "DMM1-2", id2)
	assert.Equal(t, int64(1), n1)
	assert.Equal(t, int64(2), n2)
}

func TestResponseRoundTripPreservesErrorFields(t *testing.T) {
	in := Response{
		CommandID:      "DMM1-1",
		InstrumentName: "DMM1",
		Success:        false,
		ErrorCode:      7,
		ErrorMessage:   "plugin returned non-zero status",
		StartedAt:      time.Now().Truncate(time.Millisecond),
		FinishedAt:     time.Now().Truncate(time.Millisecond),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Response
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
