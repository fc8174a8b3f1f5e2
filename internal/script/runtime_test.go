package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/instrument-server/internal/barrier"
	"github.com/teranos/instrument-server/internal/command"
	"github.com/teranos/instrument-server/internal/dispatch"
	"github.com/teranos/instrument-server/internal/proxy"
)

func noProxies(string) (*proxy.Proxy, bool) { return nil, false }

func newSyncCtl() *dispatch.SyncController {
	return dispatch.NewSyncController(barrier.New(), noProxies)
}

func TestQualifiedVerbParsesInstrumentAndVerb(t *testing.T) {
	instrument, channel, verb, err := QualifiedVerb("DMM1.MEASURE_VOLTAGE")
	require.NoError(t, err)
	assert.Equal(t, "DMM1", instrument)
	assert.Empty(t, channel)
	assert.Equal(t, "MEASURE_VOLTAGE", verb)
}

func TestQualifiedVerbParsesChannel(t *testing.T) {
	instrument, channel, verb, err := QualifiedVerb("SCOPE1:2.TRIGGER")
	require.NoError(t, err)
	assert.Equal(t, "SCOPE1", instrument)
	assert.Equal(t, "2", channel)
	assert.Equal(t, "TRIGGER", verb)
}

func TestQualifiedVerbRejectsMissingDot(t *testing.T) {
	_, _, _, err := QualifiedVerb("DMM1")
	assert.Error(t, err)
}

func TestCallFailsGracefullyWhenInstrumentMissing(t *testing.T) {
	r := New(newSyncCtl(), &barrier.TokenSequence{}, noProxies)
	resp, err := r.Call(context.Background(), "GHOST1.MEASURE")
	require.NoError(t, err)
	assert.False(t, resp.Success)
}

func TestParallelInlineModeReturnsResponsesImmediately(t *testing.T) {
	r := New(newSyncCtl(), &barrier.TokenSequence{}, noProxies)
	responses, err := r.Parallel(context.Background(), []ParallelCall{
		{QualifiedVerb: "GHOST1.MEASURE"},
		{QualifiedVerb: "GHOST2.MEASURE"},
	})
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.False(t, responses[0].Success)
	assert.False(t, responses[1].Success)
}

func TestParallelEnqueueFirstModeDefersUntilProcessTokens(t *testing.T) {
	r := NewEnqueueFirst(newSyncCtl(), &barrier.TokenSequence{}, noProxies)
	responses, err := r.Parallel(context.Background(), []ParallelCall{{QualifiedVerb: "GHOST1.MEASURE"}})
	require.NoError(t, err)
	assert.Nil(t, responses) // results withheld until ProcessTokensAndWait

	results := r.ProcessTokensAndWait(context.Background())
	require.Len(t, results, 1)
	for _, rs := range results {
		require.Len(t, rs, 1)
		assert.False(t, rs[0].Success)
	}
}

func TestRunMeasureScriptLogsAndCallsThenAggregatesResults(t *testing.T) {
	r := NewEnqueueFirst(newSyncCtl(), &barrier.TokenSequence{}, noProxies)
	script := "log starting measurement\ncall DMM1.MEASURE_VOLTAGE range=10\n"

	raw, err := RunMeasureScript(context.Background(), r, script)
	require.NoError(t, err)
	assert.Contains(t, r.log, "starting measurement")
	assert.NotEmpty(t, raw)
}

func TestRunMeasureScriptRejectsUnrecognizedLine(t *testing.T) {
	r := NewEnqueueFirst(newSyncCtl(), &barrier.TokenSequence{}, noProxies)
	_, err := RunMeasureScript(context.Background(), r, "frobnicate everything")
	assert.Error(t, err)
}

func TestBindArgsPositional(t *testing.T) {
	cmd := command.New("DMM1", "MEASURE")
	require.NoError(t, bindArgs(&cmd, []any{1, "two", 3.0}))
	assert.Len(t, cmd.Params, 3)
	_, ok := cmd.Params["arg0"]
	assert.True(t, ok)
}

func TestBindArgsNamed(t *testing.T) {
	cmd := command.New("DMM1", "MEASURE")
	require.NoError(t, bindArgs(&cmd, []any{map[string]any{"range": 10.0}}))
	_, ok := cmd.Params["range"]
	assert.True(t, ok)
}

func TestCallWithDeadlineFailsGracefullyWhenInstrumentMissing(t *testing.T) {
	lookup := func(string) (*proxy.Proxy, bool) { return nil, false }
	r := New(dispatch.NewSyncController(barrier.New(), lookup), &barrier.TokenSequence{}, lookup)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	resp, err := r.Call(ctx, "GHOST1.MEASURE")
	require.NoError(t, err)
	assert.False(t, resp.Success)
}
