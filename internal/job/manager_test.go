package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	result json.RawMessage
	err    error
	delay  time.Duration
}

func (f *fakeRunner) RunMeasure(jobID, script string, params map[string]any) (json.RawMessage, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result, f.err
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status, timeout time.Duration) Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		info, err := m.GetJobInfo(id)
		require.NoError(t, err)
		if info.Status == want {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return Job{}
}

func TestSubmitJobSleepCompletes(t *testing.T) {
	m := New(&fakeRunner{})
	defer m.Stop()

	id := m.SubmitJob(TypeSleep, map[string]any{"duration_ms": float64(10)})
	info := waitForStatus(t, m, id, StatusCompleted, time.Second)
	assert.Equal(t, TypeSleep, info.Type)
}

func TestSubmitMeasureCompletesWithResult(t *testing.T) {
	m := New(&fakeRunner{result: json.RawMessage(`{"voltage":5}`)})
	defer m.Stop()

	id := m.SubmitMeasure("call(\"DMM1\", \"MEASURE\")", nil)
	waitForStatus(t, m, id, StatusCompleted, time.Second)

	result, err := m.GetJobResult(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"voltage":5}`, string(result))
}

func TestGetJobResultFailsBeforeCompletion(t *testing.T) {
	m := New(&fakeRunner{delay: 200 * time.Millisecond})
	defer m.Stop()

	id := m.SubmitMeasure("slow script", nil)
	_, err := m.GetJobResult(id)
	assert.Error(t, err)
}

func TestCancelQueuedJobRemovesIt(t *testing.T) {
	m := New(&fakeRunner{})
	defer m.Stop()

	// block the worker with a long sleep so the second job stays queued
	m.SubmitJob(TypeSleep, map[string]any{"duration_ms": float64(500)})
	second := m.SubmitJob(TypeSleep, map[string]any{"duration_ms": float64(10)})

	assert.True(t, m.CancelJob(second))
	info, err := m.GetJobInfo(second)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, info.Status)
}

func TestUnknownJobTypeFails(t *testing.T) {
	m := New(&fakeRunner{})
	defer m.Stop()

	id := m.SubmitJob(Type("unknown"), nil)
	info := waitForStatus(t, m, id, StatusFailed, time.Second)
	assert.NotEmpty(t, info.Error)
}

func TestMeasureJobsRunWhileNonMeasureJobWaits(t *testing.T) {
	m := New(&fakeRunner{delay: 100 * time.Millisecond})
	defer m.Stop()

	measureID := m.SubmitMeasure("script", nil)
	sleepID := m.SubmitJob(TypeSleep, map[string]any{"duration_ms": float64(5)})

	measure := waitForStatus(t, m, measureID, StatusCompleted, 2*time.Second)
	sleep := waitForStatus(t, m, sleepID, StatusCompleted, time.Second)
	assert.False(t, sleep.StartedAt.Before(measure.FinishedAt), "sleep job started before the measure job finished")
}

func TestListJobsIncludesAllSubmitted(t *testing.T) {
	m := New(&fakeRunner{})
	defer m.Stop()

	a := m.SubmitJob(TypeSleep, map[string]any{"duration_ms": float64(1)})
	b := m.SubmitJob(TypeSleep, map[string]any{"duration_ms": float64(1)})

	waitForStatus(t, m, a, StatusCompleted, time.Second)
	waitForStatus(t, m, b, StatusCompleted, time.Second)

	ids := make(map[string]bool)
	for _, j := range m.ListJobs() {
		ids[j.ID] = true
	}
	assert.True(t, ids[a])
	assert.True(t, ids[b])
}
