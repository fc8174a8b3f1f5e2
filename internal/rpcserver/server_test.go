package rpcserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/instrument-server/internal/job"
	"github.com/teranos/instrument-server/internal/registry"
)

type fakeRunner struct{}

func (fakeRunner) RunMeasure(jobID, script string, params map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func newTestServer(t *testing.T) (*Server, *job.Manager) {
	t.Helper()
	reg := registry.New(t.TempDir(), "/bin/true")
	jobs := job.New(fakeRunner{})
	t.Cleanup(jobs.Stop)
	return New(reg, jobs), jobs
}

func doRPC(t *testing.T, s *Server, command string, params interface{}) *httptest.ResponseRecorder {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(Request{Command: command, Params: paramsJSON})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestUnroutedPathReturns404JSON(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
}

func TestUnknownCommandReturns500(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRPC(t, s, "frobnicate", map[string]any{})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestMalformedJSONReturns500(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSubmitJobAndJobStatusRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRPC(t, s, "submit_job", map[string]any{"type": "sleep", "params": map[string]any{"duration_ms": 1.0}})
	require.Equal(t, http.StatusOK, rec.Code)

	var submitResp struct {
		OK   bool `json:"ok"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	require.True(t, submitResp.OK)
	require.NotEmpty(t, submitResp.Data.ID)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		statusRec := doRPC(t, s, "job_status", map[string]any{"id": submitResp.Data.ID})
		var statusResp struct {
			Data struct {
				Status string `json:"status"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &statusResp))
		if statusResp.Data.Status == string(job.StatusCompleted) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never completed")
}

func TestListReturnsEmptyInstrumentsInitially(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRPC(t, s, "list", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Instruments []string `json:"instruments"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data.Instruments)
}

func TestStopUnknownInstrumentFails(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRPC(t, s, "stop", map[string]any{"name": "GHOST1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListBuffersReturnsEmptyInitially(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRPC(t, s, "list_buffers", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Buffers []interface{} `json:"buffers"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data.Buffers)
}

func TestBufferInfoUnknownIDFails(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRPC(t, s, "buffer_info", map[string]any{"buffer_id": "nope"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestExportBufferRoundTripsCSV(t *testing.T) {
	s, _ := newTestServer(t)

	id, err := s.reg.BufferPool().CreateBuffer("DMM1", "DMM1-1", "float64", 2, nil)
	require.NoError(t, err)

	rec := doRPC(t, s, "export_buffer", map[string]any{"buffer_id": id, "format": "csv"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Data string `json:"data"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.Data)
}

func TestParamsFromJSONConvertsScalarTypes(t *testing.T) {
	params, err := ParamsFromJSON(map[string]any{"range": 10.0, "label": "x", "on": true})
	require.NoError(t, err)
	assert.Len(t, params, 3)
}

func TestParamsFromJSONRejectsUnsupportedType(t *testing.T) {
	_, err := ParamsFromJSON(map[string]any{"bad": []any{1, 2}})
	assert.Error(t, err)
}
