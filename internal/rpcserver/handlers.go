package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/ierr"
	"github.com/teranos/instrument-server/internal/job"
	"github.com/teranos/instrument-server/internal/param"
)

// registerDefaultHandlers wires the instrument-lifecycle commands
// (mirroring the CLI) and the job operations the spec names explicitly.
// `measure` and `test` are registered separately by the daemon, since
// they need a script.Runtime bound to live barrier/dispatch state that
// would otherwise pull rpcserver into an import cycle.
func (s *Server) registerDefaultHandlers() {
	s.handlers["start"] = s.handleStart
	s.handlers["stop"] = s.handleStop
	s.handlers["status"] = s.handleStatus
	s.handlers["list"] = s.handleList

	s.handlers["submit_job"] = s.handleSubmitJob
	s.handlers["submit_measure"] = s.handleSubmitMeasure
	s.handlers["job_status"] = s.handleJobStatus
	s.handlers["job_result"] = s.handleJobResult
	s.handlers["job_list"] = s.handleJobList
	s.handlers["job_cancel"] = s.handleJobCancel

	s.handlers["list_buffers"] = s.handleListBuffers
	s.handlers["buffer_info"] = s.handleBufferInfo
	s.handlers["export_buffer"] = s.handleExportBuffer
	s.handlers["release_buffer"] = s.handleReleaseBuffer
}

type startParams struct {
	Config string `json:"config"`
}

func (s *Server) handleStart(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p startParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding start params")
	}
	name, err := s.reg.CreateInstrument(p.Config)
	if err != nil {
		return nil, err
	}
	return map[string]string{"name": name}, nil
}

type nameParams struct {
	Name string `json:"name"`
}

func (s *Server) handleStop(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p nameParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding stop params")
	}
	if err := s.reg.RemoveInstrument(p.Name); err != nil {
		return nil, err
	}
	return map[string]string{"name": p.Name}, nil
}

func (s *Server) handleStatus(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p nameParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding status params")
	}
	proxy, ok := s.reg.GetInstrument(p.Name)
	if !ok {
		return nil, errors.Wrapf(ierr.ErrInstrumentNotFound, "instrument %s", p.Name)
	}
	stats := proxy.Stats()
	return map[string]interface{}{
		"name":           p.Name,
		"pid":            proxy.PID(),
		"last_heartbeat": proxy.LastHeartbeat(),
		"commands_sent":  stats.CommandsSent,
		"completed":      stats.CommandsCompleted,
		"failed":         stats.CommandsFailed,
		"timeout":        stats.CommandsTimeout,
	}, nil
}

func (s *Server) handleList(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"instruments": s.reg.ListInstruments()}, nil
}

type submitJobParams struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleSubmitJob(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p submitJobParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding submit_job params")
	}
	id := s.jobs.SubmitJob(job.Type(p.Type), p.Params)
	return map[string]string{"id": id}, nil
}

type submitMeasureParams struct {
	Script string         `json:"script"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleSubmitMeasure(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p submitMeasureParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding submit_measure params")
	}
	id := s.jobs.SubmitMeasure(p.Script, p.Params)
	return map[string]string{"id": id}, nil
}

type jobIDParams struct {
	ID string `json:"id"`
}

func (s *Server) handleJobStatus(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p jobIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding job_status params")
	}
	info, err := s.jobs.GetJobInfo(p.ID)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Server) handleJobResult(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p jobIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding job_result params")
	}
	result, err := s.jobs.GetJobResult(p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]json.RawMessage{"result": result}, nil
}

func (s *Server) handleJobList(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"jobs": s.jobs.ListJobs()}, nil
}

func (s *Server) handleJobCancel(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p jobIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding job_cancel params")
	}
	return map[string]bool{"canceled": s.jobs.CancelJob(p.ID)}, nil
}

type bufferIDParams struct {
	ID string `json:"buffer_id"`
}

func (s *Server) handleListBuffers(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"buffers": s.reg.BufferPool().ListBuffers()}, nil
}

func (s *Server) handleBufferInfo(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p bufferIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding buffer_info params")
	}
	return s.reg.BufferPool().GetMetadata(p.ID)
}

type exportBufferParams struct {
	ID     string `json:"buffer_id"`
	Format string `json:"format"`
}

// handleExportBuffer serves a buffer as CSV or as its raw little-endian
// bytes, base64-encoded by the JSON envelope (spec's export operation).
func (s *Server) handleExportBuffer(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p exportBufferParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding export_buffer params")
	}

	var buf bytes.Buffer
	var err error
	switch p.Format {
	case "", "csv":
		err = s.reg.BufferPool().ExportToCSV(p.ID, &buf)
	case "raw":
		err = s.reg.BufferPool().ExportToFile(p.ID, &buf)
	default:
		return nil, errors.Newf("unsupported export format %q", p.Format)
	}
	if err != nil {
		return nil, err
	}
	if p.Format == "raw" {
		return map[string][]byte{"data": buf.Bytes()}, nil
	}
	return map[string]string{"data": buf.String()}, nil
}

func (s *Server) handleReleaseBuffer(_ context.Context, raw json.RawMessage) (interface{}, error) {
	var p bufferIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding release_buffer params")
	}
	if err := s.reg.BufferPool().ReleaseBuffer(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"released": true}, nil
}

// ParamsFromJSON converts a decoded JSON object (string/float64/bool
// values) into the command package's typed Params map, used by the
// `test` handler the daemon registers for direct single-verb calls.
// Numbers decode as float64 per encoding/json's interface{} behavior.
func ParamsFromJSON(m map[string]any) (map[string]param.Value, error) {
	out := make(map[string]param.Value, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = param.String(t)
		case float64:
			out[k] = param.Float64(t)
		case bool:
			out[k] = param.Bool(t)
		default:
			return nil, errors.Newf("%w: unsupported RPC param type %T for %q", ierr.ErrScriptRuntime, v, k)
		}
	}
	return out, nil
}
