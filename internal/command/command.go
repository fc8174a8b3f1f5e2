// Package command defines the universal instruction and response types
// that flow between the daemon, the worker proxy, and the IPC frame queue.
package command

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/teranos/instrument-server/internal/param"
)

// DefaultTimeout is applied to a Command whose Timeout is zero.
const DefaultTimeout = 5 * time.Second

// Command is the universal instruction sent to an instrument's worker.
type Command struct {
	ID              string                 `json:"id"`
	InstrumentName  string                 `json:"instrument_name"`
	Verb            string                 `json:"verb"`
	Params          map[string]param.Value `json:"params,omitempty"`
	Timeout         time.Duration          `json:"timeout"`
	Priority        int                    `json:"priority"`
	ExpectsResponse bool                   `json:"expects_response"`
	ReturnType      string                 `json:"return_type,omitempty"`
	ChannelGroup    string                 `json:"channel_group,omitempty"`
	ChannelNumber   int                    `json:"channel_number,omitempty"`
	SyncToken       int64                  `json:"sync_token,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// New builds a Command with the defaults the spec mandates: a 5s timeout,
// expects_response true, and a creation timestamp.
func New(instrument, verb string) Command {
	return Command{
		InstrumentName:  instrument,
		Verb:            verb,
		Params:          make(map[string]param.Value),
		Timeout:         DefaultTimeout,
		ExpectsResponse: true,
		CreatedAt:       time.Now(),
	}
}

// EffectiveTimeout returns c.Timeout, or DefaultTimeout when unset.
func (c Command) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// LargeDataRef describes a response payload that was routed through the
// buffer pool instead of being embedded in the IPC frame.
type LargeDataRef struct {
	BufferID     string `json:"buffer_id"`
	ElementCount int    `json:"element_count"`
	DataType     string `json:"data_type"`
}

// Response mirrors a Command with the outcome of its execution.
type Response struct {
	CommandID      string        `json:"command_id"`
	InstrumentName string        `json:"instrument_name"`
	Success        bool          `json:"success"`
	ReturnValue    *param.Value  `json:"return_value,omitempty"`
	TextResponse   string        `json:"text_response,omitempty"`
	LargeData      *LargeDataRef `json:"large_data,omitempty"`
	ErrorCode      int           `json:"error_code,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// Failure builds a synthetic failure Response for a command, used by the
// proxy for IPC send timeouts, execute_sync timeouts, and worker death.
func Failure(cmd Command, message string) Response {
	now := time.Now()
	return Response{
		CommandID:      cmd.ID,
		InstrumentName: cmd.InstrumentName,
		Success:        false,
		ErrorMessage:   message,
		StartedAt:      now,
		FinishedAt:     now,
	}
}

// IDSequence generates daemon-assigned command ids of the form
// "<instrument>-<monotonic>", one monotonic counter per instrument.
type IDSequence struct {
	instrument string
	counter    int64
}

// NewIDSequence returns a sequence scoped to one instrument name.
func NewIDSequence(instrument string) *IDSequence {
	return &IDSequence{instrument: instrument}
}

// Next returns the next id in the sequence and the raw monotonic value.
func (s *IDSequence) Next() (string, int64) {
	n := atomic.AddInt64(&s.counter, 1)
	return fmt.Sprintf("%s-%d", s.instrument, n), n
}
