// Package bufferpool implements the process-local, ref-counted store for
// bulk numeric payloads that the fixed-size IPC frame cannot carry inline.
package bufferpool

import (
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teranos/instrument-server/internal/ierr"
)

// DataType tags the element kind a Buffer holds.
type DataType string

const (
	Float32 DataType = "float32"
	Float64 DataType = "float64"
	Int32   DataType = "int32"
	Int64   DataType = "int64"
	Uint32  DataType = "uint32"
	Uint64  DataType = "uint64"
	Uint8   DataType = "uint8"
)

// dataTypeSize returns the size in bytes of one element of t, or zero for
// an unrecognized type — per spec, a zero size is a failure signal.
func dataTypeSize(t DataType) int {
	switch t {
	case Float32, Int32, Uint32:
		return 4
	case Float64, Int64, Uint64:
		return 8
	case Uint8:
		return 1
	default:
		return 0
	}
}

// Metadata is a read-only snapshot of a buffer's attributes.
type Metadata struct {
	BufferID     string
	Instrument   string
	CommandID    string
	DataType     DataType
	ElementCount int
	ByteSize     int
	CapturedAt   time.Time
}

// buffer is the pool's internal record; refCount and bytes are guarded by
// the owning Pool's single lock.
type buffer struct {
	meta     Metadata
	bytes    []byte
	refCount int
}

// Pool is a process-wide singleton (one instance per process — see
// SPEC_FULL.md §9 Open Question 1 on cross-process buffer identity).
// All operations are mutually exclusive under a single internal lock.
type Pool struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	seq     int64
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{buffers: make(map[string]*buffer)}
}

func (p *Pool) nextID() string {
	n := atomic.AddInt64(&p.seq, 1)
	return fmt.Sprintf("buffer_%d_%d", time.Now().UnixMilli(), n)
}

// CreateBuffer allocates element_count * size_of(data_type) bytes, copying
// optionalData if supplied or zero-initializing otherwise. Sets ref-count
// to 1 and returns the new buffer_id.
func (p *Pool) CreateBuffer(instrument, commandID string, dataType DataType, elementCount int, optionalData []byte) (string, error) {
	size := dataTypeSize(dataType)
	if size == 0 {
		return "", ierr.ErrUnknownDataType
	}
	byteSize := elementCount * size

	data := make([]byte, byteSize)
	if optionalData != nil {
		copy(data, optionalData)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID()
	p.buffers[id] = &buffer{
		meta: Metadata{
			BufferID:     id,
			Instrument:   instrument,
			CommandID:    commandID,
			DataType:     dataType,
			ElementCount: elementCount,
			ByteSize:     byteSize,
			CapturedAt:   time.Now(),
		},
		bytes:    data,
		refCount: 1,
	}
	return id, nil
}

// AdoptBuffer inserts data under an id assigned elsewhere (the worker's
// own pool) instead of minting a new one, so a cross-process mirror keeps
// the same buffer_id the worker reported (SPEC_FULL.md §9 Open Question
// 1 on cross-process buffer identity). Overwrites any existing entry
// under id with refCount reset to 1.
func (p *Pool) AdoptBuffer(id, instrument, commandID string, dataType DataType, data []byte) error {
	size := dataTypeSize(dataType)
	if size == 0 {
		return ierr.ErrUnknownDataType
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffers[id] = &buffer{
		meta: Metadata{
			BufferID:     id,
			Instrument:   instrument,
			CommandID:    commandID,
			DataType:     dataType,
			ElementCount: len(data) / size,
			ByteSize:     len(data),
			CapturedAt:   time.Now(),
		},
		bytes:    data,
		refCount: 1,
	}
	return nil
}

// GetBuffer increments the ref-count and returns a metadata snapshot plus
// the raw bytes. The returned byte slice must not be mutated by callers.
func (p *Pool) GetBuffer(id string) (Metadata, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buffers[id]
	if !ok {
		return Metadata{}, nil, ierr.ErrBufferNotFound
	}
	b.refCount++
	return b.meta, b.bytes, nil
}

// ReleaseBuffer decrements the ref-count, freeing the allocation the
// instant it reaches zero.
func (p *Pool) ReleaseBuffer(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buffers[id]
	if !ok {
		return ierr.ErrBufferNotFound
	}
	b.refCount--
	if b.refCount <= 0 {
		delete(p.buffers, id)
	}
	return nil
}

// GetMetadata returns a read-only snapshot without touching the ref-count.
func (p *Pool) GetMetadata(id string) (Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buffers[id]
	if !ok {
		return Metadata{}, ierr.ErrBufferNotFound
	}
	return b.meta, nil
}

// ListBuffers returns metadata for every live buffer, sorted by id.
func (p *Pool) ListBuffers() []Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Metadata, 0, len(p.buffers))
	for _, b := range p.buffers {
		out = append(out, b.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BufferID < out[j].BufferID })
	return out
}

// TotalMemoryUsage sums ByteSize across all live buffers.
func (p *Pool) TotalMemoryUsage() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	for _, b := range p.buffers {
		total += b.meta.ByteSize
	}
	return total
}

// ClearAll drops every buffer regardless of ref-count. Intended for daemon
// shutdown and test teardown.
func (p *Pool) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers = make(map[string]*buffer)
}

// typed accessor helper: returns the raw bytes only when the buffer's type
// matches want, otherwise fails per spec ("only when the buffer's type
// matches; otherwise they fail").
func (p *Pool) typedBytes(id string, want DataType) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buffers[id]
	if !ok {
		return nil, ierr.ErrBufferNotFound
	}
	if b.meta.DataType != want {
		return nil, ierr.ErrBufferTypeMismatch
	}
	return b.bytes, nil
}

// AsFloat32 returns the buffer's contents decoded as float32 elements.
func (p *Pool) AsFloat32(id string) ([]float32, error) {
	raw, err := p.typedBytes(id, Float32)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// AsFloat64 returns the buffer's contents decoded as float64 elements.
func (p *Pool) AsFloat64(id string) ([]float64, error) {
	raw, err := p.typedBytes(id, Float64)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out, nil
}

// AsInt32 returns the buffer's contents decoded as int32 elements.
func (p *Pool) AsInt32(id string) ([]int32, error) {
	raw, err := p.typedBytes(id, Int32)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(raw)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// AsInt64 returns the buffer's contents decoded as int64 elements.
func (p *Pool) AsInt64(id string) ([]int64, error) {
	raw, err := p.typedBytes(id, Int64)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(raw)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out, nil
}

// AsUint8 returns the buffer's raw bytes when its type is Uint8.
func (p *Pool) AsUint8(id string) ([]byte, error) {
	return p.typedBytes(id, Uint8)
}

// AsUint32 returns the buffer's contents decoded as uint32 elements.
func (p *Pool) AsUint32(id string) ([]uint32, error) {
	raw, err := p.typedBytes(id, Uint32)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out, nil
}

// AsUint64 returns the buffer's contents decoded as uint64 elements.
func (p *Pool) AsUint64(id string) ([]uint64, error) {
	raw, err := p.typedBytes(id, Uint64)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, len(raw)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return out, nil
}

// ExportToFile writes the buffer's raw element bytes, native endian, no
// header, to w.
func (p *Pool) ExportToFile(id string, w io.Writer) error {
	p.mu.Lock()
	b, ok := p.buffers[id]
	p.mu.Unlock()
	if !ok {
		return ierr.ErrBufferNotFound
	}
	_, err := w.Write(b.bytes)
	return err
}

// ExportToCSV writes one element per line; uint8 elements render as decimal
// integers rather than raw bytes.
func (p *Pool) ExportToCSV(id string, w io.Writer) error {
	p.mu.Lock()
	b, ok := p.buffers[id]
	p.mu.Unlock()
	if !ok {
		return ierr.ErrBufferNotFound
	}

	cw := csv.NewWriter(w)
	defer cw.Flush()

	switch b.meta.DataType {
	case Float32:
		vals, err := p.AsFloat32(id)
		if err != nil {
			return err
		}
		for _, v := range vals {
			if err := cw.Write([]string{strconv.FormatFloat(float64(v), 'g', -1, 32)}); err != nil {
				return err
			}
		}
	case Float64:
		vals, err := p.AsFloat64(id)
		if err != nil {
			return err
		}
		for _, v := range vals {
			if err := cw.Write([]string{strconv.FormatFloat(v, 'g', -1, 64)}); err != nil {
				return err
			}
		}
	case Int32:
		vals, err := p.AsInt32(id)
		if err != nil {
			return err
		}
		for _, v := range vals {
			if err := cw.Write([]string{strconv.FormatInt(int64(v), 10)}); err != nil {
				return err
			}
		}
	case Int64:
		vals, err := p.AsInt64(id)
		if err != nil {
			return err
		}
		for _, v := range vals {
			if err := cw.Write([]string{strconv.FormatInt(v, 10)}); err != nil {
				return err
			}
		}
	case Uint8:
		vals, err := p.AsUint8(id)
		if err != nil {
			return err
		}
		for _, v := range vals {
			if err := cw.Write([]string{strconv.Itoa(int(v))}); err != nil {
				return err
			}
		}
	case Uint32:
		vals, err := p.AsUint32(id)
		if err != nil {
			return err
		}
		for _, v := range vals {
			if err := cw.Write([]string{strconv.FormatUint(uint64(v), 10)}); err != nil {
				return err
			}
		}
	case Uint64:
		vals, err := p.AsUint64(id)
		if err != nil {
			return err
		}
		for _, v := range vals {
			if err := cw.Write([]string{strconv.FormatUint(v, 10)}); err != nil {
				return err
			}
		}
	default:
		return ierr.ErrUnknownDataType
	}
	return nil
}
