// Package registry implements the Instrument Registry (SPEC_FULL.md
// §4.G): a process-wide singleton mapping instrument name to its live
// Worker Proxy.
package registry

import (
	"sort"
	"sync"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/bufferpool"
	"github.com/teranos/instrument-server/internal/config"
	"github.com/teranos/instrument-server/internal/ierr"
	"github.com/teranos/instrument-server/internal/proxy"
	"github.com/teranos/instrument-server/logger"
)

// Registry owns every live proxy, guarded by one lock — mirroring the
// teacher's plugin.Registry (sync.RWMutex + map[string]T), adapted from
// domain-plugin registration to instrument-proxy lifecycle.
type Registry struct {
	mu             sync.RWMutex
	proxies        map[string]*proxy.Proxy
	queueDir       string
	workerPath     string
	pool           *bufferpool.Pool
	syncAckHandler func(token uint64, instrument string)
}

// New creates an empty registry. queueDir is where IPC queue sockets are
// created; workerPath is the instrument-worker executable to spawn. Every
// proxy it starts shares the registry's single buffer pool (§9 Open
// Question 1's daemon-side mirror).
func New(queueDir, workerPath string) *Registry {
	return &Registry{
		proxies:    make(map[string]*proxy.Proxy),
		queueDir:   queueDir,
		workerPath: workerPath,
		pool:       bufferpool.New(),
	}
}

// BufferPool returns the registry's shared daemon-side buffer pool.
func (r *Registry) BufferPool() *bufferpool.Pool {
	return r.pool
}

// SetSyncAckHandler installs the callback every proxy created afterwards
// will invoke on SYNC_ACK — wired to the daemon's single dispatch.SyncController
// so the parallel-block barrier protocol is driven by real worker acks.
func (r *Registry) SetSyncAckHandler(fn func(token uint64, instrument string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncAckHandler = fn
}

// CreateInstrument loads a YAML config (which resolves its api_ref path;
// the plugin path is passed to the worker as written), creates and starts
// a proxy, and inserts it under the instrument's name. Fails if the name
// already exists.
func (r *Registry) CreateInstrument(configPath string) (string, error) {
	inst, err := config.LoadInstrument(configPath)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if _, exists := r.proxies[inst.Name]; exists {
		r.mu.Unlock()
		return "", errors.Wrapf(ierr.ErrInstrumentExists, "instrument %s", inst.Name)
	}
	r.mu.Unlock()

	p := proxy.New(inst.Name, r.workerPath, inst.PluginPath)
	p.SetRateLimit(inst.RateLimit)
	p.SetBufferPool(r.pool)
	r.mu.RLock()
	ackHandler := r.syncAckHandler
	r.mu.RUnlock()
	if ackHandler != nil {
		p.SetSyncAckHandler(ackHandler)
	}
	if err := p.Start(r.queueDir); err != nil {
		return "", errors.Wrapf(err, "starting instrument %s", inst.Name)
	}

	r.mu.Lock()
	r.proxies[inst.Name] = p
	r.mu.Unlock()

	logger.WorkerInfow("instrument created", "instrument", inst.Name, "plugin", inst.PluginPath)
	return inst.Name, nil
}

// RemoveInstrument stops the proxy (if present) and erases it.
func (r *Registry) RemoveInstrument(name string) error {
	r.mu.Lock()
	p, ok := r.proxies[name]
	if ok {
		delete(r.proxies, name)
	}
	r.mu.Unlock()

	if !ok {
		return errors.Wrapf(ierr.ErrInstrumentNotFound, "instrument %s", name)
	}
	return p.Stop()
}

// HasInstrument reports whether name is registered.
func (r *Registry) HasInstrument(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.proxies[name]
	return ok
}

// GetInstrument returns the proxy for name.
func (r *Registry) GetInstrument(name string) (*proxy.Proxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[name]
	return p, ok
}

// ListInstruments returns every registered instrument name, sorted.
func (r *Registry) ListInstruments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.proxies))
	for name := range r.proxies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StopAll snapshots the proxy list under the lock, then stops every proxy
// outside the lock to avoid holding it during a multi-second join (spec's
// stop_all contract).
func (r *Registry) StopAll() {
	r.mu.Lock()
	snapshot := make([]*proxy.Proxy, 0, len(r.proxies))
	for _, p := range r.proxies {
		snapshot = append(snapshot, p)
	}
	r.proxies = make(map[string]*proxy.Proxy)
	r.mu.Unlock()

	for _, p := range snapshot {
		if err := p.Stop(); err != nil {
			logger.WorkerWarnw("error stopping instrument", "instrument", p.Instrument, "error", err)
		}
	}
	r.pool.ClearAll()
}
