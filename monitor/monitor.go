// Package monitor orchestrates polling of many field devices in parallel. A
// Registry owns one state record per device: it schedules periodic polls,
// caches the latest decoded snapshot, detects changes between consecutive
// snapshots and fans them out to subscribers, and exposes an on-demand write
// surface for setpoints and coils.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"regmon/connection"
	"regmon/internal/config"
	"regmon/registers"
	"regmon/telemetry"
)

// ErrPollInFlight is returned when a poll is requested while another poll of
// the same device is still running. The busy device is skipped, never queued.
var ErrPollInFlight = errors.New("poll already in flight")

// Snapshot is an immutable, timestamped set of decoded parameter values for
// one device. It is replaced wholesale by the next poll, never mutated.
type Snapshot struct {
	DeviceID string
	Taken    time.Time
	Readings []registers.Reading
	// Raw keeps the register blocks that produced the readings for
	// diagnostics.
	Raw []registers.Block
}

// Reading returns the named reading, if present.
func (s *Snapshot) Reading(name string) (registers.Reading, bool) {
	if s == nil {
		return registers.Reading{}, false
	}
	for _, r := range s.Readings {
		if r.Name == name {
			return r, true
		}
	}
	return registers.Reading{}, false
}

// Health is the per-device status consumed by external monitoring.
type Health struct {
	Healthy   bool
	LastPoll  time.Time
	LastError string
}

// Source supplies device records. The registry fetches a fresh record at
// poll time and treats it as a read-only snapshot.
type Source interface {
	Device(id string) (config.DeviceConfig, error)
}

// Dialer opens a live session for one operation. The returned release
// function must be called on every exit path; no session outlives a single
// operation.
type Dialer func(ctx context.Context, cfg config.ConnectionConfig, logger zerolog.Logger) (connection.Client, func(), error)

func defaultDialer(ctx context.Context, cfg config.ConnectionConfig, logger zerolog.Logger) (connection.Client, func(), error) {
	manager, err := connection.NewManager(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	client, err := manager.ConnectWithRetries(ctx)
	if err != nil {
		manager.Disconnect()
		return nil, nil, err
	}
	return client, manager.Disconnect, nil
}

// ChangeHandler receives change notifications after a poll. Delivery is
// best-effort and at-most-once per poll cycle.
type ChangeHandler func(deviceID string, changed []string, snapshot *Snapshot)

// ListenerID identifies a registered change handler.
type ListenerID uint64

// deviceState is the per-device record. The inFlight flag is a non-blocking
// mutex: a busy device is skipped rather than queued so a persistently slow
// transport cannot build an unbounded backlog.
type deviceState struct {
	id string

	inFlight atomic.Bool

	mu       sync.RWMutex
	snapshot *Snapshot
	lastPoll time.Time
	healthy  bool
	lastErr  string

	cancelSchedule context.CancelFunc
}

func (s *deviceState) current() (*Snapshot, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.lastPoll
}

func (s *deviceState) recordSuccess(snap *Snapshot) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.snapshot
	s.snapshot = snap
	s.lastPoll = snap.Taken
	s.healthy = true
	s.lastErr = ""
	return previous
}

// recordFailure keeps the previous snapshot: stale-but-present data is
// preferred over no data.
func (s *deviceState) recordFailure(ts time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPoll = ts
	s.healthy = false
	s.lastErr = err.Error()
}

// Registry is the arena of device records, keyed by device id.
type Registry struct {
	source    Source
	logger    zerolog.Logger
	collector telemetry.Collector
	dial      Dialer

	mu      sync.RWMutex
	devices map[string]*deviceState

	listenersMu sync.RWMutex
	listeners   map[ListenerID]ChangeHandler
	listenerSeq uint64

	wg sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithDialer replaces the connection factory, primarily for tests.
func WithDialer(dial Dialer) Option {
	return func(r *Registry) {
		if dial != nil {
			r.dial = dial
		}
	}
}

// WithCollector wires a telemetry collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(r *Registry) {
		if collector != nil {
			r.collector = collector
		}
	}
}

// New creates a registry over the given device source.
func New(source Source, logger zerolog.Logger, opts ...Option) *Registry {
	registry := &Registry{
		source:    source,
		logger:    logger,
		collector: telemetry.Noop(),
		dial:      defaultDialer,
		devices:   make(map[string]*deviceState),
		listeners: make(map[ListenerID]ChangeHandler),
	}
	for _, opt := range opts {
		opt(registry)
	}
	return registry
}

// device returns the state record for id, creating it on first use.
func (r *Registry) device(id string) *deviceState {
	r.mu.RLock()
	state, ok := r.devices[id]
	r.mu.RUnlock()
	if ok {
		return state
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok = r.devices[id]; ok {
		return state
	}
	state = &deviceState{id: id}
	r.devices[id] = state
	return state
}

// Poll performs one complete read cycle for the device: fetch its record,
// connect with the configured retry policy, read every register range,
// decode all parameters and atomically replace the cached snapshot. The
// transport session is released on every exit path. When a poll of the same
// device is already running the current snapshot is returned alongside
// ErrPollInFlight.
func (r *Registry) Poll(ctx context.Context, deviceID string) (*Snapshot, error) {
	state := r.device(deviceID)
	if !state.inFlight.CompareAndSwap(false, true) {
		snap, _ := state.current()
		return snap, ErrPollInFlight
	}
	defer state.inFlight.Store(false)

	start := time.Now()
	snap, err := r.pollLocked(ctx, deviceID, state)
	duration := time.Since(start)

	r.collector.ObservePoll(deviceID, duration, err)
	if err != nil {
		state.recordFailure(time.Now(), err)
		r.collector.SetDeviceHealthy(deviceID, false)
		r.logger.Error().Err(err).Str("device", deviceID).Dur("duration", duration).Msg("poll failed")
		snap, _ := state.current()
		return snap, err
	}
	r.collector.SetDeviceHealthy(deviceID, true)
	r.logger.Debug().Str("device", deviceID).Int("readings", len(snap.Readings)).Dur("duration", duration).Msg("poll completed")
	return snap, nil
}

// pollLocked runs the wire cycle. The caller holds the inFlight flag.
func (r *Registry) pollLocked(ctx context.Context, deviceID string, state *deviceState) (*Snapshot, error) {
	device, err := r.source.Device(deviceID)
	if err != nil {
		return nil, err
	}

	client, release, err := r.dial(ctx, device.Connection, r.logger.With().Str("device", deviceID).Logger())
	if err != nil {
		return nil, err
	}
	defer release()

	snap := &Snapshot{DeviceID: deviceID, Taken: time.Now()}
	for _, rng := range device.Ranges {
		readings, block, err := registers.ReadParameters(client, rng)
		if err != nil {
			return nil, err
		}
		snap.Readings = append(snap.Readings, readings...)
		snap.Raw = append(snap.Raw, block)
	}

	previous := state.recordSuccess(snap)
	if changed := DetectChanges(device, previous, snap); len(changed) > 0 {
		r.notify(deviceID, changed, snap)
	}
	return snap, nil
}

// GetCached returns the cached snapshot when it is younger than maxAge;
// otherwise it triggers a fresh poll and returns its result. When another
// poll is already running the stale snapshot is returned rather than
// queueing a duplicate read.
func (r *Registry) GetCached(ctx context.Context, deviceID string, maxAge time.Duration) (*Snapshot, error) {
	state := r.device(deviceID)
	snap, _ := state.current()
	if snap != nil && time.Since(snap.Taken) <= maxAge {
		r.collector.IncCacheHit(deviceID)
		return snap, nil
	}
	fresh, err := r.Poll(ctx, deviceID)
	if errors.Is(err, ErrPollInFlight) && snap != nil {
		return snap, nil
	}
	return fresh, err
}

// ReadNow forces an immediate poll, bypassing the cache.
func (r *Registry) ReadNow(ctx context.Context, deviceID string) (*Snapshot, error) {
	return r.Poll(ctx, deviceID)
}

// Health reports the device's poll status. The second return is false for
// devices the registry has never seen.
func (r *Registry) Health(deviceID string) (Health, bool) {
	r.mu.RLock()
	state, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return Health{}, false
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return Health{Healthy: state.healthy, LastPoll: state.lastPoll, LastError: state.lastErr}, true
}

// Forget unschedules the device and drops its state record.
func (r *Registry) Forget(deviceID string) {
	r.Unschedule(deviceID)
	r.mu.Lock()
	delete(r.devices, deviceID)
	r.mu.Unlock()
}

// TestConnection runs a one-shot connectivity probe against the device's
// configured endpoint without touching its poll state.
func (r *Registry) TestConnection(deviceID string) (connection.Probe, error) {
	device, err := r.source.Device(deviceID)
	if err != nil {
		return connection.Probe{}, err
	}
	return connection.TestConnection(device.Connection, r.logger.With().Str("device", deviceID).Logger()), nil
}

// Subscribe registers a change handler and returns its listener id.
func (r *Registry) Subscribe(handler ChangeHandler) ListenerID {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listenerSeq++
	id := ListenerID(r.listenerSeq)
	r.listeners[id] = handler
	return id
}

// Unsubscribe removes a previously registered change handler.
func (r *Registry) Unsubscribe(id ListenerID) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	delete(r.listeners, id)
}

// notify fans a change event out to all subscribers. Each handler runs in
// its own goroutine; delivery is best-effort with no replay.
func (r *Registry) notify(deviceID string, changed []string, snap *Snapshot) {
	r.listenersMu.RLock()
	handlers := make([]ChangeHandler, 0, len(r.listeners))
	for _, handler := range r.listeners {
		handlers = append(handlers, handler)
	}
	r.listenersMu.RUnlock()
	for _, handler := range handlers {
		go handler(deviceID, changed, snap)
	}
}

// Close stops all schedules and waits for their loops to exit. In-flight
// polls are allowed to finish.
func (r *Registry) Close() {
	r.mu.Lock()
	for _, state := range r.devices {
		state.mu.Lock()
		if state.cancelSchedule != nil {
			state.cancelSchedule()
			state.cancelSchedule = nil
		}
		state.mu.Unlock()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
