// Package connection owns the life cycle of one logical connection to one
// field device, over a stream socket or a serial line. A Manager hands out a
// live Client for the duration of exactly one operation; callers must
// disconnect on every exit path and never share the client across concurrent
// operations.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"regmon/faults"
	"regmon/internal/config"
)

// State tracks where a manager is in its connection life cycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Manager drives the connect/disconnect life cycle for one device connection.
// Only one operation may be in flight per instance; concurrent callers must
// serialize externally.
type Manager struct {
	cfg    config.ConnectionConfig
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	handler handlerWithConn
	client  modbus.Client
}

// NewManager validates the configuration and prepares a manager in the idle
// state. Configuration problems are reported as validation failures and are
// never retried.
func NewManager(cfg config.ConnectionConfig, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Wrap(faults.KindValidation, "connection.new", err)
	}
	return &Manager{cfg: cfg, logger: logger}, nil
}

// Config returns the immutable connection configuration.
func (m *Manager) Config() config.ConnectionConfig {
	return m.cfg
}

// State reports the current life-cycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Healthy reports whether the manager currently holds a live session. It is
// a cheap check on connection state and issues no wire operation.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.client != nil
}

// Connect opens the transport per the configuration. The configured timeout
// bounds the attempt; on failure the manager passes through the failed state
// and settles back to idle with no resources held.
func (m *Manager) Connect() (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected {
		return nil, faults.New(faults.KindConnection, "connection.connect", "%s: already connected", m.cfg.Address())
	}
	m.state = StateConnecting

	if m.cfg.Transport == config.TransportSerial {
		if err := probeSerialPort(m.cfg); err != nil {
			return nil, m.failConnect(err)
		}
	}

	handler, err := newHandler(m.cfg)
	if err != nil {
		return nil, m.failConnect(err)
	}
	if err := handler.Connect(); err != nil {
		return nil, m.failConnect(fmt.Errorf("connect %s: %w", m.cfg.Address(), err))
	}

	m.handler = handler
	m.client = modbus.NewClient(handler)
	m.state = StateConnected
	m.logger.Debug().Str("address", m.cfg.Address()).Str("transport", string(m.cfg.Transport)).Msg("connection established")
	return m.client, nil
}

// failConnect classifies a connect error, records the transient failed state
// and resets to idle. Callers hold m.mu.
func (m *Manager) failConnect(err error) error {
	m.state = StateFailed
	m.handler = nil
	m.client = nil
	kind := faults.KindConnection
	if faults.IsTimeout(err) {
		kind = faults.KindTimeout
	}
	m.logger.Debug().Err(err).Str("address", m.cfg.Address()).Msg("connect attempt failed")
	m.state = StateIdle
	return faults.Wrap(kind, "connection.connect", err)
}

// ConnectWithRetries wraps Connect in up to retries+1 attempts with the
// configured fixed delay between them, returning the first success or the
// last error. Validation failures abort immediately.
func (m *Manager) ConnectWithRetries(ctx context.Context) (Client, error) {
	attempts := m.cfg.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.cfg.RetryDelay.Duration):
			case <-ctx.Done():
				return nil, faults.Wrap(faults.KindConnection, "connection.connect", ctx.Err())
			}
			m.logger.Debug().Int("attempt", attempt+1).Int("max", attempts).Str("address", m.cfg.Address()).Msg("retrying connect")
		}
		client, err := m.Connect()
		if err == nil {
			return client, nil
		}
		lastErr = err
		if faults.IsValidation(err) {
			break
		}
	}
	return nil, lastErr
}

// Disconnect releases the transport session. It is idempotent and never
// fails: close errors on already-reset connections are logged and swallowed
// because the caller cannot act on them.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler == nil {
		m.state = StateIdle
		return
	}
	m.state = StateClosing
	if err := m.handler.Close(); err != nil {
		m.logger.Debug().Err(err).Str("address", m.cfg.Address()).Msg("transport close reported error")
	}
	m.handler = nil
	m.client = nil
	m.state = StateIdle
}

// Probe is the outcome of a one-shot connectivity test.
type Probe struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Latency time.Duration `json:"latency_ms"`
}

// TestConnection performs a one-shot connect/disconnect against the given
// configuration and reports the outcome with the measured connect latency.
func TestConnection(cfg config.ConnectionConfig, logger zerolog.Logger) Probe {
	manager, err := NewManager(cfg, logger)
	if err != nil {
		return Probe{Success: false, Message: err.Error()}
	}
	start := time.Now()
	_, err = manager.Connect()
	latency := time.Since(start)
	manager.Disconnect()
	if err != nil {
		return Probe{Success: false, Message: err.Error(), Latency: latency}
	}
	return Probe{Success: true, Message: fmt.Sprintf("connected to %s", cfg.Address()), Latency: latency}
}
