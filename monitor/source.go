package monitor

import (
	"sync"

	"regmon/faults"
	"regmon/internal/config"
)

// ConfigSource serves device records from a loaded configuration. Records can
// be replaced at runtime; the next poll of a device sees the new record.
type ConfigSource struct {
	mu      sync.RWMutex
	devices map[string]config.DeviceConfig
}

// NewConfigSource indexes the configured devices by id.
func NewConfigSource(devices []config.DeviceConfig) *ConfigSource {
	source := &ConfigSource{devices: make(map[string]config.DeviceConfig, len(devices))}
	for _, device := range devices {
		source.devices[device.ID] = device
	}
	return source
}

// Device returns the record for id.
func (s *ConfigSource) Device(id string) (config.DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[id]
	if !ok {
		return config.DeviceConfig{}, faults.New(faults.KindValidation, "monitor.source", "unknown device %q", id)
	}
	return device, nil
}

// Put inserts or replaces a device record.
func (s *ConfigSource) Put(device config.DeviceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = device
}

// Remove drops a device record.
func (s *ConfigSource) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
}

// IDs lists all known device ids.
func (s *ConfigSource) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	return ids
}
