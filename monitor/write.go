package monitor

import (
	"context"

	"regmon/connection"
	"regmon/faults"
	"regmon/internal/config"
	"regmon/registers"
)

// WriteResult is the outcome of a write surfaced to callers.
type WriteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WriteSetpoint encodes the value for the named parameter and writes it into
// the holding registers the parameter occupies. The session is opened for
// this write alone and released on every exit path.
func (r *Registry) WriteSetpoint(ctx context.Context, deviceID, name string, value interface{}) (WriteResult, error) {
	device, err := r.source.Device(deviceID)
	if err != nil {
		return WriteResult{Message: err.Error()}, err
	}
	rng, param, ok := device.FindParameter(name)
	if !ok {
		err := faults.New(faults.KindValidation, "monitor.write", "device %s has no parameter %q", deviceID, name)
		return WriteResult{Message: err.Error()}, err
	}

	err = r.withSession(ctx, deviceID, device.Connection, func(client connection.Client) error {
		return registers.WriteParameter(client, rng, param, value)
	})
	r.collector.IncWrite(deviceID, err)
	if err != nil {
		r.logger.Error().Err(err).Str("device", deviceID).Str("parameter", name).Msg("setpoint write failed")
		return WriteResult{Message: err.Error()}, err
	}
	r.logger.Info().Str("device", deviceID).Str("parameter", name).Interface("value", value).Msg("setpoint written")
	return WriteResult{Success: true, Message: "written"}, nil
}

// WriteCoil writes a single coil. The address must fall within a configured
// coil range of the device; writes to discrete inputs are rejected before
// anything touches the wire.
func (r *Registry) WriteCoil(ctx context.Context, deviceID string, address uint16, value bool) (WriteResult, error) {
	device, err := r.source.Device(deviceID)
	if err != nil {
		return WriteResult{Message: err.Error()}, err
	}
	if err := coilWritable(device, address, 1); err != nil {
		return WriteResult{Message: err.Error()}, err
	}

	err = r.withSession(ctx, deviceID, device.Connection, func(client connection.Client) error {
		return registers.WriteCoil(client, address, value)
	})
	r.collector.IncWrite(deviceID, err)
	if err != nil {
		r.logger.Error().Err(err).Str("device", deviceID).Uint16("address", address).Msg("coil write failed")
		return WriteResult{Message: err.Error()}, err
	}
	r.logger.Info().Str("device", deviceID).Uint16("address", address).Bool("value", value).Msg("coil written")
	return WriteResult{Success: true, Message: "written"}, nil
}

// WriteCoils writes a contiguous run of coils in one transport call and
// reports the outcome per coil.
func (r *Registry) WriteCoils(ctx context.Context, deviceID string, start uint16, values []bool) ([]registers.CoilResult, error) {
	device, err := r.source.Device(deviceID)
	if err != nil {
		return nil, err
	}
	if err := coilWritable(device, start, uint16(len(values))); err != nil {
		return nil, err
	}

	var results []registers.CoilResult
	err = r.withSession(ctx, deviceID, device.Connection, func(client connection.Client) error {
		var writeErr error
		results, writeErr = registers.WriteCoils(client, start, values)
		return writeErr
	})
	r.collector.IncWrite(deviceID, err)
	if err != nil {
		r.logger.Error().Err(err).Str("device", deviceID).Uint16("start", start).Int("count", len(values)).Msg("coil batch write failed")
	}
	return results, err
}

// withSession dials, runs op and releases the session.
func (r *Registry) withSession(ctx context.Context, deviceID string, cfg config.ConnectionConfig, op func(client connection.Client) error) error {
	client, release, err := r.dial(ctx, cfg, r.logger.With().Str("device", deviceID).Logger())
	if err != nil {
		return err
	}
	defer release()
	return op(client)
}

// coilWritable checks that the addressed coils lie inside a configured range
// with the coil function code. Discrete inputs are read-only by definition.
func coilWritable(device config.DeviceConfig, start, count uint16) error {
	if count == 0 {
		return faults.New(faults.KindValidation, "monitor.write", "empty coil write")
	}
	for _, rng := range device.Ranges {
		if rng.Function != config.FunctionCoil {
			continue
		}
		if start >= rng.Start && int(start)+int(count) <= int(rng.Start)+int(rng.Count) {
			return nil
		}
	}
	return faults.New(faults.KindValidation, "monitor.write", "coils %d..%d are not within a configured coil range of device %s", start, int(start)+int(count)-1, device.ID)
}
