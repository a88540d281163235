package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: boiler
    connection:
      transport: stream
      host: 10.0.0.5
      port: 502
      unit_id: 1
    poll_interval: 2s
    ranges:
      - start: 100
        count: 10
        function: holding
        parameters:
          - name: temperature
            type: int16
            offset: 0
            scale: 0.1
            decimals: 1
          - name: flow
            type: float32
            offset: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 1)

	dev := cfg.Devices[0]
	require.Equal(t, 5*time.Second, dev.Connection.Timeout.Duration)
	require.Equal(t, time.Second, dev.Connection.RetryDelay.Duration)
	require.Equal(t, 2*time.Second, dev.PollInterval.Duration)

	temperature := dev.Ranges[0].Parameters[0]
	require.Equal(t, uint16(1), temperature.Words)
	require.Equal(t, OrderAB, temperature.Order)

	flow := dev.Ranges[0].Parameters[1]
	require.Equal(t, uint16(2), flow.Words)
	require.Equal(t, OrderABCD, flow.Order)
}

func TestLoadSerialDefaults(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: meter
    connection:
      transport: serial
      serial_port: /dev/ttyUSB0
      unit_id: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	conn := cfg.Devices[0].Connection
	require.Equal(t, 9600, conn.BaudRate)
	require.Equal(t, 8, conn.DataBits)
	require.Equal(t, 1, conn.StopBits)
	require.Equal(t, "N", conn.Parity)
	require.Equal(t, "/dev/ttyUSB0", conn.Address())
}

func TestValidateRejectsDuplicateDeviceIDs(t *testing.T) {
	cfg := &Config{Devices: []DeviceConfig{
		{ID: "a", Connection: ConnectionConfig{Transport: TransportStream, Host: "h", Port: 502}},
		{ID: "a", Connection: ConnectionConfig{Transport: TransportStream, Host: "h", Port: 502}},
	}}
	err := cfg.Validate()
	require.ErrorContains(t, err, "duplicate id")
}

func TestValidateRejectsWordMismatch(t *testing.T) {
	rng := RegisterRangeConfig{Start: 0, Count: 10, Function: FunctionHolding, Parameters: []ParameterConfig{
		{Name: "bad", Type: TypeFloat32, Offset: 0, Words: 3},
	}}
	err := rng.Validate()
	require.ErrorContains(t, err, "occupies 2 words")
}

func TestValidateRejectsParameterBeyondRange(t *testing.T) {
	rng := RegisterRangeConfig{Start: 0, Count: 4, Function: FunctionHolding, Parameters: []ParameterConfig{
		{Name: "tail", Type: TypeFloat64, Offset: 2},
	}}
	err := rng.Validate()
	require.ErrorContains(t, err, "exceeds range count")
}

func TestValidateRejectsNonBoolOnBitRange(t *testing.T) {
	rng := RegisterRangeConfig{Start: 0, Count: 8, Function: FunctionCoil, Parameters: []ParameterConfig{
		{Name: "speed", Type: TypeInt16, Offset: 0},
	}}
	err := rng.Validate()
	require.ErrorContains(t, err, "only carry bool parameters")
}

func TestValidateRejectsInvalidOrderForWidth(t *testing.T) {
	rng := RegisterRangeConfig{Start: 0, Count: 8, Function: FunctionHolding, Parameters: []ParameterConfig{
		{Name: "speed", Type: TypeInt16, Order: OrderCDAB, Offset: 0},
	}}
	err := rng.Validate()
	require.ErrorContains(t, err, "not valid for 16-bit")
}

func TestValidateRejectsStringWithoutWords(t *testing.T) {
	rng := RegisterRangeConfig{Start: 0, Count: 8, Function: FunctionHolding, Parameters: []ParameterConfig{
		{Name: "label", Type: TypeString, Offset: 0},
	}}
	err := rng.Validate()
	require.ErrorContains(t, err, "must declare words")
}

func TestValidateRejectsBadTransport(t *testing.T) {
	cfg := ConnectionConfig{Transport: "carrier-pigeon"}
	err := cfg.Validate()
	require.ErrorContains(t, err, "unsupported transport")

	stream := ConnectionConfig{Transport: TransportStream, Port: 502}
	require.ErrorContains(t, stream.Validate(), "requires a host")

	serial := ConnectionConfig{Transport: TransportSerial}
	require.ErrorContains(t, serial.Validate(), "requires a serial_port")
}

func TestDurationUnmarshal(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: a
    connection:
      transport: stream
      host: h
      port: 502
      timeout: 750ms
      retry_delay: 250ms
      retries: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	conn := cfg.Devices[0].Connection
	if conn.Timeout.Duration != 750*time.Millisecond {
		t.Fatalf("timeout not parsed: %v", conn.Timeout.Duration)
	}
	if conn.RetryDelay.Duration != 250*time.Millisecond {
		t.Fatalf("retry delay not parsed: %v", conn.RetryDelay.Duration)
	}
	if conn.Retries != 2 {
		t.Fatalf("retries not parsed: %d", conn.Retries)
	}
}

func TestFindParameter(t *testing.T) {
	dev := DeviceConfig{ID: "d", Ranges: []RegisterRangeConfig{
		{Start: 0, Count: 4, Function: FunctionHolding, Parameters: []ParameterConfig{{Name: "a", Type: TypeInt16}}},
		{Start: 100, Count: 4, Function: FunctionHolding, Parameters: []ParameterConfig{{Name: "b", Type: TypeInt16, Offset: 1}}},
	}}
	rng, p, ok := dev.FindParameter("b")
	require.True(t, ok)
	require.Equal(t, uint16(100), rng.Start)
	require.Equal(t, uint16(1), p.Offset)

	_, _, ok = dev.FindParameter("missing")
	require.False(t, ok)
}
