package registers

import (
	"errors"
	"fmt"
	"testing"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/require"

	"regmon/faults"
	"regmon/internal/config"
)

type readKey struct {
	function config.RegisterFunction
	address  uint16
	quantity uint16
}

type writeCall struct {
	op      string
	address uint16
	value   uint16
	payload []byte
}

// testClient serves canned payloads and records every wire call.
type testClient struct {
	responses map[readKey][]byte
	failWith  error
	reads     []readKey
	writes    []writeCall
}

func (c *testClient) read(function config.RegisterFunction, address, quantity uint16) ([]byte, error) {
	key := readKey{function, address, quantity}
	c.reads = append(c.reads, key)
	if c.failWith != nil {
		return nil, c.failWith
	}
	payload, ok := c.responses[key]
	if !ok {
		return nil, fmt.Errorf("unexpected read %v", key)
	}
	return payload, nil
}

func (c *testClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.read(config.FunctionCoil, address, quantity)
}

func (c *testClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return c.read(config.FunctionDiscrete, address, quantity)
}

func (c *testClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.read(config.FunctionHolding, address, quantity)
}

func (c *testClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.read(config.FunctionInput, address, quantity)
}

func (c *testClient) write(op string, address, value uint16, payload []byte) ([]byte, error) {
	c.writes = append(c.writes, writeCall{op: op, address: address, value: value, payload: payload})
	if c.failWith != nil {
		return nil, c.failWith
	}
	return nil, nil
}

func (c *testClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return c.write("single_coil", address, value, nil)
}

func (c *testClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return c.write("multi_coil", address, quantity, value)
}

func (c *testClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return c.write("single_register", address, value, nil)
}

func (c *testClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return c.write("multi_register", address, quantity, value)
}

func packWords(words ...uint16) []byte {
	payload := make([]byte, len(words)*2)
	for i, w := range words {
		payload[2*i] = byte(w >> 8)
		payload[2*i+1] = byte(w)
	}
	return payload
}

func holdingRange(start, count uint16, params ...config.ParameterConfig) config.RegisterRangeConfig {
	return config.RegisterRangeConfig{Start: start, Count: count, Function: config.FunctionHolding, Parameters: params}
}

func TestReadRangeHolding(t *testing.T) {
	client := &testClient{responses: map[readKey][]byte{
		{config.FunctionHolding, 100, 3}: packWords(0x0001, 0x0002, 0x0003),
	}}
	block, err := ReadRange(client, holdingRange(100, 3))
	require.NoError(t, err)
	require.Equal(t, []uint16{1, 2, 3}, block.Words)
	require.Len(t, client.reads, 1)
}

func TestReadRangeCoils(t *testing.T) {
	// Bits 0 and 2 set, LSB first.
	client := &testClient{responses: map[readKey][]byte{
		{config.FunctionCoil, 0, 4}: {0x05},
	}}
	block, err := ReadRange(client, config.RegisterRangeConfig{Start: 0, Count: 4, Function: config.FunctionCoil})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true, false}, block.Bits)
}

func TestReadRangeValidationSkipsWire(t *testing.T) {
	client := &testClient{}
	_, err := ReadRange(client, holdingRange(0, 0))
	require.True(t, faults.IsValidation(err))
	_, err = ReadRange(client, holdingRange(0, 200))
	require.True(t, faults.IsValidation(err))
	_, err = ReadRange(client, holdingRange(0xFFFF, 2))
	require.True(t, faults.IsValidation(err))
	if len(client.reads) != 0 {
		t.Fatalf("validation failures must not touch the transport, saw %d reads", len(client.reads))
	}
}

func TestReadRangeShortPayload(t *testing.T) {
	client := &testClient{responses: map[readKey][]byte{
		{config.FunctionHolding, 0, 4}: packWords(1, 2),
	}}
	_, err := ReadRange(client, holdingRange(0, 4))
	require.Equal(t, faults.KindProtocol, faults.KindOf(err))
}

func TestReadParametersDecodesBatch(t *testing.T) {
	client := &testClient{responses: map[readKey][]byte{
		{config.FunctionHolding, 100, 4}: packWords(0x0042, 0x1234, 0xFFFE, 0x0000),
	}}
	rng := holdingRange(100, 4,
		config.ParameterConfig{Name: "counter", Type: config.TypeUint32, Order: config.OrderABCD, Offset: 0, Words: 2},
		config.ParameterConfig{Name: "delta", Type: config.TypeInt16, Order: config.OrderAB, Offset: 2, Words: 1},
	)
	readings, block, err := ReadParameters(client, rng)
	require.NoError(t, err)
	require.Len(t, client.reads, 1, "one range read serves all parameters")
	require.Len(t, readings, 2)
	require.Equal(t, int64(0x00421234), readings[0].Value)
	require.Equal(t, int64(-2), readings[1].Value)
	require.Equal(t, []uint16{0x0042, 0x1234, 0xFFFE, 0x0000}, block.Words)
}

func TestReadParametersPartialFailure(t *testing.T) {
	client := &testClient{responses: map[readKey][]byte{
		{config.FunctionHolding, 0, 2}: packWords(7, 8),
	}}
	rng := holdingRange(0, 2,
		config.ParameterConfig{Name: "good", Type: config.TypeUint16, Order: config.OrderAB, Offset: 0, Words: 1},
		config.ParameterConfig{Name: "bad", Type: config.TypeUint32, Order: config.OrderABCD, Offset: 1, Words: 2},
	)
	readings, _, err := ReadParameters(client, rng)
	require.NoError(t, err, "one bad parameter must not fail the batch")
	require.Len(t, readings, 2)
	require.Equal(t, int64(7), readings[0].Value)
	require.NoError(t, readings[0].Err)
	require.Error(t, readings[1].Err)
	require.Equal(t, faults.KindDecode, faults.KindOf(readings[1].Err))
	require.Nil(t, readings[1].Value)
}

func TestReadParametersBits(t *testing.T) {
	client := &testClient{responses: map[readKey][]byte{
		{config.FunctionDiscrete, 10, 3}: {0x02},
	}}
	rng := config.RegisterRangeConfig{Start: 10, Count: 3, Function: config.FunctionDiscrete, Parameters: []config.ParameterConfig{
		{Name: "running", Type: config.TypeBool, Offset: 1},
		{Name: "alarm", Type: config.TypeBool, Offset: 2},
	}}
	readings, _, err := ReadParameters(client, rng)
	require.NoError(t, err)
	require.Equal(t, true, readings[0].Value)
	require.Equal(t, false, readings[1].Value)
}

func TestWriteCoilUsesProtocolConstant(t *testing.T) {
	client := &testClient{}
	require.NoError(t, WriteCoil(client, 12, true))
	require.NoError(t, WriteCoil(client, 13, false))
	require.Equal(t, uint16(0xFF00), client.writes[0].value)
	require.Equal(t, uint16(0x0000), client.writes[1].value)
}

func TestWriteCoilsBatch(t *testing.T) {
	client := &testClient{}
	results, err := WriteCoils(client, 4, []bool{true, false, true})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, uint16(4), results[0].Address)
	require.Equal(t, uint16(6), results[2].Address)
	for _, result := range results {
		require.NoError(t, result.Err)
	}
	require.Len(t, client.writes, 1, "batch goes out in one call")
	require.Equal(t, []byte{0x05}, client.writes[0].payload)
}

func TestWriteCoilsBatchFailureMarksAll(t *testing.T) {
	client := &testClient{failWith: errors.New("broken pipe")}
	results, err := WriteCoils(client, 0, []bool{true, true})
	require.Error(t, err)
	for _, result := range results {
		require.Error(t, result.Err)
		require.Equal(t, faults.KindConnection, faults.KindOf(result.Err))
	}
}

func TestWriteCoilsEmptyBatch(t *testing.T) {
	client := &testClient{}
	_, err := WriteCoils(client, 0, nil)
	require.True(t, faults.IsValidation(err))
	require.Empty(t, client.writes)
}

func TestWriteParameterSingleWord(t *testing.T) {
	client := &testClient{}
	rng := holdingRange(200, 4)
	p := config.ParameterConfig{Name: "setpoint", Type: config.TypeInt16, Order: config.OrderAB, Offset: 1, Words: 1}
	require.NoError(t, WriteParameter(client, rng, p, int64(-5)))
	require.Equal(t, "single_register", client.writes[0].op)
	require.Equal(t, uint16(201), client.writes[0].address)
	require.Equal(t, uint16(0xFFFB), client.writes[0].value)
}

func TestWriteParameterMultiWord(t *testing.T) {
	client := &testClient{}
	rng := holdingRange(0, 4)
	p := config.ParameterConfig{Name: "target", Type: config.TypeFloat32, Order: config.OrderCDAB, Offset: 2, Words: 2}
	require.NoError(t, WriteParameter(client, rng, p, 1.0))
	require.Equal(t, "multi_register", client.writes[0].op)
	require.Equal(t, uint16(2), client.writes[0].address)
	// 1.0 is 0x3F800000; CDAB puts the low word first.
	require.Equal(t, packWords(0x0000, 0x3F80), client.writes[0].payload)
}

func TestWriteParameterRejectsReadOnlyRange(t *testing.T) {
	client := &testClient{}
	rng := config.RegisterRangeConfig{Start: 0, Count: 4, Function: config.FunctionInput}
	p := config.ParameterConfig{Name: "ro", Type: config.TypeInt16, Order: config.OrderAB, Offset: 0, Words: 1}
	err := WriteParameter(client, rng, p, int64(1))
	require.True(t, faults.IsValidation(err))
	require.Empty(t, client.writes)
}

func TestClassifyModbusException(t *testing.T) {
	client := &testClient{failWith: &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 2}}
	_, err := ReadRange(client, holdingRange(0, 1))
	require.Equal(t, faults.KindProtocol, faults.KindOf(err))
}
