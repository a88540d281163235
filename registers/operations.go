// Package registers performs typed read and write operations against a live
// device session: block reads of coil/discrete/holding/input ranges, batched
// parameter decoding with partial-failure semantics, and single or batched
// writes. All geometry is validated before anything touches the wire.
package registers

import (
	"errors"
	"fmt"

	"github.com/goburrow/modbus"

	"regmon/codec"
	"regmon/connection"
	"regmon/faults"
	"regmon/internal/config"
)

// Protocol limits for a single request.
const (
	maxReadBits       = 2000
	maxReadRegisters  = 125
	maxWriteCoils     = 1968
	maxWriteRegisters = 123
)

// Block is the raw result of one range read, kept alongside decoded values
// for diagnostics.
type Block struct {
	Function config.RegisterFunction
	Start    uint16
	Words    []uint16
	Bits     []bool
}

// Reading is one decoded parameter. A decode failure is recorded on the
// reading itself so one bad parameter definition cannot blank out the rest of
// a valid block read.
type Reading struct {
	Name  string
	Value interface{}
	Unit  string
	Err   error
}

// ReadRange issues the function-code-appropriate read for the whole range and
// returns the raw words or bits. Nothing is decoded here.
func ReadRange(client connection.Client, rng config.RegisterRangeConfig) (Block, error) {
	block := Block{Function: rng.Function, Start: rng.Start}
	if err := validateRange(rng); err != nil {
		return block, err
	}

	var payload []byte
	var err error
	switch rng.Function {
	case config.FunctionCoil:
		payload, err = client.ReadCoils(rng.Start, rng.Count)
	case config.FunctionDiscrete:
		payload, err = client.ReadDiscreteInputs(rng.Start, rng.Count)
	case config.FunctionHolding:
		payload, err = client.ReadHoldingRegisters(rng.Start, rng.Count)
	case config.FunctionInput:
		payload, err = client.ReadInputRegisters(rng.Start, rng.Count)
	default:
		return block, faults.New(faults.KindValidation, "registers.read", "unsupported function %q", rng.Function)
	}
	if err != nil {
		return block, classify("registers.read", err)
	}

	if rng.Function.Bits() {
		bits, err := unpackBits(payload, int(rng.Count))
		if err != nil {
			return block, err
		}
		block.Bits = bits
		return block, nil
	}
	words, err := unpackWords(payload, int(rng.Count))
	if err != nil {
		return block, err
	}
	block.Words = words
	return block, nil
}

// ReadParameters reads the range once and decodes every configured parameter
// from it. A failure decoding one parameter is recorded on its reading; the
// remaining parameters still decode. The raw block is returned for
// diagnostics. The error is non-nil only when the range read itself failed.
func ReadParameters(client connection.Client, rng config.RegisterRangeConfig) ([]Reading, Block, error) {
	block, err := ReadRange(client, rng)
	if err != nil {
		return nil, block, err
	}
	readings := make([]Reading, 0, len(rng.Parameters))
	for _, p := range rng.Parameters {
		reading := Reading{Name: p.Name, Unit: p.Unit}
		if rng.Function.Bits() {
			if int(p.Offset) >= len(block.Bits) {
				reading.Err = faults.New(faults.KindDecode, "registers.decode", "parameter %s: bit offset %d out of range", p.Name, p.Offset)
			} else {
				reading.Value = block.Bits[p.Offset]
			}
		} else {
			value, err := codec.Decode(block.Words, p)
			if err != nil {
				reading.Err = faults.Wrap(faults.KindDecode, "registers.decode", err)
			} else {
				reading.Value = value
			}
		}
		readings = append(readings, reading)
	}
	return readings, block, nil
}

// WriteCoil writes a single coil.
func WriteCoil(client connection.Client, address uint16, value bool) error {
	var raw uint16
	if value {
		raw = 0xFF00
	}
	_, err := client.WriteSingleCoil(address, raw)
	return classify("registers.write_coil", err)
}

// CoilResult reports the outcome of one element of a batched coil write.
type CoilResult struct {
	Address uint16
	Value   bool
	Err     error
}

// WriteCoils writes a contiguous batch of coils in one transport call. The
// call is all-or-nothing on the wire, but the outcome is reported per coil so
// callers can tell a rejected batch from an applied one.
func WriteCoils(client connection.Client, start uint16, values []bool) ([]CoilResult, error) {
	results := make([]CoilResult, len(values))
	for i, v := range values {
		results[i] = CoilResult{Address: start + uint16(i), Value: v}
	}
	if len(values) == 0 {
		return results, faults.New(faults.KindValidation, "registers.write_coils", "empty coil batch")
	}
	if len(values) > maxWriteCoils {
		return results, faults.New(faults.KindValidation, "registers.write_coils", "batch of %d coils exceeds protocol limit %d", len(values), maxWriteCoils)
	}
	payload := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			payload[i/8] |= 1 << uint(i%8)
		}
	}
	_, err := client.WriteMultipleCoils(start, uint16(len(values)), payload)
	if err != nil {
		classified := classify("registers.write_coils", err)
		for i := range results {
			results[i].Err = classified
		}
		return results, classified
	}
	return results, nil
}

// WriteParameter encodes a value and writes it into the holding registers the
// parameter occupies within its range.
func WriteParameter(client connection.Client, rng config.RegisterRangeConfig, p config.ParameterConfig, value interface{}) error {
	if rng.Function != config.FunctionHolding {
		return faults.New(faults.KindValidation, "registers.write", "parameter %s lives in a %s range; only holding registers are writable", p.Name, rng.Function)
	}
	if int(p.Offset)+int(p.Words) > int(rng.Count) {
		return faults.New(faults.KindValidation, "registers.write", "parameter %s: offset %d + words %d exceeds range count %d", p.Name, p.Offset, p.Words, rng.Count)
	}
	words, err := codec.Encode(value, p)
	if err != nil {
		return err
	}
	address := rng.Start + p.Offset
	if len(words) == 1 {
		_, err = client.WriteSingleRegister(address, words[0])
		return classify("registers.write", err)
	}
	payload := make([]byte, len(words)*2)
	for i, w := range words {
		payload[2*i] = byte(w >> 8)
		payload[2*i+1] = byte(w)
	}
	_, err = client.WriteMultipleRegisters(address, uint16(len(words)), payload)
	return classify("registers.write", err)
}

func validateRange(rng config.RegisterRangeConfig) error {
	if rng.Count == 0 {
		return faults.New(faults.KindValidation, "registers.read", "range count must be >0")
	}
	if rng.Function.Bits() {
		if rng.Count > maxReadBits {
			return faults.New(faults.KindValidation, "registers.read", "range of %d bits exceeds protocol limit %d", rng.Count, maxReadBits)
		}
	} else if rng.Count > maxReadRegisters {
		return faults.New(faults.KindValidation, "registers.read", "range of %d registers exceeds protocol limit %d", rng.Count, maxReadRegisters)
	}
	if int(rng.Start)+int(rng.Count) > 0x10000 {
		return faults.New(faults.KindValidation, "registers.read", "range %d+%d exceeds the 16-bit address space", rng.Start, rng.Count)
	}
	return nil
}

// unpackWords converts a big-endian register payload into words.
func unpackWords(payload []byte, count int) ([]uint16, error) {
	if len(payload) < count*2 {
		return nil, faults.New(faults.KindProtocol, "registers.read", "short register payload: got %d bytes, want %d", len(payload), count*2)
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = uint16(payload[2*i])<<8 | uint16(payload[2*i+1])
	}
	return words, nil
}

// unpackBits expands a packed LSB-first bit payload.
func unpackBits(payload []byte, count int) ([]bool, error) {
	if len(payload) < (count+7)/8 {
		return nil, faults.New(faults.KindProtocol, "registers.read", "short bit payload: got %d bytes, want %d", len(payload), (count+7)/8)
	}
	bits := make([]bool, count)
	for i := range bits {
		bits[i] = payload[i/8]>>(uint(i)%8)&0x01 == 1
	}
	return bits, nil
}

// classify maps transport errors onto the shared taxonomy: device exception
// responses are protocol errors, deadline expiries are timeouts, everything
// else is a connection failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *modbus.ModbusError
	if errors.As(err, &me) {
		return faults.Wrap(faults.KindProtocol, op, err)
	}
	if faults.IsTimeout(err) {
		return faults.Wrap(faults.KindTimeout, op, err)
	}
	return faults.Wrap(faults.KindConnection, op, fmt.Errorf("transport: %w", err))
}
