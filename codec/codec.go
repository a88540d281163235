// Package codec converts raw 16-bit register words into typed engineering
// values and back. Conversions are pure: the same words, parameter layout and
// byte order always produce the same value, and every byte-order transform is
// an involution, so encoding applies the same reordering as decoding.
package codec

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"regmon/faults"
	"regmon/internal/config"
)

var (
	// ErrInvalidByteOrder marks an ordering that is not valid for the data
	// type's width.
	ErrInvalidByteOrder = errors.New("invalid byte order for data type")
	// ErrValueOutOfRange marks an encode input that cannot be represented
	// in the target width.
	ErrValueOutOfRange = errors.New("value out of range")
)

// Decode extracts the parameter's value from a block of raw register words.
// The words slice starts at the owning range's start address; the parameter's
// offset is relative to it.
func Decode(words []uint16, p config.ParameterConfig) (interface{}, error) {
	if int(p.Offset)+int(p.Words) > len(words) {
		return nil, faults.New(faults.KindValidation, "codec.decode",
			"parameter %s: offset %d + words %d exceeds block of %d words", p.Name, p.Offset, p.Words, len(words))
	}
	raw := words[p.Offset : p.Offset+p.Words]

	switch p.Type {
	case config.TypeBool:
		w, err := reorder16(raw[0], p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		return w != 0, nil
	case config.TypeInt16, config.TypeUint16:
		w, err := reorder16(raw[0], p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		if p.Type == config.TypeInt16 || p.Signed {
			return scaleInt(int64(int16(w)), p), nil
		}
		return scaleInt(int64(w), p), nil
	case config.TypeInt32, config.TypeUint32:
		u, err := reorder32(raw, p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		if p.Type == config.TypeInt32 || p.Signed {
			return scaleInt(int64(int32(u)), p), nil
		}
		return scaleInt(int64(u), p), nil
	case config.TypeFloat32:
		u, err := reorder32(raw, p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		return scaleFloat(float64(math.Float32frombits(u)), p), nil
	case config.TypeFloat64:
		u, err := reorder64(raw, p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		return scaleFloat(math.Float64frombits(u), p), nil
	case config.TypeString:
		return decodeString(raw), nil
	default:
		return nil, faults.New(faults.KindValidation, "codec.decode", "parameter %s: unsupported data type %q", p.Name, p.Type)
	}
}

// Encode renders a value into the register words the parameter occupies.
// Scaling is inverted before encoding, so Encode(Decode(w)) returns w.
func Encode(value interface{}, p config.ParameterConfig) ([]uint16, error) {
	switch p.Type {
	case config.TypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, faults.New(faults.KindValidation, "codec.encode", "parameter %s: expected bool, got %T", p.Name, value)
		}
		var w uint16
		if b {
			w = 1
		}
		out, err := reorder16(w, p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		return []uint16{out}, nil
	case config.TypeInt16, config.TypeUint16, config.TypeInt32, config.TypeUint32:
		raw, err := unscaleInt(value, p)
		if err != nil {
			return nil, err
		}
		return encodeInt(raw, p)
	case config.TypeFloat32:
		f, ok := toFloat(value)
		if !ok {
			return nil, faults.New(faults.KindValidation, "codec.encode", "parameter %s: expected numeric value, got %T", p.Name, value)
		}
		f = unscaleFloat(f, p)
		if math.Abs(f) > math.MaxFloat32 {
			return nil, wrapRange(p, f)
		}
		bits := math.Float32bits(float32(f))
		words := []uint16{uint16(bits >> 16), uint16(bits)}
		out, err := reorderWords32(words, p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		return out, nil
	case config.TypeFloat64:
		f, ok := toFloat(value)
		if !ok {
			return nil, faults.New(faults.KindValidation, "codec.encode", "parameter %s: expected numeric value, got %T", p.Name, value)
		}
		f = unscaleFloat(f, p)
		bits := math.Float64bits(f)
		words := []uint16{uint16(bits >> 48), uint16(bits >> 32), uint16(bits >> 16), uint16(bits)}
		out, err := reorderWords64(words, p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		return out, nil
	case config.TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, faults.New(faults.KindValidation, "codec.encode", "parameter %s: expected string, got %T", p.Name, value)
		}
		return encodeString(s, int(p.Words)), nil
	default:
		return nil, faults.New(faults.KindValidation, "codec.encode", "parameter %s: unsupported data type %q", p.Name, p.Type)
	}
}

func wrapOrder(p config.ParameterConfig, err error) error {
	return faults.Wrap(faults.KindValidation, "codec", fmt.Errorf("parameter %s: %w", p.Name, err))
}

func wrapRange(p config.ParameterConfig, v interface{}) error {
	return faults.Wrap(faults.KindValidation, "codec",
		fmt.Errorf("parameter %s: %w: %v does not fit %s", p.Name, ErrValueOutOfRange, v, p.Type))
}

// reorder16 applies a 16-bit ordering. AB is the native word; BA swaps its
// two bytes. The transform is its own inverse.
func reorder16(w uint16, order config.ByteOrder) (uint16, error) {
	switch order {
	case config.OrderAB:
		return w, nil
	case config.OrderBA:
		return w>>8 | w<<8, nil
	default:
		return 0, fmt.Errorf("%w: %s for 16-bit value", ErrInvalidByteOrder, order)
	}
}

// reorder32 folds two words into a 32-bit value under the given ordering.
func reorder32(raw []uint16, order config.ByteOrder) (uint32, error) {
	words, err := reorderWords32(raw, order)
	if err != nil {
		return 0, err
	}
	return uint32(words[0])<<16 | uint32(words[1]), nil
}

// reorderWords32 rearranges a two-word group. CDAB swaps the words keeping
// their internal byte order, BADC swaps the bytes inside each word, DCBA does
// both (a full byte reversal).
func reorderWords32(raw []uint16, order config.ByteOrder) ([]uint16, error) {
	if len(raw) != 2 {
		return nil, fmt.Errorf("expected 2 words, got %d", len(raw))
	}
	bswap := func(w uint16) uint16 { return w>>8 | w<<8 }
	switch order {
	case config.OrderABCD:
		return []uint16{raw[0], raw[1]}, nil
	case config.OrderCDAB:
		return []uint16{raw[1], raw[0]}, nil
	case config.OrderBADC:
		return []uint16{bswap(raw[0]), bswap(raw[1])}, nil
	case config.OrderDCBA:
		return []uint16{bswap(raw[1]), bswap(raw[0])}, nil
	default:
		return nil, fmt.Errorf("%w: %s for 32-bit value", ErrInvalidByteOrder, order)
	}
}

// reorder64 folds four words into a 64-bit value. The four orderings apply at
// 32-bit half-word granularity: CDAB swaps the two halves, BADC swaps the two
// words inside each half, DCBA does both.
func reorder64(raw []uint16, order config.ByteOrder) (uint64, error) {
	words, err := reorderWords64(raw, order)
	if err != nil {
		return 0, err
	}
	return uint64(words[0])<<48 | uint64(words[1])<<32 | uint64(words[2])<<16 | uint64(words[3]), nil
}

func reorderWords64(raw []uint16, order config.ByteOrder) ([]uint16, error) {
	if len(raw) != 4 {
		return nil, fmt.Errorf("expected 4 words, got %d", len(raw))
	}
	switch order {
	case config.OrderABCD:
		return []uint16{raw[0], raw[1], raw[2], raw[3]}, nil
	case config.OrderCDAB:
		return []uint16{raw[2], raw[3], raw[0], raw[1]}, nil
	case config.OrderBADC:
		return []uint16{raw[1], raw[0], raw[3], raw[2]}, nil
	case config.OrderDCBA:
		return []uint16{raw[3], raw[2], raw[1], raw[0]}, nil
	default:
		return nil, fmt.Errorf("%w: %s for 64-bit value", ErrInvalidByteOrder, order)
	}
}

func encodeInt(raw int64, p config.ParameterConfig) ([]uint16, error) {
	switch p.Type {
	case config.TypeInt16:
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return nil, wrapRange(p, raw)
		}
		out, err := reorder16(uint16(int16(raw)), p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		return []uint16{out}, nil
	case config.TypeUint16:
		if p.Signed {
			if raw < math.MinInt16 || raw > math.MaxInt16 {
				return nil, wrapRange(p, raw)
			}
		} else if raw < 0 || raw > math.MaxUint16 {
			return nil, wrapRange(p, raw)
		}
		out, err := reorder16(uint16(raw), p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		return []uint16{out}, nil
	case config.TypeInt32:
		if raw < math.MinInt32 || raw > math.MaxInt32 {
			return nil, wrapRange(p, raw)
		}
		out, err := reorderWords32([]uint16{uint16(uint32(raw) >> 16), uint16(uint32(raw))}, p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		return out, nil
	case config.TypeUint32:
		if p.Signed {
			if raw < math.MinInt32 || raw > math.MaxInt32 {
				return nil, wrapRange(p, raw)
			}
		} else if raw < 0 || raw > math.MaxUint32 {
			return nil, wrapRange(p, raw)
		}
		out, err := reorderWords32([]uint16{uint16(uint32(raw) >> 16), uint16(uint32(raw))}, p.Order)
		if err != nil {
			return nil, wrapOrder(p, err)
		}
		return out, nil
	default:
		return nil, faults.New(faults.KindValidation, "codec.encode", "parameter %s: %s is not an integer type", p.Name, p.Type)
	}
}

func decodeString(raw []uint16) string {
	buf := make([]byte, 0, len(raw)*2)
	for _, w := range raw {
		buf = append(buf, byte(w>>8), byte(w))
	}
	if i := strings.IndexByte(string(buf), 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

func encodeString(s string, words int) []uint16 {
	buf := make([]byte, words*2)
	copy(buf, s)
	out := make([]uint16, words)
	for i := range out {
		out[i] = uint16(buf[2*i])<<8 | uint16(buf[2*i+1])
	}
	return out
}

// scaleInt applies the scaling factor to a raw integer. Unscaled parameters
// stay integral; scaled ones become floats rounded to the configured decimal
// precision so repeated decodes compare cleanly.
func scaleInt(raw int64, p config.ParameterConfig) interface{} {
	if !scaled(p) {
		return raw
	}
	d := decimal.NewFromInt(raw).Mul(decimal.NewFromFloat(effectiveScale(p)))
	if p.Decimals > 0 {
		d = d.Round(p.Decimals)
	}
	return d.InexactFloat64()
}

func scaleFloat(f float64, p config.ParameterConfig) float64 {
	if !scaled(p) {
		return f
	}
	d := decimal.NewFromFloat(f).Mul(decimal.NewFromFloat(effectiveScale(p)))
	if p.Decimals > 0 {
		d = d.Round(p.Decimals)
	}
	return d.InexactFloat64()
}

// unscaleInt inverts the scaling factor and rounds to the nearest raw count.
func unscaleInt(value interface{}, p config.ParameterConfig) (int64, error) {
	if i, ok := toInt(value); ok && !scaled(p) {
		return i, nil
	}
	f, ok := toFloat(value)
	if !ok {
		return 0, faults.New(faults.KindValidation, "codec.encode", "parameter %s: expected numeric value, got %T", p.Name, value)
	}
	d := decimal.NewFromFloat(f)
	if scaled(p) {
		d = d.Div(decimal.NewFromFloat(effectiveScale(p)))
	}
	raw := d.Round(0)
	if raw.Cmp(decimal.NewFromInt(math.MaxInt64)) > 0 || raw.Cmp(decimal.NewFromInt(math.MinInt64)) < 0 {
		return 0, wrapRange(p, value)
	}
	return raw.IntPart(), nil
}

func unscaleFloat(f float64, p config.ParameterConfig) float64 {
	if !scaled(p) {
		return f
	}
	return decimal.NewFromFloat(f).Div(decimal.NewFromFloat(effectiveScale(p))).InexactFloat64()
}

func scaled(p config.ParameterConfig) bool {
	return p.Scale != 0 && p.Scale != 1
}

func effectiveScale(p config.ParameterConfig) float64 {
	if p.Scale == 0 {
		return 1
	}
	return p.Scale
}

// Epsilon returns the comparison tolerance for a parameter: half a unit in
// the last configured decimal place, or a small default for raw floats.
func Epsilon(p config.ParameterConfig) float64 {
	if p.Decimals > 0 {
		return 0.5 * math.Pow(10, -float64(p.Decimals))
	}
	switch p.Type {
	case config.TypeFloat32, config.TypeFloat64:
		return 1e-9
	default:
		return 0
	}
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case float32:
		return toFloat(float64(v))
	case int:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	default:
		return 0, false
	}
}

func toInt(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}
