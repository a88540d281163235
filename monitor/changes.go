package monitor

import (
	"regmon/codec"
	"regmon/internal/config"
)

// DetectChanges compares two snapshots of the same device and returns the
// names of parameters whose value moved beyond the parameter's resolution
// threshold. A nil previous snapshot marks every successful reading as
// changed. Readings that failed to decode never report a change.
func DetectChanges(device config.DeviceConfig, previous, current *Snapshot) []string {
	if current == nil {
		return nil
	}
	var changed []string
	for _, reading := range current.Readings {
		if reading.Err != nil {
			continue
		}
		before, ok := previous.Reading(reading.Name)
		if !ok || before.Err != nil {
			changed = append(changed, reading.Name)
			continue
		}
		if _, param, found := device.FindParameter(reading.Name); found {
			if valueChanged(before.Value, reading.Value, codec.Epsilon(param)) {
				changed = append(changed, reading.Name)
			}
			continue
		}
		if before.Value != reading.Value {
			changed = append(changed, reading.Name)
		}
	}
	return changed
}

// valueChanged applies the epsilon threshold to numeric values and exact
// comparison to everything else.
func valueChanged(before, after interface{}, epsilon float64) bool {
	b, bNum := asFloat(before)
	a, aNum := asFloat(after)
	if bNum && aNum {
		diff := a - b
		if diff < 0 {
			diff = -diff
		}
		return diff > epsilon
	}
	return before != after
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case int16:
		return float64(v), true
	case int:
		return float64(v), true
	case uint64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint16:
		return float64(v), true
	default:
		return 0, false
	}
}
