package dispatch

import (
	"math"

	"github.com/zjrosen/relay/internal/fault"
)

// Options carries the per-submission generation settings forwarded to the
// tool. Keys are enumerated; anything else is rejected.
type Options map[string]any

type optionRange struct {
	min, max float64
	integer  bool
}

var knownOptions = map[string]optionRange{
	"temperature":       {min: 0, max: 2},
	"max_tokens":        {min: 1, max: 4000, integer: true},
	"top_p":             {min: 0, max: 1},
	"frequency_penalty": {min: -2, max: 2},
	"presence_penalty":  {min: -2, max: 2},
}

// Validate checks every option against its allowed range and rejects
// unknown keys.
func (o Options) Validate() error {
	for key, raw := range o {
		bounds, ok := knownOptions[key]
		if !ok {
			return fault.Newf(fault.Validation, "unknown option %q", key)
		}

		val, ok := numeric(raw)
		if !ok {
			return fault.Newf(fault.Validation, "option %q must be numeric", key)
		}
		if bounds.integer && val != math.Trunc(val) {
			return fault.Newf(fault.Validation, "option %q must be an integer", key)
		}
		if val < bounds.min || val > bounds.max {
			return fault.Newf(fault.Validation, "option %q out of range [%v, %v]",
				key, bounds.min, bounds.max)
		}
	}
	return nil
}

// numeric coerces the decoded value. JSON decoding yields float64; typed
// callers may pass ints directly.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
