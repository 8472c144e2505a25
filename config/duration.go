package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that reads Go duration strings ("30s", "5m"), day
// counts ("14d"), "infinity", or nanosecond numbers.
type Duration time.Duration

// Infinity never expires.
const Infinity = Duration(1<<63 - 1)

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Ptr returns a pointer to d as a time.Duration, or nil for a nil d.
func (d *Duration) Ptr() *time.Duration {
	if d == nil {
		return nil
	}
	v := time.Duration(*d)
	return &v
}

func (d Duration) String() string {
	if d == Infinity {
		return "infinity"
	}
	return time.Duration(d).String()
}

// MarshalJSON encodes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := ParseDuration(x)
		if err != nil {
			return err
		}
		*d = parsed
	case float64:
		*d = Duration(x)
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

// ParseDuration parses durations that may use a day suffix or "infinity".
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "infinity") {
		return Infinity, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return Duration(time.Duration(n) * 24 * time.Hour), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(v), nil
}
